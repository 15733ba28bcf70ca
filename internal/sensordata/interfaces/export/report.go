package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	sensordata "mobility-hub/internal/sensordata/domain"
)

// Report is a printable view of one snapshot.
type Report struct {
	GeneratedAt time.Time
	User        string
	LastSuccess time.Time
	Error       string
	Stats       sensordata.Stats
	Totals      []sensordata.CategoryTotal
	Rows        []sensordata.Record
}

// BuildReport assembles a report from snapshot records.
func BuildReport(records []sensordata.Record, rows int, user string, lastSuccess time.Time, pollErr error, now time.Time) Report {
	report := Report{
		GeneratedAt: now.UTC(),
		User:        user,
		LastSuccess: lastSuccess,
		Stats:       sensordata.ComputeStats(records),
		Totals:      sensordata.CategoryTotals(records),
		Rows:        sensordata.Table(records, rows),
	}
	if pollErr != nil {
		report.Error = pollErr.Error()
	}
	return report
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatLocation(loc *sensordata.Location) string {
	if loc == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f, %.4f", loc.Latitude, loc.Longitude)
}

// BuildPDF renders the report as a single page PDF.
func BuildPDF(report Report) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Sensor Snapshot")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("User: %s", report.User))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", formatTime(report.GeneratedAt)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Last successful poll: %s", formatTime(report.LastSuccess)))
	pdf.Ln(5)
	if report.Error != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Last poll error: %s", report.Error))
		pdf.Ln(5)
	}

	pdf.Ln(4)
	pdf.Cell(0, 6, fmt.Sprintf("Records: %d", report.Stats.Total))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Active sensors: %d", report.Stats.Sensors))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Sensor types: %d", report.Stats.Categories))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Average value: %.2f", report.Stats.AverageValue))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 6, "Type", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Total", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, total := range report.Totals {
		pdf.CellFormat(60, 6, total.Category, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, fmt.Sprintf("%.2f", total.Total), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(35, 6, "Sensor", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Type", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Value", "1", 0, "C", false, 0, "")
	pdf.CellFormat(45, 6, "Location", "1", 0, "C", false, 0, "")
	pdf.CellFormat(45, 6, "Timestamp", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, row := range report.Rows {
		pdf.CellFormat(35, 6, row.SensorID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, row.Category, "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%.2f", row.Value), "1", 0, "R", false, 0, "")
		pdf.CellFormat(45, 6, formatLocation(row.Location), "1", 0, "C", false, 0, "")
		pdf.CellFormat(45, 6, formatTime(row.Timestamp), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildXLSX renders the report as a workbook with summary, totals and
// records sheets.
func BuildXLSX(report Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	totalsSheet := "totals"
	recordsSheet := "records"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(totalsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(recordsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Sensor Snapshot")
	_ = f.SetCellValue(summarySheet, "A3", "User")
	_ = f.SetCellValue(summarySheet, "B3", report.User)
	_ = f.SetCellValue(summarySheet, "A4", "Generated")
	_ = f.SetCellValue(summarySheet, "B4", formatTime(report.GeneratedAt))
	_ = f.SetCellValue(summarySheet, "A5", "Last successful poll")
	_ = f.SetCellValue(summarySheet, "B5", formatTime(report.LastSuccess))
	_ = f.SetCellValue(summarySheet, "A6", "Records")
	_ = f.SetCellValue(summarySheet, "B6", report.Stats.Total)
	_ = f.SetCellValue(summarySheet, "A7", "Active sensors")
	_ = f.SetCellValue(summarySheet, "B7", report.Stats.Sensors)
	_ = f.SetCellValue(summarySheet, "A8", "Sensor types")
	_ = f.SetCellValue(summarySheet, "B8", report.Stats.Categories)
	_ = f.SetCellValue(summarySheet, "A9", "Average value")
	_ = f.SetCellValue(summarySheet, "B9", report.Stats.AverageValue)
	if report.Error != "" {
		_ = f.SetCellValue(summarySheet, "A10", "Last poll error")
		_ = f.SetCellValue(summarySheet, "B10", report.Error)
	}

	_ = f.SetCellValue(totalsSheet, "A1", "Type")
	_ = f.SetCellValue(totalsSheet, "B1", "Total")
	for i, total := range report.Totals {
		row := i + 2
		_ = f.SetCellValue(totalsSheet, fmt.Sprintf("A%d", row), total.Category)
		_ = f.SetCellValue(totalsSheet, fmt.Sprintf("B%d", row), total.Total)
	}

	_ = f.SetCellValue(recordsSheet, "A1", "ID")
	_ = f.SetCellValue(recordsSheet, "B1", "Sensor")
	_ = f.SetCellValue(recordsSheet, "C1", "Type")
	_ = f.SetCellValue(recordsSheet, "D1", "Value")
	_ = f.SetCellValue(recordsSheet, "E1", "Latitude")
	_ = f.SetCellValue(recordsSheet, "F1", "Longitude")
	_ = f.SetCellValue(recordsSheet, "G1", "Timestamp")
	for i, rec := range report.Rows {
		row := i + 2
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("A%d", row), rec.ID)
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("B%d", row), rec.SensorID)
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("C%d", row), rec.Category)
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("D%d", row), rec.Value)
		if rec.Location != nil {
			_ = f.SetCellValue(recordsSheet, fmt.Sprintf("E%d", row), rec.Location.Latitude)
			_ = f.SetCellValue(recordsSheet, fmt.Sprintf("F%d", row), rec.Location.Longitude)
		}
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("G%d", row), formatTime(rec.Timestamp))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
