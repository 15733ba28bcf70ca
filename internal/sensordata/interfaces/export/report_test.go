package export

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	sensordata "mobility-hub/internal/sensordata/domain"
)

func sampleRecords() []sensordata.Record {
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	records := make([]sensordata.Record, 0, 25)
	for i := 0; i < 25; i++ {
		category := sensordata.CategoryTemperature
		if i%2 == 1 {
			category = sensordata.CategoryHumidity
		}
		records = append(records, sensordata.Record{
			ID:        int64(i + 1),
			SensorID:  "S1",
			Category:  category,
			Value:     float64(i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Location:  &sensordata.Location{Latitude: 19.4326, Longitude: -99.1332},
		})
	}
	return records
}

func TestBuildReport(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	report := BuildReport(sampleRecords(), 20, "Demo Admin", now, errors.New("timeout"), now)

	if len(report.Rows) != 20 || report.Rows[0].ID != 25 {
		t.Fatalf("expected 20 rows newest first, got %d starting at %d", len(report.Rows), report.Rows[0].ID)
	}
	if report.Stats.Total != 25 || len(report.Totals) != 2 {
		t.Fatalf("unexpected summary: %+v %+v", report.Stats, report.Totals)
	}
	if report.Error != "timeout" {
		t.Fatalf("expected error text, got %q", report.Error)
	}
}

func TestBuildPDF(t *testing.T) {
	report := BuildReport(sampleRecords(), 20, "admin", time.Time{}, nil, time.Now())
	data, err := BuildPDF(report)
	if err != nil {
		t.Fatalf("pdf: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("expected pdf header")
	}
}

func TestBuildXLSX(t *testing.T) {
	report := BuildReport(sampleRecords(), 20, "admin", time.Time{}, nil, time.Now())
	data, err := BuildXLSX(report)
	if err != nil {
		t.Fatalf("xlsx: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()

	sensors, err := f.GetCellValue("summary", "B7")
	if err != nil || sensors != "1" {
		t.Fatalf("expected 1 active sensor, got %q (%v)", sensors, err)
	}
	first, err := f.GetCellValue("totals", "A2")
	if err != nil || first != sensordata.CategoryTemperature {
		t.Fatalf("expected temperature first, got %q (%v)", first, err)
	}
	rows, err := f.GetRows("records")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 21 {
		t.Fatalf("expected header plus 20 rows, got %d", len(rows))
	}
}

func TestBuildPDF_EmptySnapshot(t *testing.T) {
	report := BuildReport(nil, 20, "admin", time.Time{}, nil, time.Now())
	if _, err := BuildPDF(report); err != nil {
		t.Fatalf("pdf: %v", err)
	}
	if _, err := BuildXLSX(report); err != nil {
		t.Fatalf("xlsx: %v", err)
	}
}
