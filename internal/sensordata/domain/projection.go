package sensordata

// Projection sizes used by the dashboard.
const (
	DefaultRecentN   = 10
	DefaultTableRows = 20
)

// CategoryTotal is the summed value of one category.
type CategoryTotal struct {
	Category string  `json:"sensor_type"`
	Total    float64 `json:"total"`
}

// CategoryTotals groups records by category and sums their values.
// Groups keep the order in which each category first appears.
func CategoryTotals(records []Record) []CategoryTotal {
	if len(records) == 0 {
		return []CategoryTotal{}
	}
	index := make(map[string]int)
	totals := make([]CategoryTotal, 0)
	for _, r := range records {
		i, ok := index[r.Category]
		if !ok {
			i = len(totals)
			index[r.Category] = i
			totals = append(totals, CategoryTotal{Category: r.Category})
		}
		totals[i].Total += r.Value
	}
	return totals
}

// RecentSeries returns the last n records in snapshot order.
func RecentSeries(records []Record, n int) []Record {
	if n <= 0 || len(records) == 0 {
		return []Record{}
	}
	if len(records) < n {
		n = len(records)
	}
	out := make([]Record, n)
	copy(out, records[len(records)-n:])
	return out
}

// Table returns the last n records, newest snapshot position first.
func Table(records []Record, n int) []Record {
	recent := RecentSeries(records, n)
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent
}

// Stats are the summary cards shown above the charts.
type Stats struct {
	Total        int     `json:"total"`
	Sensors      int     `json:"sensors"`
	Categories   int     `json:"categories"`
	AverageValue float64 `json:"average_value"`
}

// ComputeStats summarises a snapshot.
func ComputeStats(records []Record) Stats {
	if len(records) == 0 {
		return Stats{}
	}
	sensors := make(map[string]struct{})
	categories := make(map[string]struct{})
	var sum float64
	for _, r := range records {
		sensors[r.SensorID] = struct{}{}
		categories[r.Category] = struct{}{}
		sum += r.Value
	}
	return Stats{
		Total:        len(records),
		Sensors:      len(sensors),
		Categories:   len(categories),
		AverageValue: sum / float64(len(records)),
	}
}
