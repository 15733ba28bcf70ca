package sensordata

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Known categories offered by the dashboard form. The set is open ended:
// records with other categories are accepted as-is.
const (
	CategoryTemperature = "temperature"
	CategoryHumidity    = "humidity"
	CategoryAir         = "air"
	CategoryPressure    = "pressure"
	CategoryNoise       = "noise"
	CategoryMotion      = "motion"
)

const maxSensorIDLen = 64

// ErrTransient marks a network or server failure on a poll or write.
var ErrTransient = errors.New("sensordata: transient fetch error")

// ValidationError reports a field that failed a client-side or boundary check.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sensordata: invalid %s: %s", e.Field, e.Reason)
}

// Location is an optional geolocation in degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Record is a server-assigned sensor reading. Records are never mutated.
type Record struct {
	ID        int64     `json:"id"`
	SensorID  string    `json:"sensor_id"`
	Category  string    `json:"sensor_type"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Location  *Location `json:"location,omitempty"`
}

// Validate checks the shape of a record decoded from the hub.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Category) == "" {
		return &ValidationError{Field: "sensor_type", Reason: "empty"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return &ValidationError{Field: "value", Reason: "not a finite number"}
	}
	return nil
}

// Reading is a client-submitted sensor value for the ingestion endpoint.
type Reading struct {
	SensorID  string
	Category  string
	Value     float64
	Location  Location
	Timestamp time.Time
}

// Validate enforces the constraints the dashboard form applies before submit.
func (r Reading) Validate() error {
	id := strings.TrimSpace(r.SensorID)
	if id == "" {
		return &ValidationError{Field: "sensor_id", Reason: "required"}
	}
	if len(id) > maxSensorIDLen {
		return &ValidationError{Field: "sensor_id", Reason: fmt.Sprintf("longer than %d characters", maxSensorIDLen)}
	}
	if strings.TrimSpace(r.Category) == "" {
		return &ValidationError{Field: "sensor_type", Reason: "required"}
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return &ValidationError{Field: "value", Reason: "not a finite number"}
	}
	if r.Location.Latitude < -90 || r.Location.Latitude > 90 {
		return &ValidationError{Field: "latitude", Reason: "out of range [-90, 90]"}
	}
	if r.Location.Longitude < -180 || r.Location.Longitude > 180 {
		return &ValidationError{Field: "longitude", Reason: "out of range [-180, 180]"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	return nil
}
