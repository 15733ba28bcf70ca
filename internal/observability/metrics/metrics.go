package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "mobility_hub_"

	resultSuccess      = "success"
	resultError        = "error"
	resultUnauthorized = "unauthorized"
	resultDiscarded    = "discarded"
	resultInvalid      = "invalid"
)

var (
	registerOnce sync.Once

	pollTotal   *prometheus.CounterVec
	pollLatency *prometheus.HistogramVec

	writeTotal *prometheus.CounterVec
	loginTotal *prometheus.CounterVec

	snapshotRecords prometheus.Gauge
	sessionActive   prometheus.Gauge

	sinkErrors *prometheus.CounterVec
)

// Init registers the agent metrics with the default registry.
func Init(logger *slog.Logger) {
	registerOnce.Do(func() {
		pollTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_total",
				Help: "Total sensor listing polls by result",
			},
			[]string{"result"},
		)
		pollLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_latency_seconds",
				Help:    "Sensor listing poll latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		writeTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "write_total",
				Help: "Total sensor reading writes by result",
			},
			[]string{"result"},
		)
		loginTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "login_total",
				Help: "Total login and restore attempts by result",
			},
			[]string{"result"},
		)
		snapshotRecords = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "snapshot_records",
			Help: "Records in the current snapshot",
		})
		sessionActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "session_active",
			Help: "1 when a session is present",
		})
		sinkErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sink_errors_total",
				Help: "Snapshot sink failures by sink",
			},
			[]string{"sink"},
		)

		prometheus.MustRegister(
			pollTotal,
			pollLatency,
			writeTotal,
			loginTotal,
			snapshotRecords,
			sessionActive,
			sinkErrors,
		)
		if logger != nil {
			logger.Debug("metrics registered", "prefix", metricPrefix)
		}
	})
}

// ObservePoll records poll duration and result.
func ObservePoll(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if pollTotal != nil {
		pollTotal.WithLabelValues(result).Inc()
	}
	if pollLatency != nil {
		pollLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncWrite increments the write counter.
func IncWrite(result string) {
	if result == "" {
		result = resultSuccess
	}
	if writeTotal != nil {
		writeTotal.WithLabelValues(result).Inc()
	}
}

// IncLogin increments the login counter.
func IncLogin(result string) {
	if result == "" {
		result = resultSuccess
	}
	if loginTotal != nil {
		loginTotal.WithLabelValues(result).Inc()
	}
}

// SetSnapshotRecords sets the snapshot size gauge.
func SetSnapshotRecords(n int) {
	if snapshotRecords != nil {
		snapshotRecords.Set(float64(n))
	}
}

// SetSessionActive flips the session gauge.
func SetSessionActive(active bool) {
	if sessionActive == nil {
		return
	}
	if active {
		sessionActive.Set(1)
		return
	}
	sessionActive.Set(0)
}

// IncSinkError increments sink failures.
func IncSinkError(sink string) {
	if sink == "" {
		sink = "unknown"
	}
	if sinkErrors != nil {
		sinkErrors.WithLabelValues(sink).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess      = resultSuccess
	ResultError        = resultError
	ResultUnauthorized = resultUnauthorized
	ResultDiscarded    = resultDiscarded
	ResultInvalid      = resultInvalid
)
