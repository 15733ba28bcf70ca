package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mobility-hub/internal/observability/metrics"
	sensordata "mobility-hub/internal/sensordata/domain"
	session "mobility-hub/internal/session/domain"
)

// Ingestor submits readings to the hub.
type Ingestor interface {
	IngestSensorData(ctx context.Context, token string, reading sensordata.Reading) (sensordata.Record, error)
}

// SessionSource exposes the current session.
type SessionSource interface {
	Current() (session.Session, bool)
}

// Refresher triggers an out-of-band poll.
type Refresher interface {
	Refresh() error
}

// Writer submits readings and asks the loop for one refresh on success.
type Writer struct {
	ingestor    Ingestor
	sessions    SessionSource
	refresher   Refresher
	invalidator Invalidator
	clock       Clock
	logger      *slog.Logger
}

// NewWriter constructs a Writer.
func NewWriter(ingestor Ingestor, sessions SessionSource, refresher Refresher, invalidator Invalidator, clock Clock, logger *slog.Logger) (*Writer, error) {
	if ingestor == nil || sessions == nil || refresher == nil {
		return nil, errors.New("sensor writer: missing dependency")
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		ingestor:    ingestor,
		sessions:    sessions,
		refresher:   refresher,
		invalidator: invalidator,
		clock:       clock,
		logger:      logger,
	}, nil
}

// AddReading validates and submits a reading. A zero timestamp is filled
// from the local clock. Only a confirmed write triggers a refresh.
func (w *Writer) AddReading(ctx context.Context, reading sensordata.Reading) (sensordata.Record, error) {
	sess, ok := w.sessions.Current()
	if !ok {
		return sensordata.Record{}, session.ErrNoSession
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = w.clock.Now().UTC()
	}
	if err := reading.Validate(); err != nil {
		metrics.IncWrite(metrics.ResultInvalid)
		return sensordata.Record{}, err
	}

	record, err := w.ingestor.IngestSensorData(ctx, sess.Token, reading)
	if err != nil {
		if errors.Is(err, session.ErrAuth) {
			metrics.IncWrite(metrics.ResultUnauthorized)
			w.logger.Warn("write unauthorized, ending session", "sensor_id", reading.SensorID)
			if w.invalidator != nil {
				w.invalidator.Invalidate(context.WithoutCancel(ctx), sess.Token)
			}
			return sensordata.Record{}, err
		}
		metrics.IncWrite(metrics.ResultError)
		w.logger.Warn("write failed", "sensor_id", reading.SensorID, "err", err)
		return sensordata.Record{}, fmt.Errorf("%w: %w", sensordata.ErrTransient, err)
	}

	metrics.IncWrite(metrics.ResultSuccess)
	w.logger.Info("reading stored", "id", record.ID, "sensor_id", record.SensorID, "sensor_type", record.Category)
	if err := w.refresher.Refresh(); err != nil {
		w.logger.Debug("refresh after write skipped", "err", err)
	}
	return record, nil
}
