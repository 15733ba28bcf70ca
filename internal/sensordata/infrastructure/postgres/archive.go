package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mobility-hub/internal/observability/metrics"
	"mobility-hub/internal/sensordata/application"
	sensordata "mobility-hub/internal/sensordata/domain"
)

const (
	sinkName      = "archive"
	upsertTimeout = 10 * time.Second
)

// Archive keeps every polled record in Postgres. Records are keyed by the
// hub id, so re-polling the same window is idempotent.
type Archive struct {
	db *sql.DB
}

// NewArchive constructs an archive.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// EnsureSchema creates the archive table when missing.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if a == nil || a.db == nil {
		return errors.New("sensor archive: nil db")
	}
	_, err := a.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS sensor_readings (
	id BIGINT PRIMARY KEY,
	sensor_id TEXT NOT NULL,
	sensor_type TEXT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	latitude DOUBLE PRECISION NULL,
	longitude DOUBLE PRECISION NULL,
	archived_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("sensor archive schema: %w", err)
	}
	return nil
}

// Upsert stores records in one transaction.
func (a *Archive) Upsert(ctx context.Context, records []sensordata.Record) error {
	if a == nil || a.db == nil {
		return errors.New("sensor archive: nil db")
	}
	if len(records) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	for _, record := range records {
		var lat, lon sql.NullFloat64
		if record.Location != nil {
			lat = sql.NullFloat64{Float64: record.Location.Latitude, Valid: true}
			lon = sql.NullFloat64{Float64: record.Location.Longitude, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO sensor_readings (id, sensor_id, sensor_type, value, ts, latitude, longitude, archived_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id)
DO UPDATE SET sensor_id = EXCLUDED.sensor_id,
	sensor_type = EXCLUDED.sensor_type,
	value = EXCLUDED.value,
	ts = EXCLUDED.ts,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	archived_at = EXCLUDED.archived_at`,
			record.ID, record.SensorID, record.Category, record.Value, record.Timestamp.UTC(), lat, lon, now)
		if err != nil {
			return fmt.Errorf("sensor archive upsert %d: %w", record.ID, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of archived records.
func (a *Archive) Count(ctx context.Context) (int, error) {
	if a == nil || a.db == nil {
		return 0, errors.New("sensor archive: nil db")
	}
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_readings`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// HandleSnapshotReplaced archives a fresh snapshot. Failures are counted and
// returned to the bus; they never reach the sync loop state.
func (a *Archive) HandleSnapshotReplaced(ctx context.Context, evt application.SnapshotReplaced) error {
	ctx, cancel := context.WithTimeout(ctx, upsertTimeout)
	defer cancel()
	if err := a.Upsert(ctx, evt.Records); err != nil {
		metrics.IncSinkError(sinkName)
		return err
	}
	return nil
}
