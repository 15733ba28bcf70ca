package application

import (
	"time"

	sensordata "mobility-hub/internal/sensordata/domain"
)

// SnapshotReplaced is published after a successful poll replaced the snapshot.
type SnapshotReplaced struct {
	Records  []sensordata.Record
	Sequence uint64
	At       time.Time
}

// PollFailed is published after a transient poll failure. The previous
// snapshot is still current.
type PollFailed struct {
	Err      error
	Sequence uint64
	At       time.Time
}
