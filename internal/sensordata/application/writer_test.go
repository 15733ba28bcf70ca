package application

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sensordata "mobility-hub/internal/sensordata/domain"
	session "mobility-hub/internal/session/domain"
)

type stubSessions struct {
	sess session.Session
	ok   bool
}

func (s stubSessions) Current() (session.Session, bool) { return s.sess, s.ok }

type stubIngestor struct {
	err      error
	calls    int
	received sensordata.Reading
	token    string
}

func (s *stubIngestor) IngestSensorData(ctx context.Context, token string, reading sensordata.Reading) (sensordata.Record, error) {
	s.calls++
	s.received = reading
	s.token = token
	if s.err != nil {
		return sensordata.Record{}, s.err
	}
	return sensordata.Record{
		ID:        99,
		SensorID:  reading.SensorID,
		Category:  reading.Category,
		Value:     reading.Value,
		Timestamp: reading.Timestamp,
		Location:  &reading.Location,
	}, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type countingRefresher struct {
	calls int
}

func (r *countingRefresher) Refresh() error {
	r.calls++
	return nil
}

var activeSession = stubSessions{
	sess: session.Session{Token: "tok", User: session.User{Username: "admin"}},
	ok:   true,
}

func validReading() sensordata.Reading {
	return sensordata.Reading{
		SensorID: "TEMP_001",
		Category: sensordata.CategoryTemperature,
		Value:    22.5,
		Location: sensordata.Location{Latitude: 19.4326, Longitude: -99.1332},
	}
}

func TestWriter_SuccessRefreshesOnce(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)
	ingestor := &stubIngestor{}
	refresher := &countingRefresher{}
	writer, err := NewWriter(ingestor, activeSession, refresher, nil, fixedClock{now: now}, nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	record, err := writer.AddReading(context.Background(), validReading())
	if err != nil {
		t.Fatalf("add reading: %v", err)
	}
	if record.ID != 99 {
		t.Fatalf("unexpected record %+v", record)
	}
	if !ingestor.received.Timestamp.Equal(now) {
		t.Fatalf("expected clock timestamp, got %v", ingestor.received.Timestamp)
	}
	if ingestor.token != "tok" {
		t.Fatalf("expected session token, got %q", ingestor.token)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected exactly one refresh, got %d", refresher.calls)
	}
}

func TestWriter_Failures(t *testing.T) {
	tests := []struct {
		name        string
		sessions    stubSessions
		reading     func() sensordata.Reading
		ingestErr   error
		wantIngest  int
		check       func(t *testing.T, err error)
		wantInvalid bool
	}{
		{
			name:     "no session",
			sessions: stubSessions{},
			reading:  validReading,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, session.ErrNoSession) {
					t.Fatalf("expected ErrNoSession, got %v", err)
				}
			},
		},
		{
			name:     "invalid latitude",
			sessions: activeSession,
			reading: func() sensordata.Reading {
				r := validReading()
				r.Location.Latitude = 91
				return r
			},
			check: func(t *testing.T, err error) {
				var verr *sensordata.ValidationError
				if !errors.As(err, &verr) || verr.Field != "latitude" {
					t.Fatalf("expected latitude validation error, got %v", err)
				}
			},
		},
		{
			name:       "server error",
			sessions:   activeSession,
			reading:    validReading,
			ingestErr:  errors.New("http 500"),
			wantIngest: 1,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, sensordata.ErrTransient) {
					t.Fatalf("expected transient error, got %v", err)
				}
			},
		},
		{
			name:       "unauthorized",
			sessions:   activeSession,
			reading:    validReading,
			ingestErr:  fmt.Errorf("hub: %w", session.ErrAuth),
			wantIngest: 1,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, session.ErrAuth) || errors.Is(err, sensordata.ErrTransient) {
					t.Fatalf("expected auth error, got %v", err)
				}
			},
			wantInvalid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingestor := &stubIngestor{err: tt.ingestErr}
			refresher := &countingRefresher{}
			inv := &recordingInvalidator{ch: make(chan string, 1)}
			writer, _ := NewWriter(ingestor, tt.sessions, refresher, inv, nil, nil)

			_, err := writer.AddReading(context.Background(), tt.reading())
			tt.check(t, err)
			if ingestor.calls != tt.wantIngest {
				t.Fatalf("expected %d ingest calls, got %d", tt.wantIngest, ingestor.calls)
			}
			if refresher.calls != 0 {
				t.Fatalf("failed write must not refresh")
			}
			select {
			case token := <-inv.ch:
				if !tt.wantInvalid || token != "tok" {
					t.Fatalf("unexpected invalidation of %q", token)
				}
			default:
				if tt.wantInvalid {
					t.Fatalf("expected invalidation")
				}
			}
		})
	}
}

func TestWriter_WriteThenRefreshIssuesOneExtraPoll(t *testing.T) {
	lister := newScriptedLister(listResult{records: []sensordata.Record{rec(1, "air", 3)}})
	loop, _ := NewLoop(lister, WithInterval(time.Hour))
	defer loop.Shutdown()

	_ = loop.Start("tok")
	waitCall(t, lister.calledC)

	writer, _ := NewWriter(&stubIngestor{}, activeSession, loop, nil, nil, nil)
	if _, err := writer.AddReading(context.Background(), validReading()); err != nil {
		t.Fatalf("add reading: %v", err)
	}
	waitCall(t, lister.calledC)

	select {
	case call := <-lister.calledC:
		t.Fatalf("unexpected extra poll #%d", call)
	case <-time.After(50 * time.Millisecond):
	}
	if lister.Calls() != 2 {
		t.Fatalf("expected 2 polls, got %d", lister.Calls())
	}
}
