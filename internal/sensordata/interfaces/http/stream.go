package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"mobility-hub/internal/sensordata/application"
	sensordata "mobility-hub/internal/sensordata/domain"
)

type streamMessage struct {
	event   string
	payload []byte
}

// SSEBroker fans out loop events to connected clients. Slow clients miss
// messages rather than block the publisher.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[chan streamMessage]struct{}
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[chan streamMessage]struct{})}
}

type snapshotEvent struct {
	Sequence uint64                     `json:"sequence"`
	At       time.Time                  `json:"at"`
	Stats    sensordata.Stats           `json:"stats"`
	Totals   []sensordata.CategoryTotal `json:"totals"`
	Recent   []sensordata.Record        `json:"recent"`
}

type pollFailedEvent struct {
	Sequence uint64    `json:"sequence"`
	At       time.Time `json:"at"`
	Error    string    `json:"error"`
}

// HandleSnapshotReplaced pushes a snapshot digest.
func (b *SSEBroker) HandleSnapshotReplaced(_ context.Context, evt application.SnapshotReplaced) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(snapshotEvent{
		Sequence: evt.Sequence,
		At:       evt.At,
		Stats:    sensordata.ComputeStats(evt.Records),
		Totals:   sensordata.CategoryTotals(evt.Records),
		Recent:   sensordata.RecentSeries(evt.Records, sensordata.DefaultRecentN),
	})
	if err != nil {
		return err
	}
	b.broadcast(streamMessage{event: "snapshot", payload: payload})
	return nil
}

// HandlePollFailed pushes the error indicator.
func (b *SSEBroker) HandlePollFailed(_ context.Context, evt application.PollFailed) error {
	if b == nil {
		return nil
	}
	msg := pollFailedEvent{Sequence: evt.Sequence, At: evt.At}
	if evt.Err != nil {
		msg.Error = evt.Err.Error()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.broadcast(streamMessage{event: "poll_failed", payload: payload})
	return nil
}

// Subscribe registers a new client channel.
func (b *SSEBroker) Subscribe() chan streamMessage {
	if b == nil {
		return nil
	}
	ch := make(chan streamMessage, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client channel.
func (b *SSEBroker) Unsubscribe(ch chan streamMessage) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

// Clients returns the number of connected clients.
func (b *SSEBroker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *SSEBroker) broadcast(msg streamMessage) {
	// Sends never block, so they happen under the lock; Unsubscribe cannot
	// close a channel mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// ServeStream handles GET /api/v1/stream.
func (b *SSEBroker) ServeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "stream unsupported")
		return
	}

	ch := b.Subscribe()
	if ch == nil {
		writeError(w, http.StatusServiceUnavailable, "stream not ready")
		return
	}
	defer b.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: " + msg.event + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg.payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-notify:
			return
		}
	}
}
