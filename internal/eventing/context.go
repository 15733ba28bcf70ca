package eventing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const contextKeyEnvelope contextKey = "eventing.envelope"

// Envelope carries delivery metadata for one published event.
type Envelope struct {
	EventID    string
	EventType  string
	OccurredAt time.Time
}

func newEnvelope(eventType string) Envelope {
	return Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
	}
}

// WithEnvelope attaches envelope metadata to context.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKeyEnvelope, env)
}

// EnvelopeFromContext returns envelope metadata if available.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	if ctx == nil {
		return Envelope{}, false
	}
	env, ok := ctx.Value(contextKeyEnvelope).(Envelope)
	return env, ok
}
