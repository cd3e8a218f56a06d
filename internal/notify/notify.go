// Package notify delivers derived notification events (a note was created)
// to downstream consumers. Every sink drops repeated deliveries of the same
// idempotency key.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Event struct {
	Module         string    `json:"module"`
	Event          string    `json:"event"`
	Message        string    `json:"message"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CorrelationID  string    `json:"correlationId"`
	At             time.Time `json:"at"`
}

// Sink publishes events. Publish reports whether the event was delivered;
// false with a nil error means the key was already seen.
type Sink interface {
	Publish(ctx context.Context, ev Event) (bool, error)
	Close() error
}

// NewEvent stamps a correlation id and time onto an event.
func NewEvent(module, event, message, key string) Event {
	return Event{
		Module:         module,
		Event:          event,
		Message:        message,
		IdempotencyKey: key,
		CorrelationID:  uuid.NewString(),
		At:             time.Now().UTC(),
	}
}

func (e Event) validate() error {
	if strings.TrimSpace(e.Module) == "" || strings.TrimSpace(e.Event) == "" {
		return fmt.Errorf("notification module and event are required")
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return fmt.Errorf("notification idempotency key is required")
	}
	return nil
}

// Open builds a sink from a DSN: redis://, rediss://, file:///path/outbox.json,
// log:// or empty for a log-only sink.
func Open(dsn string, logger zerolog.Logger) (Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewLogSink(logger), nil
	}
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("notification dsn %q has no scheme", dsn)
	}
	switch strings.ToLower(scheme) {
	case "redis", "rediss":
		sink, err := NewRedisSink(dsn, logger)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "file":
		outbox, err := NewOutbox(rest, 0)
		if err != nil {
			return nil, err
		}
		return outbox, nil
	case "log":
		return NewLogSink(logger), nil
	default:
		return nil, fmt.Errorf("unsupported notification sink scheme: %s", scheme)
	}
}
