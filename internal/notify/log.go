package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// LogSink writes events to the logger. Keys are remembered for the life of
// the process.
type LogSink struct {
	logger zerolog.Logger
	mu     sync.Mutex
	seen   map[string]struct{}
	events []Event
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger, seen: map[string]struct{}{}}
}

func (s *LogSink) Publish(ctx context.Context, ev Event) (bool, error) {
	if err := ev.validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	if _, ok := s.seen[ev.IdempotencyKey]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.seen[ev.IdempotencyKey] = struct{}{}
	s.events = append(s.events, ev)
	s.mu.Unlock()

	s.logger.Info().
		Str("module", ev.Module).
		Str("event", ev.Event).
		Str("key", ev.IdempotencyKey).
		Str("correlation_id", ev.CorrelationID).
		Msg(ev.Message)
	return true, nil
}

// Events returns the delivered events in order.
func (s *LogSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *LogSink) Close() error {
	return nil
}
