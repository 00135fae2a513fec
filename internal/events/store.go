package events

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// MemoryStore keeps events in process, in emission order.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// Append implements EventStore.
func (m *MemoryStore) Append(_ context.Context, ev Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return ev, nil
}

// Events returns a copy of the stored events.
func (m *MemoryStore) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// RedisStreamStore appends events to a Redis stream so other services (receipt
// printers, reporting) can consume them.
type RedisStreamStore struct {
	R      *redis.Client
	Stream string
	MaxLen int64
}

// Append implements EventStore.
func (s RedisStreamStore) Append(ctx context.Context, ev Event) (Event, error) {
	if s.R == nil {
		return Event{}, errors.New("events: redis client not configured")
	}
	stream := strings.TrimSpace(s.Stream)
	if stream == "" {
		stream = "settlement:events"
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"id":           ev.ID,
			"topic":        ev.Topic,
			"aggregate_id": ev.AggregateID,
			"payload":      string(ev.Payload),
			"occurred_at":  ev.OccurredAt.UnixMilli(),
		},
	}
	if s.MaxLen > 0 {
		args.MaxLen = s.MaxLen
		args.Approx = true
	}
	if err := s.R.XAdd(ctx, args).Err(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// LogNotifier writes every event to a structured log.
type LogNotifier struct {
	Logger zerolog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	n.Logger.Info().
		Str("event_id", ev.ID).
		Str("topic", ev.Topic).
		Str("sale_id", ev.AggregateID).
		RawJSON("payload", ev.Payload).
		Msg("payment_event")
	return nil
}
