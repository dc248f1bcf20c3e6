package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultQueueSize bounds each subscription's in-memory queue.
const DefaultQueueSize = 64

// DefaultHeartbeatInterval is how often the bus synthesizes heartbeats.
const DefaultHeartbeatInterval = 30 * time.Second

// Subscription is one consumer's bounded event queue. Read from C until it
// is closed by Unsubscribe.
type Subscription struct {
	ID        string
	ProjectID string // Empty means no filter
	C         chan Event
}

// Bus fans out domain events to subscribers.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	queueSize int
	interval  time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock substitutes the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Bus) { b.interval = d }
}

// WithQueueSize overrides the per-subscription queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) { b.queueSize = n }
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[string]*Subscription),
		queueSize: DefaultQueueSize,
		interval:  DefaultHeartbeatInterval,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a consumer. A non-empty projectID limits delivery to
// that project's events; heartbeats are always delivered.
func (b *Bus) Subscribe(projectID string) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		C:         make(chan Event, b.queueSize),
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscription and closes its channel. Unknown ids are
// a no-op, so calling it twice is safe.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.C)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Emit delivers an event to every matching subscription. Delivery is
// best-effort per subscription: a full queue drops the event for that
// subscriber only.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if ev.Type != TypeHeartbeat && sub.ProjectID != "" && sub.ProjectID != ev.ProjectID {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			b.logger.Debug("Subscriber queue full, dropping event",
				"subscription", sub.ID, "type", ev.Type)
		}
	}
}

// Run broadcasts heartbeats until the context is canceled. Run it in its own
// goroutine alongside the HTTP server.
func (b *Bus) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := b.clock.Now()
			b.Emit(Event{
				Type:      TypeHeartbeat,
				Payload:   Heartbeat{Timestamp: now},
				Timestamp: now,
			})
		}
	}
}
