package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler receives emitted events. Handlers run synchronously on the
// emitter's goroutine; slow handlers delay the emitter.
type Handler func(Event)

type subscription struct {
	id   uint64
	name string
	fn   Handler
}

// Bus is the in-process event dispatcher. Subscribers are invoked in
// registration order; a panicking subscriber is logged and does not prevent
// later subscribers from running. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates an event bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// On registers fn for the named event (or every event when name is Any) and
// returns an unsubscribe function. Unsubscribing twice is harmless.
func (b *Bus) On(name string, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to all matching subscribers, synchronously, in
// registration order.
func (b *Bus) Emit(name string, payload any) {
	ev := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.name == name || s.name == Any {
			matched = append(matched, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		b.dispatch(name, fn, ev)
	}
}

// dispatch runs one handler with panic isolation.
func (b *Bus) dispatch(name string, fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"event", name,
				"panic", r,
			)
		}
	}()
	fn(ev)
}

// SubscriberCount returns the number of registered subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
