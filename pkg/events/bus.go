// Package events provides a small typed publish/subscribe bus.
//
// Delivery is synchronous and best-effort: a listener that panics is
// logged and skipped, and never aborts the publishing operation.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

// Listener receives published events.
type Listener func(evt contracts.Event)

// Bus fans events out to listeners registered for one category.
type Bus struct {
	mu       sync.RWMutex
	category string
	byType   map[contracts.EventType][]Listener
	all      []Listener
	logger   *slog.Logger
	clock    func() time.Time
}

// NewBus creates a bus for an event category (e.g. "orchestrator", "health").
func NewBus(category string) *Bus {
	return &Bus{
		category: category,
		byType:   make(map[contracts.EventType][]Listener),
		logger:   slog.Default().With("component", "events", "category", category),
		clock:    time.Now,
	}
}

// WithLogger overrides the logger used to report listener failures.
func (b *Bus) WithLogger(logger *slog.Logger) *Bus {
	b.logger = logger.With("category", b.category)
	return b
}

// WithClock overrides the clock for deterministic testing.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Subscribe registers a listener for the given event types. With no types
// the listener receives every event on the bus.
func (b *Bus) Subscribe(l Listener, types ...contracts.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.all = append(b.all, l)
		return
	}
	for _, t := range types {
		b.byType[t] = append(b.byType[t], l)
	}
}

// Emit builds an event and publishes it.
func (b *Bus) Emit(eventType contracts.EventType, subjectID string, details map[string]any) contracts.Event {
	evt := contracts.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SubjectID: subjectID,
		Timestamp: b.clock(),
		Details:   details,
	}
	b.Publish(evt)
	return evt
}

// Publish delivers evt to every matching listener.
func (b *Bus) Publish(evt contracts.Event) {
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.byType[evt.Type])+len(b.all))
	listeners = append(listeners, b.byType[evt.Type]...)
	listeners = append(listeners, b.all...)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.deliver(l, evt)
	}
}

func (b *Bus) deliver(l Listener, evt contracts.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event listener failed",
				"event_type", evt.Type,
				"subject_id", evt.SubjectID,
				"error", fmt.Sprint(r),
			)
		}
	}()
	l(evt)
}

// Recorder is a Listener that keeps every event it sees. Useful in tests
// and for operator tooling that wants a bounded in-memory tail.
type Recorder struct {
	mu     sync.Mutex
	events []contracts.Event
}

// Listen is the Listener to subscribe.
func (r *Recorder) Listen(evt contracts.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []contracts.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]contracts.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of one type.
func (r *Recorder) OfType(t contracts.EventType) []contracts.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []contracts.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
