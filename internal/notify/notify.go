package notify

import (
	"context"
	"sync"
	"time"

	"github.com/filswan/go-swan-lib/logs"
)

type EventType string

const (
	JobStatusChanged    EventType = "job.status_changed"
	JobSettlementFailed EventType = "job.settlement_failed"
	JobDisputed         EventType = "job.disputed"
	EscrowCreated       EventType = "escrow.created"
	EscrowReleased      EventType = "escrow.released"
	EscrowRefunded      EventType = "escrow.refunded"
	SettlementFlagged   EventType = "settlement.flagged"
	ReputationUpdated   EventType = "reputation.updated"
	allEvents           EventType = "*"
)

type Event struct {
	Type      EventType         `json:"type"`
	JobID     string            `json:"job_id,omitempty"`
	SubjectID string            `json:"subject_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// Sink receives domain events after the state change they describe is durable.
// Delivery problems are the sink's concern; they never fail the operation.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

type Handler func(ctx context.Context, ev Event) error

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is the in-process fan-out between the broker core and its transports.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscriber
	nextID      uint64
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[EventType][]subscriber)}
}

func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.subscribers[ev.Type])+len(b.subscribers[allEvents]))
	subs = append(subs, b.subscribers[ev.Type]...)
	subs = append(subs, b.subscribers[allEvents]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.handler(ctx, ev); err != nil {
			logs.GetLogger().Errorf("event handler failed, event: %s, job: %s, error: %+v", ev.Type, ev.JobID, err)
		}
	}
}

func (b *Bus) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	return b.Subscribe(allEvents, handler)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t in publish order.
func (r *Recorder) OfType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Handler() Handler {
	return func(ctx context.Context, ev Event) error {
		r.Publish(ctx, ev)
		return nil
	}
}

type nop struct{}

func (nop) Publish(context.Context, Event) {}

// Nop discards events.
var Nop Sink = nop{}
