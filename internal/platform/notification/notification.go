// Package notification delivers ledger events to other services. Events are
// queued in memory and published by a background worker so a slow broker
// never holds up the request that produced the event.
package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventPaymentCompleted    EventType = "payment.completed"
	EventRefundApproved      EventType = "refund.approved"
	EventCashRequestApproved EventType = "cash_request.approved"
	EventCashRequestRejected EventType = "cash_request.rejected"
)

// Event is one fire-and-forget notification.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	ActorID    string            `json:"actor_id"`
	ActorName  string            `json:"actor_name,omitempty"`
	SubjectID  string            `json:"subject_id"`
	Data       map[string]string `json:"data,omitempty"`
}

// NewEvent fills in the id and timestamp.
func NewEvent(typ EventType, actorID, subjectID string, data map[string]string) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		ActorID:    actorID,
		SubjectID:  subjectID,
		Data:       data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

const publishTimeout = 5 * time.Second

// Dispatcher queues events and publishes them from one worker goroutine.
// When the queue is full new events are dropped and logged.
type Dispatcher struct {
	pub   Publisher
	log   zerolog.Logger
	queue chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(pub Publisher, buffer int, log zerolog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	d := &Dispatcher{
		pub:   pub,
		log:   log,
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue never blocks. It reports whether the event was accepted.
func (d *Dispatcher) Enqueue(ev Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn().Str("event_type", string(ev.Type)).Str("event_id", ev.ID).Msg("notification dispatcher closed, event dropped")
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.log.Warn().Str("event_type", string(ev.Type)).Str("event_id", ev.ID).Msg("notification queue full, event dropped")
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := d.pub.Publish(ctx, ev); err != nil {
			d.log.Warn().Err(err).Str("event_type", string(ev.Type)).Str("event_id", ev.ID).Msg("publish notification failed")
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be published or
// for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Publishers
// ---------------------------------------------------------------------------

// Fanout publishes each event to every publisher in turn. A failing
// publisher does not stop the others.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev Event) error {
	p.Log.Info().
		Str("event_type", string(ev.Type)).
		Str("event_id", ev.ID).
		Str("actor_id", ev.ActorID).
		Str("subject_id", ev.SubjectID).
		Interface("data", ev.Data).
		Msg("notification")
	return nil
}

// MemoryPublisher records published events.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (p *MemoryPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, ev)
	return nil
}

// Events returns a copy of all published events.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
