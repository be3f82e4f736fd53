package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewEvent(t *testing.T) {
	ev := NewEvent(EventPaymentCompleted, "cashier-1", "pay-1", map[string]string{"amount": "60.00"})
	if ev.ID == "" {
		t.Error("expected event id")
	}
	if ev.OccurredAt.IsZero() {
		t.Error("expected timestamp")
	}
	if ev.Type != EventPaymentCompleted || ev.ActorID != "cashier-1" || ev.SubjectID != "pay-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestDispatcher_PublishesQueuedEvents(t *testing.T) {
	pub := &MemoryPublisher{}
	d := NewDispatcher(pub, 8, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if !d.Enqueue(NewEvent(EventCashRequestApproved, "a", "r", nil)) {
			t.Fatalf("event %d was not accepted", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if got := len(pub.Events()); got != 3 {
		t.Errorf("expected 3 published events, got %d", got)
	}
}

// blockingPublisher holds every Publish call until release is closed.
type blockingPublisher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPublisher) Publish(ctx context.Context, _ Event) error {
	p.once.Do(func() { close(p.started) })
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	pub := &blockingPublisher{started: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(pub, 1, zerolog.Nop())

	if !d.Enqueue(NewEvent(EventPaymentCompleted, "a", "1", nil)) {
		t.Fatal("first event should be accepted")
	}
	<-pub.started
	if !d.Enqueue(NewEvent(EventPaymentCompleted, "a", "2", nil)) {
		t.Fatal("second event should fill the buffer")
	}
	if d.Enqueue(NewEvent(EventPaymentCompleted, "a", "3", nil)) {
		t.Error("third event should be dropped while the buffer is full")
	}

	close(pub.release)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewDispatcher(&MemoryPublisher{}, 4, zerolog.Nop())
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if d.Enqueue(NewEvent(EventRefundApproved, "a", "1", nil)) {
		t.Error("expected enqueue after close to be rejected")
	}
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestDispatcher_PublishErrorDoesNotStopWorker(t *testing.T) {
	pub := &MemoryPublisher{Err: errors.New("broker down")}
	d := NewDispatcher(pub, 4, zerolog.Nop())
	d.Enqueue(NewEvent(EventCashRequestRejected, "a", "1", nil))
	d.Enqueue(NewEvent(EventCashRequestRejected, "a", "2", nil))
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if len(pub.Events()) != 0 {
		t.Error("failed publishes should not be recorded")
	}
}

func TestLogPublisher(t *testing.T) {
	if err := (LogPublisher{Log: zerolog.Nop()}).Publish(context.Background(), NewEvent(EventPaymentCompleted, "a", "1", nil)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFanout_PublishesToAllAndJoinsErrors(t *testing.T) {
	ok := &MemoryPublisher{}
	broken := &MemoryPublisher{Err: errors.New("broker down")}
	tail := &MemoryPublisher{}

	err := Fanout{ok, broken, tail}.Publish(context.Background(), NewEvent(EventRefundApproved, "manager-1", "r-1", nil))
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("err = %v, want the broken publisher's error", err)
	}
	if len(ok.Events()) != 1 || len(tail.Events()) != 1 {
		t.Errorf("events delivered: %d and %d, want 1 each", len(ok.Events()), len(tail.Events()))
	}
}
