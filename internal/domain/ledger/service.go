package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/platform/blobstore"
	"github.com/ehr/ledger/internal/platform/db"
	"github.com/ehr/ledger/internal/platform/notification"
	"github.com/ehr/ledger/internal/platform/staff"
)

// Notifier accepts events for delivery after the producing transaction has
// committed. Enqueue must not block.
type Notifier interface {
	Enqueue(ev notification.Event) bool
}

// Options carries the collaborators of a Service. Every field is optional.
type Options struct {
	// Staff, when set, must know every actor that applies a payment.
	Staff    staff.Directory
	Notifier Notifier
	Blobs    blobstore.BlobStore
	// Location defines the calendar day for request numbers and daily
	// reports. Defaults to UTC.
	Location *time.Location
	Clock    func() time.Time
	Logger   zerolog.Logger
}

// Service implements the billing ledger and the cash-office workflows on top
// of a Store.
type Service struct {
	store  *Store
	staff  staff.Directory
	notify Notifier
	blobs  blobstore.BlobStore
	loc    *time.Location
	clock  func() time.Time
	log    zerolog.Logger
}

func NewService(store *Store, opts Options) *Service {
	s := &Service{
		store:  store,
		staff:  opts.Staff,
		notify: opts.Notifier,
		blobs:  opts.Blobs,
		loc:    opts.Location,
		clock:  opts.Clock,
		log:    opts.Logger.With().Str("component", "ledger").Logger(),
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// Location returns the reporting time zone.
func (s *Service) Location() *time.Location { return s.loc }

// now is truncated to the precision PostgreSQL stores.
func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// inTx runs fn in one store transaction. Serialization failures, deadlocks
// and lock timeouts come back as KindRetryable.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return classifyTx(s.store.Tx.InTx(ctx, fn))
}

// inReadTx runs a read-only scan on one consistent snapshot.
func (s *Service) inReadTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return classifyTx(s.store.Tx.InReadTx(ctx, fn))
}

func classifyTx(err error) error {
	if err != nil && KindOf(err) == KindInternal && db.IsRetryable(err) {
		return retryable(err)
	}
	return err
}

// publish hands ev to the notifier. It is only called after commit.
func (s *Service) publish(ctx context.Context, ev notification.Event) {
	if s.notify == nil {
		return
	}
	ev.ActorName = staff.DisplayName(ctx, s.staff, ev.ActorID)
	if !s.notify.Enqueue(ev) {
		s.log.Warn().Str("event_type", string(ev.Type)).Str("subject_id", ev.SubjectID).Msg("notification dropped")
	}
}

// fail logs a rejected command and returns err unchanged.
func (s *Service) fail(op string, actor ActorRef, err error) error {
	var e *zerolog.Event
	switch KindOf(err) {
	case KindInternal:
		e = s.log.Error()
	case KindRetryable:
		e = s.log.Warn()
	default:
		e = s.log.Debug()
	}
	e.Err(err).Str("op", op).Str("actor_id", actor.ID).Str("kind", KindOf(err).String()).Msg("ledger command rejected")
	return err
}

// checkStaff confirms the actor is an active member of the staff directory.
func (s *Service) checkStaff(ctx context.Context, actor ActorRef) error {
	if s.staff == nil {
		return nil
	}
	m, err := s.staff.Lookup(ctx, actor.ID)
	if errors.Is(err, staff.ErrNotFound) {
		return forbiddenf("actor %s is not a registered staff member", actor.ID)
	}
	if err != nil {
		return fmt.Errorf("look up staff member %s: %w", actor.ID, err)
	}
	if !m.Active {
		return forbiddenf("staff member %s is inactive", actor.ID)
	}
	return nil
}

// dayBounds returns [start, end) of date's calendar day in the reporting zone.
// The year, month and day are taken from date as given.
func (s *Service) dayBounds(date time.Time) (time.Time, time.Time) {
	y, m, d := date.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	return start, start.AddDate(0, 0, 1)
}
