package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/ledger/internal/platform/blobstore"
	"github.com/ehr/ledger/internal/platform/notification"
)

var (
	cashier  = ActorRef{ID: "cashier-1", Roles: []string{RoleCashier}}
	cashier2 = ActorRef{ID: "cashier-2", Roles: []string{RoleCashier}}
	manager  = ActorRef{ID: "manager-1", Roles: []string{RoleManager}}
	finance  = ActorRef{ID: "finance-1", Roles: []string{RoleFinanceManager}}
	nurse    = ActorRef{ID: "nurse-1", Roles: []string{"nurse"}}
)

// fakeClock starts at a fixed instant and moves one second per reading.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.Event
	full   bool
}

func (n *recordingNotifier) Enqueue(ev notification.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.full {
		return false
	}
	n.events = append(n.events, ev)
	return true
}

func (n *recordingNotifier) Types() []notification.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notification.EventType, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

func (n *recordingNotifier) Last() notification.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

var day0 = time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx   context.Context
	svc   *Service
	store *Store
	notes *recordingNotifier
	blobs *blobstore.InMemoryBlobStore
	clock *fakeClock
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: NewMemoryStore().Store(),
		notes: &recordingNotifier{},
		blobs: blobstore.NewInMemoryBlobStore(),
		clock: newFakeClock(day0),
	}
	opts := Options{
		Notifier: f.notes,
		Blobs:    f.blobs,
		Clock:    f.clock.Now,
		Logger:   zerolog.Nop(),
	}
	for _, c := range configure {
		c(&opts)
	}
	f.svc = NewService(f.store, opts)
	return f
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, money(want).StringFixed(2), got.StringFixed(2), msgAndArgs...)
}

// invoice bills a single charge of total to a fresh patient.
func (f *fixture) invoice(t *testing.T, total string) *Invoice {
	t.Helper()
	inv, err := f.svc.CreateInvoice(f.ctx, cashier, CreateInvoiceInput{
		PatientID: uuid.New(),
		Charges:   []ChargeInput{{ServiceRef: "CONSULT", Quantity: 1, UnitPrice: money(total)}},
	})
	require.NoError(t, err)
	return inv
}

func (f *fixture) pay(t *testing.T, invoiceID uuid.UUID, amount string, method PaymentMethod) *PaymentResult {
	t.Helper()
	res, err := f.svc.ApplyPayment(f.ctx, cashier, ApplyPaymentInput{InvoiceID: invoiceID, Amount: money(amount), Method: method})
	require.NoError(t, err)
	return res
}

func (f *fixture) cashRequest(t *testing.T, requester ActorRef, amount string) *CashRequest {
	t.Helper()
	cr, err := f.svc.CreateCashRequest(f.ctx, requester, CreateCashRequestInput{
		DepartmentID: uuid.New(),
		Purpose:      "ward supplies",
		Amount:       money(amount),
	})
	require.NoError(t, err)
	return cr
}

func (f *fixture) cashFor(t *testing.T, q CashTransactionQuery) []*CashTransaction {
	t.Helper()
	return f.cashForCtx(t, f.ctx, q)
}

func (f *fixture) cashForCtx(t *testing.T, ctx context.Context, q CashTransactionQuery) []*CashTransaction {
	t.Helper()
	txs, _, err := f.svc.ListCashTransactions(ctx, q)
	require.NoError(t, err)
	return txs
}
