package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process implementation of every ledger repository.
// Transactions are serialized by one mutex and work on a copy of the state
// that replaces the committed state only when the transaction succeeds, so
// the all-or-nothing contract matches the PostgreSQL store.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	invoices     map[uuid.UUID]Invoice
	payments     map[uuid.UUID]Payment
	refunds      map[uuid.UUID]Refund
	accounts     map[uuid.UUID]PatientAccount
	cash         []CashTransaction
	cashRequests map[uuid.UUID]CashRequest
	sequences    map[string]int
	pettyCash    map[uuid.UUID]PettyCashRequest
}

func newMemState() *memState {
	return &memState{
		invoices:     make(map[uuid.UUID]Invoice),
		payments:     make(map[uuid.UUID]Payment),
		refunds:      make(map[uuid.UUID]Refund),
		accounts:     make(map[uuid.UUID]PatientAccount),
		cashRequests: make(map[uuid.UUID]CashRequest),
		sequences:    make(map[string]int),
		pettyCash:    make(map[uuid.UUID]PettyCashRequest),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		invoices:     make(map[uuid.UUID]Invoice, len(s.invoices)),
		payments:     make(map[uuid.UUID]Payment, len(s.payments)),
		refunds:      make(map[uuid.UUID]Refund, len(s.refunds)),
		accounts:     make(map[uuid.UUID]PatientAccount, len(s.accounts)),
		cash:         append([]CashTransaction(nil), s.cash...),
		cashRequests: make(map[uuid.UUID]CashRequest, len(s.cashRequests)),
		sequences:    make(map[string]int, len(s.sequences)),
		pettyCash:    make(map[uuid.UUID]PettyCashRequest, len(s.pettyCash)),
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.cashRequests {
		c.cashRequests[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	for k, v := range s.pettyCash {
		c.pettyCash[k] = v
	}
	return c
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// Store returns the repository bundle backed by m.
func (m *MemoryStore) Store() *Store {
	return &Store{
		Tx:           m,
		Invoices:     memInvoices{m},
		Payments:     memPayments{m},
		Refunds:      memRefunds{m},
		Accounts:     memAccounts{m},
		Cash:         memCash{m},
		CashRequests: memCashRequests{m},
		PettyCash:    memPettyCash{m},
	}
}

type memTx struct {
	owner *MemoryStore
	state *memState
}

type memTxKey struct{}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.owner == m {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{owner: m, state: m.state.clone()}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

// InReadTx runs fn on a private copy of the committed state. Writers are only
// held off while the copy is taken, and anything fn writes is discarded.
func (m *MemoryStore) InReadTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.owner == m {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	snapshot := m.state.clone()
	m.mu.Unlock()

	return fn(context.WithValue(ctx, memTxKey{}, &memTx{owner: m, state: snapshot}))
}

// view returns the state visible to ctx and the function that releases it.
func (m *MemoryStore) view(ctx context.Context) (*memState, func()) {
	if ctx != nil {
		if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.owner == m {
			return tx.state, func() {}
		}
	}
	m.mu.Lock()
	return m.state, m.mu.Unlock
}

func paginate[T any](items []*T, limit, offset int) []*T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func newestFirst(a, b time.Time, aID, bID uuid.UUID) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return aID.String() < bID.String()
}

func oldestFirst(a, b time.Time, aID, bID uuid.UUID) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return aID.String() < bID.String()
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && !t.Before(*to) {
		return false
	}
	return true
}

// =========== Invoices ===========

type memInvoices struct{ m *MemoryStore }

func copyInvoice(inv Invoice) *Invoice {
	inv.Charges = append([]Charge(nil), inv.Charges...)
	return &inv
}

func (r memInvoices) Create(ctx context.Context, inv *Invoice) error {
	st, release := r.m.view(ctx)
	defer release()
	if _, ok := st.invoices[inv.ID]; ok {
		return conflictf(CodeDuplicate, "invoice %s already exists", inv.ID)
	}
	st.invoices[inv.ID] = *copyInvoice(*inv)
	return nil
}

func (r memInvoices) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	st, release := r.m.view(ctx)
	defer release()
	inv, ok := st.invoices[id]
	if !ok {
		return nil, notFound("invoice", id)
	}
	return copyInvoice(inv), nil
}

func (r memInvoices) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.GetByID(ctx, id)
}

func (r memInvoices) UpdateState(ctx context.Context, inv *Invoice) error {
	st, release := r.m.view(ctx)
	defer release()
	cur, ok := st.invoices[inv.ID]
	if !ok {
		return notFound("invoice", inv.ID)
	}
	cur.TotalAmount = inv.TotalAmount
	cur.PaidAmount = inv.PaidAmount
	cur.Balance = inv.Balance
	cur.Status = inv.Status
	cur.CancelledBy = inv.CancelledBy
	cur.CancelledAt = inv.CancelledAt
	cur.CancellationReason = inv.CancellationReason
	cur.UpdatedAt = inv.UpdatedAt
	st.invoices[inv.ID] = cur
	return nil
}

func (r memInvoices) List(ctx context.Context, q InvoiceQuery) ([]*Invoice, int, error) {
	st, release := r.m.view(ctx)
	defer release()
	var items []*Invoice
	for _, inv := range st.invoices {
		if q.PatientID != nil && inv.PatientID != *q.PatientID {
			continue
		}
		if q.Status != "" && inv.Status != q.Status {
			continue
		}
		items = append(items, copyInvoice(inv))
	}
	sort.Slice(items, func(i, j int) bool {
		return newestFirst(items[i].CreatedAt, items[j].CreatedAt, items[i].ID, items[j].ID)
	})
	return paginate(items, q.Limit, q.Offset), len(items), nil
}

// =========== Payments ===========

type memPayments struct{ m *MemoryStore }

func (r memPayments) Create(ctx context.Context, p *Payment) error {
	st, release := r.m.view(ctx)
	defer release()
	if _, ok := st.invoices[p.InvoiceID]; !ok {
		return notFound("invoice", p.InvoiceID)
	}
	st.payments[p.ID] = *p
	return nil
}

func (r memPayments) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	st, release := r.m.view(ctx)
	defer release()
	p, ok := st.payments[id]
	if !ok {
		return nil, notFound("payment", id)
	}
	return &p, nil
}

func (r memPayments) GetForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return r.GetByID(ctx, id)
}

func (r memPayments) UpdateStatus(ctx context.Context, id uuid.UUID, status PaymentStatus) error {
	st, release := r.m.view(ctx)
	defer release()
	p, ok := st.payments[id]
	if !ok {
		return notFound("payment", id)
	}
	p.Status = status
	st.payments[id] = p
	return nil
}

func (r memPayments) filter(ctx context.Context, keep func(Payment) bool) []Payment {
	st, release := r.m.view(ctx)
	defer release()
	var out []Payment
	for _, p := range st.payments {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return oldestFirst(out[i].ProcessedAt, out[j].ProcessedAt, out[i].ID, out[j].ID)
	})
	return out
}

func (r memPayments) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	return r.filter(ctx, func(p Payment) bool { return p.InvoiceID == invoiceID }), nil
}

func (r memPayments) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Payment, error) {
	return r.filter(ctx, func(p Payment) bool { return p.PatientID == patientID }), nil
}

func (r memPayments) List(ctx context.Context, q PaymentQuery) ([]*Payment, int, error) {
	matched := r.filter(ctx, func(p Payment) bool {
		switch {
		case q.InvoiceID != nil && p.InvoiceID != *q.InvoiceID,
			q.PatientID != nil && p.PatientID != *q.PatientID,
			q.Method != "" && p.Method != q.Method,
			q.Status != "" && p.Status != q.Status,
			!inRange(p.ProcessedAt, q.From, q.To):
			return false
		}
		return true
	})
	items := make([]*Payment, 0, len(matched))
	for i := len(matched) - 1; i >= 0; i-- {
		items = append(items, &matched[i])
	}
	return paginate(items, q.Limit, q.Offset), len(items), nil
}

func (r memPayments) TotalsByMethod(ctx context.Context, from, to time.Time) ([]MethodTotal, error) {
	byMethod := make(map[PaymentMethod]*MethodTotal)
	for _, p := range r.filter(ctx, func(p Payment) bool { return inRange(p.ProcessedAt, &from, &to) }) {
		t, ok := byMethod[p.Method]
		if !ok {
			t = &MethodTotal{Method: p.Method, Amount: decimal.Zero}
			byMethod[p.Method] = t
		}
		t.Count++
		t.Amount = t.Amount.Add(p.Amount)
	}
	out := make([]MethodTotal, 0, len(byMethod))
	for _, t := range byMethod {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out, nil
}

// =========== Refunds ===========

type memRefunds struct{ m *MemoryStore }

func (r memRefunds) Create(ctx context.Context, rf *Refund) error {
	st, release := r.m.view(ctx)
	defer release()
	if _, ok := st.payments[rf.PaymentID]; !ok {
		return notFound("payment", rf.PaymentID)
	}
	st.refunds[rf.ID] = *rf
	return nil
}

func (r memRefunds) GetByID(ctx context.Context, id uuid.UUID) (*Refund, error) {
	st, release := r.m.view(ctx)
	defer release()
	rf, ok := st.refunds[id]
	if !ok {
		return nil, notFound("refund", id)
	}
	return &rf, nil
}

func (r memRefunds) GetForUpdate(ctx context.Context, id uuid.UUID) (*Refund, error) {
	return r.GetByID(ctx, id)
}

func (r memRefunds) Update(ctx context.Context, rf *Refund) error {
	st, release := r.m.view(ctx)
	defer release()
	cur, ok := st.refunds[rf.ID]
	if !ok {
		return notFound("refund", rf.ID)
	}
	cur.Status = rf.Status
	cur.ApprovedBy, cur.ApprovedAt = rf.ApprovedBy, rf.ApprovedAt
	cur.RejectedBy, cur.RejectedAt, cur.RejectionReason = rf.RejectedBy, rf.RejectedAt, rf.RejectionReason
	st.refunds[rf.ID] = cur
	return nil
}

func (r memRefunds) filter(ctx context.Context, keep func(Refund) bool) []Refund {
	st, release := r.m.view(ctx)
	defer release()
	var out []Refund
	for _, rf := range st.refunds {
		if keep(rf) {
			out = append(out, rf)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return oldestFirst(out[i].RequestedAt, out[j].RequestedAt, out[i].ID, out[j].ID)
	})
	return out
}

func (r memRefunds) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]Refund, error) {
	return r.filter(ctx, func(rf Refund) bool { return rf.PaymentID == paymentID }), nil
}

func (r memRefunds) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Refund, error) {
	return r.filter(ctx, func(rf Refund) bool { return rf.InvoiceID == invoiceID }), nil
}

func (r memRefunds) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Refund, error) {
	return r.filter(ctx, func(rf Refund) bool { return rf.PatientID == patientID }), nil
}

func (r memRefunds) List(ctx context.Context, q RefundQuery) ([]*Refund, int, error) {
	matched := r.filter(ctx, func(rf Refund) bool {
		switch {
		case q.PaymentID != nil && rf.PaymentID != *q.PaymentID,
			q.InvoiceID != nil && rf.InvoiceID != *q.InvoiceID,
			q.PatientID != nil && rf.PatientID != *q.PatientID,
			q.Status != "" && rf.Status != q.Status:
			return false
		}
		return true
	})
	items := make([]*Refund, 0, len(matched))
	for i := len(matched) - 1; i >= 0; i-- {
		items = append(items, &matched[i])
	}
	return paginate(items, q.Limit, q.Offset), len(items), nil
}

func (r memRefunds) ApprovedTotal(ctx context.Context, from, to time.Time) (decimal.Decimal, int, error) {
	sum, count := decimal.Zero, 0
	for _, rf := range r.filter(ctx, func(rf Refund) bool {
		return rf.Status == RefundStatusApproved && rf.ApprovedAt != nil && inRange(*rf.ApprovedAt, &from, &to)
	}) {
		sum = sum.Add(rf.Amount)
		count++
	}
	return sum, count, nil
}

// =========== Patient accounts ===========

type memAccounts struct{ m *MemoryStore }

func (r memAccounts) Adjust(ctx context.Context, patientID uuid.UUID, delta decimal.Decimal) (*PatientAccount, error) {
	st, release := r.m.view(ctx)
	defer release()
	now := time.Now().UTC()
	a, ok := st.accounts[patientID]
	if !ok {
		id := uuid.New()
		a = PatientAccount{ID: id, PatientID: patientID, AccountNumber: newAccountNumber(id), Balance: decimal.Zero, CreatedAt: now}
	}
	a.Balance = a.Balance.Add(delta)
	a.UpdatedAt = now
	st.accounts[patientID] = a
	return &a, nil
}

func (r memAccounts) GetByPatient(ctx context.Context, patientID uuid.UUID) (*PatientAccount, error) {
	st, release := r.m.view(ctx)
	defer release()
	a, ok := st.accounts[patientID]
	if !ok {
		return nil, notFound("patient account for patient", patientID)
	}
	return &a, nil
}

func (r memAccounts) List(ctx context.Context, limit, offset int) ([]*PatientAccount, int, error) {
	st, release := r.m.view(ctx)
	defer release()
	items := make([]*PatientAccount, 0, len(st.accounts))
	for _, a := range st.accounts {
		a := a
		items = append(items, &a)
	}
	sort.Slice(items, func(i, j int) bool {
		return oldestFirst(items[i].CreatedAt, items[j].CreatedAt, items[i].ID, items[j].ID)
	})
	return paginate(items, limit, offset), len(items), nil
}

// =========== Cash transactions ===========

type memCash struct{ m *MemoryStore }

func (r memCash) Create(ctx context.Context, t *CashTransaction) error {
	st, release := r.m.view(ctx)
	defer release()
	for _, existing := range st.cash {
		if t.ReversalOf != nil && existing.ReversalOf != nil && *existing.ReversalOf == *t.ReversalOf {
			return conflictf(CodeAlreadyReversed, "cash transaction %v has already been reversed", *t.ReversalOf)
		}
		if t.Type == CashOut && t.CashRequestID != nil && t.ReversalOf == nil &&
			existing.Type == CashOut && existing.CashRequestID != nil && existing.ReversalOf == nil &&
			*existing.CashRequestID == *t.CashRequestID {
			return conflictf(CodeDuplicate, "cash request %v already has a disbursement entry", *t.CashRequestID)
		}
	}
	st.cash = append(st.cash, *t)
	return nil
}

func (r memCash) GetByID(ctx context.Context, id uuid.UUID) (*CashTransaction, error) {
	st, release := r.m.view(ctx)
	defer release()
	for _, t := range st.cash {
		if t.ID == id {
			t := t
			return &t, nil
		}
	}
	return nil, notFound("cash transaction", id)
}

func (r memCash) List(ctx context.Context, q CashTransactionQuery) ([]*CashTransaction, int, error) {
	st, release := r.m.view(ctx)
	defer release()
	var items []*CashTransaction
	for _, t := range st.cash {
		switch {
		case q.CashierID != "" && t.CashierID != q.CashierID,
			q.Type != "" && t.Type != q.Type,
			q.PatientID != nil && (t.PatientID == nil || *t.PatientID != *q.PatientID),
			q.CashRequestID != nil && (t.CashRequestID == nil || *t.CashRequestID != *q.CashRequestID),
			q.PaymentID != nil && (t.PaymentID == nil || *t.PaymentID != *q.PaymentID),
			!inRange(t.CreatedAt, q.From, q.To):
			continue
		}
		t := t
		items = append(items, &t)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return paginate(items, q.Limit, q.Offset), len(items), nil
}

// =========== Cash requests ===========

type memCashRequests struct{ m *MemoryStore }

func copyCashRequest(c CashRequest) *CashRequest {
	c.Attachments = append([]string{}, c.Attachments...)
	return &c
}

func (r memCashRequests) NextSequence(ctx context.Context, day string) (int, error) {
	st, release := r.m.view(ctx)
	defer release()
	st.sequences[day]++
	return st.sequences[day], nil
}

func (r memCashRequests) Create(ctx context.Context, c *CashRequest) error {
	st, release := r.m.view(ctx)
	defer release()
	for _, existing := range st.cashRequests {
		if existing.RequestNumber == c.RequestNumber {
			return conflictf(CodeDuplicate, "request number %s already exists", c.RequestNumber)
		}
	}
	st.cashRequests[c.ID] = *copyCashRequest(*c)
	return nil
}

func (r memCashRequests) GetByID(ctx context.Context, id uuid.UUID) (*CashRequest, error) {
	st, release := r.m.view(ctx)
	defer release()
	c, ok := st.cashRequests[id]
	if !ok {
		return nil, notFound("cash request", id)
	}
	return copyCashRequest(c), nil
}

func (r memCashRequests) GetForUpdate(ctx context.Context, id uuid.UUID) (*CashRequest, error) {
	return r.GetByID(ctx, id)
}

func (r memCashRequests) Update(ctx context.Context, c *CashRequest) error {
	st, release := r.m.view(ctx)
	defer release()
	cur, ok := st.cashRequests[c.ID]
	if !ok {
		return notFound("cash request", c.ID)
	}
	cur.Status = c.Status
	cur.ApprovedBy, cur.ApprovedAt = c.ApprovedBy, c.ApprovedAt
	cur.RejectedBy, cur.RejectedAt, cur.RejectionReason = c.RejectedBy, c.RejectedAt, c.RejectionReason
	cur.CancelledAt = c.CancelledAt
	cur.CompletedBy, cur.CompletedAt = c.CompletedBy, c.CompletedAt
	cur.Notes = c.Notes
	cur.UpdatedAt = c.UpdatedAt
	st.cashRequests[c.ID] = cur
	return nil
}

func (r memCashRequests) Delete(ctx context.Context, id uuid.UUID) error {
	st, release := r.m.view(ctx)
	defer release()
	if _, ok := st.cashRequests[id]; !ok {
		return notFound("cash request", id)
	}
	delete(st.cashRequests, id)
	return nil
}

func (r memCashRequests) List(ctx context.Context, q CashRequestQuery) ([]*CashRequest, int, error) {
	st, release := r.m.view(ctx)
	defer release()
	var items []*CashRequest
	for _, c := range st.cashRequests {
		switch {
		case q.Status != "" && c.Status != q.Status,
			q.DepartmentID != nil && c.DepartmentID != *q.DepartmentID,
			q.RequesterID != "" && c.RequesterID != q.RequesterID:
			continue
		}
		items = append(items, copyCashRequest(c))
	}
	sort.Slice(items, func(i, j int) bool {
		return newestFirst(items[i].CreatedAt, items[j].CreatedAt, items[i].ID, items[j].ID)
	})
	return paginate(items, q.Limit, q.Offset), len(items), nil
}

// =========== Petty cash ===========

type memPettyCash struct{ m *MemoryStore }

func (r memPettyCash) Create(ctx context.Context, p *PettyCashRequest) error {
	st, release := r.m.view(ctx)
	defer release()
	st.pettyCash[p.ID] = *p
	return nil
}

func (r memPettyCash) GetByID(ctx context.Context, id uuid.UUID) (*PettyCashRequest, error) {
	st, release := r.m.view(ctx)
	defer release()
	p, ok := st.pettyCash[id]
	if !ok {
		return nil, notFound("petty cash request", id)
	}
	return &p, nil
}

func (r memPettyCash) GetForUpdate(ctx context.Context, id uuid.UUID) (*PettyCashRequest, error) {
	return r.GetByID(ctx, id)
}

func (r memPettyCash) Update(ctx context.Context, p *PettyCashRequest) error {
	st, release := r.m.view(ctx)
	defer release()
	if _, ok := st.pettyCash[p.ID]; !ok {
		return notFound("petty cash request", p.ID)
	}
	st.pettyCash[p.ID] = *p
	return nil
}

func (r memPettyCash) List(ctx context.Context, q PettyCashQuery) ([]*PettyCashRequest, int, error) {
	st, release := r.m.view(ctx)
	defer release()
	var items []*PettyCashRequest
	for _, p := range st.pettyCash {
		if q.Status != "" && p.Status != q.Status {
			continue
		}
		if q.RequesterID != "" && p.RequesterID != q.RequesterID {
			continue
		}
		p := p
		items = append(items, &p)
	}
	sort.Slice(items, func(i, j int) bool {
		return newestFirst(items[i].CreatedAt, items[j].CreatedAt, items[i].ID, items[j].ID)
	})
	return paginate(items, q.Limit, q.Offset), len(items), nil
}
