package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/ledger/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// NewPGStore wires every repository to pool. Writes must run inside
// Store.Tx.InTx so row locks and inserts share one transaction.
func NewPGStore(pool *pgxpool.Pool) *Store {
	base := pgBase{pool: pool}
	return &Store{
		Tx:           db.NewTxRunner(pool),
		Invoices:     &invoiceRepoPG{base},
		Payments:     &paymentRepoPG{base},
		Refunds:      &refundRepoPG{base},
		Accounts:     &accountRepoPG{base},
		Cash:         &cashTxRepoPG{base},
		CashRequests: &cashRequestRepoPG{base},
		PettyCash:    &pettyCashRepoPG{base},
	}
}

type pgBase struct{ pool *pgxpool.Pool }

func (b pgBase) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return b.pool
}

func mapNoRows(err error, entity string, id interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(entity, id)
	}
	return err
}

// whereBuilder accumulates AND-ed predicates with positional arguments.
type whereBuilder struct {
	clauses []string
	args    []interface{}
}

// add appends clause, which must contain one %d for the argument position.
func (w *whereBuilder) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *whereBuilder) page(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func countAndQuery[T any](ctx context.Context, q queryable, table, cols, order string, w *whereBuilder, limit, offset int, scan func(pgx.Row) (*T, error)) ([]*T, int, error) {
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", table, err)
	}
	rows, err := q.Query(ctx, `SELECT `+cols+` FROM `+table+w.sql()+` ORDER BY `+order+w.page(limit, offset), w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()
	var items []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	return items, total, rows.Err()
}

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (*T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pgBase }

const invoiceCols = `id, patient_id, total_amount, paid_amount, balance, status, created_by,
	cancelled_by, cancelled_at, cancellation_reason, created_at, updated_at`

const chargeCols = `id, invoice_id, position, service_ref, description, quantity, unit_price, line_total`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.PatientID, &inv.TotalAmount, &inv.PaidAmount, &inv.Balance, &inv.Status, &inv.CreatedBy,
		&inv.CancelledBy, &inv.CancelledAt, &inv.CancellationReason, &inv.CreatedAt, &inv.UpdatedAt)
	return &inv, err
}

func scanCharge(row pgx.Row) (*Charge, error) {
	var c Charge
	err := row.Scan(&c.ID, &c.InvoiceID, &c.Position, &c.ServiceRef, &c.Description, &c.Quantity, &c.UnitPrice, &c.LineTotal)
	return &c, err
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	q := r.conn(ctx)
	_, err := q.Exec(ctx, `
		INSERT INTO invoice (id, patient_id, total_amount, paid_amount, balance, status, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		inv.ID, inv.PatientID, inv.TotalAmount, inv.PaidAmount, inv.Balance, inv.Status, inv.CreatedBy, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	for _, c := range inv.Charges {
		_, err := q.Exec(ctx, `
			INSERT INTO charge (`+chargeCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			c.ID, c.InvoiceID, c.Position, c.ServiceRef, c.Description, c.Quantity, c.UnitPrice, c.LineTotal)
		if err != nil {
			return fmt.Errorf("insert charge %d: %w", c.Position, err)
		}
	}
	return nil
}

func (r *invoiceRepoPG) get(ctx context.Context, id uuid.UUID, lock string) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1`+lock, id))
	if err != nil {
		return nil, mapNoRows(err, "invoice", id)
	}
	if err := r.loadCharges(ctx, []*Invoice{inv}); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.get(ctx, id, "")
}

func (r *invoiceRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *invoiceRepoPG) loadCharges(ctx context.Context, invs []*Invoice) error {
	if len(invs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(invs))
	byID := make(map[uuid.UUID]*Invoice, len(invs))
	for i, inv := range invs {
		ids[i] = inv.ID
		byID[inv.ID] = inv
		inv.Charges = []Charge{}
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+chargeCols+` FROM charge WHERE invoice_id = ANY($1) ORDER BY invoice_id, position`, ids)
	charges, err := collect(rows, err, scanCharge)
	if err != nil {
		return fmt.Errorf("load charges: %w", err)
	}
	for _, c := range charges {
		byID[c.InvoiceID].Charges = append(byID[c.InvoiceID].Charges, c)
	}
	return nil
}

func (r *invoiceRepoPG) UpdateState(ctx context.Context, inv *Invoice) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice SET total_amount=$2, paid_amount=$3, balance=$4, status=$5,
			cancelled_by=$6, cancelled_at=$7, cancellation_reason=$8, updated_at=$9
		WHERE id = $1`,
		inv.ID, inv.TotalAmount, inv.PaidAmount, inv.Balance, inv.Status,
		inv.CancelledBy, inv.CancelledAt, inv.CancellationReason, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("invoice", inv.ID)
	}
	return nil
}

func (r *invoiceRepoPG) List(ctx context.Context, q InvoiceQuery) ([]*Invoice, int, error) {
	w := &whereBuilder{}
	if q.PatientID != nil {
		w.add("patient_id = $%d", *q.PatientID)
	}
	if q.Status != "" {
		w.add("status = $%d", q.Status)
	}
	items, total, err := countAndQuery(ctx, r.conn(ctx), "invoice", invoiceCols, "created_at DESC, id", w, q.Limit, q.Offset, scanInvoice)
	if err != nil {
		return nil, 0, err
	}
	if err := r.loadCharges(ctx, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pgBase }

const paymentCols = `id, invoice_id, patient_id, amount, method, reference, notes, status, processed_by, processed_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.InvoiceID, &p.PatientID, &p.Amount, &p.Method, &p.Reference, &p.Notes, &p.Status, &p.ProcessedBy, &p.ProcessedAt)
	return &p, err
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payment (`+paymentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.InvoiceID, p.PatientID, p.Amount, p.Method, p.Reference, p.Notes, p.Status, p.ProcessedBy, p.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payment WHERE id = $1`, id))
	if err != nil {
		return nil, mapNoRows(err, "payment", id)
	}
	return p, nil
}

func (r *paymentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payment WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapNoRows(err, "payment", id)
	}
	return p, nil
}

func (r *paymentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status PaymentStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE payment SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("payment", id)
	}
	return nil
}

func (r *paymentRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+paymentCols+` FROM payment WHERE invoice_id = $1 ORDER BY processed_at, id`, invoiceID)
	return collect(rows, err, scanPayment)
}

func (r *paymentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+paymentCols+` FROM payment WHERE patient_id = $1 ORDER BY processed_at, id`, patientID)
	return collect(rows, err, scanPayment)
}

func (r *paymentRepoPG) List(ctx context.Context, q PaymentQuery) ([]*Payment, int, error) {
	w := &whereBuilder{}
	if q.InvoiceID != nil {
		w.add("invoice_id = $%d", *q.InvoiceID)
	}
	if q.PatientID != nil {
		w.add("patient_id = $%d", *q.PatientID)
	}
	if q.Method != "" {
		w.add("method = $%d", q.Method)
	}
	if q.Status != "" {
		w.add("status = $%d", q.Status)
	}
	if q.From != nil {
		w.add("processed_at >= $%d", *q.From)
	}
	if q.To != nil {
		w.add("processed_at < $%d", *q.To)
	}
	return countAndQuery(ctx, r.conn(ctx), "payment", paymentCols, "processed_at DESC, id", w, q.Limit, q.Offset, scanPayment)
}

func (r *paymentRepoPG) TotalsByMethod(ctx context.Context, from, to time.Time) ([]MethodTotal, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT method, COUNT(*), COALESCE(SUM(amount), 0)
		FROM payment WHERE processed_at >= $1 AND processed_at < $2
		GROUP BY method ORDER BY method`, from, to)
	return collect(rows, err, func(row pgx.Row) (*MethodTotal, error) {
		var t MethodTotal
		err := row.Scan(&t.Method, &t.Count, &t.Amount)
		return &t, err
	})
}

// =========== Refund Repository ===========

type refundRepoPG struct{ pgBase }

const refundCols = `id, payment_id, invoice_id, patient_id, amount, reason, notes, status,
	requested_by, requested_at, approved_by, approved_at, rejected_by, rejected_at, rejection_reason`

func scanRefund(row pgx.Row) (*Refund, error) {
	var r Refund
	err := row.Scan(&r.ID, &r.PaymentID, &r.InvoiceID, &r.PatientID, &r.Amount, &r.Reason, &r.Notes, &r.Status,
		&r.RequestedBy, &r.RequestedAt, &r.ApprovedBy, &r.ApprovedAt, &r.RejectedBy, &r.RejectedAt, &r.RejectionReason)
	return &r, err
}

func (r *refundRepoPG) Create(ctx context.Context, rf *Refund) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO refund (id, payment_id, invoice_id, patient_id, amount, reason, notes, status, requested_by, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rf.ID, rf.PaymentID, rf.InvoiceID, rf.PatientID, rf.Amount, rf.Reason, rf.Notes, rf.Status, rf.RequestedBy, rf.RequestedAt)
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

func (r *refundRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Refund, error) {
	rf, err := scanRefund(r.conn(ctx).QueryRow(ctx, `SELECT `+refundCols+` FROM refund WHERE id = $1`, id))
	if err != nil {
		return nil, mapNoRows(err, "refund", id)
	}
	return rf, nil
}

func (r *refundRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Refund, error) {
	rf, err := scanRefund(r.conn(ctx).QueryRow(ctx, `SELECT `+refundCols+` FROM refund WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapNoRows(err, "refund", id)
	}
	return rf, nil
}

func (r *refundRepoPG) Update(ctx context.Context, rf *Refund) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE refund SET status=$2, approved_by=$3, approved_at=$4, rejected_by=$5, rejected_at=$6, rejection_reason=$7
		WHERE id = $1`,
		rf.ID, rf.Status, rf.ApprovedBy, rf.ApprovedAt, rf.RejectedBy, rf.RejectedAt, rf.RejectionReason)
	if err != nil {
		return fmt.Errorf("update refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("refund", rf.ID)
	}
	return nil
}

func (r *refundRepoPG) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]Refund, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+refundCols+` FROM refund WHERE payment_id = $1 ORDER BY requested_at, id`, paymentID)
	return collect(rows, err, scanRefund)
}

func (r *refundRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Refund, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+refundCols+` FROM refund WHERE invoice_id = $1 ORDER BY requested_at, id`, invoiceID)
	return collect(rows, err, scanRefund)
}

func (r *refundRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Refund, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+refundCols+` FROM refund WHERE patient_id = $1 ORDER BY requested_at, id`, patientID)
	return collect(rows, err, scanRefund)
}

func (r *refundRepoPG) List(ctx context.Context, q RefundQuery) ([]*Refund, int, error) {
	w := &whereBuilder{}
	if q.PaymentID != nil {
		w.add("payment_id = $%d", *q.PaymentID)
	}
	if q.InvoiceID != nil {
		w.add("invoice_id = $%d", *q.InvoiceID)
	}
	if q.PatientID != nil {
		w.add("patient_id = $%d", *q.PatientID)
	}
	if q.Status != "" {
		w.add("status = $%d", q.Status)
	}
	return countAndQuery(ctx, r.conn(ctx), "refund", refundCols, "requested_at DESC, id", w, q.Limit, q.Offset, scanRefund)
}

func (r *refundRepoPG) ApprovedTotal(ctx context.Context, from, to time.Time) (decimal.Decimal, int, error) {
	var count int
	var sum decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM refund
		WHERE status = 'APPROVED' AND approved_at >= $1 AND approved_at < $2`, from, to).Scan(&count, &sum)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("sum approved refunds: %w", err)
	}
	return sum, count, nil
}

// =========== Patient Account Repository ===========

type accountRepoPG struct{ pgBase }

const accountCols = `id, patient_id, account_number, balance, created_at, updated_at`

func scanAccount(row pgx.Row) (*PatientAccount, error) {
	var a PatientAccount
	err := row.Scan(&a.ID, &a.PatientID, &a.AccountNumber, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *accountRepoPG) Adjust(ctx context.Context, patientID uuid.UUID, delta decimal.Decimal) (*PatientAccount, error) {
	id := uuid.New()
	a, err := scanAccount(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_account (id, patient_id, account_number, balance)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_id) DO UPDATE
			SET balance = patient_account.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING `+accountCols,
		id, patientID, newAccountNumber(id), delta))
	if err != nil {
		return nil, fmt.Errorf("adjust patient account: %w", err)
	}
	return a, nil
}

func (r *accountRepoPG) GetByPatient(ctx context.Context, patientID uuid.UUID) (*PatientAccount, error) {
	a, err := scanAccount(r.conn(ctx).QueryRow(ctx, `SELECT `+accountCols+` FROM patient_account WHERE patient_id = $1`, patientID))
	if err != nil {
		return nil, mapNoRows(err, "patient account for patient", patientID)
	}
	return a, nil
}

func (r *accountRepoPG) List(ctx context.Context, limit, offset int) ([]*PatientAccount, int, error) {
	return countAndQuery(ctx, r.conn(ctx), "patient_account", accountCols, "created_at, id", &whereBuilder{}, limit, offset, scanAccount)
}

// =========== Cash Transaction Repository ===========

type cashTxRepoPG struct{ pgBase }

const cashTxCols = `id, cashier_id, patient_id, cash_request_id, payment_id, reversal_of, type, amount,
	description, reference, status, created_at`

func scanCashTx(row pgx.Row) (*CashTransaction, error) {
	var t CashTransaction
	err := row.Scan(&t.ID, &t.CashierID, &t.PatientID, &t.CashRequestID, &t.PaymentID, &t.ReversalOf, &t.Type, &t.Amount,
		&t.Description, &t.Reference, &t.Status, &t.CreatedAt)
	return &t, err
}

func (r *cashTxRepoPG) Create(ctx context.Context, t *CashTransaction) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO cash_transaction (`+cashTxCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.CashierID, t.PatientID, t.CashRequestID, t.PaymentID, t.ReversalOf, t.Type, t.Amount,
		t.Description, t.Reference, t.Status, t.CreatedAt)
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err) {
		switch db.ConstraintName(err) {
		case "uq_cash_transaction_reversal":
			return conflictf(CodeAlreadyReversed, "cash transaction %v has already been reversed", t.ReversalOf)
		case "uq_cash_transaction_request_out":
			return conflictf(CodeDuplicate, "cash request %v already has a disbursement entry", t.CashRequestID)
		}
	}
	return fmt.Errorf("insert cash transaction: %w", err)
}

func (r *cashTxRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CashTransaction, error) {
	t, err := scanCashTx(r.conn(ctx).QueryRow(ctx, `SELECT `+cashTxCols+` FROM cash_transaction WHERE id = $1`, id))
	if err != nil {
		return nil, mapNoRows(err, "cash transaction", id)
	}
	return t, nil
}

func (r *cashTxRepoPG) List(ctx context.Context, q CashTransactionQuery) ([]*CashTransaction, int, error) {
	w := &whereBuilder{}
	if q.CashierID != "" {
		w.add("cashier_id = $%d", q.CashierID)
	}
	if q.Type != "" {
		w.add("type = $%d", q.Type)
	}
	if q.PatientID != nil {
		w.add("patient_id = $%d", *q.PatientID)
	}
	if q.CashRequestID != nil {
		w.add("cash_request_id = $%d", *q.CashRequestID)
	}
	if q.PaymentID != nil {
		w.add("payment_id = $%d", *q.PaymentID)
	}
	if q.From != nil {
		w.add("created_at >= $%d", *q.From)
	}
	if q.To != nil {
		w.add("created_at < $%d", *q.To)
	}
	return countAndQuery(ctx, r.conn(ctx), "cash_transaction", cashTxCols, "created_at, id", w, q.Limit, q.Offset, scanCashTx)
}

// =========== Cash Request Repository ===========

type cashRequestRepoPG struct{ pgBase }

const cashRequestCols = `id, request_number, requester_id, department_id, purpose, amount, urgency, status,
	approved_by, approved_at, rejected_by, rejected_at, rejection_reason, cancelled_at,
	completed_by, completed_at, notes, attachments, created_at, updated_at`

func scanCashRequest(row pgx.Row) (*CashRequest, error) {
	var c CashRequest
	err := row.Scan(&c.ID, &c.RequestNumber, &c.RequesterID, &c.DepartmentID, &c.Purpose, &c.Amount, &c.Urgency, &c.Status,
		&c.ApprovedBy, &c.ApprovedAt, &c.RejectedBy, &c.RejectedAt, &c.RejectionReason, &c.CancelledAt,
		&c.CompletedBy, &c.CompletedAt, &c.Notes, &c.Attachments, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *cashRequestRepoPG) NextSequence(ctx context.Context, day string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO cash_request_sequence (day, last_value) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last_value = cash_request_sequence.last_value + 1
		RETURNING last_value`, day).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("allocate request number: %w", err)
	}
	return n, nil
}

func (r *cashRequestRepoPG) Create(ctx context.Context, c *CashRequest) error {
	attachments := c.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO cash_request (id, request_number, requester_id, department_id, purpose, amount, urgency, status,
			notes, attachments, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.RequestNumber, c.RequesterID, c.DepartmentID, c.Purpose, c.Amount, c.Urgency, c.Status,
		c.Notes, attachments, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return conflictf(CodeDuplicate, "request number %s already exists", c.RequestNumber)
		}
		return fmt.Errorf("insert cash request: %w", err)
	}
	return nil
}

func (r *cashRequestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CashRequest, error) {
	c, err := scanCashRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+cashRequestCols+` FROM cash_request WHERE id = $1`, id))
	if err != nil {
		return nil, mapNoRows(err, "cash request", id)
	}
	return c, nil
}

func (r *cashRequestRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*CashRequest, error) {
	c, err := scanCashRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+cashRequestCols+` FROM cash_request WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapNoRows(err, "cash request", id)
	}
	return c, nil
}

func (r *cashRequestRepoPG) Update(ctx context.Context, c *CashRequest) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE cash_request SET status=$2, approved_by=$3, approved_at=$4, rejected_by=$5, rejected_at=$6,
			rejection_reason=$7, cancelled_at=$8, completed_by=$9, completed_at=$10, notes=$11, updated_at=$12
		WHERE id = $1`,
		c.ID, c.Status, c.ApprovedBy, c.ApprovedAt, c.RejectedBy, c.RejectedAt,
		c.RejectionReason, c.CancelledAt, c.CompletedBy, c.CompletedAt, c.Notes, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update cash request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("cash request", c.ID)
	}
	return nil
}

func (r *cashRequestRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM cash_request WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete cash request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("cash request", id)
	}
	return nil
}

func (r *cashRequestRepoPG) List(ctx context.Context, q CashRequestQuery) ([]*CashRequest, int, error) {
	w := &whereBuilder{}
	if q.Status != "" {
		w.add("status = $%d", q.Status)
	}
	if q.DepartmentID != nil {
		w.add("department_id = $%d", *q.DepartmentID)
	}
	if q.RequesterID != "" {
		w.add("requester_id = $%d", q.RequesterID)
	}
	return countAndQuery(ctx, r.conn(ctx), "cash_request", cashRequestCols, "created_at DESC, id", w, q.Limit, q.Offset, scanCashRequest)
}

// =========== Petty Cash Repository ===========

type pettyCashRepoPG struct{ pgBase }

const pettyCashCols = `id, requester_id, amount, purpose, status, approved_by, approved_at,
	rejected_by, rejected_at, rejection_reason, notes, created_at, updated_at`

func scanPettyCash(row pgx.Row) (*PettyCashRequest, error) {
	var p PettyCashRequest
	err := row.Scan(&p.ID, &p.RequesterID, &p.Amount, &p.Purpose, &p.Status, &p.ApprovedBy, &p.ApprovedAt,
		&p.RejectedBy, &p.RejectedAt, &p.RejectionReason, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *pettyCashRepoPG) Create(ctx context.Context, p *PettyCashRequest) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO petty_cash_request (id, requester_id, amount, purpose, status, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.RequesterID, p.Amount, p.Purpose, p.Status, p.Notes, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert petty cash request: %w", err)
	}
	return nil
}

func (r *pettyCashRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*PettyCashRequest, error) {
	p, err := scanPettyCash(r.conn(ctx).QueryRow(ctx, `SELECT `+pettyCashCols+` FROM petty_cash_request WHERE id = $1`, id))
	if err != nil {
		return nil, mapNoRows(err, "petty cash request", id)
	}
	return p, nil
}

func (r *pettyCashRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*PettyCashRequest, error) {
	p, err := scanPettyCash(r.conn(ctx).QueryRow(ctx, `SELECT `+pettyCashCols+` FROM petty_cash_request WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapNoRows(err, "petty cash request", id)
	}
	return p, nil
}

func (r *pettyCashRepoPG) Update(ctx context.Context, p *PettyCashRequest) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE petty_cash_request SET status=$2, approved_by=$3, approved_at=$4, rejected_by=$5, rejected_at=$6,
			rejection_reason=$7, notes=$8, updated_at=$9
		WHERE id = $1`,
		p.ID, p.Status, p.ApprovedBy, p.ApprovedAt, p.RejectedBy, p.RejectedAt, p.RejectionReason, p.Notes, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update petty cash request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("petty cash request", p.ID)
	}
	return nil
}

func (r *pettyCashRepoPG) List(ctx context.Context, q PettyCashQuery) ([]*PettyCashRequest, int, error) {
	w := &whereBuilder{}
	if q.Status != "" {
		w.add("status = $%d", q.Status)
	}
	if q.RequesterID != "" {
		w.add("requester_id = $%d", q.RequesterID)
	}
	return countAndQuery(ctx, r.conn(ctx), "petty_cash_request", pettyCashCols, "created_at DESC, id", w, q.Limit, q.Offset, scanPettyCash)
}

func newAccountNumber(id uuid.UUID) string {
	return "PA-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:12])
}
