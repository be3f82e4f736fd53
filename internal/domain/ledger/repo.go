package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxRunner runs fn in one serializable transaction carried by ctx.
// Repositories called with that ctx take part in the transaction. InReadTx
// gives fn a consistent read-only snapshot that never blocks or aborts
// concurrent writers.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	InReadTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type InvoiceQuery struct {
	PatientID *uuid.UUID
	Status    InvoiceStatus
	Limit     int
	Offset    int
}

type PaymentQuery struct {
	InvoiceID *uuid.UUID
	PatientID *uuid.UUID
	Method    PaymentMethod
	Status    PaymentStatus
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

type RefundQuery struct {
	PaymentID *uuid.UUID
	InvoiceID *uuid.UUID
	PatientID *uuid.UUID
	Status    RefundStatus
	Limit     int
	Offset    int
}

// CashTransactionQuery selects cash transactions with From <= created_at < To.
// A zero Limit returns every matching row.
type CashTransactionQuery struct {
	CashierID     string
	Type          CashTransactionType
	PatientID     *uuid.UUID
	CashRequestID *uuid.UUID
	PaymentID     *uuid.UUID
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

type CashRequestQuery struct {
	Status       CashRequestStatus
	DepartmentID *uuid.UUID
	RequesterID  string
	Limit        int
	Offset       int
}

type PettyCashQuery struct {
	Status      PettyCashStatus
	RequesterID string
	Limit       int
	Offset      int
}

// MethodTotal is the sum of payments captured with one method.
type MethodTotal struct {
	Method PaymentMethod   `json:"method"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type InvoiceRepository interface {
	// Create inserts the invoice and its charges.
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// GetForUpdate loads the invoice and holds its row lock until the
	// enclosing transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// UpdateState persists the derived and cancellation fields.
	UpdateState(ctx context.Context, inv *Invoice) error
	List(ctx context.Context, q InvoiceQuery) ([]*Invoice, int, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status PaymentStatus) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Payment, error)
	List(ctx context.Context, q PaymentQuery) ([]*Payment, int, error)
	TotalsByMethod(ctx context.Context, from, to time.Time) ([]MethodTotal, error)
}

type RefundRepository interface {
	Create(ctx context.Context, r *Refund) error
	GetByID(ctx context.Context, id uuid.UUID) (*Refund, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Refund, error)
	// Update persists status and the approval or rejection fields.
	Update(ctx context.Context, r *Refund) error
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]Refund, error)
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Refund, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Refund, error)
	List(ctx context.Context, q RefundQuery) ([]*Refund, int, error)
	ApprovedTotal(ctx context.Context, from, to time.Time) (decimal.Decimal, int, error)
}

type AccountRepository interface {
	// Adjust adds delta to the patient's account balance, creating the
	// account on first use.
	Adjust(ctx context.Context, patientID uuid.UUID, delta decimal.Decimal) (*PatientAccount, error)
	GetByPatient(ctx context.Context, patientID uuid.UUID) (*PatientAccount, error)
	List(ctx context.Context, limit, offset int) ([]*PatientAccount, int, error)
}

// CashTransactionRepository has no update or delete: the table is append-only.
type CashTransactionRepository interface {
	Create(ctx context.Context, t *CashTransaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*CashTransaction, error)
	List(ctx context.Context, q CashTransactionQuery) ([]*CashTransaction, int, error)
}

type CashRequestRepository interface {
	// NextSequence atomically increments and returns the counter for day
	// (YYYYMMDD).
	NextSequence(ctx context.Context, day string) (int, error)
	Create(ctx context.Context, r *CashRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*CashRequest, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*CashRequest, error)
	Update(ctx context.Context, r *CashRequest) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, q CashRequestQuery) ([]*CashRequest, int, error)
}

type PettyCashRepository interface {
	Create(ctx context.Context, r *PettyCashRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*PettyCashRequest, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*PettyCashRequest, error)
	Update(ctx context.Context, r *PettyCashRequest) error
	List(ctx context.Context, q PettyCashQuery) ([]*PettyCashRequest, int, error)
}

// Store bundles the repositories and the transaction runner.
type Store struct {
	Tx           TxRunner
	Invoices     InvoiceRepository
	Payments     PaymentRepository
	Refunds      RefundRepository
	Accounts     AccountRepository
	Cash         CashTransactionRepository
	CashRequests CashRequestRepository
	PettyCash    PettyCashRepository
}
