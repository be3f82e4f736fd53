package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending   InvoiceStatus = "PENDING"
	InvoiceStatusPartial   InvoiceStatus = "PARTIAL"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

func (s InvoiceStatus) IsValid() bool {
	switch s {
	case InvoiceStatusPending, InvoiceStatusPartial, InvoiceStatusPaid, InvoiceStatusCancelled:
		return true
	}
	return false
}

// AcceptsPayment reports whether a payment may be applied in this state.
func (s InvoiceStatus) AcceptsPayment() bool {
	switch s {
	case InvoiceStatusPending, InvoiceStatusPartial:
		return true
	case InvoiceStatusPaid, InvoiceStatusCancelled:
		return false
	}
	return false
}

// PaymentMethod is the tender used for a payment.
type PaymentMethod string

const (
	PaymentMethodCash      PaymentMethod = "CASH"
	PaymentMethodCard      PaymentMethod = "CARD"
	PaymentMethodTransfer  PaymentMethod = "TRANSFER"
	PaymentMethodCheque    PaymentMethod = "CHEQUE"
	PaymentMethodMobile    PaymentMethod = "MOBILE"
	PaymentMethodInsurance PaymentMethod = "INSURANCE"
)

func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodTransfer,
		PaymentMethodCheque, PaymentMethodMobile, PaymentMethodInsurance:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusRefunded:
		return true
	}
	return false
}

type RefundStatus string

const (
	RefundStatusPending  RefundStatus = "PENDING"
	RefundStatusApproved RefundStatus = "APPROVED"
	RefundStatusRejected RefundStatus = "REJECTED"
)

func (s RefundStatus) IsValid() bool {
	switch s {
	case RefundStatusPending, RefundStatusApproved, RefundStatusRejected:
		return true
	}
	return false
}

type CashTransactionType string

const (
	CashIn  CashTransactionType = "CASH_IN"
	CashOut CashTransactionType = "CASH_OUT"
)

func (t CashTransactionType) IsValid() bool {
	switch t {
	case CashIn, CashOut:
		return true
	}
	return false
}

// Opposite returns the type that cancels t out in a reversal.
func (t CashTransactionType) Opposite() CashTransactionType {
	if t == CashIn {
		return CashOut
	}
	return CashIn
}

const CashTransactionCompleted = "COMPLETED"

type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyNormal Urgency = "NORMAL"
	UrgencyHigh   Urgency = "HIGH"
	UrgencyUrgent Urgency = "URGENT"
)

func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyUrgent:
		return true
	}
	return false
}

type CashRequestStatus string

const (
	CashRequestPending   CashRequestStatus = "PENDING"
	CashRequestApproved  CashRequestStatus = "APPROVED"
	CashRequestRejected  CashRequestStatus = "REJECTED"
	CashRequestCancelled CashRequestStatus = "CANCELLED"
	CashRequestCompleted CashRequestStatus = "COMPLETED"
)

func (s CashRequestStatus) IsValid() bool {
	switch s {
	case CashRequestPending, CashRequestApproved, CashRequestRejected,
		CashRequestCancelled, CashRequestCompleted:
		return true
	}
	return false
}

// successors lists the states a cash request in s may move to.
func (s CashRequestStatus) successors() []CashRequestStatus {
	switch s {
	case CashRequestPending:
		return []CashRequestStatus{CashRequestApproved, CashRequestRejected, CashRequestCancelled}
	case CashRequestApproved:
		return []CashRequestStatus{CashRequestCompleted}
	case CashRequestRejected, CashRequestCancelled, CashRequestCompleted:
		return nil
	}
	return nil
}

func (s CashRequestStatus) canMoveTo(next CashRequestStatus) bool {
	for _, n := range s.successors() {
		if n == next {
			return true
		}
	}
	return false
}

func (s CashRequestStatus) isTerminal() bool { return len(s.successors()) == 0 }

// predecessor is the state a request must be in to move to s.
func (s CashRequestStatus) predecessor() CashRequestStatus {
	switch s {
	case CashRequestApproved, CashRequestRejected, CashRequestCancelled:
		return CashRequestPending
	case CashRequestCompleted:
		return CashRequestApproved
	case CashRequestPending:
		return ""
	}
	return ""
}

type PettyCashStatus string

const (
	PettyCashPending  PettyCashStatus = "PENDING"
	PettyCashApproved PettyCashStatus = "APPROVED"
	PettyCashRejected PettyCashStatus = "REJECTED"
)

func (s PettyCashStatus) IsValid() bool {
	switch s {
	case PettyCashPending, PettyCashApproved, PettyCashRejected:
		return true
	}
	return false
}

// Charge is one billed line on an invoice.
type Charge struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	InvoiceID   uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Position    int             `db:"position" json:"position"`
	ServiceRef  string          `db:"service_ref" json:"service_ref"`
	Description *string         `db:"description" json:"description,omitempty"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal   decimal.Decimal `db:"line_total" json:"line_total"`
}

// Invoice maps to the invoice table. Charges are loaded alongside it.
type Invoice struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	PatientID          uuid.UUID       `db:"patient_id" json:"patient_id"`
	Charges            []Charge        `db:"-" json:"charges"`
	TotalAmount        decimal.Decimal `db:"total_amount" json:"total_amount"`
	PaidAmount         decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	Balance            decimal.Decimal `db:"balance" json:"balance"`
	Status             InvoiceStatus   `db:"status" json:"status"`
	CreatedBy          string          `db:"created_by" json:"created_by"`
	CancelledBy        *string         `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancellationReason *string         `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// Payment maps to the payment table.
type Payment struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	InvoiceID   uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	PatientID   uuid.UUID       `db:"patient_id" json:"patient_id"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Method      PaymentMethod   `db:"method" json:"method"`
	Reference   *string         `db:"reference" json:"reference,omitempty"`
	Notes       *string         `db:"notes" json:"notes,omitempty"`
	Status      PaymentStatus   `db:"status" json:"status"`
	ProcessedBy string          `db:"processed_by" json:"processed_by"`
	ProcessedAt time.Time       `db:"processed_at" json:"processed_at"`
}

// Refund maps to the refund table.
type Refund struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	PaymentID       uuid.UUID       `db:"payment_id" json:"payment_id"`
	InvoiceID       uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	PatientID       uuid.UUID       `db:"patient_id" json:"patient_id"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Reason          string          `db:"reason" json:"reason"`
	Notes           *string         `db:"notes" json:"notes,omitempty"`
	Status          RefundStatus    `db:"status" json:"status"`
	RequestedBy     string          `db:"requested_by" json:"requested_by"`
	RequestedAt     time.Time       `db:"requested_at" json:"requested_at"`
	ApprovedBy      *string         `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `db:"approved_at" json:"approved_at,omitempty"`
	RejectedBy      *string         `db:"rejected_by" json:"rejected_by,omitempty"`
	RejectedAt      *time.Time      `db:"rejected_at" json:"rejected_at,omitempty"`
	RejectionReason *string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
}

// PatientAccount maps to the patient_account table. A negative balance means
// the patient has paid more than has been refunded to them.
type PatientAccount struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	PatientID     uuid.UUID       `db:"patient_id" json:"patient_id"`
	AccountNumber string          `db:"account_number" json:"account_number"`
	Balance       decimal.Decimal `db:"balance" json:"balance"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// CashTransaction maps to the append-only cash_transaction table.
type CashTransaction struct {
	ID            uuid.UUID           `db:"id" json:"id"`
	CashierID     string              `db:"cashier_id" json:"cashier_id"`
	PatientID     *uuid.UUID          `db:"patient_id" json:"patient_id,omitempty"`
	CashRequestID *uuid.UUID          `db:"cash_request_id" json:"cash_request_id,omitempty"`
	PaymentID     *uuid.UUID          `db:"payment_id" json:"payment_id,omitempty"`
	ReversalOf    *uuid.UUID          `db:"reversal_of" json:"reversal_of,omitempty"`
	Type          CashTransactionType `db:"type" json:"type"`
	Amount        decimal.Decimal     `db:"amount" json:"amount"`
	Description   string              `db:"description" json:"description"`
	Reference     *string             `db:"reference" json:"reference,omitempty"`
	Status        string              `db:"status" json:"status"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
}

// CashRequest maps to the cash_request table.
type CashRequest struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	RequestNumber   string            `db:"request_number" json:"request_number"`
	RequesterID     string            `db:"requester_id" json:"requester_id"`
	DepartmentID    uuid.UUID         `db:"department_id" json:"department_id"`
	Purpose         string            `db:"purpose" json:"purpose"`
	Amount          decimal.Decimal   `db:"amount" json:"amount"`
	Urgency         Urgency           `db:"urgency" json:"urgency"`
	Status          CashRequestStatus `db:"status" json:"status"`
	ApprovedBy      *string           `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt      *time.Time        `db:"approved_at" json:"approved_at,omitempty"`
	RejectedBy      *string           `db:"rejected_by" json:"rejected_by,omitempty"`
	RejectedAt      *time.Time        `db:"rejected_at" json:"rejected_at,omitempty"`
	RejectionReason *string           `db:"rejection_reason" json:"rejection_reason,omitempty"`
	CancelledAt     *time.Time        `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CompletedBy     *string           `db:"completed_by" json:"completed_by,omitempty"`
	CompletedAt     *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	Notes           *string           `db:"notes" json:"notes,omitempty"`
	Attachments     []string          `db:"attachments" json:"attachments"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}

// PettyCashRequest maps to the petty_cash_request table.
type PettyCashRequest struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	RequesterID     string          `db:"requester_id" json:"requester_id"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Purpose         string          `db:"purpose" json:"purpose"`
	Status          PettyCashStatus `db:"status" json:"status"`
	ApprovedBy      *string         `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `db:"approved_at" json:"approved_at,omitempty"`
	RejectedBy      *string         `db:"rejected_by" json:"rejected_by,omitempty"`
	RejectedAt      *time.Time      `db:"rejected_at" json:"rejected_at,omitempty"`
	RejectionReason *string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
	Notes           *string         `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

func strPtr(s string) *string { return &s }

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time { return &t }

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }
