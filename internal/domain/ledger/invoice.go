package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ChargeInput struct {
	ServiceRef  string          `json:"service_ref" validate:"max=64"`
	Description string          `json:"description,omitempty" validate:"max=500"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type CreateInvoiceInput struct {
	PatientID uuid.UUID     `json:"patient_id"`
	Charges   []ChargeInput `json:"charges" validate:"max=200,dive"`
}

func (in CreateInvoiceInput) charges(invoiceID uuid.UUID) ([]Charge, error) {
	if in.PatientID == uuid.Nil {
		return nil, validationf("patient_id is required")
	}
	if len(in.Charges) == 0 {
		return nil, validationf("at least one charge is required")
	}
	out := make([]Charge, 0, len(in.Charges))
	for i, c := range in.Charges {
		if strings.TrimSpace(c.ServiceRef) == "" {
			return nil, validationf("charge %d: service_ref is required", i+1)
		}
		if c.Quantity < 1 {
			return nil, validationf("charge %d: quantity must be at least 1", i+1)
		}
		if c.UnitPrice.IsNegative() || !c.UnitPrice.Equal(c.UnitPrice.Round(2)) {
			return nil, validationf("charge %d: unit_price must be non-negative with at most two decimals", i+1)
		}
		out = append(out, Charge{
			ID:          uuid.New(),
			InvoiceID:   invoiceID,
			Position:    i + 1,
			ServiceRef:  c.ServiceRef,
			Description: optStr(c.Description),
			Quantity:    c.Quantity,
			UnitPrice:   c.UnitPrice,
			LineTotal:   LineTotal(c.Quantity, c.UnitPrice),
		})
	}
	return out, nil
}

// CreateInvoice bills the given charges to a patient. The invoice starts
// PENDING with the full total outstanding.
func (s *Service) CreateInvoice(ctx context.Context, actor ActorRef, in CreateInvoiceInput) (*Invoice, error) {
	const op = "create invoice"
	if err := requireRole(actor, op, billerRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}
	now := s.now()
	inv := &Invoice{ID: uuid.New(), PatientID: in.PatientID, CreatedBy: actor.ID, CreatedAt: now, UpdatedAt: now}
	charges, err := in.charges(inv.ID)
	if err != nil {
		return nil, s.fail(op, actor, err)
	}
	inv.Charges = charges

	st, err := ComputeInvoiceState(charges, nil, nil, false)
	if err != nil {
		return nil, s.fail(op, actor, err)
	}
	if !st.TotalAmount.IsPositive() {
		return nil, s.fail(op, actor, validationf("invoice total must be greater than zero"))
	}
	st.Apply(inv)

	if err := s.inTx(ctx, func(ctx context.Context) error {
		return s.store.Invoices.Create(ctx, inv)
	}); err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("invoice_id", inv.ID.String()).Str("patient_id", inv.PatientID.String()).
		Str("total", inv.TotalAmount.StringFixed(2)).Str("actor_id", actor.ID).Msg("invoice created")
	return inv, nil
}

// CancelInvoice closes an invoice that has nothing paid against it. Payments
// must be refunded before the invoice can be cancelled.
func (s *Service) CancelInvoice(ctx context.Context, actor ActorRef, id uuid.UUID, reason string) (*Invoice, error) {
	const op = "cancel invoice"
	if err := requireRole(actor, op, billerRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, s.fail(op, actor, validationf("a cancellation reason is required"))
	}

	now := s.now()
	var inv *Invoice
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.store.Invoices.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == InvoiceStatusCancelled {
			return conflictf(CodeInvoiceClosed, "invoice %s is already cancelled", id)
		}
		payments, refunds, err := s.invoiceHistory(ctx, id)
		if err != nil {
			return err
		}
		if paid := NetPaid(payments, refunds); !paid.IsZero() {
			return conflictf(CodeInvoiceHasPayments, "invoice %s has %s paid; refund it before cancelling", id, paid.StringFixed(2))
		}

		inv.CancelledBy = strPtr(actor.ID)
		inv.CancelledAt = timePtr(now)
		inv.CancellationReason = strPtr(reason)
		st, err := ComputeInvoiceState(inv.Charges, payments, refunds, true)
		if err != nil {
			return err
		}
		st.Apply(inv)
		inv.UpdatedAt = now
		return s.store.Invoices.UpdateState(ctx, inv)
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("invoice_id", id.String()).Str("actor_id", actor.ID).Msg("invoice cancelled")
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.store.Invoices.GetByID(ctx, id)
}

func (s *Service) ListInvoices(ctx context.Context, q InvoiceQuery) ([]*Invoice, int, error) {
	if q.Status != "" && !q.Status.IsValid() {
		return nil, 0, validationf("unknown invoice status %q", q.Status)
	}
	return s.store.Invoices.List(ctx, q)
}

// invoiceHistory loads every payment and refund recorded against an invoice.
func (s *Service) invoiceHistory(ctx context.Context, invoiceID uuid.UUID) ([]Payment, []Refund, error) {
	payments, err := s.store.Payments.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	refunds, err := s.store.Refunds.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	return payments, refunds, nil
}

// refreshInvoice recomputes and persists the derived fields of inv, which
// must be locked by the caller's transaction.
func (s *Service) refreshInvoice(ctx context.Context, inv *Invoice, now time.Time) error {
	payments, refunds, err := s.invoiceHistory(ctx, inv.ID)
	if err != nil {
		return err
	}
	st, err := ComputeInvoiceState(inv.Charges, payments, refunds, inv.Status == InvoiceStatusCancelled)
	if err != nil {
		return err
	}
	st.Apply(inv)
	inv.UpdatedAt = now
	return s.store.Invoices.UpdateState(ctx, inv)
}
