package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/ledger/internal/platform/notification"
)

type ApplyPaymentInput struct {
	InvoiceID uuid.UUID       `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
	Reference string          `json:"reference,omitempty" validate:"max=128"`
	Notes     string          `json:"notes,omitempty" validate:"max=2000"`
}

// PaymentResult is everything ApplyPayment changed.
type PaymentResult struct {
	Payment         *Payment         `json:"payment"`
	Invoice         *Invoice         `json:"invoice"`
	Account         *PatientAccount  `json:"account"`
	CashTransaction *CashTransaction `json:"cash_transaction,omitempty"`
}

// ApplyPayment records a captured payment against an invoice. The invoice is
// locked, its balance re-derived from the payment history and the amount
// checked against it before anything is written. Cash tenders also add a
// CASH_IN entry to the cash ledger.
func (s *Service) ApplyPayment(ctx context.Context, actor ActorRef, in ApplyPaymentInput) (*PaymentResult, error) {
	const op = "apply payment"
	if err := requireRole(actor, op, billerRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}
	if !validMoney(in.Amount) {
		return nil, s.fail(op, actor, validationf("amount must be positive with at most two decimals"))
	}
	if !in.Method.IsValid() {
		return nil, s.fail(op, actor, validationf("unknown payment method %q", in.Method))
	}
	if err := s.checkStaff(ctx, actor); err != nil {
		return nil, s.fail(op, actor, err)
	}

	now := s.now()
	var res PaymentResult
	err := s.inTx(ctx, func(ctx context.Context) error {
		inv, err := s.store.Invoices.GetForUpdate(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.AcceptsPayment() {
			return conflictf(CodeInvoiceClosed, "invoice %s is %s and accepts no payments", inv.ID, inv.Status)
		}
		payments, refunds, err := s.invoiceHistory(ctx, inv.ID)
		if err != nil {
			return err
		}
		st, err := ComputeInvoiceState(inv.Charges, payments, refunds, false)
		if err != nil {
			return err
		}
		if in.Amount.GreaterThan(st.Balance) {
			return conflictf(CodeExcessPayment, "payment %s exceeds balance %s", in.Amount.StringFixed(2), st.Balance.StringFixed(2))
		}

		p := &Payment{
			ID:          uuid.New(),
			InvoiceID:   inv.ID,
			PatientID:   inv.PatientID,
			Amount:      in.Amount,
			Method:      in.Method,
			Reference:   optStr(in.Reference),
			Notes:       optStr(in.Notes),
			Status:      PaymentStatusCompleted,
			ProcessedBy: actor.ID,
			ProcessedAt: now,
		}
		if err := s.store.Payments.Create(ctx, p); err != nil {
			return err
		}
		if err := s.refreshInvoice(ctx, inv, now); err != nil {
			return err
		}
		acct, err := s.store.Accounts.Adjust(ctx, inv.PatientID, in.Amount.Neg())
		if err != nil {
			return err
		}
		res = PaymentResult{Payment: p, Invoice: inv, Account: acct}

		if in.Method == PaymentMethodCash {
			ct := &CashTransaction{
				CashierID:   actor.ID,
				PatientID:   uuidPtr(inv.PatientID),
				PaymentID:   uuidPtr(p.ID),
				Type:        CashIn,
				Amount:      in.Amount,
				Description: fmt.Sprintf("Cash payment for invoice %s", inv.ID),
				Reference:   optStr(in.Reference),
			}
			if err := s.appendCash(ctx, ct, now); err != nil {
				return err
			}
			res.CashTransaction = ct
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().
		Str("payment_id", res.Payment.ID.String()).
		Str("invoice_id", res.Invoice.ID.String()).
		Str("amount", in.Amount.StringFixed(2)).
		Str("method", string(in.Method)).
		Str("invoice_status", string(res.Invoice.Status)).
		Str("actor_id", actor.ID).
		Msg("payment applied")
	s.publish(ctx, notification.NewEvent(notification.EventPaymentCompleted, actor.ID, res.Payment.ID.String(), map[string]string{
		"invoice_id": res.Invoice.ID.String(),
		"patient_id": res.Invoice.PatientID.String(),
		"amount":     in.Amount.StringFixed(2),
		"method":     string(in.Method),
		"balance":    res.Invoice.Balance.StringFixed(2),
	}))
	return &res, nil
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.store.Payments.GetByID(ctx, id)
}

func (s *Service) ListPayments(ctx context.Context, q PaymentQuery) ([]*Payment, int, error) {
	if q.Method != "" && !q.Method.IsValid() {
		return nil, 0, validationf("unknown payment method %q", q.Method)
	}
	if q.Status != "" && !q.Status.IsValid() {
		return nil, 0, validationf("unknown payment status %q", q.Status)
	}
	return s.store.Payments.List(ctx, q)
}
