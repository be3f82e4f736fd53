package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/ledger/internal/platform/notification"
)

type RequestRefundInput struct {
	PaymentID uuid.UUID       `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason" validate:"max=500"`
	Notes     string          `json:"notes,omitempty" validate:"max=2000"`
}

func refundExceeds(amount, refundable decimal.Decimal) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeRefundExceedsPayment,
		Message: "refund " + amount.StringFixed(2) + " exceeds refundable amount " + refundable.StringFixed(2),
	}
}

// RequestRefund records a PENDING refund against a completed payment. Nothing
// in the ledger moves until the refund is approved.
func (s *Service) RequestRefund(ctx context.Context, actor ActorRef, in RequestRefundInput) (*Refund, error) {
	const op = "request refund"
	if err := requireRole(actor, op, billerRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}
	if !validMoney(in.Amount) {
		return nil, s.fail(op, actor, validationf("amount must be positive with at most two decimals"))
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, s.fail(op, actor, validationf("a refund reason is required"))
	}

	now := s.now()
	var rf *Refund
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.store.Payments.GetForUpdate(ctx, in.PaymentID)
		if err != nil {
			return err
		}
		if p.Status != PaymentStatusCompleted {
			return conflictf(CodePaymentNotRefundable, "payment %s is %s", p.ID, p.Status)
		}
		refunds, err := s.store.Refunds.ListByPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if refundable := p.Amount.Sub(ApprovedRefunded(p.ID, refunds)); in.Amount.GreaterThan(refundable) {
			return refundExceeds(in.Amount, refundable)
		}

		rf = &Refund{
			ID:          uuid.New(),
			PaymentID:   p.ID,
			InvoiceID:   p.InvoiceID,
			PatientID:   p.PatientID,
			Amount:      in.Amount,
			Reason:      in.Reason,
			Notes:       optStr(in.Notes),
			Status:      RefundStatusPending,
			RequestedBy: actor.ID,
			RequestedAt: now,
		}
		return s.store.Refunds.Create(ctx, rf)
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("refund_id", rf.ID.String()).Str("payment_id", rf.PaymentID.String()).
		Str("amount", rf.Amount.StringFixed(2)).Str("actor_id", actor.ID).Msg("refund requested")
	return rf, nil
}

// ApproveRefund applies a pending refund: the invoice balance and the patient
// account move back up by the refund amount, and a payment whose full amount
// has been refunded becomes REFUNDED. Lock order is refund, payment, invoice.
func (s *Service) ApproveRefund(ctx context.Context, actor ActorRef, id uuid.UUID) (*Refund, error) {
	const op = "approve refund"
	if err := requireRole(actor, op, refundApproverRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}

	now := s.now()
	var rf *Refund
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		rf, err = s.store.Refunds.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rf.Status != RefundStatusPending {
			return invalidTransition("refund", rf.Status, RefundStatusPending)
		}
		p, err := s.store.Payments.GetForUpdate(ctx, rf.PaymentID)
		if err != nil {
			return err
		}
		if p.Status != PaymentStatusCompleted {
			return conflictf(CodePaymentNotRefundable, "payment %s is %s", p.ID, p.Status)
		}
		refunds, err := s.store.Refunds.ListByPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		remaining := p.Amount.Sub(ApprovedRefunded(p.ID, refunds))
		if rf.Amount.GreaterThan(remaining) {
			return conflictf(CodeRefundExceedsPayment, "refund %s exceeds remaining refundable amount %s",
				rf.Amount.StringFixed(2), remaining.StringFixed(2))
		}

		rf.Status = RefundStatusApproved
		rf.ApprovedBy = strPtr(actor.ID)
		rf.ApprovedAt = timePtr(now)
		if err := s.store.Refunds.Update(ctx, rf); err != nil {
			return err
		}
		if rf.Amount.Equal(remaining) {
			if err := s.store.Payments.UpdateStatus(ctx, p.ID, PaymentStatusRefunded); err != nil {
				return err
			}
		}

		inv, err := s.store.Invoices.GetForUpdate(ctx, rf.InvoiceID)
		if err != nil {
			return err
		}
		if err := s.refreshInvoice(ctx, inv, now); err != nil {
			return err
		}
		_, err = s.store.Accounts.Adjust(ctx, rf.PatientID, rf.Amount)
		return err
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("refund_id", rf.ID.String()).Str("payment_id", rf.PaymentID.String()).
		Str("amount", rf.Amount.StringFixed(2)).Str("actor_id", actor.ID).Msg("refund approved")
	s.publish(ctx, notification.NewEvent(notification.EventRefundApproved, actor.ID, rf.ID.String(), map[string]string{
		"payment_id": rf.PaymentID.String(),
		"invoice_id": rf.InvoiceID.String(),
		"patient_id": rf.PatientID.String(),
		"amount":     rf.Amount.StringFixed(2),
	}))
	return rf, nil
}

// RejectRefund closes a pending refund without any ledger effect.
func (s *Service) RejectRefund(ctx context.Context, actor ActorRef, id uuid.UUID, reason string) (*Refund, error) {
	const op = "reject refund"
	if err := requireRole(actor, op, refundApproverRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, s.fail(op, actor, validationf("a rejection reason is required"))
	}

	now := s.now()
	var rf *Refund
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		rf, err = s.store.Refunds.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rf.Status != RefundStatusPending {
			return invalidTransition("refund", rf.Status, RefundStatusPending)
		}
		rf.Status = RefundStatusRejected
		rf.RejectedBy = strPtr(actor.ID)
		rf.RejectedAt = timePtr(now)
		rf.RejectionReason = strPtr(reason)
		return s.store.Refunds.Update(ctx, rf)
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("refund_id", rf.ID.String()).Str("actor_id", actor.ID).Msg("refund rejected")
	return rf, nil
}

func (s *Service) GetRefund(ctx context.Context, id uuid.UUID) (*Refund, error) {
	return s.store.Refunds.GetByID(ctx, id)
}

func (s *Service) ListRefunds(ctx context.Context, q RefundQuery) ([]*Refund, int, error) {
	if q.Status != "" && !q.Status.IsValid() {
		return nil, 0, validationf("unknown refund status %q", q.Status)
	}
	return s.store.Refunds.List(ctx, q)
}

func (s *Service) GetPatientAccount(ctx context.Context, patientID uuid.UUID) (*PatientAccount, error) {
	return s.store.Accounts.GetByPatient(ctx, patientID)
}
