package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RecordCashInput struct {
	Type          CashTransactionType `json:"type"`
	Amount        decimal.Decimal     `json:"amount"`
	Description   string              `json:"description" validate:"max=500"`
	PatientID     *uuid.UUID          `json:"patient_id,omitempty"`
	CashRequestID *uuid.UUID          `json:"cash_request_id,omitempty"`
	Reference     string              `json:"reference,omitempty" validate:"max=128"`
}

// appendCash fills in the generated fields of t and appends it to the cash
// ledger inside the caller's transaction.
func (s *Service) appendCash(ctx context.Context, t *CashTransaction, now time.Time) error {
	t.ID = uuid.New()
	t.Status = CashTransactionCompleted
	t.CreatedAt = now
	return s.store.Cash.Create(ctx, t)
}

// RecordCashTransaction appends a manual till movement. Cash request
// disbursements are recorded when the request is approved, so a CASH_OUT
// tied to a request is refused here.
func (s *Service) RecordCashTransaction(ctx context.Context, actor ActorRef, in RecordCashInput) (*CashTransaction, error) {
	const op = "record cash transaction"
	if err := requireRole(actor, op, cashRecorderRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}
	switch {
	case !in.Type.IsValid():
		return nil, s.fail(op, actor, validationf("unknown cash transaction type %q", in.Type))
	case !validMoney(in.Amount):
		return nil, s.fail(op, actor, validationf("amount must be positive with at most two decimals"))
	case strings.TrimSpace(in.Description) == "":
		return nil, s.fail(op, actor, validationf("description is required"))
	case in.Type == CashOut && in.CashRequestID != nil:
		return nil, s.fail(op, actor, validationf("cash request disbursements are recorded when the request is approved"))
	}

	now := s.now()
	t := &CashTransaction{
		CashierID:     actor.ID,
		PatientID:     in.PatientID,
		CashRequestID: in.CashRequestID,
		Type:          in.Type,
		Amount:        in.Amount,
		Description:   in.Description,
		Reference:     optStr(in.Reference),
	}
	err := s.inTx(ctx, func(ctx context.Context) error {
		if in.CashRequestID != nil {
			if _, err := s.store.CashRequests.GetByID(ctx, *in.CashRequestID); err != nil {
				return err
			}
		}
		return s.appendCash(ctx, t, now)
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("cash_transaction_id", t.ID.String()).Str("type", string(t.Type)).
		Str("amount", t.Amount.StringFixed(2)).Str("actor_id", actor.ID).Msg("cash transaction recorded")
	return t, nil
}

// RecordCashReversal corrects a cash entry by appending the opposite movement
// for the same amount. The original entry is never changed, and each entry
// can be reversed once.
func (s *Service) RecordCashReversal(ctx context.Context, actor ActorRef, originalID uuid.UUID, reason string) (*CashTransaction, error) {
	const op = "reverse cash transaction"
	if err := requireRole(actor, op, cashRecorderRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, s.fail(op, actor, validationf("a reversal reason is required"))
	}

	now := s.now()
	var rev *CashTransaction
	err := s.inTx(ctx, func(ctx context.Context) error {
		orig, err := s.store.Cash.GetByID(ctx, originalID)
		if err != nil {
			return err
		}
		if orig.ReversalOf != nil {
			return conflictf(CodeInvalidTransition, "cash transaction %s is itself a reversal", orig.ID)
		}
		rev = &CashTransaction{
			CashierID:     actor.ID,
			PatientID:     orig.PatientID,
			CashRequestID: orig.CashRequestID,
			PaymentID:     orig.PaymentID,
			ReversalOf:    uuidPtr(orig.ID),
			Type:          orig.Type.Opposite(),
			Amount:        orig.Amount,
			Description:   fmt.Sprintf("Reversal of %s: %s", orig.ID, reason),
			Reference:     orig.Reference,
		}
		return s.appendCash(ctx, rev, now)
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("cash_transaction_id", rev.ID.String()).Str("reversal_of", originalID.String()).
		Str("amount", rev.Amount.StringFixed(2)).Str("actor_id", actor.ID).Msg("cash transaction reversed")
	return rev, nil
}

func (s *Service) GetCashTransaction(ctx context.Context, id uuid.UUID) (*CashTransaction, error) {
	return s.store.Cash.GetByID(ctx, id)
}

func (s *Service) ListCashTransactions(ctx context.Context, q CashTransactionQuery) ([]*CashTransaction, int, error) {
	if q.Type != "" && !q.Type.IsValid() {
		return nil, 0, validationf("unknown cash transaction type %q", q.Type)
	}
	return s.store.Cash.List(ctx, q)
}
