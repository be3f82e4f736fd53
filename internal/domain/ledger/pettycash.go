package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreatePettyCashInput struct {
	Amount  decimal.Decimal `json:"amount"`
	Purpose string          `json:"purpose" validate:"max=500"`
	Notes   string          `json:"notes,omitempty" validate:"max=2000"`
}

func (s *Service) CreatePettyCashRequest(ctx context.Context, actor ActorRef, in CreatePettyCashInput) (*PettyCashRequest, error) {
	const op = "create petty cash request"
	if err := requireActor(actor); err != nil {
		return nil, s.fail(op, actor, err)
	}
	if !validMoney(in.Amount) {
		return nil, s.fail(op, actor, validationf("amount must be positive with at most two decimals"))
	}
	if strings.TrimSpace(in.Purpose) == "" {
		return nil, s.fail(op, actor, validationf("purpose is required"))
	}

	now := s.now()
	p := &PettyCashRequest{
		ID:          uuid.New(),
		RequesterID: actor.ID,
		Amount:      in.Amount,
		Purpose:     in.Purpose,
		Status:      PettyCashPending,
		Notes:       optStr(in.Notes),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.inTx(ctx, func(ctx context.Context) error {
		return s.store.PettyCash.Create(ctx, p)
	}); err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("petty_cash_id", p.ID.String()).Str("amount", p.Amount.StringFixed(2)).
		Str("actor_id", actor.ID).Msg("petty cash request created")
	return p, nil
}

// decidePettyCash moves a pending petty cash request to its final state.
// Approval writes nothing to the cash ledger; the payout happens outside
// the system.
func (s *Service) decidePettyCash(ctx context.Context, id uuid.UUID, decide func(*PettyCashRequest)) (*PettyCashRequest, error) {
	var p *PettyCashRequest
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.store.PettyCash.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != PettyCashPending {
			return invalidTransition("petty cash request", p.Status, PettyCashPending)
		}
		p.UpdatedAt = s.now()
		decide(p)
		return s.store.PettyCash.Update(ctx, p)
	})
	return p, err
}

func (s *Service) ApprovePettyCashRequest(ctx context.Context, actor ActorRef, id uuid.UUID, notes string) (*PettyCashRequest, error) {
	const op = "approve petty cash request"
	if err := requireRole(actor, op, pettyApproverRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}
	p, err := s.decidePettyCash(ctx, id, func(p *PettyCashRequest) {
		p.Status = PettyCashApproved
		p.ApprovedBy = strPtr(actor.ID)
		p.ApprovedAt = timePtr(p.UpdatedAt)
		if notes != "" {
			p.Notes = strPtr(notes)
		}
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}
	s.log.Info().Str("petty_cash_id", p.ID.String()).Str("actor_id", actor.ID).Msg("petty cash request approved")
	return p, nil
}

func (s *Service) RejectPettyCashRequest(ctx context.Context, actor ActorRef, id uuid.UUID, reason string) (*PettyCashRequest, error) {
	const op = "reject petty cash request"
	if err := requireRole(actor, op, pettyApproverRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, s.fail(op, actor, validationf("a rejection reason is required"))
	}
	p, err := s.decidePettyCash(ctx, id, func(p *PettyCashRequest) {
		p.Status = PettyCashRejected
		p.RejectedBy = strPtr(actor.ID)
		p.RejectedAt = timePtr(p.UpdatedAt)
		p.RejectionReason = strPtr(reason)
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}
	s.log.Info().Str("petty_cash_id", p.ID.String()).Str("actor_id", actor.ID).Msg("petty cash request rejected")
	return p, nil
}

func (s *Service) GetPettyCashRequest(ctx context.Context, id uuid.UUID) (*PettyCashRequest, error) {
	return s.store.PettyCash.GetByID(ctx, id)
}

func (s *Service) ListPettyCashRequests(ctx context.Context, q PettyCashQuery) ([]*PettyCashRequest, int, error) {
	if q.Status != "" && !q.Status.IsValid() {
		return nil, 0, validationf("unknown petty cash status %q", q.Status)
	}
	return s.store.PettyCash.List(ctx, q)
}
