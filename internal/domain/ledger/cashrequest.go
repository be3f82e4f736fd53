package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/ledger/internal/platform/blobstore"
	"github.com/ehr/ledger/internal/platform/notification"
)

type CreateCashRequestInput struct {
	DepartmentID uuid.UUID       `json:"department_id"`
	Purpose      string          `json:"purpose" validate:"max=500"`
	Amount       decimal.Decimal `json:"amount"`
	Urgency      Urgency         `json:"urgency,omitempty"`
	Notes        string          `json:"notes,omitempty" validate:"max=2000"`
	Attachments  []string        `json:"attachments,omitempty" validate:"max=10,dive,max=128,printascii"`
}

// CreateCashRequest files a PENDING request numbered CR-YYYYMMDD-NNN, where
// NNN is the next value of the day's counter in the reporting time zone.
func (s *Service) CreateCashRequest(ctx context.Context, actor ActorRef, in CreateCashRequestInput) (*CashRequest, error) {
	const op = "create cash request"
	if err := requireActor(actor); err != nil {
		return nil, s.fail(op, actor, err)
	}
	if in.Urgency == "" {
		in.Urgency = UrgencyNormal
	}
	switch {
	case in.DepartmentID == uuid.Nil:
		return nil, s.fail(op, actor, validationf("department_id is required"))
	case strings.TrimSpace(in.Purpose) == "":
		return nil, s.fail(op, actor, validationf("purpose is required"))
	case !validMoney(in.Amount):
		return nil, s.fail(op, actor, validationf("amount must be positive with at most two decimals"))
	case !in.Urgency.IsValid():
		return nil, s.fail(op, actor, validationf("unknown urgency %q", in.Urgency))
	}
	if err := s.checkAttachments(ctx, in.Attachments); err != nil {
		return nil, s.fail(op, actor, err)
	}

	now := s.now()
	day := now.In(s.loc).Format("20060102")
	cr := &CashRequest{
		ID:           uuid.New(),
		RequesterID:  actor.ID,
		DepartmentID: in.DepartmentID,
		Purpose:      in.Purpose,
		Amount:       in.Amount,
		Urgency:      in.Urgency,
		Status:       CashRequestPending,
		Notes:        optStr(in.Notes),
		Attachments:  append([]string{}, in.Attachments...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.inTx(ctx, func(ctx context.Context) error {
		n, err := s.store.CashRequests.NextSequence(ctx, day)
		if err != nil {
			return err
		}
		cr.RequestNumber = fmt.Sprintf("CR-%s-%03d", day, n)
		return s.store.CashRequests.Create(ctx, cr)
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("cash_request_id", cr.ID.String()).Str("request_number", cr.RequestNumber).
		Str("amount", cr.Amount.StringFixed(2)).Str("actor_id", actor.ID).Msg("cash request created")
	return cr, nil
}

func (s *Service) checkAttachments(ctx context.Context, refs []string) error {
	for _, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			return validationf("attachment references must not be empty")
		}
		if s.blobs == nil {
			continue
		}
		if _, err := s.blobs.GetMetadata(ctx, ref); err != nil {
			if errors.Is(err, blobstore.ErrBlobNotFound) {
				return validationf("attachment %s does not exist", ref)
			}
			return fmt.Errorf("check attachment %s: %w", ref, err)
		}
	}
	return nil
}

// transitionCashRequest locks the request, checks the move to state to is
// allowed from its current state and applies change, which must set to. The
// transaction context is handed to change so it can write related rows in
// the same transaction.
func (s *Service) transitionCashRequest(ctx context.Context, id uuid.UUID, to CashRequestStatus, check func(*CashRequest) error, change func(context.Context, *CashRequest) error) (*CashRequest, error) {
	var cr *CashRequest
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		cr, err = s.store.CashRequests.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(cr); err != nil {
				return err
			}
		}
		if !cr.Status.canMoveTo(to) {
			return invalidTransition("cash request", cr.Status, to.predecessor())
		}
		cr.UpdatedAt = s.now()
		if err := change(ctx, cr); err != nil {
			return err
		}
		if cr.Status != to {
			return invariantf("cash request %s moved to %s, expected %s", cr.ID, cr.Status, to)
		}
		return s.store.CashRequests.Update(ctx, cr)
	})
	if err != nil {
		return nil, err
	}
	return cr, nil
}

func requesterOnly(actor ActorRef, action string) func(*CashRequest) error {
	return func(cr *CashRequest) error {
		if cr.RequesterID != actor.ID {
			return forbiddenf("only the requester may %s cash request %s", action, cr.RequestNumber)
		}
		return nil
	}
}

// ApproveCashRequest approves a pending request and, in the same
// transaction, appends the CASH_OUT entry for its amount.
func (s *Service) ApproveCashRequest(ctx context.Context, actor ActorRef, id uuid.UUID, notes string) (*CashRequest, error) {
	const op = "approve cash request"
	if err := requireRole(actor, op, cashApproverRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}
	var out *CashTransaction
	cr, err := s.transitionCashRequest(ctx, id, CashRequestApproved, nil, func(ctx context.Context, cr *CashRequest) error {
		cr.Status = CashRequestApproved
		cr.ApprovedBy = strPtr(actor.ID)
		cr.ApprovedAt = timePtr(cr.UpdatedAt)
		if notes != "" {
			cr.Notes = strPtr(notes)
		}
		out = &CashTransaction{
			CashierID:     actor.ID,
			CashRequestID: uuidPtr(cr.ID),
			Type:          CashOut,
			Amount:        cr.Amount,
			Description:   fmt.Sprintf("Disbursement for cash request %s: %s", cr.RequestNumber, cr.Purpose),
			Reference:     strPtr(cr.RequestNumber),
		}
		return s.appendCash(ctx, out, cr.UpdatedAt)
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("cash_request_id", cr.ID.String()).Str("cash_transaction_id", out.ID.String()).
		Str("amount", cr.Amount.StringFixed(2)).Str("actor_id", actor.ID).Msg("cash request approved")
	s.publish(ctx, notification.NewEvent(notification.EventCashRequestApproved, actor.ID, cr.ID.String(), map[string]string{
		"request_number": cr.RequestNumber,
		"requester_id":   cr.RequesterID,
		"amount":         cr.Amount.StringFixed(2),
	}))
	return cr, nil
}

func (s *Service) RejectCashRequest(ctx context.Context, actor ActorRef, id uuid.UUID, reason, notes string) (*CashRequest, error) {
	const op = "reject cash request"
	if err := requireRole(actor, op, cashApproverRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, s.fail(op, actor, validationf("a rejection reason is required"))
	}
	cr, err := s.transitionCashRequest(ctx, id, CashRequestRejected, nil, func(_ context.Context, cr *CashRequest) error {
		cr.Status = CashRequestRejected
		cr.RejectedBy = strPtr(actor.ID)
		cr.RejectedAt = timePtr(cr.UpdatedAt)
		cr.RejectionReason = strPtr(reason)
		if notes != "" {
			cr.Notes = strPtr(notes)
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("cash_request_id", cr.ID.String()).Str("actor_id", actor.ID).Msg("cash request rejected")
	s.publish(ctx, notification.NewEvent(notification.EventCashRequestRejected, actor.ID, cr.ID.String(), map[string]string{
		"request_number": cr.RequestNumber,
		"requester_id":   cr.RequesterID,
		"reason":         reason,
	}))
	return cr, nil
}

// CancelCashRequest withdraws a pending request. Only its requester may.
func (s *Service) CancelCashRequest(ctx context.Context, actor ActorRef, id uuid.UUID) (*CashRequest, error) {
	const op = "cancel cash request"
	if err := requireActor(actor); err != nil {
		return nil, s.fail(op, actor, err)
	}
	cr, err := s.transitionCashRequest(ctx, id, CashRequestCancelled, requesterOnly(actor, "cancel"), func(_ context.Context, cr *CashRequest) error {
		cr.Status = CashRequestCancelled
		cr.CancelledAt = timePtr(cr.UpdatedAt)
		return nil
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("cash_request_id", cr.ID.String()).Str("actor_id", actor.ID).Msg("cash request cancelled")
	return cr, nil
}

// CompleteCashRequest marks an approved request as handed over.
func (s *Service) CompleteCashRequest(ctx context.Context, actor ActorRef, id uuid.UUID) (*CashRequest, error) {
	const op = "complete cash request"
	if err := requireRole(actor, op, cashCompleterRoles); err != nil {
		return nil, s.fail(op, actor, err)
	}
	cr, err := s.transitionCashRequest(ctx, id, CashRequestCompleted, nil, func(_ context.Context, cr *CashRequest) error {
		cr.Status = CashRequestCompleted
		cr.CompletedBy = strPtr(actor.ID)
		cr.CompletedAt = timePtr(cr.UpdatedAt)
		return nil
	})
	if err != nil {
		return nil, s.fail(op, actor, err)
	}

	s.log.Info().Str("cash_request_id", cr.ID.String()).Str("actor_id", actor.ID).Msg("cash request completed")
	return cr, nil
}

// DeleteCashRequest removes a pending request outright. Only its requester
// may. Attachments are removed from blob storage after commit.
func (s *Service) DeleteCashRequest(ctx context.Context, actor ActorRef, id uuid.UUID) error {
	const op = "delete cash request"
	if err := requireActor(actor); err != nil {
		return s.fail(op, actor, err)
	}
	var cr *CashRequest
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		cr, err = s.store.CashRequests.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := requesterOnly(actor, "delete")(cr); err != nil {
			return err
		}
		if cr.Status != CashRequestPending {
			return invalidTransition("cash request", cr.Status, CashRequestPending)
		}
		// The cash ledger is append-only, so a request it points at must stay.
		_, linked, err := s.store.Cash.List(ctx, CashTransactionQuery{CashRequestID: uuidPtr(id), Limit: 1})
		if err != nil {
			return err
		}
		if linked > 0 {
			return conflictf(CodeHasCashEntries, "cash request %s is referenced by %d cash entries; cancel it instead", cr.RequestNumber, linked)
		}
		return s.store.CashRequests.Delete(ctx, id)
	})
	if err != nil {
		return s.fail(op, actor, err)
	}

	s.log.Info().Str("cash_request_id", id.String()).Str("request_number", cr.RequestNumber).
		Str("actor_id", actor.ID).Msg("cash request deleted")
	if s.blobs != nil {
		for _, ref := range cr.Attachments {
			if err := s.blobs.Delete(ctx, ref); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
				s.log.Warn().Err(err).Str("blob_id", ref).Msg("attachment left behind after delete")
			}
		}
	}
	return nil
}

func (s *Service) GetCashRequest(ctx context.Context, id uuid.UUID) (*CashRequest, error) {
	return s.store.CashRequests.GetByID(ctx, id)
}

func (s *Service) ListCashRequests(ctx context.Context, q CashRequestQuery) ([]*CashRequest, int, error) {
	if q.Status != "" && !q.Status.IsValid() {
		return nil, 0, validationf("unknown cash request status %q", q.Status)
	}
	return s.store.CashRequests.List(ctx, q)
}

// UploadCashRequestAttachment stores a supporting document and returns its
// metadata. The id is the reference to pass in CreateCashRequestInput.
func (s *Service) UploadCashRequestAttachment(ctx context.Context, actor ActorRef, fileName, contentType string, content io.Reader) (*blobstore.BlobMetadata, error) {
	const op = "upload attachment"
	if err := requireActor(actor); err != nil {
		return nil, s.fail(op, actor, err)
	}
	if s.blobs == nil {
		return nil, s.fail(op, actor, errors.New("attachment storage is not configured"))
	}
	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{FileName: fileName, ContentType: contentType, CreatedBy: actor.ID}, content)
	switch {
	case errors.Is(err, blobstore.ErrFileTooLarge), errors.Is(err, blobstore.ErrInvalidContentType), errors.Is(err, blobstore.ErrMissingFileName):
		return nil, s.fail(op, actor, validationf("%v", err))
	case err != nil:
		return nil, s.fail(op, actor, fmt.Errorf("store attachment: %w", err))
	}

	s.log.Info().Str("blob_id", meta.ID).Int64("size", meta.Size).Str("actor_id", actor.ID).Msg("attachment stored")
	return meta, nil
}
