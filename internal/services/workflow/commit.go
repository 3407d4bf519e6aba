package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"expense-reconciliation-backend/internal/apperr"
	"expense-reconciliation-backend/internal/lock"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/repository"
	"expense-reconciliation-backend/internal/services/splitting"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Decisions struct {
	Approved []uuid.UUID `json:"approved_request_ids"`
	Rejected []uuid.UUID `json:"rejected_request_ids"`
	Notes    string      `json:"admin_notes"`
}

type CommitResult struct {
	ExpenseID string `json:"expense_id"`
	Approved  int    `json:"approved_count"`
	Rejected  int    `json:"rejected_count"`
	Unchanged int    `json:"unchanged_count"`
	Status    Status `json:"status"`
}

// CommitDecisions persists approve/reject decisions for one expense in a single
// transaction. Nothing is written when any decision is invalid. Re-sending a
// decision that is already stored is counted as unchanged. Commits on the same
// expense are serialized so the member check sees every earlier approval.
func (s *Service) CommitDecisions(ctx context.Context, actor Actor, expenseID string, d Decisions) (res *CommitResult, err error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "workflow.CommitDecisions", expenseID)
	defer func() { endSpan(span, err) }()

	if len(d.Approved) == 0 && len(d.Rejected) == 0 {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "no decisions given")
	}

	wanted := make(map[uuid.UUID]models.RequestStatus, len(d.Approved)+len(d.Rejected))
	for _, id := range d.Approved {
		wanted[id] = models.StatusApproved
	}
	for _, id := range d.Rejected {
		if wanted[id] == models.StatusApproved {
			return nil, apperr.Validation(apperr.ReasonConflictingDecision, "request %s is both approved and rejected", id)
		}
		wanted[id] = models.StatusRejected
	}

	ids := make([]uuid.UUID, 0, len(wanted))
	seen := make(map[uuid.UUID]bool, len(wanted))
	for _, id := range append(append([]uuid.UUID{}, d.Approved...), d.Rejected...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	unlock, err := s.locker.Acquire(ctx, lock.CommitKey(expenseID))
	if errors.Is(err, lock.ErrLocked) {
		return nil, apperr.ErrCommitInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire commit lock: %w", err)
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			s.logger.Warn("release commit lock", zap.String("expense_id", expenseID), zap.Error(uerr))
		}
	}()

	found, err := s.requests.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]models.ChangeRequest, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}

	result := &CommitResult{ExpenseID: expenseID}
	var changes []repository.StatusChange
	var note *string
	if n := strings.TrimSpace(d.Notes); n != "" {
		note = &n
	}
	now := s.now()

	for _, id := range ids {
		req, ok := byID[id]
		switch {
		case !ok:
			return nil, apperr.Validation(apperr.ReasonUnknownRequest, "request %s does not exist", id)
		case req.ExpenseID != expenseID:
			return nil, apperr.Validation(apperr.ReasonWrongExpense, "request %s belongs to expense %s", id, req.ExpenseID)
		case !req.IsPending() && req.Status == wanted[id]:
			result.Unchanged++
		case !req.IsPending():
			return nil, apperr.Validation(apperr.ReasonAlreadyProcessed, "request %s was already %s", id, req.Status)
		default:
			changes = append(changes, repository.StatusChange{ID: id, Status: wanted[id], Note: note, At: now})
		}
	}

	all, err := s.requests.ListByExpense(ctx, expenseID)
	if err != nil {
		return nil, err
	}

	if len(changes) > 0 {
		if err := s.checkDecisionsAppliable(ctx, expenseID, all, changes); err != nil {
			return nil, err
		}
		if err := s.requests.SetStatuses(ctx, changes); err != nil {
			if errors.Is(err, repository.ErrNotPending) {
				return nil, apperr.Validation(apperr.ReasonAlreadyProcessed, "%v", err)
			}
			return nil, err
		}
	}

	for _, ch := range changes {
		if ch.Status == models.StatusApproved {
			result.Approved++
		} else {
			result.Rejected++
		}
	}

	updated := applyChanges(all, changes)
	rec, err := s.records.GetApplyRecord(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	result.Status = DeriveStatus(updated, rec)

	if len(changes) > 0 {
		s.record(ctx, expenseID, models.AuditCommitDecisions, actor, d.Notes, map[string]interface{}{
			"approved":  result.Approved,
			"rejected":  result.Rejected,
			"unchanged": result.Unchanged,
		})
	}
	s.logger.Info("decisions committed",
		zap.String("expense_id", expenseID),
		zap.String("admin", actor.Email),
		zap.Int("approved", result.Approved),
		zap.Int("rejected", result.Rejected),
		zap.Int("unchanged", result.Unchanged))
	return result, nil
}

// checkDecisionsAppliable rejects approvals that name items missing from the
// expense or that would leave an item without members.
func (s *Service) checkDecisionsAppliable(ctx context.Context, expenseID string, all []models.ChangeRequest, changes []repository.StatusChange) error {
	mirror, err := s.mirrors.GetMirroredSplit(ctx, expenseID)
	if err != nil {
		return err
	}
	byID := make(map[uuid.UUID]models.ChangeRequest, len(all))
	for _, r := range all {
		byID[r.ID] = r
	}
	for _, ch := range changes {
		if ch.Status != models.StatusApproved {
			continue
		}
		if _, ok := mirror.FindItem(byID[ch.ID].ItemName); !ok {
			return apperr.Validation(apperr.ReasonUnknownItem, "request %s targets unknown item %q", ch.ID, byID[ch.ID].ItemName)
		}
	}
	_, err = splitting.Calculate(mirror.Items.Data(), applyChanges(all, changes))
	return err
}

func applyChanges(reqs []models.ChangeRequest, changes []repository.StatusChange) []models.ChangeRequest {
	next := make(map[uuid.UUID]models.RequestStatus, len(changes))
	for _, ch := range changes {
		next[ch.ID] = ch.Status
	}
	out := make([]models.ChangeRequest, len(reqs))
	for i, r := range reqs {
		if st, ok := next[r.ID]; ok {
			r.Status = st
		}
		out[i] = r
	}
	return out
}
