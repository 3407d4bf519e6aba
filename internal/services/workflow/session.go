package workflow

import (
	"context"

	"expense-reconciliation-backend/internal/apperr"
	"expense-reconciliation-backend/internal/models"

	"github.com/google/uuid"
)

// Session holds one admin's in-progress decisions for one expense. Nothing in it
// is persisted until Commit; a reload rebuilds it from committed statuses.
type Session struct {
	svc   *Service
	actor Actor

	expenseID  string
	requests   map[uuid.UUID]models.ChangeRequest
	selections map[uuid.UUID]models.RequestStatus
	preview    *PreviewResult
}

func (s *Service) NewSession(actor Actor) *Session {
	return &Session{svc: s, actor: actor}
}

func (ss *Session) ExpenseID() string { return ss.expenseID }

// Select switches the session to expenseID, dropping any uncommitted selections
// and preview.
func (ss *Session) Select(ctx context.Context, expenseID string) (*StatusReport, error) {
	if err := requireAdmin(ss.actor); err != nil {
		return nil, err
	}
	reqs, err := ss.svc.requests.ListByExpense(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	rec, err := ss.svc.records.GetApplyRecord(ctx, expenseID)
	if err != nil {
		return nil, err
	}

	ss.expenseID = expenseID
	ss.preview = nil
	ss.requests = make(map[uuid.UUID]models.ChangeRequest, len(reqs))
	ss.selections = make(map[uuid.UUID]models.RequestStatus, len(reqs))
	for _, r := range reqs {
		ss.requests[r.ID] = r
		if !r.IsPending() {
			ss.selections[r.ID] = r.Status
		}
	}
	return buildReport(expenseID, reqs, rec), nil
}

func (ss *Session) Approve(id uuid.UUID) error {
	return ss.choose(id, models.StatusApproved)
}

func (ss *Session) Reject(id uuid.UUID) error {
	return ss.choose(id, models.StatusRejected)
}

// Clear drops the selection for a request that is still pending.
func (ss *Session) Clear(id uuid.UUID) {
	if r, ok := ss.requests[id]; ok && r.IsPending() {
		delete(ss.selections, id)
		ss.preview = nil
	}
}

func (ss *Session) choose(id uuid.UUID, st models.RequestStatus) error {
	if ss.expenseID == "" {
		return apperr.Validation(apperr.ReasonInvalidInput, "no expense selected")
	}
	if _, ok := ss.requests[id]; !ok {
		return apperr.Validation(apperr.ReasonUnknownRequest, "request %s is not part of expense %s", id, ss.expenseID)
	}
	ss.selections[id] = st
	ss.preview = nil
	return nil
}

// Selection returns the current decision for id, empty when undecided.
func (ss *Session) Selection(id uuid.UUID) models.RequestStatus {
	return ss.selections[id]
}

// Commit persists the selections and reloads the session from the store.
func (ss *Session) Commit(ctx context.Context, notes string) (*CommitResult, error) {
	if ss.expenseID == "" {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "no expense selected")
	}
	d := Decisions{Notes: notes}
	for id, st := range ss.selections {
		if !ss.requests[id].IsPending() && ss.requests[id].Status == st {
			continue
		}
		if st == models.StatusApproved {
			d.Approved = append(d.Approved, id)
		} else {
			d.Rejected = append(d.Rejected, id)
		}
	}
	if len(d.Approved) == 0 && len(d.Rejected) == 0 {
		return &CommitResult{ExpenseID: ss.expenseID, Status: ss.status(ctx)}, nil
	}
	res, err := ss.svc.CommitDecisions(ctx, ss.actor, ss.expenseID, d)
	if err != nil {
		return nil, err
	}
	if _, err := ss.Select(ctx, ss.expenseID); err != nil {
		return nil, err
	}
	return res, nil
}

func (ss *Session) status(ctx context.Context) Status {
	rep, err := ss.svc.ExpenseStatus(ctx, ss.actor, ss.expenseID)
	if err != nil {
		return ""
	}
	return rep.Status
}

func (ss *Session) Preview(ctx context.Context) (*PreviewResult, error) {
	if ss.expenseID == "" {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "no expense selected")
	}
	res, err := ss.svc.Preview(ctx, ss.actor, ss.expenseID)
	if err != nil {
		return nil, err
	}
	ss.preview = res
	return res, nil
}

// BackToDecisions discards the preview. Committed decisions are kept.
func (ss *Session) BackToDecisions() {
	ss.preview = nil
}

func (ss *Session) CurrentPreview() *PreviewResult {
	return ss.preview
}

// Apply is only offered after a ready preview, and applies exactly the
// decision set that preview was computed for.
func (ss *Session) Apply(ctx context.Context) (*ApplyResult, error) {
	if ss.preview == nil {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "preview the changes before applying")
	}
	if !ss.preview.Ready {
		return nil, apperr.Validation(ss.preview.Reason, "preview is not appliable: %s", ss.preview.Message)
	}
	res, err := ss.svc.Apply(ctx, ss.actor, ss.expenseID, ss.preview.Preview.DecisionHash)
	if err != nil {
		return nil, err
	}
	ss.preview = nil
	return res, nil
}
