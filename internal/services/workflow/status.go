package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"expense-reconciliation-backend/internal/models"
)

type Status string

const (
	StatusNeedsDecisions  Status = "needs_decisions"
	StatusReadyForPreview Status = "ready_for_preview"
	StatusCompleted       Status = "completed"
)

// DecisionHash identifies the set of approved requests of an expense. It is
// empty when nothing is approved.
func DecisionHash(reqs []models.ChangeRequest) string {
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if r.Status == models.StatusApproved {
			ids = append(ids, r.ID.String())
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey is embedded in the ledger comment so an ambiguous update can be
// detected on re-read.
func IdempotencyKey(expenseID, decisionHash string) string {
	h := decisionHash
	if len(h) > 16 {
		h = h[:16]
	}
	return expenseID + ":" + h
}

// DeriveStatus computes the workflow status from persisted facts only.
func DeriveStatus(reqs []models.ChangeRequest, rec *models.ApplyRecord) Status {
	for _, r := range reqs {
		if r.IsPending() {
			return StatusNeedsDecisions
		}
	}
	if rec != nil && rec.State == models.ApplyStateApplied && rec.DecisionHash == DecisionHash(reqs) {
		return StatusCompleted
	}
	return StatusReadyForPreview
}

type StatusReport struct {
	ExpenseID        string     `json:"expense_id"`
	Status           Status     `json:"status"`
	TotalRequests    int        `json:"total_requests"`
	Pending          int        `json:"pending"`
	Approved         int        `json:"approved"`
	Rejected         int        `json:"rejected"`
	CanPreview       bool       `json:"can_preview"`
	CanApply         bool       `json:"can_apply"`
	HasCriticalError bool       `json:"has_critical_error"`
	CriticalDetail   string     `json:"critical_detail,omitempty"`
	DecisionHash     string     `json:"decision_hash,omitempty"`
	LastAppliedAt    *time.Time `json:"last_applied_at,omitempty"`
}

func buildReport(expenseID string, reqs []models.ChangeRequest, rec *models.ApplyRecord) *StatusReport {
	r := &StatusReport{
		ExpenseID:     expenseID,
		Status:        DeriveStatus(reqs, rec),
		TotalRequests: len(reqs),
		DecisionHash:  DecisionHash(reqs),
	}
	for _, req := range reqs {
		switch req.Status {
		case models.StatusPending:
			r.Pending++
		case models.StatusApproved:
			r.Approved++
		case models.StatusRejected:
			r.Rejected++
		}
	}
	if rec != nil {
		switch rec.State {
		case models.ApplyStateCritical:
			r.HasCriticalError = true
			r.CriticalDetail = rec.Detail
		case models.ApplyStateApplied:
			at := rec.UpdatedAt
			r.LastAppliedAt = &at
		}
	}
	r.CanPreview = r.Pending == 0 && r.Approved > 0
	r.CanApply = r.CanPreview && r.Status == StatusReadyForPreview && !r.HasCriticalError
	return r
}

func (s *Service) ExpenseStatus(ctx context.Context, actor Actor, expenseID string) (*StatusReport, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	reqs, err := s.requests.ListByExpense(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	rec, err := s.records.GetApplyRecord(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	return buildReport(expenseID, reqs, rec), nil
}

// AuditHistory returns the expense's audit trail, oldest first.
func (s *Service) AuditHistory(ctx context.Context, actor Actor, expenseID string) ([]models.WorkflowAuditLog, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return []models.WorkflowAuditLog{}, nil
	}
	logs, err := s.audit.ListByExpense(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []models.WorkflowAuditLog{}
	}
	return logs, nil
}
