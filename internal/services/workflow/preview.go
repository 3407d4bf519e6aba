package workflow

import (
	"context"
	"errors"

	"expense-reconciliation-backend/internal/apperr"
	"expense-reconciliation-backend/internal/ledger"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/services/reconciliation"
	"expense-reconciliation-backend/internal/services/splitting"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PreviewResult is what the admin sees before apply. When Ready is false,
// Reason says why and Preview may still carry the computed diff.
type PreviewResult struct {
	ExpenseID     string                  `json:"expense_id"`
	Ready         bool                    `json:"ready"`
	Reason        apperr.Reason           `json:"reason,omitempty"`
	Message       string                  `json:"message,omitempty"`
	ApprovedCount int                     `json:"approved_count"`
	Preview       *reconciliation.Preview `json:"preview,omitempty"`
}

// plan is everything apply needs, computed fresh from the ledger and the
// committed decisions.
type plan struct {
	requests     []models.ChangeRequest
	approved     int
	decisionHash string
	applyKey     string
	expense      *ledger.Expense
	preview      *reconciliation.Preview
}

// Preview recomputes the new split for the committed approved requests against
// the ledger's current expense. It never writes.
func (s *Service) Preview(ctx context.Context, actor Actor, expenseID string) (res *PreviewResult, err error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "workflow.Preview", expenseID)
	defer func() { endSpan(span, err) }()

	p, err := s.buildPlan(ctx, expenseID)
	res = &PreviewResult{ExpenseID: expenseID}
	if p != nil {
		res.ApprovedCount = p.approved
		res.Preview = p.preview
	}

	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		res.Reason = verr.Reason
		res.Message = verr.Message
		span.SetAttributes(attribute.String("preview.reason", string(verr.Reason)))
		return res, nil
	case err != nil:
		return nil, err
	}
	res.Ready = true
	span.SetAttributes(attribute.Bool("preview.ready", true))
	return res, nil
}

// buildPlan returns a ValidationError whenever the expense cannot be applied.
// On a total mismatch the plan is returned alongside the error.
func (s *Service) buildPlan(ctx context.Context, expenseID string) (*plan, error) {
	reqs, err := s.requests.ListByExpense(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	p := &plan{requests: reqs}
	pending := 0
	for _, r := range reqs {
		switch r.Status {
		case models.StatusPending:
			pending++
		case models.StatusApproved:
			p.approved++
		}
	}
	if pending > 0 {
		return p, apperr.Validation(apperr.ReasonPendingDecisions, "%d request(s) still need a decision", pending)
	}
	if p.approved == 0 {
		return p, apperr.Validation(apperr.ReasonNoApprovedChanges, "no approved changes to apply")
	}
	p.decisionHash = DecisionHash(reqs)
	p.applyKey = IdempotencyKey(expenseID, p.decisionHash)

	exp, err := s.fetchExpense(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	p.expense = exp

	items, err := s.currentItems(ctx, exp)
	if err != nil {
		return nil, err
	}
	splits, err := splitting.Calculate(items, reqs)
	if err != nil {
		return p, err
	}

	preview, err := reconciliation.Validate(reconciliation.Input{
		ExpenseID:    expenseID,
		Description:  exp.Description,
		Total:        exp.Total,
		Splits:       splits,
		RequestCount: len(reqs),
		DecisionHash: p.decisionHash,
		ApplyKey:     p.applyKey,
	})
	p.preview = preview
	if err != nil {
		return p, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("preview.approved", p.approved),
		attribute.Int("preview.item_changes", len(preview.ItemChanges)))
	return p, nil
}

func (s *Service) fetchExpense(ctx context.Context, expenseID string) (*ledger.Expense, error) {
	exp, err := s.ledger.GetExpense(ctx, expenseID)
	switch {
	case errors.Is(err, apperr.ErrExpenseNotFound):
		return nil, err
	case err != nil:
		return nil, &apperr.ExternalServiceError{ExpenseID: expenseID, Err: err}
	}
	return exp, nil
}

// currentItems prefers the item block stored on the ledger and falls back to the
// mirror for expenses that were never itemized there.
func (s *Service) currentItems(ctx context.Context, exp *ledger.Expense) ([]models.Item, error) {
	if exp.Itemized {
		return exp.Items, nil
	}
	mirror, err := s.mirrors.GetMirroredSplit(ctx, exp.ID)
	if errors.Is(err, apperr.ErrExpenseNotFound) {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "expense %s has no item data", exp.ID)
	}
	if err != nil {
		return nil, err
	}
	return mirror.Items.Data(), nil
}
