package workflow

import (
	"context"
	"errors"
	"fmt"

	"expense-reconciliation-backend/internal/apperr"
	"expense-reconciliation-backend/internal/ledger"
	"expense-reconciliation-backend/internal/lock"
	"expense-reconciliation-backend/internal/logging"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/services/reconciliation"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type ApplyResult struct {
	ExpenseID      string                     `json:"expense_id"`
	Status         Status                     `json:"status"`
	DecisionHash   string                     `json:"decision_hash"`
	IdempotencyKey string                     `json:"idempotency_key"`
	AlreadyApplied bool                       `json:"already_applied"`
	LedgerSkipped  bool                       `json:"ledger_update_skipped"`
	Shares         map[string]decimal.Decimal `json:"member_shares,omitempty"`
	ItemsChanged   int                        `json:"items_changed"`
}

// Apply pushes the validated split to the ledger and then to the mirror.
// expectedHash is the decision hash of the preview the admin reviewed; it is
// required and must still match the current decisions.
//
// Failure modes:
//   - the ledger definitely refused: *apperr.ExternalServiceError, nothing changed.
//   - the ledger outcome is unknown: the ledger is re-read for the idempotency key
//     and the apply either continues or fails as above.
//   - the ledger was updated but the mirror write failed, or the ledger cannot be
//     re-read: *apperr.CriticalInconsistencyError, and further applies are blocked
//     until ClearCritical.
func (s *Service) Apply(ctx context.Context, actor Actor, expenseID, expectedHash string) (res *ApplyResult, err error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if expectedHash == "" {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "preview the changes before applying")
	}
	ctx, span := s.startSpan(ctx, "workflow.Apply", expenseID)
	defer func() { endSpan(span, err) }()

	log := s.logger.With(zap.String("expense_id", expenseID), zap.String("admin", actor.Email))

	unlock, err := s.locker.Acquire(ctx, lock.ApplyKey(expenseID))
	if errors.Is(err, lock.ErrLocked) {
		return nil, apperr.ErrApplyInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire apply lock: %w", err)
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			log.Warn("release apply lock", zap.Error(uerr))
		}
	}()

	rec, err := s.records.GetApplyRecord(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.State == models.ApplyStateCritical {
		return nil, apperr.Validation(apperr.ReasonCriticalUnresolved,
			"expense %s has an unresolved critical inconsistency: %s", expenseID, rec.Detail)
	}

	p, err := s.buildPlan(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	if expectedHash != p.decisionHash {
		return nil, apperr.Validation(apperr.ReasonStalePreview, "decisions changed since the preview, preview again")
	}
	span.SetAttributes(attribute.String("apply.key", p.applyKey))

	res = &ApplyResult{
		ExpenseID:      expenseID,
		DecisionHash:   p.decisionHash,
		IdempotencyKey: p.applyKey,
		ItemsChanged:   len(p.preview.ItemChanges),
	}
	if rec != nil && rec.State == models.ApplyStateApplied && rec.DecisionHash == p.decisionHash {
		res.Status = StatusCompleted
		res.AlreadyApplied = true
		return res, nil
	}

	exp := p.expense
	items := p.preview.NewItems()
	shares := ledger.AllocateShares(exp.Total, exp.PaidBy, items)
	res.Shares = shares

	if exp.ApplyKey == p.applyKey {
		res.LedgerSkipped = true
		log.Info("ledger already carries this apply, skipping ledger update", zap.String("apply_key", p.applyKey))
	} else {
		comment, err := reconciliation.RenderAuditComment(expenseID, exp.Description, p.applyKey, items, s.now())
		if err != nil {
			return nil, fmt.Errorf("render ledger comment: %w", err)
		}
		err = s.ledger.UpdateExpense(ctx, ledger.Update{
			ExpenseID:   expenseID,
			GroupID:     exp.GroupID,
			Description: exp.Description,
			Total:       exp.Total,
			PaidBy:      exp.PaidBy,
			Shares:      shares,
			Comment:     comment,
		})
		if err != nil {
			if err := s.resolveLedgerFailure(ctx, actor, p, err); err != nil {
				return nil, err
			}
			log.Warn("ledger update reported failure but the apply landed", zap.String("apply_key", p.applyKey))
		}
	}

	mirror, err := s.nextMirror(ctx, exp, items, shares)
	if err != nil {
		return nil, s.markCritical(ctx, actor, p, fmt.Errorf("build mirror: %w", err))
	}
	marker := &models.ApplyRecord{
		ExpenseID:      expenseID,
		State:          models.ApplyStateApplied,
		DecisionHash:   p.decisionHash,
		IdempotencyKey: p.applyKey,
		AppliedBy:      actor.Email,
	}
	// The ledger already changed; the mirror write must not be abandoned with the request.
	if err := s.mirrors.OverwriteMirroredSplit(context.WithoutCancel(ctx), mirror, marker); err != nil {
		return nil, s.markCritical(ctx, actor, p, err)
	}

	s.record(ctx, expenseID, models.AuditApplied, actor, "", map[string]interface{}{
		"decision_hash":  p.decisionHash,
		"ledger_skipped": res.LedgerSkipped,
		"items_changed":  res.ItemsChanged,
	})
	log.Info("apply completed", zap.String("apply_key", p.applyKey), zap.Int("items_changed", res.ItemsChanged))
	res.Status = StatusCompleted
	return res, nil
}

// resolveLedgerFailure decides what a failed ledger update means. It returns nil
// when a re-read shows the update landed anyway.
func (s *Service) resolveLedgerFailure(ctx context.Context, actor Actor, p *plan, cause error) error {
	expenseID := p.expense.ID
	if ledger.Definite(cause) {
		s.record(ctx, expenseID, models.AuditApplyFailed, actor, cause.Error(), nil)
		return &apperr.ExternalServiceError{ExpenseID: expenseID, Err: cause}
	}

	s.logger.Warn("ledger update outcome unknown, re-reading",
		zap.String("expense_id", expenseID), zap.Error(cause))
	current, err := s.ledger.GetExpense(context.WithoutCancel(ctx), expenseID)
	if err != nil {
		return s.markCritical(ctx, actor, p,
			fmt.Errorf("ledger state unknown: update failed (%v) and re-read failed: %w", cause, err))
	}
	if current.ApplyKey == p.applyKey {
		return nil
	}
	s.record(ctx, expenseID, models.AuditApplyFailed, actor, cause.Error(), nil)
	return &apperr.ExternalServiceError{ExpenseID: expenseID, Err: cause}
}

func (s *Service) nextMirror(ctx context.Context, exp *ledger.Expense, items []models.Item, shares map[string]decimal.Decimal) (*models.MirroredExpense, error) {
	m := &models.MirroredExpense{
		ExpenseID:    exp.ID,
		GroupID:      exp.GroupID,
		Description:  exp.Description,
		Total:        exp.Total,
		PaidBy:       exp.PaidBy,
		Items:        datatypes.NewJSONType(items),
		MemberSplits: datatypes.NewJSONType(shares),
		UpdatedAt:    s.now(),
	}
	prev, err := s.mirrors.GetMirroredSplit(ctx, exp.ID)
	switch {
	case errors.Is(err, apperr.ErrExpenseNotFound):
		m.CreatedAt = m.UpdatedAt
		m.GroupName = s.groupName(ctx, exp.GroupID)
	case err != nil:
		return nil, err
	default:
		m.CreatedAt = prev.CreatedAt
		m.GroupName = prev.GroupName
		m.ImportedBy = prev.ImportedBy
	}
	return m, nil
}

func (s *Service) groupName(ctx context.Context, groupID string) string {
	name, err := s.ledger.GroupName(ctx, groupID)
	if err != nil {
		s.logger.Warn("group name lookup failed", zap.String("group_id", groupID), zap.Error(err))
		return ""
	}
	return name
}

// markCritical records a ledger/mirror divergence and returns the error to
// surface. Persisting the marker is best effort.
func (s *Service) markCritical(ctx context.Context, actor Actor, p *plan, cause error) error {
	expenseID := p.expense.ID
	ctx = context.WithoutCancel(ctx)
	logging.Critical(s.logger, "ledger and mirror diverged",
		zap.String("expense_id", expenseID),
		zap.String("apply_key", p.applyKey),
		zap.String("decision_hash", p.decisionHash),
		zap.String("admin", actor.Email),
		zap.Error(cause))

	if err := s.records.SaveApplyRecord(ctx, &models.ApplyRecord{
		ExpenseID:      expenseID,
		State:          models.ApplyStateCritical,
		DecisionHash:   p.decisionHash,
		IdempotencyKey: p.applyKey,
		Detail:         cause.Error(),
		AppliedBy:      actor.Email,
	}); err != nil {
		s.logger.Error("persist critical marker", zap.String("expense_id", expenseID), zap.Error(err))
	}
	s.record(ctx, expenseID, models.AuditCritical, actor, cause.Error(), map[string]interface{}{
		"apply_key": p.applyKey,
	})
	return &apperr.CriticalInconsistencyError{ExpenseID: expenseID, Err: cause}
}

// ClearCritical removes a critical marker once an operator has reconciled the
// ledger and the mirror by hand.
func (s *Service) ClearCritical(ctx context.Context, actor Actor, expenseID, note string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if note == "" {
		return apperr.Validation(apperr.ReasonInvalidInput, "a note describing the manual reconciliation is required")
	}
	rec, err := s.records.GetApplyRecord(ctx, expenseID)
	if err != nil {
		return err
	}
	if rec == nil || rec.State != models.ApplyStateCritical {
		return apperr.Validation(apperr.ReasonInvalidInput, "expense %s has no critical marker", expenseID)
	}
	if err := s.records.DeleteApplyRecord(ctx, expenseID); err != nil {
		return err
	}
	s.record(ctx, expenseID, models.AuditCriticalCleared, actor, note, map[string]interface{}{
		"previous_detail": rec.Detail,
	})
	s.logger.Info("critical marker cleared", zap.String("expense_id", expenseID), zap.String("admin", actor.Email))
	return nil
}
