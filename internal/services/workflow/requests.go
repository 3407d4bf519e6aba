package workflow

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"expense-reconciliation-backend/internal/apperr"
	"expense-reconciliation-backend/internal/ledger"
	"expense-reconciliation-backend/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type SubmitInput struct {
	ExpenseID string `json:"expense_id"`
	ItemName  string `json:"item_name"`
	Action    string `json:"action"`
}

// SubmitRequest records a member's proposal to join or leave an item.
func (s *Service) SubmitRequest(ctx context.Context, actor Actor, in SubmitInput) (*models.ChangeRequest, error) {
	if actor.Email == "" {
		return nil, apperr.ErrForbidden
	}
	expenseID := strings.TrimSpace(in.ExpenseID)
	itemName := strings.TrimSpace(in.ItemName)
	if expenseID == "" || itemName == "" {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "expense_id and item_name are required")
	}
	action, err := models.ParseAction(in.Action)
	if err != nil {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "%v", err)
	}

	mirror, err := s.mirrors.GetMirroredSplit(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	item, ok := mirror.FindItem(itemName)
	if !ok {
		return nil, apperr.Validation(apperr.ReasonUnknownItem, "expense %s has no item %q", expenseID, itemName)
	}

	name := actor.DisplayName()
	member := slices.Contains(item.Members, name)
	switch {
	case action == models.ActionJoin && member:
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "%s already shares %q", name, itemName)
	case action == models.ActionLeave && !member:
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "%s does not share %q", name, itemName)
	}

	existing, err := s.requests.ListByExpense(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	for _, r := range existing {
		if r.IsPending() && r.ItemName == itemName && r.RequesterEmail == actor.Email {
			return nil, apperr.Validation(apperr.ReasonInvalidInput, "a request for %q is already pending", itemName)
		}
	}

	req := &models.ChangeRequest{
		ID:             uuid.New(),
		ExpenseID:      expenseID,
		ItemName:       itemName,
		Action:         action,
		RequesterEmail: actor.Email,
		RequesterName:  name,
		Status:         models.StatusPending,
		CreatedAt:      s.now(),
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	s.logger.Info("change request submitted",
		zap.String("expense_id", expenseID),
		zap.String("request_id", req.ID.String()),
		zap.String("action", string(action)))
	return req, nil
}

func (s *Service) ListMyRequests(ctx context.Context, actor Actor) ([]models.ChangeRequest, error) {
	if actor.Email == "" {
		return nil, apperr.ErrForbidden
	}
	return s.requests.ListByRequester(ctx, actor.Email)
}

// ExpenseGroup is the admin's view of one expense with pending requests.
type ExpenseGroup struct {
	ExpenseID      string                 `json:"expense_id"`
	Description    string                 `json:"description"`
	GroupName      string                 `json:"group_name"`
	Total          decimal.Decimal        `json:"total"`
	Imported       bool                   `json:"imported"`
	RequesterCount int                    `json:"requester_count"`
	Requesters     []string               `json:"requesters"`
	Requests       []models.ChangeRequest `json:"requests"`
}

func (s *Service) GroupedPendingRequests(ctx context.Context, actor Actor) ([]ExpenseGroup, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	groups, err := s.requests.GroupByExpense(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ExpenseID)
	}
	mirrors, err := s.mirrors.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]ExpenseGroup, 0, len(groups))
	for _, g := range groups {
		eg := ExpenseGroup{ExpenseID: g.ExpenseID, Requests: g.Requests}
		if m, ok := mirrors[g.ExpenseID]; ok {
			eg.Imported = true
			eg.Description = m.Description
			eg.GroupName = m.GroupName
			eg.Total = m.Total
		}
		names := map[string]struct{}{}
		for _, r := range g.Requests {
			names[r.RequesterName] = struct{}{}
		}
		for n := range names {
			eg.Requesters = append(eg.Requesters, n)
		}
		sort.Strings(eg.Requesters)
		eg.RequesterCount = len(eg.Requesters)
		out = append(out, eg)
	}
	return out, nil
}

type ImportResult struct {
	Created bool                    `json:"created"`
	Expense *models.MirroredExpense `json:"expense"`
}

// ImportExpense copies an itemized ledger expense into the mirror. An expense
// that is already mirrored is left untouched.
func (s *Service) ImportExpense(ctx context.Context, actor Actor, expenseID string) (res *ImportResult, err error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "workflow.ImportExpense", expenseID)
	defer func() { endSpan(span, err) }()

	exp, err := s.fetchExpense(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	if !exp.Itemized {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "expense %s carries no item data", expenseID)
	}

	m, created, err := s.importLedgerExpense(ctx, actor, exp, s.groupName(ctx, exp.GroupID))
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := s.mirrors.GetMirroredSplit(ctx, expenseID)
		if err != nil {
			return nil, err
		}
		return &ImportResult{Created: false, Expense: existing}, nil
	}
	return &ImportResult{Created: true, Expense: m}, nil
}

// importLedgerExpense mirrors an itemized expense unless a mirror already exists.
func (s *Service) importLedgerExpense(ctx context.Context, actor Actor, exp *ledger.Expense, groupName string) (*models.MirroredExpense, bool, error) {
	now := s.now()
	m := &models.MirroredExpense{
		ExpenseID:    exp.ID,
		GroupID:      exp.GroupID,
		GroupName:    groupName,
		Description:  exp.Description,
		Total:        exp.Total,
		PaidBy:       exp.PaidBy,
		Items:        datatypes.NewJSONType(exp.Items),
		MemberSplits: datatypes.NewJSONType(ledger.AllocateShares(exp.Total, exp.PaidBy, exp.Items)),
		ImportedBy:   actor.Email,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := s.mirrors.CreateIfAbsent(ctx, m)
	if err != nil || !created {
		return nil, false, err
	}
	s.record(ctx, exp.ID, models.AuditImported, actor, "", map[string]interface{}{"items": len(exp.Items)})
	return m, true, nil
}

const importDateLayout = "2006-01-02"

// BulkImportInput selects ledger expenses by date, both days inclusive. An empty
// GroupID or "all" covers every group.
type BulkImportInput struct {
	StartDate string `form:"start_date" json:"start_date"`
	EndDate   string `form:"end_date" json:"end_date"`
	GroupID   string `form:"group_id" json:"group_id"`
}

func (in BulkImportInput) filter() (ledger.ListFilter, error) {
	start, err := time.Parse(importDateLayout, strings.TrimSpace(in.StartDate))
	if err != nil {
		return ledger.ListFilter{}, apperr.Validation(apperr.ReasonInvalidInput, "start_date must look like 2006-01-02")
	}
	end, err := time.Parse(importDateLayout, strings.TrimSpace(in.EndDate))
	if err != nil {
		return ledger.ListFilter{}, apperr.Validation(apperr.ReasonInvalidInput, "end_date must look like 2006-01-02")
	}
	if end.Before(start) {
		return ledger.ListFilter{}, apperr.Validation(apperr.ReasonInvalidInput, "end_date is before start_date")
	}
	f := ledger.ListFilter{DatedAfter: start, DatedBefore: end.AddDate(0, 0, 1)}
	if g := strings.TrimSpace(in.GroupID); g != "" && !strings.EqualFold(g, "all") {
		f.GroupID = g
	}
	return f, nil
}

type BulkImported struct {
	ExpenseID   string          `json:"id"`
	Description string          `json:"description"`
	Total       decimal.Decimal `json:"amount"`
}

type BulkFailure struct {
	ExpenseID string `json:"id"`
	Error     string `json:"error"`
}

type BulkImportResult struct {
	TotalFound     int            `json:"total_found"`
	Imported       int            `json:"imported"`
	AlreadyExisted int            `json:"already_existed"`
	NotItemized    int            `json:"not_itemized"`
	Failed         int            `json:"failed"`
	Expenses       []BulkImported `json:"imported_expenses"`
	Failures       []BulkFailure  `json:"failed_expenses"`
}

// ImportExpenses mirrors every itemized ledger expense in the date range.
// Expenses already mirrored are counted and left alone; a failure on one
// expense is reported and does not stop the rest.
func (s *Service) ImportExpenses(ctx context.Context, actor Actor, in BulkImportInput) (res *BulkImportResult, err error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	f, err := in.filter()
	if err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "workflow.ImportExpenses", trace.WithAttributes(
		attribute.String("import.start", in.StartDate),
		attribute.String("import.end", in.EndDate),
		attribute.String("import.group_id", f.GroupID)))
	defer func() { endSpan(span, err) }()

	exps, err := s.ledger.ListExpenses(ctx, f)
	if err != nil {
		return nil, &apperr.ExternalServiceError{Err: err}
	}

	res = &BulkImportResult{TotalFound: len(exps), Expenses: []BulkImported{}, Failures: []BulkFailure{}}
	groupNames := map[string]string{}
	for i := range exps {
		exp := &exps[i]
		if !exp.Itemized {
			res.NotItemized++
			continue
		}
		name, ok := groupNames[exp.GroupID]
		if !ok {
			name = s.groupName(ctx, exp.GroupID)
			groupNames[exp.GroupID] = name
		}
		_, created, err := s.importLedgerExpense(ctx, actor, exp, name)
		switch {
		case err != nil:
			res.Failed++
			res.Failures = append(res.Failures, BulkFailure{ExpenseID: exp.ID, Error: err.Error()})
			s.logger.Warn("bulk import failed for expense", zap.String("expense_id", exp.ID), zap.Error(err))
		case !created:
			res.AlreadyExisted++
		default:
			res.Imported++
			res.Expenses = append(res.Expenses, BulkImported{ExpenseID: exp.ID, Description: exp.Description, Total: exp.Total})
		}
	}

	span.SetAttributes(attribute.Int("import.found", res.TotalFound), attribute.Int("import.created", res.Imported))
	s.logger.Info("bulk import finished",
		zap.String("admin", actor.Email),
		zap.Int("found", res.TotalFound),
		zap.Int("imported", res.Imported),
		zap.Int("already_existed", res.AlreadyExisted),
		zap.Int("not_itemized", res.NotItemized),
		zap.Int("failed", res.Failed))
	return res, nil
}
