// Package workflow drives an expense's change requests from admin decisions,
// through a validated preview, to an apply against the ledger and the mirror.
package workflow

import (
	"context"
	"time"

	"expense-reconciliation-backend/internal/apperr"
	"expense-reconciliation-backend/internal/ledger"
	"expense-reconciliation-backend/internal/lock"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/repository"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "expense-reconciliation-backend/workflow"

// Actor is the authenticated caller. Admin is the capability every decision,
// preview and apply operation checks.
type Actor struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
}

// DisplayName is the identity used in item member sets.
func (a Actor) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Email
}

func requireAdmin(a Actor) error {
	if !a.Admin {
		return apperr.ErrForbidden
	}
	return nil
}

type RequestStore interface {
	Create(ctx context.Context, req *models.ChangeRequest) error
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.ChangeRequest, error)
	ListByExpense(ctx context.Context, expenseID string) ([]models.ChangeRequest, error)
	ListByRequester(ctx context.Context, email string) ([]models.ChangeRequest, error)
	GroupByExpense(ctx context.Context) ([]repository.ExpenseRequests, error)
	SetStatuses(ctx context.Context, changes []repository.StatusChange) error
}

type MirrorStore interface {
	GetMirroredSplit(ctx context.Context, expenseID string) (*models.MirroredExpense, error)
	FindByIDs(ctx context.Context, ids []string) (map[string]models.MirroredExpense, error)
	CreateIfAbsent(ctx context.Context, m *models.MirroredExpense) (bool, error)
	OverwriteMirroredSplit(ctx context.Context, m *models.MirroredExpense, marker *models.ApplyRecord) error
}

type ApplyRecordStore interface {
	GetApplyRecord(ctx context.Context, expenseID string) (*models.ApplyRecord, error)
	SaveApplyRecord(ctx context.Context, rec *models.ApplyRecord) error
	DeleteApplyRecord(ctx context.Context, expenseID string) error
}

type AuditLog interface {
	Append(ctx context.Context, expenseID, action, performedBy, reason string, details map[string]interface{}) error
	ListByExpense(ctx context.Context, expenseID string) ([]models.WorkflowAuditLog, error)
}

type Ledger interface {
	GetExpense(ctx context.Context, expenseID string) (*ledger.Expense, error)
	UpdateExpense(ctx context.Context, u ledger.Update) error
	GroupName(ctx context.Context, groupID string) (string, error)
	ListExpenses(ctx context.Context, f ledger.ListFilter) ([]ledger.Expense, error)
}

type Deps struct {
	Requests RequestStore
	Mirrors  MirrorStore
	Records  ApplyRecordStore
	Audit    AuditLog
	Ledger   Ledger
	Locker   lock.Locker
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Now      func() time.Time
}

type Service struct {
	requests RequestStore
	mirrors  MirrorStore
	records  ApplyRecordStore
	audit    AuditLog
	ledger   Ledger
	locker   lock.Locker
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		requests: d.Requests,
		mirrors:  d.Mirrors,
		records:  d.Records,
		audit:    d.Audit,
		ledger:   d.Ledger,
		locker:   d.Locker,
		logger:   d.Logger,
		tracer:   d.Tracer,
		now:      d.Now,
	}
	if s.locker == nil {
		s.locker = lock.NewLocalLocker()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

func (s *Service) startSpan(ctx context.Context, name, expenseID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("expense.id", expenseID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// record writes an audit row. Audit failures never fail the operation.
func (s *Service) record(ctx context.Context, expenseID, action string, actor Actor, reason string, details map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, expenseID, action, actor.Email, reason, details); err != nil {
		s.logger.Warn("audit log write failed",
			zap.String("expense_id", expenseID),
			zap.String("action", action),
			zap.Error(err))
	}
}
