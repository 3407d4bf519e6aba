package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"expense-reconciliation-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotPending = errors.New("request is no longer pending")

// StatusChange is one admin decision on a pending request.
type StatusChange struct {
	ID     uuid.UUID
	Status models.RequestStatus
	Note   *string
	At     time.Time
}

// ExpenseRequests is the pending requests of one expense.
type ExpenseRequests struct {
	ExpenseID string
	Requests  []models.ChangeRequest
}

type ChangeRequestRepository struct {
	db *gorm.DB
}

func NewChangeRequestRepository(db *gorm.DB) *ChangeRequestRepository {
	return &ChangeRequestRepository{db: db}
}

func (r *ChangeRequestRepository) Create(ctx context.Context, req *models.ChangeRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Status == "" {
		req.Status = models.StatusPending
	}
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *ChangeRequestRepository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.ChangeRequest, error) {
	var reqs []models.ChangeRequest
	if len(ids) == 0 {
		return reqs, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&reqs).Error
	return reqs, err
}

// ListByExpense returns every request of the expense, oldest first.
func (r *ChangeRequestRepository) ListByExpense(ctx context.Context, expenseID string) ([]models.ChangeRequest, error) {
	var reqs []models.ChangeRequest
	err := r.db.WithContext(ctx).
		Where("expense_id = ?", expenseID).
		Order("created_at ASC, id ASC").
		Find(&reqs).Error
	return reqs, err
}

func (r *ChangeRequestRepository) ListPending(ctx context.Context, expenseID string) ([]models.ChangeRequest, error) {
	var reqs []models.ChangeRequest
	err := r.db.WithContext(ctx).
		Where("expense_id = ? AND status = ?", expenseID, models.StatusPending).
		Order("created_at ASC, id ASC").
		Find(&reqs).Error
	return reqs, err
}

func (r *ChangeRequestRepository) ListByRequester(ctx context.Context, email string) ([]models.ChangeRequest, error) {
	var reqs []models.ChangeRequest
	err := r.db.WithContext(ctx).
		Where("requester_email = ?", email).
		Order("created_at DESC").
		Find(&reqs).Error
	return reqs, err
}

// GroupByExpense returns pending requests grouped by expense, expenses ordered by
// their oldest pending request.
func (r *ChangeRequestRepository) GroupByExpense(ctx context.Context) ([]ExpenseRequests, error) {
	var reqs []models.ChangeRequest
	err := r.db.WithContext(ctx).
		Where("status = ?", models.StatusPending).
		Order("created_at ASC, id ASC").
		Find(&reqs).Error
	if err != nil {
		return nil, err
	}

	var groups []ExpenseRequests
	index := map[string]int{}
	for _, req := range reqs {
		i, ok := index[req.ExpenseID]
		if !ok {
			i = len(groups)
			index[req.ExpenseID] = i
			groups = append(groups, ExpenseRequests{ExpenseID: req.ExpenseID})
		}
		groups[i].Requests = append(groups[i].Requests, req)
	}
	return groups, nil
}

// SetStatus decides a single pending request.
func (r *ChangeRequestRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.RequestStatus, note *string) error {
	return r.SetStatuses(ctx, []StatusChange{{ID: id, Status: status, Note: note, At: time.Now().UTC()}})
}

// SetStatuses applies all changes in one transaction. A request that is no longer
// pending aborts the whole batch with ErrNotPending.
func (r *ChangeRequestRepository) SetStatuses(ctx context.Context, changes []StatusChange) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ch := range changes {
			res := tx.Model(&models.ChangeRequest{}).
				Where("id = ? AND status = ?", ch.ID, models.StatusPending).
				Updates(map[string]interface{}{
					"status":       ch.Status,
					"admin_notes":  ch.Note,
					"processed_at": ch.At,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: %s", ErrNotPending, ch.ID)
			}
		}
		return nil
	})
}
