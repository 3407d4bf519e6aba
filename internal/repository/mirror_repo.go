package repository

import (
	"context"
	"errors"
	"fmt"

	"expense-reconciliation-backend/internal/apperr"
	"expense-reconciliation-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MirrorRepository struct {
	db *gorm.DB
}

func NewMirrorRepository(db *gorm.DB) *MirrorRepository {
	return &MirrorRepository{db: db}
}

func (r *MirrorRepository) GetMirroredSplit(ctx context.Context, expenseID string) (*models.MirroredExpense, error) {
	var m models.MirroredExpense
	err := r.db.WithContext(ctx).First(&m, "expense_id = ?", expenseID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrExpenseNotFound, expenseID)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindByIDs returns the mirrors that exist among ids, keyed by expense ID.
func (r *MirrorRepository) FindByIDs(ctx context.Context, ids []string) (map[string]models.MirroredExpense, error) {
	out := make(map[string]models.MirroredExpense, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.MirroredExpense
	if err := r.db.WithContext(ctx).Where("expense_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, m := range rows {
		out[m.ExpenseID] = m
	}
	return out, nil
}

// CreateIfAbsent inserts a new mirror and reports false when one already exists.
func (r *MirrorRepository) CreateIfAbsent(ctx context.Context, m *models.MirroredExpense) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// OverwriteMirroredSplit replaces the mirror and records the completion marker
// atomically, so the marker never claims an apply the mirror does not reflect.
func (r *MirrorRepository) OverwriteMirroredSplit(ctx context.Context, m *models.MirroredExpense, marker *models.ApplyRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error; err != nil {
			return fmt.Errorf("overwrite mirror %s: %w", m.ExpenseID, err)
		}
		if marker == nil {
			return nil
		}
		if err := upsertApplyRecord(tx, marker); err != nil {
			return fmt.Errorf("record apply %s: %w", m.ExpenseID, err)
		}
		return nil
	})
}
