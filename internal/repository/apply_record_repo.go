package repository

import (
	"context"
	"errors"

	"expense-reconciliation-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ApplyRecordRepository struct {
	db *gorm.DB
}

func NewApplyRecordRepository(db *gorm.DB) *ApplyRecordRepository {
	return &ApplyRecordRepository{db: db}
}

// GetApplyRecord returns nil without error when the expense was never applied.
func (r *ApplyRecordRepository) GetApplyRecord(ctx context.Context, expenseID string) (*models.ApplyRecord, error) {
	var rec models.ApplyRecord
	err := r.db.WithContext(ctx).First(&rec, "expense_id = ?", expenseID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *ApplyRecordRepository) SaveApplyRecord(ctx context.Context, rec *models.ApplyRecord) error {
	return upsertApplyRecord(r.db.WithContext(ctx), rec)
}

func (r *ApplyRecordRepository) DeleteApplyRecord(ctx context.Context, expenseID string) error {
	return r.db.WithContext(ctx).Where("expense_id = ?", expenseID).Delete(&models.ApplyRecord{}).Error
}

func upsertApplyRecord(db *gorm.DB, rec *models.ApplyRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "expense_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "decision_hash", "idempotency_key", "detail", "applied_by", "updated_at"}),
	}).Create(rec).Error
}
