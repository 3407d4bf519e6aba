package repository

import (
	"context"
	"encoding/json"
	"time"

	"expense-reconciliation-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditLogRepository struct {
	db *gorm.DB
}

func NewAuditLogRepository(db *gorm.DB) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

func (r *AuditLogRepository) Append(ctx context.Context, expenseID, action, performedBy, reason string, details map[string]interface{}) error {
	entry := &models.WorkflowAuditLog{
		ID:          uuid.New(),
		ExpenseID:   expenseID,
		Action:      action,
		PerformedBy: performedBy,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return err
		}
		entry.Details = datatypes.JSON(data)
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *AuditLogRepository) ListByExpense(ctx context.Context, expenseID string) ([]models.WorkflowAuditLog, error) {
	var logs []models.WorkflowAuditLog
	err := r.db.WithContext(ctx).Where("expense_id = ?", expenseID).Order("created_at ASC").Find(&logs).Error
	return logs, err
}
