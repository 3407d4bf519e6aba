package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	AuditCommitDecisions = "commit_decisions"
	AuditApplied         = "applied"
	AuditApplyFailed     = "apply_failed"
	AuditCritical        = "critical_inconsistency"
	AuditCriticalCleared = "critical_cleared"
	AuditImported        = "imported"
)

type WorkflowAuditLog struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ExpenseID   string         `gorm:"index" json:"expense_id"`
	Action      string         `json:"action"`
	PerformedBy string         `json:"performed_by"`
	Reason      string         `json:"reason,omitempty"`
	Details     datatypes.JSON `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
