package models

import (
	"time"

	"github.com/google/uuid"
)

type ApplyState string

const (
	ApplyStateApplied  ApplyState = "applied"
	ApplyStateCritical ApplyState = "critical"
)

// ApplyRecord is the per-expense completion marker. A critical record blocks
// further applies for the expense until an operator clears it.
type ApplyRecord struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ExpenseID      string     `gorm:"uniqueIndex" json:"expense_id"`
	State          ApplyState `gorm:"type:varchar(16)" json:"state"`
	DecisionHash   string     `json:"decision_hash"`
	IdempotencyKey string     `json:"idempotency_key"`
	Detail         string     `json:"detail,omitempty"`
	AppliedBy      string     `json:"applied_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
