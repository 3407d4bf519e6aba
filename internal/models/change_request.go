package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the closed set of membership changes a member can propose.
type Action string

const (
	ActionJoin  Action = "join"
	ActionLeave Action = "leave"
)

// ParseAction validates a loosely-typed action coming from a request payload.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionJoin:
		return ActionJoin, nil
	case ActionLeave:
		return ActionLeave, nil
	default:
		return "", fmt.Errorf("unknown action %q: must be join or leave", s)
	}
}

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// ChangeRequest is one member's proposal to join or leave one item of one expense.
// Rows are never deleted; only Status, AdminNotes and ProcessedAt change after creation.
type ChangeRequest struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	ExpenseID      string        `gorm:"index" json:"expense_id"`
	ItemName       string        `json:"item_name"`
	Action         Action        `gorm:"type:varchar(16)" json:"action"`
	RequesterEmail string        `gorm:"index" json:"requester_email"`
	RequesterName  string        `json:"requester_name"`
	Status         RequestStatus `gorm:"type:varchar(16);index" json:"status"`
	AdminNotes     *string       `json:"admin_notes,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
}

func (r ChangeRequest) IsPending() bool {
	return r.Status == StatusPending
}
