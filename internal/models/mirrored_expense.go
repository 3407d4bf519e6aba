package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Item is one priced line of an itemized expense and the members sharing it.
type Item struct {
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
	Members []string        `json:"members"`
}

// MirroredExpense is the internal read-through copy of a ledger expense.
// It is overwritten as a whole after every successful apply.
type MirroredExpense struct {
	ExpenseID    string                                         `gorm:"primaryKey" json:"expense_id"`
	GroupID      string                                         `gorm:"index" json:"group_id"`
	GroupName    string                                         `json:"group_name"`
	Description  string                                         `json:"description"`
	Total        decimal.Decimal                                `gorm:"type:numeric(14,2)" json:"total"`
	PaidBy       string                                         `json:"paid_by"`
	Items        datatypes.JSONType[[]Item]                     `json:"items"`
	MemberSplits datatypes.JSONType[map[string]decimal.Decimal] `json:"member_splits"`
	ImportedBy   string                                         `json:"imported_by"`
	CreatedAt    time.Time                                      `json:"created_at"`
	UpdatedAt    time.Time                                      `json:"updated_at"`
}

// FindItem returns the item with the given name, if present.
func (m *MirroredExpense) FindItem(name string) (Item, bool) {
	for _, it := range m.Items.Data() {
		if it.Name == name {
			return it, true
		}
	}
	return Item{}, false
}
