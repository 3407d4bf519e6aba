package reconciliation

import (
	"sort"
	"time"

	"expense-reconciliation-backend/internal/apperr"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/services/splitting"

	"github.com/shopspring/decimal"
)

// CentTolerance is the rounding allowance per item.
var CentTolerance = decimal.New(1, -2)

type MemberChange struct {
	Member        string          `json:"member"`
	OriginalTotal decimal.Decimal `json:"original_amount"`
	NewTotal      decimal.Decimal `json:"new_amount"`
	Delta         decimal.Decimal `json:"difference"`
	PercentChange decimal.Decimal `json:"percentage_change"`
}

type Validation struct {
	OriginalTotal decimal.Decimal `json:"original_total"`
	NewTotal      decimal.Decimal `json:"new_total"`
	Difference    decimal.Decimal `json:"difference"`
	Tolerance     decimal.Decimal `json:"tolerance"`
	Matches       bool            `json:"total_matches"`
}

// Preview is the ephemeral result handed to the admin before apply. It is never persisted.
type Preview struct {
	ExpenseID       string                     `json:"expense_id"`
	Description     string                     `json:"expense_description"`
	ExpenseTotal    decimal.Decimal            `json:"expense_total"`
	OriginalSplits  map[string]decimal.Decimal `json:"original_splits"`
	NewSplits       map[string]decimal.Decimal `json:"new_splits"`
	Members         []MemberChange             `json:"member_differences"`
	ItemChanges     []splitting.ItemSplit      `json:"item_changes"`
	AffectedMembers []string                   `json:"affected_members"`
	Validation      Validation                 `json:"validation"`
	RequestCount    int                        `json:"total_requests"`
	DecisionHash    string                     `json:"decision_hash"`
	AuditComment    string                     `json:"comment_preview"`

	newItems []models.Item
}

// NewItems is the full item list after the approved changes.
func (p *Preview) NewItems() []models.Item {
	return p.newItems
}

// Input carries everything the validator needs for one expense.
type Input struct {
	ExpenseID    string
	Description  string
	Total        decimal.Decimal
	Splits       []splitting.ItemSplit
	RequestCount int
	DecisionHash string
	ApplyKey     string
	// Now stamps the audit comment; leave it zero for a reproducible preview.
	Now time.Time
}

// Validate cross-checks the new split against the original expense total and
// builds the preview. When totals disagree beyond tolerance the preview is still
// returned, together with a ValidationError describing the discrepancy.
func Validate(in Input) (*Preview, error) {
	originalItems := make([]models.Item, 0, len(in.Splits))
	newItems := make([]models.Item, 0, len(in.Splits))
	newTotal := decimal.Zero
	var changes []splitting.ItemSplit
	affected := map[string]struct{}{}

	for _, s := range in.Splits {
		originalItems = append(originalItems, models.Item{Name: s.ItemName, Price: s.Price, Members: s.OriginalMembers})
		newItems = append(newItems, s.Item())
		newTotal = newTotal.Add(s.NewSplitPerPerson.Mul(decimal.NewFromInt(int64(len(s.NewMembers)))))
		if s.Changed() {
			changes = append(changes, s)
			for _, m := range s.Added {
				affected[m] = struct{}{}
			}
			for _, m := range s.Removed {
				affected[m] = struct{}{}
			}
		}
	}

	original := splitting.MemberTotals(originalItems)
	updated := splitting.MemberTotals(newItems)

	names := make([]string, 0, len(original)+len(updated))
	for m := range original {
		names = append(names, m)
	}
	for m := range updated {
		if _, ok := original[m]; !ok {
			names = append(names, m)
		}
	}
	sort.Strings(names)

	members := make([]MemberChange, 0, len(names))
	for _, m := range names {
		members = append(members, memberChange(m, original[m], updated[m]))
	}

	tolerance := CentTolerance.Mul(decimal.NewFromInt(int64(max(1, len(in.Splits)))))
	diff := newTotal.Sub(in.Total)
	v := Validation{
		OriginalTotal: in.Total.Round(2),
		NewTotal:      newTotal.Round(2),
		Difference:    diff.Round(2),
		Tolerance:     tolerance,
		Matches:       diff.Abs().LessThanOrEqual(tolerance),
	}

	affectedList := make([]string, 0, len(affected))
	for m := range affected {
		affectedList = append(affectedList, m)
	}
	sort.Strings(affectedList)

	p := &Preview{
		ExpenseID:       in.ExpenseID,
		Description:     in.Description,
		ExpenseTotal:    in.Total,
		OriginalSplits:  roundAll(original),
		NewSplits:       roundAll(updated),
		Members:         members,
		ItemChanges:     changes,
		AffectedMembers: affectedList,
		Validation:      v,
		RequestCount:    in.RequestCount,
		DecisionHash:    in.DecisionHash,
		newItems:        newItems,
	}

	comment, err := RenderAuditComment(in.ExpenseID, in.Description, in.ApplyKey, newItems, in.Now)
	if err != nil {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "render audit comment: %v", err)
	}
	p.AuditComment = comment

	if !v.Matches {
		return p, apperr.Validation(apperr.ReasonValidationMismatch,
			"new total %s differs from expense total %s by %s (tolerance %s)",
			v.NewTotal.StringFixed(2), v.OriginalTotal.StringFixed(2), v.Difference.StringFixed(2), tolerance.StringFixed(2))
	}
	return p, nil
}

func memberChange(member string, before, after decimal.Decimal) MemberChange {
	delta := after.Sub(before)
	pct := decimal.Zero
	if before.IsPositive() && !delta.IsZero() {
		pct = delta.Div(before).Mul(decimal.NewFromInt(100)).Round(1)
	}
	return MemberChange{
		Member:        member,
		OriginalTotal: before.Round(2),
		NewTotal:      after.Round(2),
		Delta:         delta.Round(2),
		PercentChange: pct,
	}
}

func roundAll(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v.Round(2)
	}
	return out
}
