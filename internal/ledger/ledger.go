// Package ledger talks to the external expense ledger (Splitwise), the source of
// truth for item prices, description and total.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/services/splitting"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

type Expense struct {
	ID          string
	GroupID     string
	Description string
	Total       decimal.Decimal
	PaidBy      string
	Details     string
	Itemized    bool
	Items       []models.Item
	ApplyKey    string
}

type Update struct {
	ExpenseID   string
	GroupID     string
	Description string
	Total       decimal.Decimal
	PaidBy      string
	Shares      map[string]decimal.Decimal
	Comment     string
}

var (
	ErrUnknownMember   = errors.New("member has no ledger account")
	ErrAmbiguousMember = errors.New("member name matches more than one ledger account")
)

// RejectedError is a definite refusal: the ledger answered and did not apply the change.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected request (status %d): %s", e.StatusCode, e.Message)
}

// Definite reports whether err proves the update was not applied. Any other
// error (timeouts, transport failures, 5xx) leaves the ledger state unknown.
func Definite(err error) bool {
	var rej *RejectedError
	switch {
	case err == nil:
		return false
	case errors.As(err, &rej),
		errors.Is(err, ErrUnknownMember),
		errors.Is(err, ErrAmbiguousMember),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return true
	}
	return false
}

// AllocateShares turns item splits into per-member owed shares rounded to cents
// that add up exactly to total. Leftover cents go to the payer, or to the first
// member by name when the payer owes nothing.
func AllocateShares(total decimal.Decimal, payer string, items []models.Item) map[string]decimal.Decimal {
	raw := splitting.MemberTotals(items)
	shares := make(map[string]decimal.Decimal, len(raw))
	sum := decimal.Zero
	for m, v := range raw {
		r := v.Round(2)
		shares[m] = r
		sum = sum.Add(r)
	}
	residual := total.Round(2).Sub(sum)
	if residual.IsZero() || len(shares) == 0 {
		return shares
	}

	target := payer
	if _, ok := shares[target]; !ok {
		names := make([]string, 0, len(shares))
		for m := range shares {
			names = append(names, m)
		}
		sort.Strings(names)
		target = names[0]
	}
	shares[target] = shares[target].Add(residual)
	return shares
}
