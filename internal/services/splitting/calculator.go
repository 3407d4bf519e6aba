package splitting

import (
	"slices"
	"sort"

	"expense-reconciliation-backend/internal/apperr"
	"expense-reconciliation-backend/internal/models"

	"github.com/shopspring/decimal"
)

// ItemSplit is the before/after view of one item once approved requests are applied.
type ItemSplit struct {
	ItemName               string          `json:"item_name"`
	Price                  decimal.Decimal `json:"price"`
	OriginalMembers        []string        `json:"original_members"`
	NewMembers             []string        `json:"new_members"`
	Added                  []string        `json:"added_members"`
	Removed                []string        `json:"removed_members"`
	OriginalSplitPerPerson decimal.Decimal `json:"original_split_per_person"`
	NewSplitPerPerson      decimal.Decimal `json:"new_split_per_person"`
}

func (s ItemSplit) Changed() bool {
	return len(s.Added) > 0 || len(s.Removed) > 0
}

// Item returns the item with its new member set.
func (s ItemSplit) Item() models.Item {
	return models.Item{Name: s.ItemName, Price: s.Price, Members: slices.Clone(s.NewMembers)}
}

type memberKey struct {
	member string
	item   string
}

// Calculate applies the approved requests to items and returns one ItemSplit per
// item, in input order. Requests that are not approved are ignored. When a
// requester has several approved requests for one item, the latest created wins,
// ties going to the greater request ID.
func Calculate(items []models.Item, requests []models.ChangeRequest) ([]ItemSplit, error) {
	index := make(map[string]int, len(items))
	for i, it := range items {
		index[it.Name] = i
	}

	approved := make([]models.ChangeRequest, 0, len(requests))
	for _, r := range requests {
		if r.Status != models.StatusApproved {
			continue
		}
		if _, ok := index[r.ItemName]; !ok {
			return nil, apperr.Validation(apperr.ReasonUnknownItem, "request %s targets unknown item %q", r.ID, r.ItemName)
		}
		approved = append(approved, r)
	}
	sort.SliceStable(approved, func(i, j int) bool {
		if !approved[i].CreatedAt.Equal(approved[j].CreatedAt) {
			return approved[i].CreatedAt.Before(approved[j].CreatedAt)
		}
		return approved[i].ID.String() < approved[j].ID.String()
	})

	effective := make(map[memberKey]models.Action)
	for _, r := range approved {
		effective[memberKey{member: r.RequesterName, item: r.ItemName}] = r.Action
	}

	splits := make([]ItemSplit, 0, len(items))
	for _, it := range items {
		original := uniqueSorted(it.Members)
		next := make(map[string]struct{}, len(original))
		for _, m := range original {
			next[m] = struct{}{}
		}
		for k, action := range effective {
			if k.item != it.Name {
				continue
			}
			switch action {
			case models.ActionJoin:
				next[k.member] = struct{}{}
			case models.ActionLeave:
				delete(next, k.member)
			}
		}

		newMembers := make([]string, 0, len(next))
		for m := range next {
			newMembers = append(newMembers, m)
		}
		sort.Strings(newMembers)

		if len(newMembers) == 0 {
			return nil, apperr.Validation(apperr.ReasonEmptyItem, "item %q would be left with no members", it.Name)
		}

		splits = append(splits, ItemSplit{
			ItemName:               it.Name,
			Price:                  it.Price,
			OriginalMembers:        original,
			NewMembers:             newMembers,
			Added:                  difference(newMembers, original),
			Removed:                difference(original, newMembers),
			OriginalSplitPerPerson: PerPerson(it.Price, len(original)),
			NewSplitPerPerson:      PerPerson(it.Price, len(newMembers)),
		})
	}
	return splits, nil
}

// PerPerson divides price evenly; an item without members allocates nothing.
func PerPerson(price decimal.Decimal, members int) decimal.Decimal {
	if members == 0 {
		return decimal.Zero
	}
	return price.Div(decimal.NewFromInt(int64(members)))
}

// MemberTotals sums each member's share across items.
func MemberTotals(items []models.Item) map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for _, it := range items {
		members := uniqueSorted(it.Members)
		share := PerPerson(it.Price, len(members))
		for _, m := range members {
			totals[m] = totals[m].Add(share)
		}
	}
	return totals
}

func uniqueSorted(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return slices.Compact(out)
}

// difference returns the members of a not present in b; both must be sorted.
func difference(a, b []string) []string {
	out := []string{}
	for _, m := range a {
		if _, found := slices.BinarySearch(b, m); !found {
			out = append(out, m)
		}
	}
	return out
}
