package reconciliation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"expense-reconciliation-backend/internal/itemdata"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/services/splitting"

	"github.com/shopspring/decimal"
)

type memberLine struct {
	item   string
	amount decimal.Decimal
}

// RenderAuditComment builds the comment attached to the ledger expense: who is
// responsible for which items, followed by the machine-readable item block.
func RenderAuditComment(expenseID, description, applyKey string, items []models.Item, now time.Time) (string, error) {
	byMember := map[string][]memberLine{}
	for _, it := range items {
		if len(it.Members) == 0 {
			continue
		}
		share := splitting.PerPerson(it.Price, len(it.Members))
		for _, m := range it.Members {
			byMember[m] = append(byMember[m], memberLine{item: it.Name, amount: share})
		}
	}

	names := make([]string, 0, len(byMember))
	for m := range byMember {
		names = append(names, m)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("=== MEMBER SPLITS BY ITEM ===\n\n")
	for _, m := range names {
		lines := byMember[m]
		sort.Slice(lines, func(i, j int) bool { return lines[i].item < lines[j].item })

		parts := make([]string, 0, len(lines))
		total := decimal.Zero
		for _, l := range lines {
			parts = append(parts, fmt.Sprintf("%s ($%s)", l.item, l.amount.StringFixed(2)))
			total = total.Add(l.amount)
		}
		fmt.Fprintf(&sb, "%s --> %s\n", m, strings.Join(parts, ", "))
		fmt.Fprintf(&sb, "   Total: $%s\n\n", total.StringFixed(2))
	}
	sb.WriteString(strings.Repeat("=", 40) + "\n\n")

	block, err := itemdata.Block{
		ExpenseID:   expenseID,
		Description: description,
		ApplyKey:    applyKey,
		UpdatedAt:   now,
		Items:       items,
	}.Render()
	if err != nil {
		return "", err
	}
	sb.WriteString(block)
	return sb.String(), nil
}
