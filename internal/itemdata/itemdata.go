// Package itemdata encodes and decodes the machine-readable block that is
// stored in the ledger expense details next to the human-readable summary.
package itemdata

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"expense-reconciliation-backend/internal/models"

	"github.com/shopspring/decimal"
)

const (
	Marker          = "---ITEMDATA---"
	expenseIDPrefix = "EXPENSE_ID:"
	applyKeyPrefix  = "APPLY_KEY:"
	updatedSuffix   = " (Updated via Batch Approval)"
)

// Block is the trailer written after the member summary. A zero UpdatedAt
// leaves the timestamp line out.
type Block struct {
	ExpenseID   string
	Description string
	ApplyKey    string
	UpdatedAt   time.Time
	Items       []models.Item
}

type wireItem struct {
	Name    string      `json:"name"`
	Price   json.Number `json:"price"`
	Members []string    `json:"members"`
}

func (b Block) Render() (string, error) {
	wire := make([]wireItem, 0, len(b.Items))
	for _, it := range b.Items {
		members := it.Members
		if members == nil {
			members = []string{}
		}
		wire = append(wire, wireItem{Name: it.Name, Price: json.Number(it.Price.String()), Members: members})
	}
	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode item data: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(expenseIDPrefix + b.ExpenseID + "\n")
	sb.WriteString(b.Description + updatedSuffix + "\n")
	if !b.UpdatedAt.IsZero() {
		sb.WriteString("Updated at: " + b.UpdatedAt.UTC().Format("2006-01-02 15:04:05") + " UTC\n")
	}
	if b.ApplyKey != "" {
		sb.WriteString(applyKeyPrefix + b.ApplyKey + "\n")
	}
	sb.WriteString(Marker + "\n")
	sb.Write(data)
	return sb.String(), nil
}

// Parse extracts the block from expense details. ok is false when the details
// carry no item data, which is the case for expenses not created itemized.
func Parse(details string) (b Block, ok bool, err error) {
	head, tail, found := strings.Cut(details, Marker)
	if !found {
		return Block{}, false, nil
	}

	sc := bufio.NewScanner(strings.NewReader(head))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, expenseIDPrefix):
			b.ExpenseID = strings.TrimSpace(strings.TrimPrefix(line, expenseIDPrefix))
		case strings.HasPrefix(line, applyKeyPrefix):
			b.ApplyKey = strings.TrimSpace(strings.TrimPrefix(line, applyKeyPrefix))
		}
	}

	var wire []wireItem
	if err := json.Unmarshal([]byte(strings.TrimSpace(tail)), &wire); err != nil {
		return Block{}, false, fmt.Errorf("decode item data: %w", err)
	}
	for _, w := range wire {
		price, err := decimal.NewFromString(w.Price.String())
		if err != nil {
			return Block{}, false, fmt.Errorf("item %q: invalid price %q: %w", w.Name, w.Price, err)
		}
		b.Items = append(b.Items, models.Item{Name: w.Name, Price: price, Members: w.Members})
	}
	return b, true, nil
}
