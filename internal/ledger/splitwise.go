package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"expense-reconciliation-backend/internal/apperr"
	"expense-reconciliation-backend/internal/itemdata"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://secure.splitwise.com/api/v3.0"
	maxBody        = 1 << 20
)

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// SplitwiseClient is a minimal Splitwise v3 client. Every call runs under its own
// deadline and through a circuit breaker; a refusal from Splitwise does not count
// as a breaker failure.
type SplitwiseClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewSplitwiseClient(cfg Config, logger *zap.Logger) *SplitwiseClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &SplitwiseClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "splitwise",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

type swUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
}

type swExpenseUser struct {
	User      swUser `json:"user"`
	UserID    int64  `json:"user_id"`
	PaidShare string `json:"paid_share"`
	OwedShare string `json:"owed_share"`
}

type swExpense struct {
	ID          int64           `json:"id"`
	GroupID     *int64          `json:"group_id"`
	Description string          `json:"description"`
	Details     *string         `json:"details"`
	Cost        string          `json:"cost"`
	Users       []swExpenseUser `json:"users"`
	DeletedAt   *string         `json:"deleted_at"`
}

type swErrorBody struct {
	Error  string          `json:"error"`
	Errors json.RawMessage `json:"errors"`
}

func (c *SplitwiseClient) GetExpense(ctx context.Context, expenseID string) (*Expense, error) {
	var out struct {
		Expense swExpense `json:"expense"`
	}
	if err := c.do(ctx, http.MethodGet, "/get_expense/"+expenseID, nil, &out); err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) && rej.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", apperr.ErrExpenseNotFound, expenseID)
		}
		return nil, fmt.Errorf("get expense %s: %w", expenseID, err)
	}
	return toExpense(out.Expense)
}

// ListFilter narrows ListExpenses. Zero values are left out of the query.
type ListFilter struct {
	DatedAfter  time.Time
	DatedBefore time.Time
	GroupID     string
}

// ListExpenses returns every live expense matching f; deleted expenses are skipped.
func (c *SplitwiseClient) ListExpenses(ctx context.Context, f ListFilter) ([]Expense, error) {
	q := url.Values{}
	q.Set("limit", "0")
	if !f.DatedAfter.IsZero() {
		q.Set("dated_after", f.DatedAfter.UTC().Format(time.RFC3339))
	}
	if !f.DatedBefore.IsZero() {
		q.Set("dated_before", f.DatedBefore.UTC().Format(time.RFC3339))
	}
	if f.GroupID != "" {
		q.Set("group_id", f.GroupID)
	}

	var out struct {
		Expenses []swExpense `json:"expenses"`
	}
	if err := c.do(ctx, http.MethodGet, "/get_expenses?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}

	exps := make([]Expense, 0, len(out.Expenses))
	for _, sw := range out.Expenses {
		if sw.DeletedAt != nil {
			continue
		}
		exp, err := toExpense(sw)
		if err != nil {
			return nil, err
		}
		exps = append(exps, *exp)
	}
	return exps, nil
}

func (c *SplitwiseClient) GroupName(ctx context.Context, groupID string) (string, error) {
	if groupID == "" {
		return "", nil
	}
	var out struct {
		Group struct {
			Name string `json:"name"`
		} `json:"group"`
	}
	if err := c.do(ctx, http.MethodGet, "/get_group/"+groupID, nil, &out); err != nil {
		return "", fmt.Errorf("get group %s: %w", groupID, err)
	}
	return out.Group.Name, nil
}

// UpdateExpense posts the new owed shares and the audit comment. The payer is
// sent first with the full cost as paid share.
func (c *SplitwiseClient) UpdateExpense(ctx context.Context, u Update) error {
	ids, err := c.memberIDs(ctx)
	if err != nil {
		return err
	}

	payerID, err := ids.lookup(u.PaidBy)
	if err != nil {
		return fmt.Errorf("payer: %w", err)
	}

	body := map[string]any{
		"cost":        u.Total.StringFixed(2),
		"description": u.Description,
		"details":     u.Comment,
	}
	if u.GroupID != "" {
		if gid, err := strconv.ParseInt(u.GroupID, 10, 64); err == nil {
			body["group_id"] = gid
		}
	}

	payerShare, ok := u.Shares[u.PaidBy]
	if !ok {
		payerShare = decimal.Zero
	}
	body["users__0__user_id"] = payerID
	body["users__0__paid_share"] = u.Total.StringFixed(2)
	body["users__0__owed_share"] = payerShare.StringFixed(2)

	names := make([]string, 0, len(u.Shares))
	for m := range u.Shares {
		names = append(names, m)
	}
	sort.Strings(names)

	idx := 1
	for _, m := range names {
		share := u.Shares[m]
		if m == u.PaidBy || share.IsZero() {
			continue
		}
		id, err := ids.lookup(m)
		if err != nil {
			return err
		}
		body[fmt.Sprintf("users__%d__user_id", idx)] = id
		body[fmt.Sprintf("users__%d__paid_share", idx)] = "0.00"
		body[fmt.Sprintf("users__%d__owed_share", idx)] = share.StringFixed(2)
		idx++
	}

	var out struct {
		Errors json.RawMessage `json:"errors"`
	}
	if err := c.do(ctx, http.MethodPost, "/update_expense/"+u.ExpenseID, body, &out); err != nil {
		return fmt.Errorf("update expense %s: %w", u.ExpenseID, err)
	}
	if !emptyErrors(out.Errors) {
		return &RejectedError{StatusCode: http.StatusOK, Message: string(out.Errors)}
	}

	c.logger.Info("ledger expense updated", zap.String("expense_id", u.ExpenseID), zap.Int("users", idx))
	return nil
}

// memberDirectory maps first names to Splitwise user IDs. Names shared by
// different accounts are kept aside so a share is never sent to a guess.
type memberDirectory struct {
	ids       map[string]int64
	ambiguous map[string][]int64
}

func (d memberDirectory) add(u swUser) {
	if others, ok := d.ambiguous[u.FirstName]; ok {
		d.ambiguous[u.FirstName] = append(others, u.ID)
		return
	}
	prev, ok := d.ids[u.FirstName]
	switch {
	case !ok:
		d.ids[u.FirstName] = u.ID
	case prev != u.ID:
		delete(d.ids, u.FirstName)
		d.ambiguous[u.FirstName] = []int64{prev, u.ID}
	}
}

func (d memberDirectory) lookup(name string) (int64, error) {
	if accounts, ok := d.ambiguous[name]; ok {
		return 0, fmt.Errorf("%w: %q (user ids %v)", ErrAmbiguousMember, name, accounts)
	}
	id, ok := d.ids[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMember, name)
	}
	return id, nil
}

// memberIDs builds the directory from the authenticated user and their friends.
func (c *SplitwiseClient) memberIDs(ctx context.Context) (memberDirectory, error) {
	var me struct {
		User swUser `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/get_current_user", nil, &me); err != nil {
		return memberDirectory{}, fmt.Errorf("get current user: %w", err)
	}
	var friends struct {
		Friends []swUser `json:"friends"`
	}
	if err := c.do(ctx, http.MethodGet, "/get_friends", nil, &friends); err != nil {
		return memberDirectory{}, fmt.Errorf("get friends: %w", err)
	}

	dir := memberDirectory{ids: map[string]int64{}, ambiguous: map[string][]int64{}}
	dir.add(me.User)
	for _, f := range friends.Friends {
		dir.add(f)
	}
	return dir, nil
}

func (c *SplitwiseClient) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.breaker.Execute(func() (interface{}, error) {
		err := c.roundTrip(ctx, method, path, body, out)
		var rej *RejectedError
		if errors.As(err, &rej) {
			return rej, nil
		}
		return nil, err
	})
	if err != nil {
		return err
	}
	if rej, ok := res.(*RejectedError); ok && rej != nil {
		return rej
	}
	return nil
}

func (c *SplitwiseClient) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: splitwise returned %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		var eb swErrorBody
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &eb) == nil {
			if eb.Error != "" {
				msg = eb.Error
			} else if !emptyErrors(eb.Errors) {
				msg = string(eb.Errors)
			}
		}
		return &RejectedError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func emptyErrors(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "{}" || s == "[]" || s == "null"
}

func toExpense(sw swExpense) (*Expense, error) {
	total, err := decimal.NewFromString(sw.Cost)
	if err != nil {
		return nil, fmt.Errorf("expense %d: invalid cost %q: %w", sw.ID, sw.Cost, err)
	}

	exp := &Expense{
		ID:          strconv.FormatInt(sw.ID, 10),
		Description: sw.Description,
		Total:       total,
	}
	if sw.GroupID != nil {
		exp.GroupID = strconv.FormatInt(*sw.GroupID, 10)
	}
	if sw.Details != nil {
		exp.Details = *sw.Details
	}

	best := decimal.Zero
	for _, u := range sw.Users {
		paid, err := decimal.NewFromString(u.PaidShare)
		if err != nil {
			continue
		}
		if paid.GreaterThan(best) {
			best = paid
			exp.PaidBy = u.User.FirstName
		}
	}

	block, ok, err := itemdata.Parse(exp.Details)
	if err != nil {
		return nil, fmt.Errorf("expense %s: %w", exp.ID, err)
	}
	if ok {
		exp.Itemized = true
		exp.Items = block.Items
		exp.ApplyKey = block.ApplyKey
	}
	return exp, nil
}
