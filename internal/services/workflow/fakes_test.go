package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"expense-reconciliation-backend/internal/apperr"
	"expense-reconciliation-backend/internal/itemdata"
	"expense-reconciliation-backend/internal/ledger"
	"expense-reconciliation-backend/internal/lock"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/datatypes"
)

var admin = Actor{Email: "admin@x.com", Name: "Admin", Admin: true}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeRequests struct {
	mu   sync.Mutex
	reqs []models.ChangeRequest
}

func (f *fakeRequests) Create(_ context.Context, req *models.ChangeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, *req)
	return nil
}

func (f *fakeRequests) FindByIDs(_ context.Context, ids []uuid.UUID) ([]models.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []models.ChangeRequest
	for _, r := range f.reqs {
		if want[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRequests) ListByExpense(_ context.Context, expenseID string) ([]models.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChangeRequest
	for _, r := range f.reqs {
		if r.ExpenseID == expenseID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeRequests) ListByRequester(_ context.Context, email string) ([]models.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChangeRequest
	for _, r := range f.reqs {
		if r.RequesterEmail == email {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRequests) GroupByExpense(_ context.Context) ([]repository.ExpenseRequests, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var groups []repository.ExpenseRequests
	index := map[string]int{}
	for _, r := range f.reqs {
		if !r.IsPending() {
			continue
		}
		i, ok := index[r.ExpenseID]
		if !ok {
			i = len(groups)
			index[r.ExpenseID] = i
			groups = append(groups, repository.ExpenseRequests{ExpenseID: r.ExpenseID})
		}
		groups[i].Requests = append(groups[i].Requests, r)
	}
	return groups, nil
}

func (f *fakeRequests) SetStatuses(_ context.Context, changes []repository.StatusChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := map[uuid.UUID]int{}
	for i, r := range f.reqs {
		idx[r.ID] = i
	}
	for _, ch := range changes {
		i, ok := idx[ch.ID]
		if !ok || !f.reqs[i].IsPending() {
			return fmt.Errorf("%w: %s", repository.ErrNotPending, ch.ID)
		}
	}
	for _, ch := range changes {
		r := &f.reqs[idx[ch.ID]]
		at := ch.At
		r.Status = ch.Status
		r.AdminNotes = ch.Note
		r.ProcessedAt = &at
	}
	return nil
}

func (f *fakeRequests) status(id uuid.UUID) models.RequestStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reqs {
		if r.ID == id {
			return r.Status
		}
	}
	return ""
}

type fakeRecords struct {
	mu   sync.Mutex
	recs map[string]models.ApplyRecord
}

func (f *fakeRecords) GetApplyRecord(_ context.Context, expenseID string) (*models.ApplyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[expenseID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeRecords) SaveApplyRecord(_ context.Context, rec *models.ApplyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[rec.ExpenseID] = *rec
	return nil
}

func (f *fakeRecords) DeleteApplyRecord(_ context.Context, expenseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, expenseID)
	return nil
}

type fakeMirrors struct {
	mu           sync.Mutex
	mirrors      map[string]models.MirroredExpense
	records      *fakeRecords
	overwriteErr error
	createErr    error
	overwrites   int
}

func (f *fakeMirrors) GetMirroredSplit(_ context.Context, expenseID string) (*models.MirroredExpense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mirrors[expenseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrExpenseNotFound, expenseID)
	}
	return &m, nil
}

func (f *fakeMirrors) FindByIDs(_ context.Context, ids []string) (map[string]models.MirroredExpense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]models.MirroredExpense{}
	for _, id := range ids {
		if m, ok := f.mirrors[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (f *fakeMirrors) CreateIfAbsent(_ context.Context, m *models.MirroredExpense) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return false, f.createErr
	}
	if _, ok := f.mirrors[m.ExpenseID]; ok {
		return false, nil
	}
	f.mirrors[m.ExpenseID] = *m
	return true, nil
}

func (f *fakeMirrors) OverwriteMirroredSplit(ctx context.Context, m *models.MirroredExpense, marker *models.ApplyRecord) error {
	f.mu.Lock()
	if f.overwriteErr != nil {
		f.mu.Unlock()
		return f.overwriteErr
	}
	f.overwrites++
	f.mirrors[m.ExpenseID] = *m
	f.mu.Unlock()
	if marker != nil {
		return f.records.SaveApplyRecord(ctx, marker)
	}
	return nil
}

func (f *fakeMirrors) items(expenseID string) []models.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.mirrors[expenseID]
	return m.Items.Data()
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
	entries []models.WorkflowAuditLog
}

func (f *fakeAudit) Append(_ context.Context, expenseID, action, performedBy, reason string, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	f.entries = append(f.entries, models.WorkflowAuditLog{
		ID: uuid.New(), ExpenseID: expenseID, Action: action, PerformedBy: performedBy, Reason: reason,
	})
	return nil
}

func (f *fakeAudit) ListByExpense(_ context.Context, expenseID string) ([]models.WorkflowAuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.WorkflowAuditLog
	for _, e := range f.entries {
		if e.ExpenseID == expenseID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAudit) has(action string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.actions {
		if a == action {
			return true
		}
	}
	return false
}

// fakeLedger keeps expenses in memory. A successful update re-parses the item
// block out of the comment, as the real ledger round trip would.
type fakeLedger struct {
	mu       sync.Mutex
	expenses map[string]ledger.Expense
	updates  []ledger.Update

	updateErr      error
	updateLands    bool
	getErrAfterUpd error
	updated        bool

	listErr    error
	listFilter ledger.ListFilter
}

func (f *fakeLedger) GetExpense(_ context.Context, expenseID string) (*ledger.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updated && f.getErrAfterUpd != nil {
		return nil, f.getErrAfterUpd
	}
	exp, ok := f.expenses[expenseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrExpenseNotFound, expenseID)
	}
	return &exp, nil
}

func (f *fakeLedger) UpdateExpense(_ context.Context, u ledger.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	f.updated = true
	if f.updateErr != nil && !f.updateLands {
		return f.updateErr
	}
	exp := f.expenses[u.ExpenseID]
	block, ok, err := itemdata.Parse(u.Comment)
	if err != nil {
		return err
	}
	exp.Details = u.Comment
	if ok {
		exp.Itemized = true
		exp.Items = block.Items
		exp.ApplyKey = block.ApplyKey
	}
	f.expenses[u.ExpenseID] = exp
	return f.updateErr
}

func (f *fakeLedger) GroupName(_ context.Context, groupID string) (string, error) {
	if groupID == "" {
		return "", nil
	}
	return "Flat " + groupID, nil
}

// ListExpenses ignores the filter beyond recording it and returns every expense by ID.
func (f *fakeLedger) ListExpenses(_ context.Context, filter ledger.ListFilter) ([]ledger.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listFilter = filter
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]ledger.Expense, 0, len(f.expenses))
	for _, e := range f.expenses {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeLedger) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

type fixture struct {
	svc     *Service
	reqs    *fakeRequests
	mirrors *fakeMirrors
	records *fakeRecords
	audit   *fakeAudit
	ledger  *fakeLedger
	locker  *lock.LocalLocker
	spans   *tracetest.SpanRecorder
	logs    *observer.ObservedLogs

	clockMu sync.Mutex
	clock   time.Time
}

func pizzaItems() []models.Item {
	return []models.Item{
		{Name: "Pizza", Price: dec("30"), Members: []string{"A", "B", "C"}},
		{Name: "Soda", Price: dec("30"), Members: []string{"A", "B"}},
	}
}

// newFixture seeds expense E1: $60 paid by A, Pizza $30 for A,B,C and Soda $30 for A,B.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	records := &fakeRecords{recs: map[string]models.ApplyRecord{}}
	f := &fixture{
		reqs:    &fakeRequests{},
		records: records,
		mirrors: &fakeMirrors{mirrors: map[string]models.MirroredExpense{}, records: records},
		audit:   &fakeAudit{},
		ledger:  &fakeLedger{expenses: map[string]ledger.Expense{}},
		locker:  lock.NewLocalLocker(),
		spans:   tracetest.NewSpanRecorder(),
		clock:   time.Date(2026, 10, 1, 18, 0, 0, 0, time.UTC),
	}

	items := pizzaItems()
	f.ledger.expenses["E1"] = ledger.Expense{
		ID: "E1", GroupID: "7", Description: "Team dinner", Total: dec("60"),
		PaidBy: "A", Itemized: true, Items: items,
	}
	f.mirrors.mirrors["E1"] = models.MirroredExpense{
		ExpenseID: "E1", GroupID: "7", GroupName: "Flat 7", Description: "Team dinner",
		Total: dec("60"), PaidBy: "A",
		Items:        datatypes.NewJSONType(items),
		MemberSplits: datatypes.NewJSONType(ledger.AllocateShares(dec("60"), "A", items)),
		ImportedBy:   "admin@x.com",
	}

	core, logs := observer.New(zap.DebugLevel)
	f.logs = logs
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f.svc = NewService(Deps{
		Requests: f.reqs,
		Mirrors:  f.mirrors,
		Records:  f.records,
		Audit:    f.audit,
		Ledger:   f.ledger,
		Locker:   f.locker,
		Logger:   zap.New(core),
		Tracer:   tp.Tracer("workflow-test"),
		Now:      f.tick,
	})
	return f
}

func (f *fixture) tick() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fixture) addRequest(name, item string, action models.Action, status models.RequestStatus) models.ChangeRequest {
	req := models.ChangeRequest{
		ID:             uuid.New(),
		ExpenseID:      "E1",
		ItemName:       item,
		Action:         action,
		RequesterEmail: name + "@x.com",
		RequesterName:  name,
		Status:         status,
		CreatedAt:      f.tick(),
	}
	f.reqs.reqs = append(f.reqs.reqs, req)
	return req
}

// pizzaDecided approves D joining and A leaving Pizza.
func (f *fixture) pizzaDecided() (join, leave models.ChangeRequest) {
	join = f.addRequest("D", "Pizza", models.ActionJoin, models.StatusApproved)
	leave = f.addRequest("A", "Pizza", models.ActionLeave, models.StatusApproved)
	return join, leave
}

func (f *fixture) status(t *testing.T) *StatusReport {
	t.Helper()
	rep, err := f.svc.ExpenseStatus(context.Background(), admin, "E1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return rep
}
