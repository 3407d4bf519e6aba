package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"expense-reconciliation-backend/internal/apperr"
	"expense-reconciliation-backend/internal/lock"
	"expense-reconciliation-backend/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitDecisions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	join := f.addRequest("D", "Pizza", models.ActionJoin, models.StatusPending)
	leave := f.addRequest("A", "Pizza", models.ActionLeave, models.StatusPending)
	soda := f.addRequest("C", "Soda", models.ActionJoin, models.StatusPending)

	res, err := f.svc.CommitDecisions(ctx, admin, "E1", Decisions{
		Approved: []uuid.UUID{join.ID, leave.ID},
		Rejected: []uuid.UUID{soda.ID},
		Notes:    "ok",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Approved)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, StatusReadyForPreview, res.Status)
	assert.Equal(t, models.StatusApproved, f.reqs.status(join.ID))
	assert.Equal(t, models.StatusRejected, f.reqs.status(soda.ID))
	assert.True(t, f.audit.has(models.AuditCommitDecisions))

	t.Run("recommitting the same decisions is a no-op", func(t *testing.T) {
		res, err := f.svc.CommitDecisions(ctx, admin, "E1", Decisions{
			Approved: []uuid.UUID{join.ID, leave.ID},
			Rejected: []uuid.UUID{soda.ID},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Approved)
		assert.Equal(t, 3, res.Unchanged)
		assert.Equal(t, StatusReadyForPreview, res.Status)
	})

	t.Run("changing a processed decision fails", func(t *testing.T) {
		_, err := f.svc.CommitDecisions(ctx, admin, "E1", Decisions{Approved: []uuid.UUID{soda.ID}})
		assert.Equal(t, apperr.ReasonAlreadyProcessed, apperr.ReasonOf(err))
		assert.Equal(t, models.StatusRejected, f.reqs.status(soda.ID))
	})
}

func TestCommitDecisionsValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		setup  func(f *fixture) Decisions
		reason apperr.Reason
	}{
		{
			name:   "empty",
			setup:  func(f *fixture) Decisions { return Decisions{} },
			reason: apperr.ReasonInvalidInput,
		},
		{
			name: "unknown request",
			setup: func(f *fixture) Decisions {
				return Decisions{Approved: []uuid.UUID{uuid.New()}}
			},
			reason: apperr.ReasonUnknownRequest,
		},
		{
			name: "approved and rejected",
			setup: func(f *fixture) Decisions {
				r := f.addRequest("D", "Pizza", models.ActionJoin, models.StatusPending)
				return Decisions{Approved: []uuid.UUID{r.ID}, Rejected: []uuid.UUID{r.ID}}
			},
			reason: apperr.ReasonConflictingDecision,
		},
		{
			name: "other expense",
			setup: func(f *fixture) Decisions {
				r := f.addRequest("D", "Pizza", models.ActionJoin, models.StatusPending)
				f.reqs.reqs[len(f.reqs.reqs)-1].ExpenseID = "E2"
				return Decisions{Approved: []uuid.UUID{r.ID}}
			},
			reason: apperr.ReasonWrongExpense,
		},
		{
			name: "unknown item",
			setup: func(f *fixture) Decisions {
				ok := f.addRequest("D", "Pizza", models.ActionJoin, models.StatusPending)
				r := f.addRequest("D", "Cake", models.ActionJoin, models.StatusPending)
				return Decisions{Approved: []uuid.UUID{ok.ID, r.ID}}
			},
			reason: apperr.ReasonUnknownItem,
		},
		{
			name: "last member leaves",
			setup: func(f *fixture) Decisions {
				a := f.addRequest("A", "Soda", models.ActionLeave, models.StatusPending)
				b := f.addRequest("B", "Soda", models.ActionLeave, models.StatusPending)
				return Decisions{Approved: []uuid.UUID{a.ID, b.ID}}
			},
			reason: apperr.ReasonEmptyItem,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := tt.setup(f)
			_, err := f.svc.CommitDecisions(ctx, admin, "E1", d)
			require.Error(t, err)
			assert.Equal(t, tt.reason, apperr.ReasonOf(err))
			for _, r := range f.reqs.reqs {
				assert.Equal(t, models.StatusPending, r.Status, "nothing may be committed")
			}
			assert.False(t, f.audit.has(models.AuditCommitDecisions))
		})
	}
}

func TestCommitDecisionsWhileAnotherCommitRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	join := f.addRequest("D", "Pizza", models.ActionJoin, models.StatusPending)

	unlock, err := f.locker.Acquire(ctx, lock.CommitKey("E1"))
	require.NoError(t, err)

	_, err = f.svc.CommitDecisions(ctx, admin, "E1", Decisions{Approved: []uuid.UUID{join.ID}})
	assert.ErrorIs(t, err, apperr.ErrCommitInProgress)
	assert.Equal(t, models.StatusPending, f.reqs.status(join.ID))
	assert.False(t, f.audit.has(models.AuditCommitDecisions))

	require.NoError(t, unlock(ctx))
	_, err = f.svc.CommitDecisions(ctx, admin, "E1", Decisions{Approved: []uuid.UUID{join.ID}})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, f.reqs.status(join.ID))
}

func TestConcurrentCommitsCannotEmptyAnItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	leaveA := f.addRequest("A", "Soda", models.ActionLeave, models.StatusPending)
	leaveB := f.addRequest("B", "Soda", models.ActionLeave, models.StatusPending)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{leaveA.ID, leaveB.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.CommitDecisions(ctx, admin, "E1", Decisions{Approved: []uuid.UUID{id}})
		}()
	}
	wg.Wait()

	approved := 0
	for _, id := range []uuid.UUID{leaveA.ID, leaveB.ID} {
		if f.reqs.status(id) == models.StatusApproved {
			approved++
		}
	}
	assert.LessOrEqual(t, approved, 1, "Soda keeps a member")
	for _, err := range errs {
		if err != nil {
			assert.True(t, errors.Is(err, apperr.ErrCommitInProgress) || apperr.ReasonOf(err) == apperr.ReasonEmptyItem, err.Error())
		}
	}

	_, err := f.svc.CommitDecisions(ctx, admin, "E1", Decisions{Approved: []uuid.UUID{leaveA.ID, leaveB.ID}})
	assert.Equal(t, apperr.ReasonEmptyItem, apperr.ReasonOf(err))
}

func TestCommitDecisionsRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	r := f.addRequest("D", "Pizza", models.ActionJoin, models.StatusPending)

	_, err := f.svc.CommitDecisions(context.Background(), Actor{Email: "d@x.com"}, "E1", Decisions{Approved: []uuid.UUID{r.ID}})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Equal(t, models.StatusPending, f.reqs.status(r.ID))
}

func TestAuditHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	join := f.addRequest("D", "Pizza", models.ActionJoin, models.StatusPending)

	_, err := f.svc.CommitDecisions(ctx, admin, "E1", Decisions{Approved: []uuid.UUID{join.ID}, Notes: "fine"})
	require.NoError(t, err)

	history, err := f.svc.AuditHistory(ctx, admin, "E1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.AuditCommitDecisions, history[0].Action)
	assert.Equal(t, "admin@x.com", history[0].PerformedBy)
	assert.Equal(t, "fine", history[0].Reason)

	empty, err := f.svc.AuditHistory(ctx, admin, "E9")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = f.svc.AuditHistory(ctx, Actor{Email: "d@x.com"}, "E1")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}
