package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
	"github.com/Mindburn-Labs/skillrun/pkg/store"
)

type combined interface {
	store.ExecutionStore
	store.ApprovalStore
}

// Both backends must satisfy the same contract; the suite runs against each.
func backends(t *testing.T) map[string]combined {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlite, err := store.NewSQLiteStore(db)
	require.NoError(t, err)

	return map[string]combined{
		"memory": store.NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func newExecution(id, tenantID, key string) *contracts.Execution {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &contracts.Execution{
		ID:             id,
		TenantID:       tenantID,
		IdempotencyKey: key,
		SkillKey:       "send-email",
		SkillVersion:   "1.0.0",
		Executor: contracts.ExecutorInfo{
			Type:                   contracts.ExecutorUser,
			ID:                     "u1",
			LegalResponsibleUserID: "u1",
			ResponsibilityLevel:    2,
		},
		State:          contracts.StateCreated,
		StateChangedAt: now,
		CreatedAt:      now,
		Input:          map[string]any{"to": "a@b.c"},
	}
}

func TestCreateExecutionEnforcesIdempotencyKey(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateExecution(ctx, newExecution("e1", "t1", "k1")))

			// Same tenant and key: rejected.
			err := s.CreateExecution(ctx, newExecution("e2", "t1", "k1"))
			assert.ErrorIs(t, err, contracts.ErrDuplicateIdempotencyKey)

			// Same key under another tenant: fine.
			require.NoError(t, s.CreateExecution(ctx, newExecution("e3", "t2", "k1")))

			got, err := s.GetByIdempotencyKey(ctx, "t1", "k1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "e1", got.ID)

			got, err = s.GetByIdempotencyKey(ctx, "t1", "unknown")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestGetExecutionRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exec := newExecution("e1", "t1", "k1")
			exec.ApprovalChain = []contracts.ApprovalDecision{{
				ApprovalID: "a1", ApproverID: "admin", Decision: "approved",
				DecidedAt: exec.CreatedAt,
			}}
			require.NoError(t, s.CreateExecution(ctx, exec))

			got, err := s.GetExecution(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, exec.TenantID, got.TenantID)
			assert.Equal(t, exec.Executor, got.Executor)
			assert.Equal(t, exec.Input, got.Input)
			require.Len(t, got.ApprovalChain, 1)
			assert.Equal(t, "admin", got.ApprovalChain[0].ApproverID)

			_, err = s.GetExecution(ctx, "missing")
			assert.ErrorIs(t, err, contracts.ErrNotFound)
		})
	}
}

func TestUpdateExecutionCompareAndSwap(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exec := newExecution("e1", "t1", "k1")
			require.NoError(t, s.CreateExecution(ctx, exec))

			exec.State = contracts.StateRunning
			exec.PreviousState = contracts.StateCreated
			require.NoError(t, s.UpdateExecution(ctx, exec, contracts.StateCreated))

			// A second writer still holding the CREATED observation loses.
			staleCopy := newExecution("e1", "t1", "k1")
			staleCopy.State = contracts.StatePendingApproval
			err := s.UpdateExecution(ctx, staleCopy, contracts.StateCreated)
			assert.ErrorIs(t, err, contracts.ErrStaleState)

			missing := newExecution("ghost", "t1", "k-ghost")
			err = s.UpdateExecution(ctx, missing, contracts.StateCreated)
			assert.ErrorIs(t, err, contracts.ErrNotFound)
		})
	}
}

func TestListByStateOlderThan(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := newExecution("e-old", "t1", "k-old")
			old.State = contracts.StateRunning
			old.StateChangedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			require.NoError(t, s.CreateExecution(ctx, old))

			fresh := newExecution("e-new", "t1", "k-new")
			fresh.State = contracts.StateRunning
			fresh.StateChangedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, s.CreateExecution(ctx, fresh))

			got, err := s.ListByStateOlderThan(ctx, contracts.StateRunning, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "e-old", got[0].ID)
		})
	}
}

func newApproval(id, executionID string, expiresAt time.Time) *contracts.ApprovalRequest {
	return &contracts.ApprovalRequest{
		ID:          id,
		TenantID:    "t1",
		ExecutionID: executionID,
		Status:      contracts.ApprovalPending,
		Reason:      "needs sign-off",
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ExpiresAt:   expiresAt,
	}
}

func TestResolveApprovalExactlyOnce(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expiry := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
			require.NoError(t, s.CreateApproval(ctx, newApproval("a1", "e1", expiry)))

			resolvedAt := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
			require.NoError(t, s.ResolveApproval(ctx, "a1", contracts.ApprovalApproved, "admin", "ok", resolvedAt))

			// The losing decision hits the pending guard.
			err := s.ResolveApproval(ctx, "a1", contracts.ApprovalRejected, "admin2", "no", resolvedAt)
			assert.ErrorIs(t, err, contracts.ErrNotPending)

			err = s.ResolveApproval(ctx, "missing", contracts.ApprovalApproved, "admin", "", resolvedAt)
			assert.ErrorIs(t, err, contracts.ErrNotFound)

			got, err := s.GetApproval(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, contracts.ApprovalApproved, got.Status)
			assert.Equal(t, "admin", got.ApproverID)
			require.NotNil(t, got.ResolvedAt)
		})
	}
}

func TestPendingForExecutionAndExpiry(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, s.CreateApproval(ctx, newApproval("a-overdue", "e1", now.Add(-time.Hour))))
			require.NoError(t, s.CreateApproval(ctx, newApproval("a-live", "e2", now.Add(time.Hour))))

			pending, err := s.PendingForExecution(ctx, "e1")
			require.NoError(t, err)
			require.NotNil(t, pending)
			assert.Equal(t, "a-overdue", pending.ID)

			pending, err = s.PendingForExecution(ctx, "e-none")
			require.NoError(t, err)
			assert.Nil(t, pending)

			expired, err := s.ListExpired(ctx, now)
			require.NoError(t, err)
			require.Len(t, expired, 1)
			assert.Equal(t, "a-overdue", expired[0].ID)
		})
	}
}
