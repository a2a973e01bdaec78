package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/skillrun/pkg/approval"
	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
	"github.com/Mindburn-Labs/skillrun/pkg/lifecycle"
	"github.com/Mindburn-Labs/skillrun/pkg/statelog"
	"github.com/Mindburn-Labs/skillrun/pkg/store"
)

func TestGateRequired(t *testing.T) {
	gate := approval.Gate{}

	spec := &contracts.SkillSpec{Key: "send-email", Version: "1.0.0", RequiredResponsibilityLevel: 2}

	// Equal levels auto-approve.
	required, _ := gate.Required(spec, contracts.ExecutorInfo{ResponsibilityLevel: 2})
	assert.False(t, required)

	// A more privileged caller (numerically lower) passes.
	required, _ = gate.Required(spec, contracts.ExecutorInfo{ResponsibilityLevel: 1})
	assert.False(t, required)

	// A weaker caller needs sign-off.
	required, reason := gate.Required(spec, contracts.ExecutorInfo{ResponsibilityLevel: 3})
	assert.True(t, required)
	assert.NotEmpty(t, reason)

	// The mandatory flag overrides any level.
	flagged := &contracts.SkillSpec{Key: "wire-funds", Version: "1.0.0", RequiredResponsibilityLevel: 5,
		Safety: contracts.Safety{RequiresApproval: true}}
	required, reason = gate.Required(flagged, contracts.ExecutorInfo{ResponsibilityLevel: 1})
	assert.True(t, required)
	assert.NotEmpty(t, reason)
}

type approvalFixture struct {
	manager *approval.Manager
	machine *lifecycle.Machine
	store   *store.MemoryStore
	now     time.Time
}

func newFixture(t *testing.T) *approvalFixture {
	t.Helper()
	s := store.NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	machine := lifecycle.NewMachine(s, statelog.NewLog()).WithClock(clock)
	manager := approval.NewManager(s, machine).WithClock(clock).WithWindow(time.Hour)
	return &approvalFixture{manager: manager, machine: machine, store: s, now: now}
}

func (f *approvalFixture) createExecution(t *testing.T, id string) *contracts.Execution {
	t.Helper()
	exec := &contracts.Execution{
		ID:             id,
		TenantID:       "t1",
		IdempotencyKey: "key-" + id,
		SkillKey:       "send-email",
		SkillVersion:   "1.0.0",
		Executor:       contracts.ExecutorInfo{Type: contracts.ExecutorAgent, ID: "agent-1", ResponsibilityLevel: 3},
		State:          contracts.StateCreated,
		StateChangedAt: f.now,
		CreatedAt:      f.now,
	}
	require.NoError(t, f.store.CreateExecution(context.Background(), exec))
	return exec
}

func TestRequestParksExecution(t *testing.T) {
	f := newFixture(t)
	exec := f.createExecution(t, "e1")

	req, err := f.manager.Request(context.Background(), exec, "executor level too weak")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, req.Status)
	assert.Equal(t, f.now.Add(time.Hour), req.ExpiresAt)

	got, err := f.machine.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatePendingApproval, got.State)

	pending, err := f.manager.PendingForExecution(context.Background(), "e1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, req.ID, pending.ID)
}

func TestApproveReturnsExecutionToCreated(t *testing.T) {
	f := newFixture(t)
	exec := f.createExecution(t, "e1")
	req, err := f.manager.Request(context.Background(), exec, "gated")
	require.NoError(t, err)

	got, err := f.manager.Approve(context.Background(), req.ID, "admin", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCreated, got.State)
	require.Len(t, got.ApprovalChain, 1)
	assert.Equal(t, "admin", got.ApprovalChain[0].ApproverID)
	assert.Equal(t, string(contracts.ApprovalApproved), got.ApprovalChain[0].Decision)
}

func TestRejectFailsExecution(t *testing.T) {
	f := newFixture(t)
	exec := f.createExecution(t, "e1")
	req, err := f.manager.Request(context.Background(), exec, "gated")
	require.NoError(t, err)

	got, err := f.manager.Reject(context.Background(), req.ID, "admin", "not allowed")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, got.State)
	assert.Equal(t, contracts.ErrorCodeApprovalRejected, got.ErrorCode)
	assert.Equal(t, contracts.ResultStatusError, got.ResultStatus)
	require.Len(t, got.ApprovalChain, 1)
	assert.Equal(t, string(contracts.ApprovalRejected), got.ApprovalChain[0].Decision)
}

func TestDoubleResolutionRejected(t *testing.T) {
	f := newFixture(t)
	exec := f.createExecution(t, "e1")
	req, err := f.manager.Request(context.Background(), exec, "gated")
	require.NoError(t, err)

	_, err = f.manager.Approve(context.Background(), req.ID, "admin", "ok")
	require.NoError(t, err)

	_, err = f.manager.Reject(context.Background(), req.ID, "admin2", "no")
	assert.ErrorIs(t, err, contracts.ErrNotPending)

	_, err = f.manager.Approve(context.Background(), req.ID, "admin3", "again")
	assert.ErrorIs(t, err, contracts.ErrNotPending)
}

func TestExpireOverdue(t *testing.T) {
	s := store.NewMemoryStore()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := start
	clock := func() time.Time { return current }
	machine := lifecycle.NewMachine(s, statelog.NewLog()).WithClock(clock)
	manager := approval.NewManager(s, machine).WithClock(clock).WithWindow(time.Hour)

	exec := &contracts.Execution{
		ID: "e1", TenantID: "t1", IdempotencyKey: "k1", SkillKey: "send-email",
		State: contracts.StateCreated, StateChangedAt: start, CreatedAt: start,
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	req, err := manager.Request(context.Background(), exec, "gated")
	require.NoError(t, err)

	// Inside the window nothing expires.
	n, err := manager.ExpireOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	current = start.Add(2 * time.Hour)
	n, err = manager.ExpireOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := manager.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalExpired, got.Status)

	failed, err := machine.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, failed.State)
	assert.Equal(t, contracts.ErrorCodeApprovalExpired, failed.ErrorCode)

	// Idempotent: a second sweep finds nothing.
	n, err = manager.ExpireOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
