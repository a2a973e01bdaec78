package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/skillrun/pkg/approval"
	"github.com/Mindburn-Labs/skillrun/pkg/audit"
	"github.com/Mindburn-Labs/skillrun/pkg/budget"
	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
	"github.com/Mindburn-Labs/skillrun/pkg/lifecycle"
	"github.com/Mindburn-Labs/skillrun/pkg/metering"
	"github.com/Mindburn-Labs/skillrun/pkg/orchestrator"
	"github.com/Mindburn-Labs/skillrun/pkg/skills"
	"github.com/Mindburn-Labs/skillrun/pkg/statelog"
	"github.com/Mindburn-Labs/skillrun/pkg/store"
)

type fixture struct {
	orch     *orchestrator.Orchestrator
	registry *skills.Registry
	machine  *lifecycle.Machine
	store    *store.MemoryStore
	budgets  *budget.MemoryStorage
	meter    *metering.MemoryMeter
	now      time.Time
	mu       sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, limit int64) *fixture {
	t.Helper()
	f := &fixture{
		registry: skills.NewRegistry(),
		store:    store.NewMemoryStore(),
		budgets:  budget.NewMemoryStorage(),
		meter:    metering.NewMemoryMeter(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.budgets.Create(context.Background(), &budget.Budget{
		ID:          "b1",
		TenantID:    "t1",
		PeriodStart: f.now.Add(-time.Hour),
		PeriodEnd:   f.now.Add(24 * time.Hour),
		LimitAmount: limit,
		IsHardLimit: true,
	}))

	ledger := budget.NewLedger(f.budgets).WithClock(f.clock)
	f.machine = lifecycle.NewMachine(f.store, statelog.NewLog()).WithClock(f.clock)
	manager := approval.NewManager(f.store, f.machine).WithClock(f.clock).WithWindow(time.Hour)
	f.orch = orchestrator.New(f.registry, f.machine, f.store, manager, ledger, f.meter, audit.Nop()).
		WithClock(f.clock).
		WithBackoff(orchestrator.BackoffPolicy{BaseMs: 1, MaxMs: 2, MaxJitterMs: 0})
	return f
}

func (f *fixture) registerSkill(t *testing.T, spec contracts.SkillSpec, handler skills.Handler) {
	t.Helper()
	require.NoError(t, f.registry.Register(skills.Registration{Spec: spec, Handler: handler}))
}

func okHandler(cost int64) skills.Handler {
	return skills.HandlerFunc(func(ctx context.Context, input map[string]any) (*skills.Result, error) {
		return &skills.Result{Summary: "done", ActualCost: cost}, nil
	})
}

func submitReq(key string) orchestrator.SubmitRequest {
	return orchestrator.SubmitRequest{
		TenantID:       "t1",
		IdempotencyKey: "k-" + key,
		SkillKey:       key,
		Executor: contracts.ExecutorInfo{
			Type:                   contracts.ExecutorUser,
			ID:                     "u1",
			LegalResponsibleUserID: "u1",
			ResponsibilityLevel:    1,
		},
	}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	f := newFixture(t, 1000)
	f.registerSkill(t, contracts.SkillSpec{
		Key: "send-email", Version: "1.0.0", Category: contracts.CategoryPublic,
		CostModel: contracts.CostModel{FixedCost: 100},
	}, okHandler(80))

	res, err := f.orch.Submit(context.Background(), submitReq("send-email"))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.SubmitAccepted, res.Status)
	assert.False(t, res.Duplicate)

	status, err := f.orch.GetStatus(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	exec := status.Execution
	assert.Equal(t, contracts.StateCompleted, exec.State)
	assert.Equal(t, contracts.ResultStatusSuccess, exec.ResultStatus)
	assert.Equal(t, "done", exec.ResultSummary)
	assert.Equal(t, int64(100), exec.BudgetReservedAmount)
	assert.Equal(t, int64(80), exec.BudgetConsumedAmount)

	// CREATED -> RUNNING -> COMPLETED, one log row each.
	require.Len(t, status.History, 2)
	assert.Equal(t, contracts.StateRunning, status.History[0].ToState)
	assert.Equal(t, contracts.StateCompleted, status.History[1].ToState)

	b, err := f.budgets.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), b.UsedAmount)
	assert.Equal(t, int64(0), b.ReservedAmount)
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t, 1000)
	var calls atomic.Int32
	f.registerSkill(t, contracts.SkillSpec{
		Key: "send-email", Version: "1.0.0", Category: contracts.CategoryPublic,
		CostModel: contracts.CostModel{FixedCost: 100},
	}, skills.HandlerFunc(func(ctx context.Context, input map[string]any) (*skills.Result, error) {
		calls.Add(1)
		return &skills.Result{ActualCost: 100}, nil
	}))

	first, err := f.orch.Submit(context.Background(), submitReq("send-email"))
	require.NoError(t, err)
	second, err := f.orch.Submit(context.Background(), submitReq("send-email"))
	require.NoError(t, err)

	assert.Equal(t, first.ExecutionID, second.ExecutionID)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int32(1), calls.Load())

	b, err := f.budgets.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.UsedAmount)
}

func TestConcurrentSubmitCreatesOneExecution(t *testing.T) {
	f := newFixture(t, 10_000)
	var calls atomic.Int32
	f.registerSkill(t, contracts.SkillSpec{
		Key: "send-email", Version: "1.0.0", Category: contracts.CategoryPublic,
	}, skills.HandlerFunc(func(ctx context.Context, input map[string]any) (*skills.Result, error) {
		calls.Add(1)
		return &skills.Result{}, nil
	}))

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orch.Submit(context.Background(), submitReq("send-email"))
			if err == nil {
				ids <- res.ExecutionID
			}
		}()
	}
	wg.Wait()
	close(ids)

	unique := map[string]bool{}
	for id := range ids {
		unique[id] = true
	}
	assert.Len(t, unique, 1)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitFailsClosed(t *testing.T) {
	f := newFixture(t, 1000)
	f.registerSkill(t, contracts.SkillSpec{
		Key: "internal-tool", Version: "1.0.0", Category: contracts.CategoryInternal,
	}, okHandler(0))
	f.registerSkill(t, contracts.SkillSpec{
		Key: "send-email", Version: "1.0.0", Category: contracts.CategoryPublic,
	}, okHandler(0))

	_, err := f.orch.Submit(context.Background(), submitReq("unknown-skill"))
	assert.ErrorIs(t, err, contracts.ErrSkillNotFound)

	req := submitReq("internal-tool")
	req.Executor.External = true
	_, err = f.orch.Submit(context.Background(), req)
	assert.ErrorIs(t, err, contracts.ErrSkillCategoryForbidden)

	req = submitReq("send-email")
	req.TenantID = ""
	_, err = f.orch.Submit(context.Background(), req)
	assert.ErrorIs(t, err, contracts.ErrValidation)

	// Nothing was admitted.
	got, err := f.store.GetByIdempotencyKey(context.Background(), "t1", "k-unknown-skill")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGatedSubmitThenApprove(t *testing.T) {
	f := newFixture(t, 1000)
	f.registerSkill(t, contracts.SkillSpec{
		Key: "wire-funds", Version: "1.0.0", Category: contracts.CategoryPublic,
		RequiredResponsibilityLevel: 1,
		CostModel:                   contracts.CostModel{FixedCost: 100},
	}, okHandler(100))

	req := submitReq("wire-funds")
	req.Executor.Type = contracts.ExecutorAgent
	req.Executor.ResponsibilityLevel = 3

	res, err := f.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.SubmitPendingApproval, res.Status)

	// Nothing reserved while parked.
	b, err := f.budgets.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.ReservedAmount)

	status, err := f.orch.GetStatus(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, status.PendingApproval)

	exec, err := f.orch.Approve(context.Background(), status.PendingApproval.ID, "admin", "verified")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCompleted, exec.State)
	require.Len(t, exec.ApprovalChain, 1)
	assert.Equal(t, "admin", exec.ApprovalChain[0].ApproverID)
	assert.Equal(t, int64(100), exec.BudgetConsumedAmount)
}

func TestGatedSubmitThenReject(t *testing.T) {
	f := newFixture(t, 1000)
	f.registerSkill(t, contracts.SkillSpec{
		Key: "wire-funds", Version: "1.0.0", Category: contracts.CategoryPublic,
		Safety: contracts.Safety{RequiresApproval: true},
	}, okHandler(0))

	res, err := f.orch.Submit(context.Background(), submitReq("wire-funds"))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.SubmitPendingApproval, res.Status)

	status, err := f.orch.GetStatus(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	exec, err := f.orch.Reject(context.Background(), status.PendingApproval.ID, "admin", "suspicious")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, exec.State)
	assert.Equal(t, contracts.ErrorCodeApprovalRejected, exec.ErrorCode)
}

func TestBudgetDenialFailsExecution(t *testing.T) {
	f := newFixture(t, 50)
	f.registerSkill(t, contracts.SkillSpec{
		Key: "send-email", Version: "1.0.0", Category: contracts.CategoryPublic,
		CostModel: contracts.CostModel{FixedCost: 100},
	}, okHandler(100))

	res, err := f.orch.Submit(context.Background(), submitReq("send-email"))
	require.ErrorIs(t, err, contracts.ErrBudgetExceeded)
	require.NotNil(t, res)

	status, err := f.orch.GetStatus(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, status.Execution.State)
	assert.Equal(t, contracts.ErrorCodeBudgetExceeded, status.Execution.ErrorCode)
}

func TestRetryThenSuccess(t *testing.T) {
	f := newFixture(t, 1000)
	var calls atomic.Int32
	f.registerSkill(t, contracts.SkillSpec{
		Key: "flaky", Version: "1.0.0", Category: contracts.CategoryPublic,
		Safety:    contracts.Safety{MaxRetries: 2},
		CostModel: contracts.CostModel{FixedCost: 10},
	}, skills.HandlerFunc(func(ctx context.Context, input map[string]any) (*skills.Result, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return &skills.Result{ActualCost: 10}, nil
	}))

	res, err := f.orch.Submit(context.Background(), submitReq("flaky"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	status, err := f.orch.GetStatus(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCompleted, status.Execution.State)
}

func TestHandlerFailureReleasesReservation(t *testing.T) {
	f := newFixture(t, 1000)
	f.registerSkill(t, contracts.SkillSpec{
		Key: "broken", Version: "1.0.0", Category: contracts.CategoryPublic,
		CostModel: contracts.CostModel{FixedCost: 100},
	}, skills.HandlerFunc(func(ctx context.Context, input map[string]any) (*skills.Result, error) {
		return nil, errors.New("boom")
	}))

	res, err := f.orch.Submit(context.Background(), submitReq("broken"))
	require.Error(t, err)

	status, err := f.orch.GetStatus(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	exec := status.Execution
	assert.Equal(t, contracts.StateFailed, exec.State)
	assert.Equal(t, contracts.ErrorCodeHandlerFailed, exec.ErrorCode)
	assert.True(t, exec.BudgetReleased)

	b, err := f.budgets.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.ReservedAmount)
	assert.Equal(t, int64(0), b.UsedAmount)
}

func TestHandlerTimeout(t *testing.T) {
	f := newFixture(t, 1000)
	f.registerSkill(t, contracts.SkillSpec{
		Key: "slow", Version: "1.0.0", Category: contracts.CategoryPublic,
		Safety: contracts.Safety{TimeoutSeconds: 1},
	}, skills.HandlerFunc(func(ctx context.Context, input map[string]any) (*skills.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	res, err := f.orch.Submit(context.Background(), submitReq("slow"))
	require.Error(t, err)

	status, err := f.orch.GetStatus(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, status.Execution.State)
	assert.Equal(t, contracts.ErrorCodeExecutionTimeout, status.Execution.ErrorCode)
}

func TestOverconsumptionFailsLoudly(t *testing.T) {
	f := newFixture(t, 1000)
	f.registerSkill(t, contracts.SkillSpec{
		Key: "greedy", Version: "1.0.0", Category: contracts.CategoryPublic,
		CostModel: contracts.CostModel{FixedCost: 100},
	}, okHandler(150)) // reports more than the reservation

	res, err := f.orch.Submit(context.Background(), submitReq("greedy"))
	require.ErrorIs(t, err, contracts.ErrOverconsumption)

	status, err := f.orch.GetStatus(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	exec := status.Execution
	assert.Equal(t, contracts.StateFailed, exec.State)
	assert.Equal(t, contracts.ErrorCodeOverconsumption, exec.ErrorCode)
	assert.Equal(t, int64(100), exec.BudgetConsumedAmount)

	// The full reservation was consumed; nothing left hanging.
	b, err := f.budgets.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.ReservedAmount)
	assert.Equal(t, int64(100), b.UsedAmount)
}

func TestSweepExpiredApprovals(t *testing.T) {
	f := newFixture(t, 1000)
	f.registerSkill(t, contracts.SkillSpec{
		Key: "wire-funds", Version: "1.0.0", Category: contracts.CategoryPublic,
		Safety: contracts.Safety{RequiresApproval: true},
	}, okHandler(0))

	res, err := f.orch.Submit(context.Background(), submitReq("wire-funds"))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.SubmitPendingApproval, res.Status)

	f.advance(2 * time.Hour)
	n, err := f.orch.SweepExpiredApprovals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := f.orch.GetStatus(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, status.Execution.State)
	assert.Equal(t, contracts.ErrorCodeApprovalExpired, status.Execution.ErrorCode)
}

func TestSweepStaleReservations(t *testing.T) {
	f := newFixture(t, 1000)
	block := make(chan struct{})
	f.registerSkill(t, contracts.SkillSpec{
		Key: "stuck", Version: "1.0.0", Category: contracts.CategoryPublic,
		Safety:    contracts.Safety{TimeoutSeconds: 600},
		CostModel: contracts.CostModel{FixedCost: 100},
	}, skills.HandlerFunc(func(ctx context.Context, input map[string]any) (*skills.Result, error) {
		<-block
		return &skills.Result{}, nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.orch.Submit(context.Background(), submitReq("stuck"))
	}()

	// Wait for the run to reserve and enter RUNNING.
	require.Eventually(t, func() bool {
		exec, err := f.store.GetByIdempotencyKey(context.Background(), "t1", "k-stuck")
		return err == nil && exec != nil && exec.State == contracts.StateRunning
	}, 2*time.Second, 10*time.Millisecond)

	f.advance(time.Hour)
	n, err := f.orch.SweepStaleReservations(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exec, err := f.store.GetByIdempotencyKey(context.Background(), "t1", "k-stuck")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, exec.State)
	assert.Equal(t, contracts.ErrorCodeExecutionTimeout, exec.ErrorCode)

	b, err := f.budgets.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.ReservedAmount)

	close(block)
	<-done
}

// flakyApprovalStore drops the first approval write.
type flakyApprovalStore struct {
	*store.MemoryStore
	fail atomic.Bool
}

func (s *flakyApprovalStore) CreateApproval(ctx context.Context, req *contracts.ApprovalRequest) error {
	if s.fail.CompareAndSwap(true, false) {
		return errors.New("approval write lost")
	}
	return s.MemoryStore.CreateApproval(ctx, req)
}

func TestApprovalWriteFailureFailsExecution(t *testing.T) {
	f := newFixture(t, 1000)
	flaky := &flakyApprovalStore{MemoryStore: f.store}
	flaky.fail.Store(true)
	manager := approval.NewManager(flaky, f.machine).WithClock(f.clock).WithWindow(time.Hour)
	ledger := budget.NewLedger(f.budgets).WithClock(f.clock)
	orch := orchestrator.New(f.registry, f.machine, f.store, manager, ledger, f.meter, audit.Nop()).
		WithClock(f.clock)

	f.registerSkill(t, contracts.SkillSpec{
		Key: "wire-funds", Version: "1.0.0", Category: contracts.CategoryPublic,
		Safety: contracts.Safety{RequiresApproval: true},
	}, okHandler(0))

	_, err := orch.Submit(context.Background(), submitReq("wire-funds"))
	require.Error(t, err)

	// The execution fails right away instead of parking with no request.
	exec, err := f.store.GetByIdempotencyKey(context.Background(), "t1", "k-wire-funds")
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, contracts.StateFailed, exec.State)
	assert.Equal(t, contracts.ErrorCodeApprovalExpired, exec.ErrorCode)

	pending, err := f.store.PendingForExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestSweepFailsOrphanedParkedExecution(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	// A crash after parking but before the approval write leaves exactly
	// this: a PENDING_APPROVAL execution with no pending request.
	require.NoError(t, f.store.CreateExecution(ctx, &contracts.Execution{
		ID:             "e-orphan",
		TenantID:       "t1",
		IdempotencyKey: "k-orphan",
		SkillKey:       "wire-funds",
		State:          contracts.StateCreated,
		StateChangedAt: f.now,
		CreatedAt:      f.now,
	}))
	_, err := f.machine.Transition(ctx, "e-orphan", contracts.StateCreated, contracts.StatePendingApproval, "u1", nil)
	require.NoError(t, err)

	// Freshly parked executions are inside the grace window and untouched.
	n, err := f.orch.SweepExpiredApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.advance(2 * time.Minute)
	n, err = f.orch.SweepExpiredApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exec, err := f.machine.Get(ctx, "e-orphan")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, exec.State)
	assert.Equal(t, contracts.ErrorCodeApprovalExpired, exec.ErrorCode)
}

// failingSettleStorage drops the first settle so a release fails once.
type failingSettleStorage struct {
	*budget.MemoryStorage
	fail atomic.Bool
}

func (s *failingSettleStorage) Settle(ctx context.Context, reservationID string, status budget.ReservationStatus, actualAmount int64, resolvedAt time.Time, txn *budget.Transaction) (*budget.Budget, error) {
	if s.fail.CompareAndSwap(true, false) {
		return nil, errors.New("storage offline")
	}
	return s.MemoryStorage.Settle(ctx, reservationID, status, actualAmount, resolvedAt, txn)
}

func TestFailedReleaseDoesNotMarkBudgetReleased(t *testing.T) {
	f := newFixture(t, 1000)
	storage := &failingSettleStorage{MemoryStorage: f.budgets}
	storage.fail.Store(true)
	ledger := budget.NewLedger(storage).WithClock(f.clock)
	manager := approval.NewManager(f.store, f.machine).WithClock(f.clock)
	orch := orchestrator.New(f.registry, f.machine, f.store, manager, ledger, f.meter, audit.Nop()).
		WithClock(f.clock)

	f.registerSkill(t, contracts.SkillSpec{
		Key: "broken", Version: "1.0.0", Category: contracts.CategoryPublic,
		CostModel: contracts.CostModel{FixedCost: 100},
	}, skills.HandlerFunc(func(ctx context.Context, input map[string]any) (*skills.Result, error) {
		return nil, errors.New("boom")
	}))

	res, err := orch.Submit(context.Background(), submitReq("broken"))
	require.Error(t, err)

	// The release failed, so the row must not claim the money came back.
	exec, err := f.store.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, exec.State)
	assert.Equal(t, contracts.ErrorCodeHandlerFailed, exec.ErrorCode)
	assert.False(t, exec.BudgetReleased)

	b, err := f.budgets.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.ReservedAmount)

	// The reservation sweep reclaims it once storage recovers.
	f.advance(time.Hour)
	n, err := orch.SweepStaleReservations(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b, err = f.budgets.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.ReservedAmount)
}

func TestMeteringRecordsUsage(t *testing.T) {
	f := newFixture(t, 1000)
	f.registerSkill(t, contracts.SkillSpec{
		Key: "summarize", Version: "1.0.0", Category: contracts.CategoryPublic,
		CostModel: contracts.CostModel{
			FixedCost: 100, PerTokenInput: 1, PerTokenOutput: 2,
			MaxInputTokens: 100, MaxOutputTokens: 50,
		},
	}, skills.HandlerFunc(func(ctx context.Context, input map[string]any) (*skills.Result, error) {
		return &skills.Result{InputTokens: 10, OutputTokens: 5}, nil
	}))

	_, err := f.orch.Submit(context.Background(), submitReq("summarize"))
	require.NoError(t, err)

	period := metering.Period{Start: f.now.Add(-time.Hour), End: f.now.Add(time.Hour)}
	usage, err := f.meter.GetUsage(context.Background(), "t1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Totals[metering.EventExecution])
	assert.Equal(t, int64(120), usage.Totals[metering.EventSpendCents]) // 100 + 10 + 10
	assert.Equal(t, int64(10), usage.Totals[metering.EventInputToken])
	assert.Equal(t, int64(5), usage.Totals[metering.EventOutputToken])
}
