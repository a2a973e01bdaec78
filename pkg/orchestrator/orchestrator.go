// Package orchestrator wires intake, gating, budgeting, and execution into
// the single entry point for running skills. Submit admits a request,
// Approve/Reject resolve parked ones, and the sweeps reclaim what expired.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/skillrun/pkg/approval"
	"github.com/Mindburn-Labs/skillrun/pkg/audit"
	"github.com/Mindburn-Labs/skillrun/pkg/budget"
	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
	"github.com/Mindburn-Labs/skillrun/pkg/lifecycle"
	"github.com/Mindburn-Labs/skillrun/pkg/metering"
	"github.com/Mindburn-Labs/skillrun/pkg/skills"
	"github.com/Mindburn-Labs/skillrun/pkg/statelog"
	"github.com/Mindburn-Labs/skillrun/pkg/store"
)

// DefaultTimeout bounds a handler attempt when the skill declares none.
const DefaultTimeout = 30 * time.Second

// SubmitStatus is what the caller learns immediately after admission.
type SubmitStatus string

const (
	SubmitAccepted        SubmitStatus = "ACCEPTED"
	SubmitPendingApproval SubmitStatus = "PENDING_APPROVAL"
)

// SubmitRequest is one intake request.
type SubmitRequest struct {
	TenantID          string
	IdempotencyKey    string
	SkillKey          string
	VersionConstraint string
	Executor          contracts.ExecutorInfo
	Input             map[string]any
	TraceID           string
	ParentExecutionID string
}

// SubmitResult reports the admission outcome.
type SubmitResult struct {
	ExecutionID string
	Status      SubmitStatus
	// Duplicate is true when the idempotency key matched an earlier
	// submission and that execution was returned instead of a new one.
	Duplicate bool
}

// Status is the full observable state of one execution.
type Status struct {
	Execution       *contracts.Execution
	PendingApproval *contracts.ApprovalRequest
	History         []statelog.Entry
}

// Orchestrator drives the full execution pipeline.
type Orchestrator struct {
	registry   *skills.Registry
	machine    *lifecycle.Machine
	executions store.ExecutionStore
	approvals  *approval.Manager
	gate       approval.Gate
	ledger     *budget.Ledger
	meter      metering.Meter
	audit      audit.Logger
	logger     *slog.Logger
	clock      func() time.Time
	tracer     trace.Tracer
	backoff    BackoffPolicy
}

// New wires an orchestrator. Meter and audit sinks are required; pass
// metering.NewMemoryMeter and audit.Nop in tests.
func New(registry *skills.Registry, machine *lifecycle.Machine, executions store.ExecutionStore, approvals *approval.Manager, ledger *budget.Ledger, meter metering.Meter, auditLog audit.Logger) *Orchestrator {
	return &Orchestrator{
		registry:   registry,
		machine:    machine,
		executions: executions,
		approvals:  approvals,
		ledger:     ledger,
		meter:      meter,
		audit:      auditLog,
		logger:     slog.Default().With("component", "orchestrator"),
		clock:      time.Now,
		tracer:     otel.Tracer("skillrun/orchestrator"),
		backoff:    DefaultBackoff,
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithLogger overrides the logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger.With("component", "orchestrator")
	return o
}

// WithBackoff overrides the retry backoff policy.
func (o *Orchestrator) WithBackoff(p BackoffPolicy) *Orchestrator {
	o.backoff = p
	return o
}

// Submit admits one request and, when no approval is needed, runs it to a
// terminal state before returning. Resubmitting the same (tenant,
// idempotency key) pair returns the original execution without side effects.
// When admission succeeds but the run fails, the result still carries the
// execution ID alongside the error.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Submit", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("skill.key", req.SkillKey),
	))
	defer span.End()

	if req.TenantID == "" || req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: tenant_id and idempotency_key are required", contracts.ErrValidation)
	}

	reg, err := o.registry.Resolve(req.SkillKey, req.VersionConstraint)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if reg.Spec.Category == contracts.CategoryInternal && req.Executor.External {
		err := fmt.Errorf("skill %s: %w", reg.Spec.Key, contracts.ErrSkillCategoryForbidden)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := o.registry.ValidateInput(reg, req.Input); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Idempotency: the fast path checks first, the unique index settles races.
	if existing, err := o.executions.GetByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return o.duplicateResult(existing), nil
	}

	now := o.clock()
	exec := &contracts.Execution{
		ID:                uuid.New().String(),
		TenantID:          req.TenantID,
		IdempotencyKey:    req.IdempotencyKey,
		SkillKey:          reg.Spec.Key,
		SkillVersion:      reg.Spec.Version,
		Executor:          req.Executor,
		State:             contracts.StateCreated,
		StateChangedAt:    now,
		StateChangedBy:    req.Executor.ID,
		CreatedAt:         now,
		TraceID:           req.TraceID,
		ParentExecutionID: req.ParentExecutionID,
		Input:             req.Input,
	}
	if err := o.executions.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, contracts.ErrDuplicateIdempotencyKey) {
			existing, lookupErr := o.executions.GetByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
			if lookupErr != nil || existing == nil {
				return nil, err
			}
			return o.duplicateResult(existing), nil
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("execution.id", exec.ID))

	_ = o.audit.Record(ctx, exec.TenantID, req.Executor.ID, audit.EventIntake, "execution.submit", exec.ID, map[string]any{
		"skill_key":     exec.SkillKey,
		"skill_version": exec.SkillVersion,
	})

	if required, reason := o.gate.Required(&reg.Spec, req.Executor); required {
		if _, err := o.approvals.Request(ctx, exec, reason); err != nil {
			return nil, err
		}
		_ = o.audit.Record(ctx, exec.TenantID, req.Executor.ID, audit.EventGate, "execution.gated", exec.ID, map[string]any{
			"reason": reason,
		})
		return &SubmitResult{ExecutionID: exec.ID, Status: SubmitPendingApproval}, nil
	}

	if err := o.run(ctx, exec, reg); err != nil {
		return &SubmitResult{ExecutionID: exec.ID, Status: SubmitAccepted}, err
	}
	return &SubmitResult{ExecutionID: exec.ID, Status: SubmitAccepted}, nil
}

func (o *Orchestrator) duplicateResult(exec *contracts.Execution) *SubmitResult {
	status := SubmitAccepted
	if exec.State == contracts.StatePendingApproval {
		status = SubmitPendingApproval
	}
	return &SubmitResult{ExecutionID: exec.ID, Status: status, Duplicate: true}
}

// run takes a CREATED execution through reserve, execute, and settle.
func (o *Orchestrator) run(ctx context.Context, exec *contracts.Execution, reg *skills.Registration) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("execution.id", exec.ID),
	))
	defer span.End()

	scope := budget.Scope{
		TenantID: exec.TenantID,
		SkillKey: exec.SkillKey,
		UserID:   exec.Executor.LegalResponsibleUserID,
	}
	estimate := skills.EstimateCost(reg.Spec)

	res, err := o.ledger.Reserve(ctx, scope, exec.ID, estimate)
	if err != nil {
		if errors.Is(err, contracts.ErrBudgetExceeded) || errors.Is(err, contracts.ErrNoBudgetConfigured) {
			o.recordMeter(ctx, exec, metering.EventBudgetDenial, 1)
			_ = o.audit.Record(ctx, exec.TenantID, exec.Executor.ID, audit.EventBudget, "budget.denied", exec.ID, map[string]any{
				"estimate": estimate,
			})
			if _, tErr := o.machine.Transition(ctx, exec.ID, exec.State, contracts.StateFailed, "system:budget", func(e *contracts.Execution) {
				e.ResultStatus = contracts.ResultStatusError
				e.ErrorCode = contracts.ErrorCodeBudgetExceeded
				e.ErrorMessage = err.Error()
			}); tErr != nil {
				o.logger.Error("failed to fail execution after budget denial",
					slog.String("execution_id", exec.ID), slog.String("error", tErr.Error()))
			}
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	running, err := o.machine.Transition(ctx, exec.ID, exec.State, contracts.StateRunning, exec.Executor.ID, func(e *contracts.Execution) {
		e.BudgetReservationID = res.ID
		e.BudgetReservedAmount = res.Amount
	})
	if err != nil {
		// The reservation must not leak when the execution cannot start.
		if rErr := o.ledger.Release(ctx, res.ID); rErr != nil {
			o.logger.Error("failed to release reservation after start failure",
				slog.String("reservation_id", res.ID), slog.String("error", rErr.Error()))
		}
		return err
	}

	result, attempts, execErr := o.executeWithRetries(ctx, running, reg)
	if execErr != nil {
		return o.failRun(ctx, running, res, attempts, execErr)
	}
	return o.completeRun(ctx, running, reg, res, result)
}

// executeWithRetries runs the handler under the declared timeout, retrying
// failed attempts up to the declared budget with deterministic backoff.
func (o *Orchestrator) executeWithRetries(ctx context.Context, exec *contracts.Execution, reg *skills.Registration) (*skills.Result, int, error) {
	timeout := DefaultTimeout
	if reg.Spec.Safety.TimeoutSeconds > 0 {
		timeout = time.Duration(reg.Spec.Safety.TimeoutSeconds) * time.Second
	}
	policy := o.backoff
	if reg.Spec.Safety.RetryDelaySeconds > 0 {
		policy.BaseMs = int64(reg.Spec.Safety.RetryDelaySeconds) * 1000
	}
	attempts := reg.Spec.Safety.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			o.recordMeter(ctx, exec, metering.EventRetryAttempt, 1)
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(policy.Delay(exec.ID, attempt-1)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := reg.Handler.Execute(attemptCtx, exec.Input)
		cancel()
		if err == nil {
			return result, attempt + 1, nil
		}
		lastErr = err
		o.logger.Warn("handler attempt failed",
			slog.String("execution_id", exec.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return nil, attempts, lastErr
}

func (o *Orchestrator) failRun(ctx context.Context, exec *contracts.Execution, res *budget.Reservation, attempts int, execErr error) error {
	// The flag only reflects a release that actually happened; a failed
	// release leaves it unset so the reservation sweep can still reclaim it.
	released := true
	if err := o.ledger.Release(ctx, res.ID); err != nil {
		released = false
		o.logger.Error("failed to release reservation after handler failure",
			slog.String("reservation_id", res.ID), slog.String("error", err.Error()))
	}

	code := contracts.ErrorCodeHandlerFailed
	if errors.Is(execErr, context.DeadlineExceeded) {
		code = contracts.ErrorCodeExecutionTimeout
	}
	if _, err := o.machine.Transition(ctx, exec.ID, contracts.StateRunning, contracts.StateFailed, "system:executor", func(e *contracts.Execution) {
		e.BudgetReleased = released
		e.ResultStatus = contracts.ResultStatusError
		e.ErrorCode = code
		e.ErrorMessage = execErr.Error()
	}); err != nil {
		return err
	}

	_ = o.audit.Record(ctx, exec.TenantID, exec.Executor.ID, audit.EventOutcome, "execution.failed", exec.ID, map[string]any{
		"error_code": code,
		"attempts":   attempts,
	})
	return fmt.Errorf("execution %s failed: %w", exec.ID, execErr)
}

func (o *Orchestrator) completeRun(ctx context.Context, exec *contracts.Execution, reg *skills.Registration, res *budget.Reservation, result *skills.Result) error {
	actual := skills.SettleCost(reg.Spec, result)

	if actual > res.Amount {
		// The handler spent past its reservation. The whole reservation is
		// consumed (the spend happened) and the execution fails loudly
		// rather than completing with broken accounting.
		if err := o.ledger.Consume(ctx, res.ID, res.Amount); err != nil {
			o.logger.Error("failed to consume overconsumed reservation",
				slog.String("reservation_id", res.ID), slog.String("error", err.Error()))
		}
		if _, err := o.machine.Transition(ctx, exec.ID, contracts.StateRunning, contracts.StateFailed, "system:budget", func(e *contracts.Execution) {
			e.BudgetConsumedAmount = res.Amount
			e.ResultStatus = contracts.ResultStatusError
			e.ErrorCode = contracts.ErrorCodeOverconsumption
			e.ErrorMessage = fmt.Sprintf("actual cost %d exceeds reserved %d", actual, res.Amount)
		}); err != nil {
			return err
		}
		return fmt.Errorf("execution %s: actual %d > reserved %d: %w", exec.ID, actual, res.Amount, contracts.ErrOverconsumption)
	}

	if err := o.ledger.Consume(ctx, res.ID, actual); err != nil {
		return fmt.Errorf("execution %s: settle failed: %w", exec.ID, err)
	}

	if _, err := o.machine.Transition(ctx, exec.ID, contracts.StateRunning, contracts.StateCompleted, "system:executor", func(e *contracts.Execution) {
		e.BudgetConsumedAmount = actual
		e.ResultStatus = contracts.ResultStatusSuccess
		e.ResultSummary = result.Summary
	}); err != nil {
		return err
	}

	o.recordMeter(ctx, exec, metering.EventExecution, 1)
	o.recordMeter(ctx, exec, metering.EventSpendCents, actual)
	if result.InputTokens > 0 {
		o.recordMeter(ctx, exec, metering.EventInputToken, result.InputTokens)
	}
	if result.OutputTokens > 0 {
		o.recordMeter(ctx, exec, metering.EventOutputToken, result.OutputTokens)
	}
	_ = o.audit.Record(ctx, exec.TenantID, exec.Executor.ID, audit.EventOutcome, "execution.completed", exec.ID, map[string]any{
		"actual_cost": actual,
	})
	return nil
}

// Approve resolves a pending approval and resumes the execution through the
// same reserve-and-run path an ungated submission takes.
func (o *Orchestrator) Approve(ctx context.Context, approvalID, approverID, reason string) (*contracts.Execution, error) {
	exec, err := o.approvals.Approve(ctx, approvalID, approverID, reason)
	if err != nil {
		return nil, err
	}
	o.recordMeter(ctx, exec, metering.EventApproval, 1)
	_ = o.audit.Record(ctx, exec.TenantID, approverID, audit.EventApproval, "approval.granted", exec.ID, nil)

	// Exact version: the spec the approver saw is the spec that runs.
	reg, err := o.registry.Resolve(exec.SkillKey, exec.SkillVersion)
	if err != nil {
		return exec, err
	}
	runErr := o.run(ctx, exec, reg)
	latest, getErr := o.machine.Get(ctx, exec.ID)
	if getErr != nil {
		return exec, getErr
	}
	return latest, runErr
}

// Reject resolves a pending approval and fails the execution.
func (o *Orchestrator) Reject(ctx context.Context, approvalID, approverID, reason string) (*contracts.Execution, error) {
	exec, err := o.approvals.Reject(ctx, approvalID, approverID, reason)
	if err != nil {
		return nil, err
	}
	_ = o.audit.Record(ctx, exec.TenantID, approverID, audit.EventApproval, "approval.rejected", exec.ID, map[string]any{
		"reason": reason,
	})
	return exec, nil
}

// GetStatus returns the execution, its open approval if any, and its
// transition history.
func (o *Orchestrator) GetStatus(ctx context.Context, executionID string) (*Status, error) {
	exec, err := o.machine.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	pending, err := o.approvals.PendingForExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	history, err := o.machine.History(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Execution:       exec,
		PendingApproval: pending,
		History:         history,
	}, nil
}

// orphanGrace is how long a parked execution may sit without a pending
// approval request before the sweep treats it as orphaned. Parking and the
// request insert are two writes, so a freshly parked execution can briefly
// have no request.
const orphanGrace = time.Minute

// SweepExpiredApprovals fails every approval whose window elapsed, then
// reconciles parked executions left without a pending request. A crash
// between the park transition and the request insert leaves an execution no
// approver can see; without this pass it would stay PENDING_APPROVAL forever.
func (o *Orchestrator) SweepExpiredApprovals(ctx context.Context) (int, error) {
	expired, err := o.approvals.ExpireOverdue(ctx)
	if err != nil {
		return expired, err
	}

	cutoff := o.clock().Add(-orphanGrace)
	parked, err := o.executions.ListByStateOlderThan(ctx, contracts.StatePendingApproval, cutoff)
	if err != nil {
		return expired, err
	}
	for _, exec := range parked {
		pending, err := o.approvals.PendingForExecution(ctx, exec.ID)
		if err != nil {
			return expired, err
		}
		if pending != nil {
			continue
		}
		if _, err := o.machine.Transition(ctx, exec.ID, contracts.StatePendingApproval, contracts.StateFailed, "system:approval-sweep", func(e *contracts.Execution) {
			e.ResultStatus = contracts.ResultStatusError
			e.ErrorCode = contracts.ErrorCodeApprovalExpired
			e.ErrorMessage = "parked without a pending approval request"
		}); err != nil {
			if errors.Is(err, contracts.ErrStaleState) {
				continue
			}
			return expired, err
		}
		_ = o.audit.Record(ctx, exec.TenantID, "system:approval-sweep", audit.EventSystem, "execution.orphan_failed", exec.ID, nil)
		o.logger.Warn("failed orphaned parked execution",
			slog.String("execution_id", exec.ID))
		expired++
	}
	return expired, nil
}

// SweepStaleReservations reclaims reservations held longer than maxAge.
// Executions still RUNNING past the cutoff are failed with a timeout;
// reservations orphaned by crashed runs are released.
func (o *Orchestrator) SweepStaleReservations(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := o.clock().Add(-maxAge)
	stale, err := o.ledger.StaleReservations(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, res := range stale {
		exec, err := o.machine.Get(ctx, res.ExecutionID)
		if err != nil && !errors.Is(err, contracts.ErrNotFound) {
			return released, err
		}

		// Release first so the row never claims a release that did not happen.
		if err := o.ledger.Release(ctx, res.ID); err != nil {
			if errors.Is(err, budget.ErrNotReserved) {
				continue
			}
			return released, err
		}

		if exec != nil && exec.State == contracts.StateRunning {
			if _, err := o.machine.Transition(ctx, exec.ID, contracts.StateRunning, contracts.StateFailed, "system:reservation-sweep", func(e *contracts.Execution) {
				e.BudgetReleased = true
				e.ResultStatus = contracts.ResultStatusError
				e.ErrorCode = contracts.ErrorCodeExecutionTimeout
				e.ErrorMessage = "execution exceeded the reservation age limit"
			}); err != nil && !errors.Is(err, contracts.ErrStaleState) {
				return released, err
			}
		}
		if exec != nil {
			o.recordMeter(ctx, exec, metering.EventStaleRelease, 1)
		}
		o.logger.Warn("released stale reservation",
			slog.String("reservation_id", res.ID),
			slog.String("execution_id", res.ExecutionID))
		released++
	}
	return released, nil
}

func (o *Orchestrator) recordMeter(ctx context.Context, exec *contracts.Execution, eventType metering.EventType, qty int64) {
	err := o.meter.Record(ctx, metering.Event{
		TenantID:  exec.TenantID,
		SkillKey:  exec.SkillKey,
		EventType: eventType,
		Quantity:  qty,
		Timestamp: o.clock(),
		Metadata:  map[string]any{"execution_id": exec.ID},
	})
	if err != nil {
		o.logger.Error("failed to record usage",
			slog.String("execution_id", exec.ID),
			slog.String("event_type", string(eventType)),
			slog.String("error", err.Error()))
	}
}
