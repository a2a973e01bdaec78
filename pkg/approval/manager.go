package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
	"github.com/Mindburn-Labs/skillrun/pkg/lifecycle"
	"github.com/Mindburn-Labs/skillrun/pkg/store"
)

// DefaultWindow is how long a request waits for a decision before expiring.
const DefaultWindow = 24 * time.Hour

// Manager owns approval requests and the execution transitions they drive.
// Double resolution is rejected at the store with contracts.ErrNotPending,
// so exactly one decision wins a race.
type Manager struct {
	approvals store.ApprovalStore
	machine   *lifecycle.Machine
	window    time.Duration
	logger    *slog.Logger
	clock     func() time.Time
}

// NewManager creates a manager with the default decision window.
func NewManager(approvals store.ApprovalStore, machine *lifecycle.Machine) *Manager {
	return &Manager{
		approvals: approvals,
		machine:   machine,
		window:    DefaultWindow,
		logger:    slog.Default().With("component", "approval"),
		clock:     time.Now,
	}
}

// WithWindow overrides the decision window.
func (m *Manager) WithWindow(window time.Duration) *Manager {
	if window > 0 {
		m.window = window
	}
	return m
}

// WithLogger overrides the logger.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger.With("component", "approval")
	return m
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Request parks the execution pending a decision. The execution moves to
// PENDING_APPROVAL first so a crash between the two writes never leaves a
// decidable request on an execution that never parked. The inverse outcome,
// a parked execution with no request, is failed by the expiry sweep.
func (m *Manager) Request(ctx context.Context, exec *contracts.Execution, reason string) (*contracts.ApprovalRequest, error) {
	now := m.clock()
	req := &contracts.ApprovalRequest{
		ID:          uuid.New().String(),
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		Status:      contracts.ApprovalPending,
		Reason:      reason,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.window),
	}

	if _, err := m.machine.Transition(ctx, exec.ID, contracts.StateCreated, contracts.StatePendingApproval, exec.Executor.ID, nil); err != nil {
		return nil, err
	}
	if err := m.approvals.CreateApproval(ctx, req); err != nil {
		// Best effort: fail the parked execution now so it does not wait for
		// the sweep. If this write is lost too, the sweep reconciles it.
		if _, tErr := m.machine.Transition(ctx, exec.ID, contracts.StatePendingApproval, contracts.StateFailed, "system:approval", func(e *contracts.Execution) {
			e.ResultStatus = contracts.ResultStatusError
			e.ErrorCode = contracts.ErrorCodeApprovalExpired
			e.ErrorMessage = "approval request could not be created"
		}); tErr != nil {
			m.logger.Error("failed to fail execution after approval write failure",
				slog.String("execution_id", exec.ID), slog.String("error", tErr.Error()))
		}
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}

	m.logger.Info("approval requested",
		slog.String("approval_id", req.ID),
		slog.String("execution_id", exec.ID),
		slog.String("reason", reason))
	return req, nil
}

// Approve resolves the request and returns the execution to CREATED with the
// decision appended to its approval chain. The caller resumes the run.
func (m *Manager) Approve(ctx context.Context, approvalID, approverID, reason string) (*contracts.Execution, error) {
	req, err := m.approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	now := m.clock()
	if err := m.approvals.ResolveApproval(ctx, approvalID, contracts.ApprovalApproved, approverID, reason, now); err != nil {
		return nil, err
	}

	exec, err := m.machine.Transition(ctx, req.ExecutionID, contracts.StatePendingApproval, contracts.StateCreated, approverID, func(e *contracts.Execution) {
		e.ApprovalChain = append(e.ApprovalChain, contracts.ApprovalDecision{
			ApprovalID: approvalID,
			ApproverID: approverID,
			Decision:   string(contracts.ApprovalApproved),
			Reason:     reason,
			DecidedAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("approval granted",
		slog.String("approval_id", approvalID),
		slog.String("execution_id", req.ExecutionID),
		slog.String("approver_id", approverID))
	return exec, nil
}

// Reject resolves the request and fails the execution terminally.
func (m *Manager) Reject(ctx context.Context, approvalID, approverID, reason string) (*contracts.Execution, error) {
	req, err := m.approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	now := m.clock()
	if err := m.approvals.ResolveApproval(ctx, approvalID, contracts.ApprovalRejected, approverID, reason, now); err != nil {
		return nil, err
	}

	exec, err := m.machine.Transition(ctx, req.ExecutionID, contracts.StatePendingApproval, contracts.StateFailed, approverID, func(e *contracts.Execution) {
		e.ApprovalChain = append(e.ApprovalChain, contracts.ApprovalDecision{
			ApprovalID: approvalID,
			ApproverID: approverID,
			Decision:   string(contracts.ApprovalRejected),
			Reason:     reason,
			DecidedAt:  now,
		})
		e.ResultStatus = contracts.ResultStatusError
		e.ErrorCode = contracts.ErrorCodeApprovalRejected
		e.ErrorMessage = reason
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("approval rejected",
		slog.String("approval_id", approvalID),
		slog.String("execution_id", req.ExecutionID),
		slog.String("approver_id", approverID))
	return exec, nil
}

// Get returns an approval request by ID.
func (m *Manager) Get(ctx context.Context, approvalID string) (*contracts.ApprovalRequest, error) {
	return m.approvals.GetApproval(ctx, approvalID)
}

// PendingForExecution returns the open request for an execution, or nil.
func (m *Manager) PendingForExecution(ctx context.Context, executionID string) (*contracts.ApprovalRequest, error) {
	return m.approvals.PendingForExecution(ctx, executionID)
}

// ExpireOverdue fails every request whose window has elapsed and returns the
// number expired. A request resolved concurrently loses the race at the
// store and is skipped.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	now := m.clock()
	overdue, err := m.approvals.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range overdue {
		if err := m.approvals.ResolveApproval(ctx, req.ID, contracts.ApprovalExpired, "", "approval window elapsed", now); err != nil {
			if errors.Is(err, contracts.ErrNotPending) {
				continue
			}
			return expired, err
		}

		_, err := m.machine.Transition(ctx, req.ExecutionID, contracts.StatePendingApproval, contracts.StateFailed, "system:approval-sweep", func(e *contracts.Execution) {
			e.ResultStatus = contracts.ResultStatusError
			e.ErrorCode = contracts.ErrorCodeApprovalExpired
			e.ErrorMessage = "approval request expired before a decision"
		})
		if err != nil && !errors.Is(err, contracts.ErrStaleState) {
			return expired, err
		}

		m.logger.Warn("approval expired",
			slog.String("approval_id", req.ID),
			slog.String("execution_id", req.ExecutionID))
		expired++
	}
	return expired, nil
}
