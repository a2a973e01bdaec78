// Package store provides persistence for executions and approval requests.
//
// The uniqueness constraint on (tenant_id, idempotency_key) and the
// compare-and-swap on execution state live here: they are correctness
// requirements of the intake guard and the state machine, not optimizations,
// so every backend must enforce them atomically.
package store

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
)

// ExecutionStore persists execution records.
type ExecutionStore interface {
	// CreateExecution inserts a new execution. Returns
	// contracts.ErrDuplicateIdempotencyKey when an execution with the same
	// (tenant_id, idempotency_key) already exists; the check and the insert
	// are one atomic operation.
	CreateExecution(ctx context.Context, exec *contracts.Execution) error

	// GetExecution returns the execution or contracts.ErrNotFound.
	GetExecution(ctx context.Context, id string) (*contracts.Execution, error)

	// GetByIdempotencyKey returns the execution for (tenantID, key), or
	// (nil, nil) when none exists.
	GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*contracts.Execution, error)

	// UpdateExecution persists exec if and only if the stored row is still in
	// expectState. Returns contracts.ErrStaleState otherwise.
	UpdateExecution(ctx context.Context, exec *contracts.Execution, expectState contracts.State) error

	// ListByStateOlderThan returns executions in state whose last state change
	// happened before cutoff. Used by the reservation-leak sweep.
	ListByStateOlderThan(ctx context.Context, state contracts.State, cutoff time.Time) ([]*contracts.Execution, error)
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	// CreateApproval inserts a pending approval request.
	CreateApproval(ctx context.Context, req *contracts.ApprovalRequest) error

	// GetApproval returns the request or contracts.ErrNotFound.
	GetApproval(ctx context.Context, id string) (*contracts.ApprovalRequest, error)

	// ResolveApproval flips the request out of pending atomically. Returns
	// contracts.ErrNotPending when it was already resolved, so two racing
	// resolutions cannot both succeed.
	ResolveApproval(ctx context.Context, id string, status contracts.ApprovalStatus, approverID, reason string, resolvedAt time.Time) error

	// PendingForExecution returns the pending request for an execution, or
	// (nil, nil) when there is none.
	PendingForExecution(ctx context.Context, executionID string) (*contracts.ApprovalRequest, error)

	// ListExpired returns pending requests with expires_at before now.
	ListExpired(ctx context.Context, now time.Time) ([]*contracts.ApprovalRequest, error)
}
