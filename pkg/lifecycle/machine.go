// Package lifecycle implements the execution state machine.
//
// The transition table is the single source of truth for which lifecycle
// moves are legal. Every transition validates the caller's observed state
// against the stored row (optimistic concurrency), stamps the bookkeeping
// fields, and appends exactly one state-log entry.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
	"github.com/Mindburn-Labs/skillrun/pkg/statelog"
	"github.com/Mindburn-Labs/skillrun/pkg/store"
)

// transitions maps each state to the states reachable from it.
// Terminal states have no successors.
var transitions = map[contracts.State][]contracts.State{
	contracts.StateCreated:         {contracts.StatePendingApproval, contracts.StateRunning, contracts.StateFailed},
	contracts.StatePendingApproval: {contracts.StateCreated, contracts.StateRunning, contracts.StateFailed},
	contracts.StateRunning:         {contracts.StateCompleted, contracts.StateFailed},
	contracts.StateCompleted:       {},
	contracts.StateFailed:          {},
}

// Allowed reports whether from -> to is in the transition table.
func Allowed(from, to contracts.State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine drives execution lifecycle transitions.
type Machine struct {
	executions store.ExecutionStore
	log        statelog.Store
	clock      func() time.Time
}

// NewMachine creates a state machine over the given store and state log.
func NewMachine(executions store.ExecutionStore, log statelog.Store) *Machine {
	return &Machine{
		executions: executions,
		log:        log,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// Transition moves execution id from `from` to `to` as one operation:
// it rejects stale observations, stamps previous_state/state_changed_*,
// applies the optional mutate hook to the row, persists with a
// compare-and-swap on the source state, and appends one state-log entry.
//
// Returns contracts.ErrInvalidTransition for moves outside the table
// (including anything out of a terminal state) and contracts.ErrStaleState
// when the stored state no longer matches `from`.
func (m *Machine) Transition(ctx context.Context, id string, from, to contracts.State, actorID string, mutate func(*contracts.Execution)) (*contracts.Execution, error) {
	if !Allowed(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, contracts.ErrInvalidTransition)
	}

	exec, err := m.executions.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.State != from {
		if exec.State.Terminal() {
			return nil, fmt.Errorf("%s is terminal: %w", exec.State, contracts.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("expected %s, found %s: %w", from, exec.State, contracts.ErrStaleState)
	}

	now := m.clock()
	exec.PreviousState = from
	exec.State = to
	exec.StateChangedAt = now
	exec.StateChangedBy = actorID
	switch to {
	case contracts.StateRunning:
		if exec.StartedAt == nil {
			t := now
			exec.StartedAt = &t
		}
	case contracts.StateCompleted, contracts.StateFailed:
		t := now
		exec.CompletedAt = &t
	}
	if mutate != nil {
		mutate(exec)
	}

	if err := m.executions.UpdateExecution(ctx, exec, from); err != nil {
		return nil, err
	}

	meta := map[string]any{"tenant_id": exec.TenantID}
	if exec.ErrorCode != "" && to == contracts.StateFailed {
		meta["error_code"] = exec.ErrorCode
	}
	if _, err := m.log.Append(ctx, exec.ID, from, to, actorID, meta); err != nil {
		return nil, fmt.Errorf("state change persisted but log append failed: %w", err)
	}
	return exec, nil
}

// Get returns the current execution row.
func (m *Machine) Get(ctx context.Context, id string) (*contracts.Execution, error) {
	return m.executions.GetExecution(ctx, id)
}

// History returns the transition history of an execution.
func (m *Machine) History(ctx context.Context, id string) ([]statelog.Entry, error) {
	return m.log.ForExecution(ctx, id)
}
