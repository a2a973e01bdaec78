package contracts

import "errors"

// Error taxonomy. Admission and gate errors surface synchronously before any
// state mutation; concurrency-guard errors mean the caller should re-fetch
// and decide, never blindly retry the same mutation.
var (
	// ErrSkillNotFound means the skill key (or version constraint) does not
	// resolve in the registry. Non-retryable.
	ErrSkillNotFound = errors.New("skill not found")

	// ErrSkillCategoryForbidden means an internal-category skill was requested
	// through the external API. Non-retryable.
	ErrSkillCategoryForbidden = errors.New("skill category forbidden for external callers")

	// ErrValidation means the input failed the skill's declared schema.
	ErrValidation = errors.New("input validation failed")

	// ErrBudgetExceeded means a hard-limit budget cannot fund the reservation.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrNoBudgetConfigured means no budget resolves for the scope chain.
	ErrNoBudgetConfigured = errors.New("no budget configured for scope")

	// ErrStaleState means the execution's current state no longer matches the
	// state the caller observed.
	ErrStaleState = errors.New("stale execution state")

	// ErrInvalidTransition means the requested transition is not in the
	// transition table, including any transition out of a terminal state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotPending means the approval request was already resolved.
	ErrNotPending = errors.New("approval request is not pending")

	// ErrOverconsumption means a handler reported an actual cost above its
	// reservation. This is an implementation bug and is never clamped.
	ErrOverconsumption = errors.New("actual cost exceeds reserved amount")

	// ErrDuplicateIdempotencyKey is returned by stores when an execution with
	// the same (tenant_id, idempotency_key) already exists. The intake guard
	// converts it into an idempotent return of the existing execution.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")

	// ErrContention is returned by budget storage when an atomic counter
	// update lost a race. The ledger retries a bounded number of times before
	// surfacing a budget error.
	ErrContention = errors.New("budget storage contention")

	// ErrNotFound is the generic lookup miss for stores.
	ErrNotFound = errors.New("not found")
)
