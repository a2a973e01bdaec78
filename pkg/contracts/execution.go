// Package contracts defines the shared wire types for the skill execution
// orchestrator: executions, skill specs, approval requests, and the error
// taxonomy every component speaks.
package contracts

import "time"

// State is the lifecycle state of an Execution.
//
// The transition table lives in pkg/lifecycle; this type is a closed enum so
// illegal states cannot be constructed from arbitrary strings at the
// boundaries that matter.
type State string

const (
	StateCreated         State = "CREATED"
	StatePendingApproval State = "PENDING_APPROVAL"
	StateRunning         State = "RUNNING"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
)

// Terminal reports whether no further transition is permitted out of s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ExecutorType identifies the kind of actor that requested an execution.
type ExecutorType string

const (
	ExecutorUser   ExecutorType = "user"
	ExecutorAgent  ExecutorType = "agent"
	ExecutorSystem ExecutorType = "system"
)

// ExecutorInfo describes the actor behind an execution request.
// LegalResponsibleUserID is always a human, regardless of executor type.
type ExecutorInfo struct {
	Type                   ExecutorType `json:"type"`
	ID                     string       `json:"id"`
	LegalResponsibleUserID string       `json:"legal_responsible_user_id"`
	// ResponsibilityLevel is the caller's asserted tier. Lower is more
	// privileged: level 1 actors are fully human-vetted.
	ResponsibilityLevel int `json:"responsibility_level"`
	// External is true when the request arrived through the external API
	// rather than an internal system process.
	External bool `json:"external,omitempty"`
}

// ApprovalDecision is one resolved entry in an execution's approval chain.
type ApprovalDecision struct {
	ApprovalID string    `json:"approval_id"`
	ApproverID string    `json:"approver_id"`
	Decision   string    `json:"decision"` // "approved" or "rejected"
	Reason     string    `json:"reason,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Execution is one request to run one skill version.
type Execution struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	IdempotencyKey string `json:"idempotency_key"`

	SkillKey     string `json:"skill_key"`
	SkillVersion string `json:"skill_version"`

	Executor      ExecutorInfo       `json:"executor"`
	ApprovalChain []ApprovalDecision `json:"approval_chain,omitempty"`

	State          State     `json:"state"`
	PreviousState  State     `json:"previous_state,omitempty"`
	StateChangedAt time.Time `json:"state_changed_at"`
	StateChangedBy string    `json:"state_changed_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	BudgetReservationID  string `json:"budget_reservation_id,omitempty"`
	BudgetReservedAmount int64  `json:"budget_reserved_amount"`
	BudgetConsumedAmount int64  `json:"budget_consumed_amount"`
	BudgetReleased       bool   `json:"budget_released"`

	ResultStatus  string `json:"result_status,omitempty"`
	ResultSummary string `json:"result_summary,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`

	TraceID           string `json:"trace_id,omitempty"`
	ParentExecutionID string `json:"parent_execution_id,omitempty"`

	Input map[string]any `json:"input,omitempty"`
}

// Error codes recorded on terminal FAILED executions.
const (
	ErrorCodeApprovalRejected = "APPROVAL_REJECTED"
	ErrorCodeApprovalExpired  = "APPROVAL_EXPIRED"
	ErrorCodeBudgetExceeded   = "BUDGET_EXCEEDED"
	ErrorCodeHandlerFailed    = "HANDLER_FAILED"
	ErrorCodeExecutionTimeout = "EXECUTION_TIMEOUT"
	ErrorCodeOverconsumption  = "OVERCONSUMPTION"
)

// Result statuses recorded on terminal executions.
const (
	ResultStatusSuccess = "SUCCESS"
	ResultStatusError   = "ERROR"
)
