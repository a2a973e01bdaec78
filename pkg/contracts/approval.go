package contracts

import "time"

// ApprovalStatus is the lifecycle status of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is one pending human decision tied to an Execution.
// At most one pending request exists per execution at a time.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	ExecutionID string         `json:"execution_id"`
	Status      ApprovalStatus `json:"status"`
	ApproverID  string         `json:"approver_id,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// Pending reports whether the request is still awaiting a decision.
func (a *ApprovalRequest) Pending() bool {
	return a.Status == ApprovalPending
}
