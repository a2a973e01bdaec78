package store

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
)

// MemoryStore implements ExecutionStore and ApprovalStore in memory.
// Thread-safe via a single mutex; values are copied on the way in and out.
type MemoryStore struct {
	mu         sync.Mutex
	executions map[string]*contracts.Execution
	byKey      map[string]string // tenant_id + "\x00" + idempotency_key -> execution id
	approvals  map[string]*contracts.ApprovalRequest
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*contracts.Execution),
		byKey:      make(map[string]string),
		approvals:  make(map[string]*contracts.ApprovalRequest),
	}
}

func keyIndex(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *contracts.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := keyIndex(exec.TenantID, exec.IdempotencyKey)
	if _, exists := s.byKey[idx]; exists {
		return contracts.ErrDuplicateIdempotencyKey
	}
	val := cloneExecution(exec)
	s.executions[exec.ID] = val
	s.byKey[idx] = exec.ID
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*contracts.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return cloneExecution(e), nil
}

func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*contracts.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[keyIndex(tenantID, key)]
	if !ok {
		return nil, nil
	}
	return cloneExecution(s.executions[id]), nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *contracts.Execution, expectState contracts.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.executions[exec.ID]
	if !ok {
		return contracts.ErrNotFound
	}
	if current.State != expectState {
		return contracts.ErrStaleState
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *MemoryStore) ListByStateOlderThan(ctx context.Context, state contracts.State, cutoff time.Time) ([]*contracts.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*contracts.Execution
	for _, e := range s.executions {
		if e.State == state && e.StateChangedAt.Before(cutoff) {
			out = append(out, cloneExecution(e))
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateApproval(ctx context.Context, req *contracts.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := *req
	s.approvals[req.ID] = &val
	return nil
}

func (s *MemoryStore) GetApproval(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	val := *a
	return &val, nil
}

func (s *MemoryStore) ResolveApproval(ctx context.Context, id string, status contracts.ApprovalStatus, approverID, reason string, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return contracts.ErrNotFound
	}
	if a.Status != contracts.ApprovalPending {
		return contracts.ErrNotPending
	}
	a.Status = status
	a.ApproverID = approverID
	a.Reason = reason
	t := resolvedAt
	a.ResolvedAt = &t
	return nil
}

func (s *MemoryStore) PendingForExecution(ctx context.Context, executionID string) (*contracts.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.approvals {
		if a.ExecutionID == executionID && a.Status == contracts.ApprovalPending {
			val := *a
			return &val, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*contracts.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*contracts.ApprovalRequest
	for _, a := range s.approvals {
		if a.Status == contracts.ApprovalPending && a.ExpiresAt.Before(now) {
			val := *a
			out = append(out, &val)
		}
	}
	return out, nil
}

func cloneExecution(e *contracts.Execution) *contracts.Execution {
	val := *e
	if e.ApprovalChain != nil {
		val.ApprovalChain = append([]contracts.ApprovalDecision(nil), e.ApprovalChain...)
	}
	if e.Input != nil {
		val.Input = make(map[string]any, len(e.Input))
		for k, v := range e.Input {
			val.Input[k] = v
		}
	}
	return &val
}
