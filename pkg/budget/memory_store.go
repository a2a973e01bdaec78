package budget

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
)

// MemoryStorage implements Storage in memory. A single mutex serializes
// Reserve/Settle, which gives the atomicity the interface demands.
type MemoryStorage struct {
	mu           sync.Mutex
	budgets      map[string]*Budget
	reservations map[string]*Reservation
	transactions map[string][]*Transaction // budget_id -> trail
}

// NewMemoryStorage creates an empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		budgets:      make(map[string]*Budget),
		reservations: make(map[string]*Reservation),
		transactions: make(map[string][]*Transaction),
	}
}

func (s *MemoryStorage) Create(ctx context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *b
	s.budgets[b.ID] = &val
	return nil
}

func (s *MemoryStorage) Get(ctx context.Context, budgetID string) (*Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[budgetID]
	if !ok {
		return nil, ErrBudgetNotFound
	}
	val := *b
	return &val, nil
}

func (s *MemoryStorage) Resolve(ctx context.Context, scope Scope, now time.Time) (*Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Budget
	for _, b := range s.budgets {
		if !b.Matches(scope) || !b.ActiveAt(now) {
			continue
		}
		if best == nil || b.specificity() > best.specificity() {
			best = b
		}
	}
	if best == nil {
		return nil, nil
	}
	val := *best
	return &val, nil
}

func (s *MemoryStorage) Reserve(ctx context.Context, budgetID string, res *Reservation, txn *Transaction) (*Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.budgets[budgetID]
	if !ok {
		return nil, ErrBudgetNotFound
	}
	if b.IsHardLimit && b.ReservedAmount+b.UsedAmount+res.Amount > b.LimitAmount {
		return nil, contracts.ErrBudgetExceeded
	}

	b.ReservedAmount += res.Amount
	b.LastUpdated = res.CreatedAt

	resVal := *res
	s.reservations[res.ID] = &resVal
	txnVal := *txn
	s.transactions[budgetID] = append(s.transactions[budgetID], &txnVal)

	val := *b
	return &val, nil
}

func (s *MemoryStorage) Settle(ctx context.Context, reservationID string, status ReservationStatus, actualAmount int64, resolvedAt time.Time, txn *Transaction) (*Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if res.Status != StatusReserved {
		return nil, ErrNotReserved
	}
	b, ok := s.budgets[res.BudgetID]
	if !ok {
		return nil, ErrBudgetNotFound
	}

	b.ReservedAmount -= res.Amount
	b.UsedAmount += actualAmount
	b.LastUpdated = resolvedAt

	res.Status = status
	res.ActualAmount = actualAmount
	t := resolvedAt
	res.ResolvedAt = &t

	txnVal := *txn
	s.transactions[res.BudgetID] = append(s.transactions[res.BudgetID], &txnVal)

	val := *b
	return &val, nil
}

func (s *MemoryStorage) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[reservationID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	val := *res
	return &val, nil
}

func (s *MemoryStorage) ListReservedOlderThan(ctx context.Context, cutoff time.Time) ([]*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Reservation
	for _, res := range s.reservations {
		if res.Status == StatusReserved && res.CreatedAt.Before(cutoff) {
			val := *res
			out = append(out, &val)
		}
	}
	return out, nil
}

func (s *MemoryStorage) Transactions(ctx context.Context, budgetID string) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trail := s.transactions[budgetID]
	out := make([]*Transaction, len(trail))
	for i, t := range trail {
		val := *t
		out[i] = &val
	}
	return out, nil
}

func (s *MemoryStorage) AppendTransaction(ctx context.Context, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *txn
	s.transactions[txn.BudgetID] = append(s.transactions[txn.BudgetID], &val)
	return nil
}
