package budget

import (
	"context"
	"time"
)

// Storage handles persistence of budgets, reservations, and transactions.
//
// Reserve and Settle are the serialization boundary for the shared counters:
// each call is one atomic unit, and no caller may observe an intermediate
// state. Backends signal a lost optimistic race with contracts.ErrContention;
// the ledger retries those a bounded number of times.
type Storage interface {
	// Create inserts a new budget envelope.
	Create(ctx context.Context, b *Budget) error

	// Get returns a budget by ID, or ErrBudgetNotFound.
	Get(ctx context.Context, budgetID string) (*Budget, error)

	// Resolve returns the most specific budget active at now for the scope
	// chain (user > skill > tenant), or (nil, nil) when none applies.
	Resolve(ctx context.Context, scope Scope, now time.Time) (*Budget, error)

	// Reserve atomically checks the hard limit, increments reserved_amount,
	// and persists the reservation row plus its transaction. Returns
	// contracts.ErrBudgetExceeded (counters untouched) when a hard limit
	// would be crossed. Returns the updated budget.
	Reserve(ctx context.Context, budgetID string, res *Reservation, txn *Transaction) (*Budget, error)

	// Settle atomically moves a reservation out of `reserved`: decrements
	// reserved_amount by the original amount, increments used_amount by
	// actualAmount, updates the reservation row, and appends the transaction.
	// Returns ErrNotReserved when the reservation was already settled.
	Settle(ctx context.Context, reservationID string, status ReservationStatus, actualAmount int64, resolvedAt time.Time, txn *Transaction) (*Budget, error)

	// GetReservation returns a reservation by ID, or ErrReservationNotFound.
	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)

	// ListReservedOlderThan returns reservations still in `reserved` status
	// created before cutoff. Input to the leak sweep.
	ListReservedOlderThan(ctx context.Context, cutoff time.Time) ([]*Reservation, error)

	// Transactions returns the ledger trail for a budget, in append order.
	Transactions(ctx context.Context, budgetID string) ([]*Transaction, error)

	// AppendTransaction records a standalone entry (soft-limit warnings).
	AppendTransaction(ctx context.Context, txn *Transaction) error
}
