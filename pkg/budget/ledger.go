package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
)

// Ledger owns the reserve/consume/release lifecycle. All mutations of budget
// counters go through it; direct field writes from other components are
// forbidden by design.
type Ledger struct {
	storage     Storage
	logger      *slog.Logger
	clock       func() time.Time
	maxAttempts int // bounded transparent retry on storage contention
}

// NewLedger creates a ledger over the given storage.
func NewLedger(storage Storage) *Ledger {
	return &Ledger{
		storage:     storage,
		logger:      slog.Default().With("component", "budget"),
		clock:       time.Now,
		maxAttempts: 3,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithLogger overrides the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger.With("component", "budget")
	return l
}

// WithMaxAttempts bounds the transparent contention retry.
func (l *Ledger) WithMaxAttempts(n int) *Ledger {
	if n > 0 {
		l.maxAttempts = n
	}
	return l
}

// Reserve resolves the scope chain and atomically claims amount against the
// most specific active budget.
//
// Hard-limit budgets fail with contracts.ErrBudgetExceeded when the claim
// would cross the limit; the execution must not proceed. Soft-limit budgets
// never block, but a crossing is recorded as an adjust transaction.
func (l *Ledger) Reserve(ctx context.Context, scope Scope, executionID string, amount int64) (*Reservation, error) {
	if amount < 0 {
		return nil, fmt.Errorf("budget: negative reservation amount %d", amount)
	}
	now := l.clock()

	b, err := l.storage.Resolve(ctx, scope, now)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("tenant %s: %w", scope.TenantID, contracts.ErrNoBudgetConfigured)
	}

	res := &Reservation{
		ID:          uuid.New().String(),
		BudgetID:    b.ID,
		ExecutionID: executionID,
		Amount:      amount,
		Status:      StatusReserved,
		CreatedAt:   now,
	}
	txn := &Transaction{
		ID:            uuid.New().String(),
		BudgetID:      b.ID,
		ExecutionID:   executionID,
		Type:          TxnReserve,
		Amount:        amount,
		ReservedDelta: amount,
		Description:   fmt.Sprintf("reserve %d for execution %s", amount, executionID),
		CreatedAt:     now,
	}

	updated, err := l.withRetry(ctx, func() (*Budget, error) {
		return l.storage.Reserve(ctx, b.ID, res, txn)
	})
	if err != nil {
		if errors.Is(err, contracts.ErrBudgetExceeded) {
			l.logger.Warn("reservation denied",
				slog.String("budget_id", b.ID),
				slog.String("execution_id", executionID),
				slog.Int64("amount", amount))
		}
		return nil, err
	}

	if !updated.IsHardLimit && updated.ReservedAmount+updated.UsedAmount > updated.LimitAmount {
		// Advisory budgets never block, but every crossing is on the record.
		warn := &Transaction{
			ID:          uuid.New().String(),
			BudgetID:    updated.ID,
			ExecutionID: executionID,
			Type:        TxnAdjust,
			Amount:      updated.ReservedAmount + updated.UsedAmount - updated.LimitAmount,
			Description: "soft limit exceeded",
			CreatedAt:   now,
		}
		if err := l.storage.AppendTransaction(ctx, warn); err != nil {
			l.logger.Error("failed to record soft-limit violation", slog.String("budget_id", updated.ID), slog.String("error", err.Error()))
		}
		l.logger.Warn("soft budget limit exceeded",
			slog.String("budget_id", updated.ID),
			slog.Int64("over_by", warn.Amount))
	}
	return res, nil
}

// Consume settles a reservation with the actual cost. Valid only from
// `reserved` status. actualAmount above the reservation is an implementation
// bug and fails with contracts.ErrOverconsumption, never clamped.
func (l *Ledger) Consume(ctx context.Context, reservationID string, actualAmount int64) error {
	if actualAmount < 0 {
		return fmt.Errorf("budget: negative actual amount %d", actualAmount)
	}
	res, err := l.storage.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if actualAmount > res.Amount {
		return fmt.Errorf("actual %d > reserved %d: %w", actualAmount, res.Amount, contracts.ErrOverconsumption)
	}

	now := l.clock()
	txn := &Transaction{
		ID:            uuid.New().String(),
		BudgetID:      res.BudgetID,
		ExecutionID:   res.ExecutionID,
		Type:          TxnConsume,
		Amount:        actualAmount,
		ReservedDelta: -res.Amount,
		UsedDelta:     actualAmount,
		Description:   fmt.Sprintf("consume %d of %d reserved", actualAmount, res.Amount),
		CreatedAt:     now,
	}
	_, err = l.withRetry(ctx, func() (*Budget, error) {
		return l.storage.Settle(ctx, reservationID, StatusConsumed, actualAmount, now, txn)
	})
	return err
}

// Release returns a reservation's full amount to the pool. Valid only from
// `reserved` status. Used for rejected approvals, handler failures before any
// spend, and timeout sweeps.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	res, err := l.storage.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	now := l.clock()
	txn := &Transaction{
		ID:            uuid.New().String(),
		BudgetID:      res.BudgetID,
		ExecutionID:   res.ExecutionID,
		Type:          TxnRelease,
		Amount:        res.Amount,
		ReservedDelta: -res.Amount,
		Description:   fmt.Sprintf("release %d reserved", res.Amount),
		CreatedAt:     now,
	}
	_, err = l.withRetry(ctx, func() (*Budget, error) {
		return l.storage.Settle(ctx, reservationID, StatusReleased, 0, now, txn)
	})
	return err
}

// GetReservation returns a reservation by ID.
func (l *Ledger) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	return l.storage.GetReservation(ctx, reservationID)
}

// StaleReservations returns reservations still outstanding past cutoff.
func (l *Ledger) StaleReservations(ctx context.Context, cutoff time.Time) ([]*Reservation, error) {
	return l.storage.ListReservedOlderThan(ctx, cutoff)
}

// Reconstruct recomputes (used, reserved) for a budget purely from its
// transaction trail, for audit against the live counters.
func (l *Ledger) Reconstruct(ctx context.Context, budgetID string) (used, reserved int64, err error) {
	txns, err := l.storage.Transactions(ctx, budgetID)
	if err != nil {
		return 0, 0, err
	}
	for _, t := range txns {
		reserved += t.ReservedDelta
		used += t.UsedDelta
	}
	return used, reserved, nil
}

// withRetry retries fn on transient storage contention. A contention failure
// must never silently drop a reservation, so exhaustion surfaces the last
// error rather than swallowing it.
func (l *Ledger) withRetry(ctx context.Context, fn func() (*Budget, error)) (*Budget, error) {
	var lastErr error
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		b, err := fn()
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, contracts.ErrContention) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("budget: storage contention not resolved after %d attempts: %w", l.maxAttempts, lastErr)
}
