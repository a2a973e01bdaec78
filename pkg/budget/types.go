// Package budget provides the budget reservation ledger with fail-closed
// behavior. Funds are reserved before a skill runs and reconciled (consumed
// or released) after; the shared counters on a Budget row are mutated only
// through the ledger's atomic operations.
package budget

import (
	"errors"
	"time"
)

var (
	// ErrNotReserved is returned when consume/release is attempted on a
	// reservation that is not in `reserved` status. A reservation settles
	// exactly once.
	ErrNotReserved = errors.New("budget: reservation is not in reserved status")

	// ErrBudgetNotFound is returned for lookups of unknown budget IDs.
	ErrBudgetNotFound = errors.New("budget: budget not found")

	// ErrReservationNotFound is returned for lookups of unknown reservations.
	ErrReservationNotFound = errors.New("budget: reservation not found")
)

// Scope identifies the spend envelope chain for one execution.
// Resolution picks the most specific active budget: user, then skill,
// then tenant.
type Scope struct {
	TenantID string
	SkillKey string
	UserID   string
}

// Budget is a spend envelope for a period, in integer cents.
// Invariant for hard-limited budgets: reserved + used <= limit at every
// observed instant. Soft budgets may exceed the limit, but every violation
// is recorded as an adjust transaction.
type Budget struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	SkillKey string `json:"skill_key,omitempty"` // empty = not skill-scoped
	UserID   string `json:"user_id,omitempty"`   // empty = not user-scoped

	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	LimitAmount    int64 `json:"limit_amount"`
	UsedAmount     int64 `json:"used_amount"`
	ReservedAmount int64 `json:"reserved_amount"`
	IsHardLimit    bool  `json:"is_hard_limit"`

	LastUpdated time.Time `json:"last_updated"`
}

// Available returns the headroom left for new reservations.
func (b *Budget) Available() int64 {
	avail := b.LimitAmount - b.UsedAmount - b.ReservedAmount
	if avail < 0 {
		return 0
	}
	return avail
}

// ActiveAt reports whether the budget period covers t.
func (b *Budget) ActiveAt(t time.Time) bool {
	return !t.Before(b.PeriodStart) && t.Before(b.PeriodEnd)
}

// Matches reports whether the budget applies to the scope at all.
func (b *Budget) Matches(scope Scope) bool {
	if b.TenantID != scope.TenantID {
		return false
	}
	if b.UserID != "" && b.UserID != scope.UserID {
		return false
	}
	if b.SkillKey != "" && b.SkillKey != scope.SkillKey {
		return false
	}
	return true
}

// specificity orders matching budgets: user-scoped beats skill-scoped beats
// tenant-wide.
func (b *Budget) specificity() int {
	s := 0
	if b.UserID != "" {
		s += 2
	}
	if b.SkillKey != "" {
		s++
	}
	return s
}

// ReservationStatus is the lifecycle status of a reservation.
type ReservationStatus string

const (
	StatusReserved ReservationStatus = "reserved"
	StatusConsumed ReservationStatus = "consumed"
	StatusReleased ReservationStatus = "released"
)

// Reservation is one claim against a budget for one execution.
// It transitions from reserved to exactly one of consumed or released.
type Reservation struct {
	ID           string            `json:"id"`
	BudgetID     string            `json:"budget_id"`
	ExecutionID  string            `json:"execution_id"`
	Amount       int64             `json:"amount"`
	ActualAmount int64             `json:"actual_amount,omitempty"`
	Status       ReservationStatus `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
}

// TransactionType categorizes ledger entries.
type TransactionType string

const (
	TxnReserve TransactionType = "reserve"
	TxnConsume TransactionType = "consume"
	TxnRelease TransactionType = "release"
	TxnAdjust  TransactionType = "adjust"
)

// Transaction is an immutable ledger entry. ReservedDelta and UsedDelta make
// the counters independently reconstructable from the trail alone.
type Transaction struct {
	ID            string          `json:"id"`
	BudgetID      string          `json:"budget_id"`
	ExecutionID   string          `json:"execution_id,omitempty"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"`
	ReservedDelta int64           `json:"reserved_delta"`
	UsedDelta     int64           `json:"used_delta"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
