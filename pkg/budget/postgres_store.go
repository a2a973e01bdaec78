package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
)

// PostgresStorage implements Storage using PostgreSQL.
//
// The hard-limit check rides on a guarded UPDATE: the WHERE clause rejects
// reservations that would cross the limit, so the check and the increment are
// one statement and concurrent reservations serialize on the row.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage wraps an open database handle.
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

const budgetColumns = `id, tenant_id, skill_key, user_id, period_start, period_end,
	limit_amount, used_amount, reserved_amount, is_hard_limit, last_updated`

func (s *PostgresStorage) Create(ctx context.Context, b *Budget) error {
	query := `
		INSERT INTO budgets (` + budgetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.TenantID, b.SkillKey, b.UserID, b.PeriodStart, b.PeriodEnd,
		b.LimitAmount, b.UsedAmount, b.ReservedAmount, b.IsHardLimit, b.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to create budget: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Get(ctx context.Context, budgetID string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE id = $1`, budgetID)
	return scanBudget(row)
}

func (s *PostgresStorage) Resolve(ctx context.Context, scope Scope, now time.Time) (*Budget, error) {
	// Most specific active budget wins: user-scoped, then skill-scoped, then
	// tenant-wide. Empty skill_key/user_id columns mean "not scoped".
	query := `
		SELECT ` + budgetColumns + ` FROM budgets
		WHERE tenant_id = $1
		  AND period_start <= $4 AND period_end > $4
		  AND (user_id = '' OR user_id = $3)
		  AND (skill_key = '' OR skill_key = $2)
		ORDER BY (user_id <> '') DESC, (skill_key <> '') DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, scope.TenantID, scope.SkillKey, scope.UserID, now)
	b, err := scanBudget(row)
	if err == ErrBudgetNotFound {
		return nil, nil
	}
	return b, err
}

func (s *PostgresStorage) Reserve(ctx context.Context, budgetID string, res *Reservation, txn *Transaction) (*Budget, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE budgets
		SET reserved_amount = reserved_amount + $1, last_updated = $2
		WHERE id = $3
		  AND (NOT is_hard_limit OR reserved_amount + used_amount + $1 <= limit_amount)
	`, res.Amount, res.CreatedAt, budgetID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM budgets WHERE id = $1)`, budgetID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrBudgetNotFound
		}
		return nil, contracts.ErrBudgetExceeded
	}

	if err := insertReservation(ctx, tx, res); err != nil {
		return nil, err
	}
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}

	b, err := scanBudget(tx.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE id = $1`, budgetID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reserve: %w", err)
	}
	return b, nil
}

func (s *PostgresStorage) Settle(ctx context.Context, reservationID string, status ReservationStatus, actualAmount int64, resolvedAt time.Time, txn *Transaction) (*Budget, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin settle: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the reservation row so two racing settlements serialize here.
	row := tx.QueryRowContext(ctx, `
		SELECT id, budget_id, execution_id, amount, actual_amount, status, created_at, resolved_at
		FROM budget_reservations WHERE id = $1 FOR UPDATE
	`, reservationID)
	res, err := scanReservation(row)
	if err != nil {
		return nil, err
	}
	if res.Status != StatusReserved {
		return nil, ErrNotReserved
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE budget_reservations
		SET status = $1, actual_amount = $2, resolved_at = $3
		WHERE id = $4
	`, string(status), actualAmount, resolvedAt, reservationID); err != nil {
		return nil, fmt.Errorf("failed to settle reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE budgets
		SET reserved_amount = reserved_amount - $1, used_amount = used_amount + $2, last_updated = $3
		WHERE id = $4
	`, res.Amount, actualAmount, resolvedAt, res.BudgetID); err != nil {
		return nil, fmt.Errorf("failed to settle budget counters: %w", err)
	}

	if err := insertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}

	b, err := scanBudget(tx.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE id = $1`, res.BudgetID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit settle: %w", err)
	}
	return b, nil
}

func (s *PostgresStorage) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, budget_id, execution_id, amount, actual_amount, status, created_at, resolved_at
		FROM budget_reservations WHERE id = $1
	`, reservationID)
	return scanReservation(row)
}

func (s *PostgresStorage) ListReservedOlderThan(ctx context.Context, cutoff time.Time) ([]*Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, budget_id, execution_id, amount, actual_amount, status, created_at, resolved_at
		FROM budget_reservations WHERE status = 'reserved' AND created_at < $1
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) Transactions(ctx context.Context, budgetID string) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, budget_id, execution_id, type, amount, reserved_delta, used_delta, description, created_at
		FROM budget_transactions WHERE budget_id = $1 ORDER BY created_at, id
	`, budgetID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		var t Transaction
		var txnType string
		if err := rows.Scan(&t.ID, &t.BudgetID, &t.ExecutionID, &txnType, &t.Amount, &t.ReservedDelta, &t.UsedDelta, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = TransactionType(txnType)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) AppendTransaction(ctx context.Context, txn *Transaction) error {
	return insertTransaction(ctx, s.db, txn)
}

type execerContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertReservation(ctx context.Context, db execerContext, res *Reservation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO budget_reservations (id, budget_id, execution_id, amount, actual_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, res.ID, res.BudgetID, res.ExecutionID, res.Amount, res.ActualAmount, string(res.Status), res.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, db execerContext, txn *Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO budget_transactions (id, budget_id, execution_id, type, amount, reserved_delta, used_delta, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, txn.ID, txn.BudgetID, txn.ExecutionID, string(txn.Type), txn.Amount, txn.ReservedDelta, txn.UsedDelta, txn.Description, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func scanBudget(row *sql.Row) (*Budget, error) {
	var b Budget
	err := row.Scan(&b.ID, &b.TenantID, &b.SkillKey, &b.UserID, &b.PeriodStart, &b.PeriodEnd,
		&b.LimitAmount, &b.UsedAmount, &b.ReservedAmount, &b.IsHardLimit, &b.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, ErrBudgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan budget: %w", err)
	}
	return &b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*Reservation, error) {
	var (
		res        Reservation
		status     string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&res.ID, &res.BudgetID, &res.ExecutionID, &res.Amount, &res.ActualAmount, &status, &res.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan reservation: %w", err)
	}
	res.Status = ReservationStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		res.ResolvedAt = &t
	}
	return &res, nil
}
