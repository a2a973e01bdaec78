package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements ExecutionStore and ApprovalStore on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		skill_key TEXT NOT NULL,
		skill_version TEXT,
		executor JSON NOT NULL,
		approval_chain JSON,
		state TEXT NOT NULL,
		previous_state TEXT,
		state_changed_at TEXT NOT NULL,
		state_changed_by TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		budget_reservation_id TEXT,
		budget_reserved_amount INTEGER NOT NULL DEFAULT 0,
		budget_consumed_amount INTEGER NOT NULL DEFAULT 0,
		budget_released INTEGER NOT NULL DEFAULT 0,
		result_status TEXT,
		result_summary TEXT,
		error_code TEXT,
		error_message TEXT,
		trace_id TEXT,
		parent_execution_id TEXT,
		input JSON
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_idempotency
		ON executions (tenant_id, idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_executions_state
		ON executions (state, state_changed_at);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		status TEXT NOT NULL,
		approver_id TEXT,
		reason TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_execution
		ON approvals (execution_id, status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const executionColumns = `id, tenant_id, idempotency_key, skill_key, skill_version, executor, approval_chain,
	state, previous_state, state_changed_at, state_changed_by, created_at, started_at, completed_at,
	budget_reservation_id, budget_reserved_amount, budget_consumed_amount, budget_released,
	result_status, result_summary, error_code, error_message, trace_id, parent_execution_id, input`

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *contracts.Execution) error {
	executorJSON, err := json.Marshal(exec.Executor)
	if err != nil {
		return fmt.Errorf("failed to marshal executor: %w", err)
	}
	chainJSON, _ := json.Marshal(exec.ApprovalChain)
	inputJSON, _ := json.Marshal(exec.Input)

	query := `INSERT INTO executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		exec.ID, exec.TenantID, exec.IdempotencyKey, exec.SkillKey, exec.SkillVersion,
		string(executorJSON), string(chainJSON),
		string(exec.State), string(exec.PreviousState), formatTime(exec.StateChangedAt), exec.StateChangedBy,
		formatTime(exec.CreatedAt), formatTimePtr(exec.StartedAt), formatTimePtr(exec.CompletedAt),
		exec.BudgetReservationID, exec.BudgetReservedAmount, exec.BudgetConsumedAmount, boolToInt(exec.BudgetReleased),
		exec.ResultStatus, exec.ResultSummary, exec.ErrorCode, exec.ErrorMessage,
		exec.TraceID, exec.ParentExecutionID, string(inputJSON),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return contracts.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*contracts.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

func (s *SQLiteStore) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*contracts.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID, key)
	exec, err := scanExecution(row)
	if err == contracts.ErrNotFound {
		return nil, nil
	}
	return exec, err
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *contracts.Execution, expectState contracts.State) error {
	chainJSON, _ := json.Marshal(exec.ApprovalChain)

	query := `UPDATE executions SET
		approval_chain = ?, state = ?, previous_state = ?, state_changed_at = ?, state_changed_by = ?,
		started_at = ?, completed_at = ?,
		budget_reservation_id = ?, budget_reserved_amount = ?, budget_consumed_amount = ?, budget_released = ?,
		result_status = ?, result_summary = ?, error_code = ?, error_message = ?, trace_id = ?
		WHERE id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(chainJSON), string(exec.State), string(exec.PreviousState),
		formatTime(exec.StateChangedAt), exec.StateChangedBy,
		formatTimePtr(exec.StartedAt), formatTimePtr(exec.CompletedAt),
		exec.BudgetReservationID, exec.BudgetReservedAmount, exec.BudgetConsumedAmount, boolToInt(exec.BudgetReleased),
		exec.ResultStatus, exec.ResultSummary, exec.ErrorCode, exec.ErrorMessage, exec.TraceID,
		exec.ID, string(expectState),
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Row exists in another state, or not at all.
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM executions WHERE id = ?`, exec.ID).Scan(&count); err == nil && count == 0 {
			return contracts.ErrNotFound
		}
		return contracts.ErrStaleState
	}
	return nil
}

func (s *SQLiteStore) ListByStateOlderThan(ctx context.Context, state contracts.State, cutoff time.Time) ([]*contracts.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE state = ? AND state_changed_at < ?`,
		string(state), formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateApproval(ctx context.Context, req *contracts.ApprovalRequest) error {
	query := `INSERT INTO approvals (id, tenant_id, execution_id, status, approver_id, reason, created_at, expires_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		req.ID, req.TenantID, req.ExecutionID, string(req.Status), req.ApproverID, req.Reason,
		formatTime(req.CreatedAt), formatTime(req.ExpiresAt), formatTimePtr(req.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, execution_id, status, approver_id, reason, created_at, expires_at, resolved_at
		 FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

func (s *SQLiteStore) ResolveApproval(ctx context.Context, id string, status contracts.ApprovalStatus, approverID, reason string, resolvedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, approver_id = ?, reason = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), approverID, reason, formatTime(resolvedAt), id, string(contracts.ApprovalPending))
	if err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM approvals WHERE id = ?`, id).Scan(&count); err == nil && count == 0 {
			return contracts.ErrNotFound
		}
		return contracts.ErrNotPending
	}
	return nil
}

func (s *SQLiteStore) PendingForExecution(ctx context.Context, executionID string) (*contracts.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, execution_id, status, approver_id, reason, created_at, expires_at, resolved_at
		 FROM approvals WHERE execution_id = ? AND status = ? LIMIT 1`,
		executionID, string(contracts.ApprovalPending))
	req, err := scanApproval(row)
	if err == contracts.ErrNotFound {
		return nil, nil
	}
	return req, err
}

func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time) ([]*contracts.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, execution_id, status, approver_id, reason, created_at, expires_at, resolved_at
		 FROM approvals WHERE status = ? AND expires_at < ?`,
		string(contracts.ApprovalPending), formatTime(now))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*contracts.Execution, error) {
	var (
		e                                            contracts.Execution
		executorJSON, chainJSON, inputJSON           sql.NullString
		prevState, stateChangedBy                    sql.NullString
		stateChangedAt, createdAt                    string
		startedAt, completedAt                       sql.NullString
		reservationID                                sql.NullString
		released                                     int
		resultStatus, resultSummary                  sql.NullString
		errorCode, errorMessage, traceID, parentExec sql.NullString
		state                                        string
	)
	err := row.Scan(
		&e.ID, &e.TenantID, &e.IdempotencyKey, &e.SkillKey, &e.SkillVersion,
		&executorJSON, &chainJSON,
		&state, &prevState, &stateChangedAt, &stateChangedBy, &createdAt, &startedAt, &completedAt,
		&reservationID, &e.BudgetReservedAmount, &e.BudgetConsumedAmount, &released,
		&resultStatus, &resultSummary, &errorCode, &errorMessage, &traceID, &parentExec,
		&inputJSON,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}

	e.State = contracts.State(state)
	e.PreviousState = contracts.State(prevState.String)
	e.StateChangedAt = parseTime(stateChangedAt)
	e.StateChangedBy = stateChangedBy.String
	e.CreatedAt = parseTime(createdAt)
	e.StartedAt = parseTimePtr(startedAt)
	e.CompletedAt = parseTimePtr(completedAt)
	e.BudgetReservationID = reservationID.String
	e.BudgetReleased = released != 0
	e.ResultStatus = resultStatus.String
	e.ResultSummary = resultSummary.String
	e.ErrorCode = errorCode.String
	e.ErrorMessage = errorMessage.String
	e.TraceID = traceID.String
	e.ParentExecutionID = parentExec.String

	if executorJSON.Valid && executorJSON.String != "" {
		_ = json.Unmarshal([]byte(executorJSON.String), &e.Executor)
	}
	if chainJSON.Valid && chainJSON.String != "" && chainJSON.String != "null" {
		_ = json.Unmarshal([]byte(chainJSON.String), &e.ApprovalChain)
	}
	if inputJSON.Valid && inputJSON.String != "" && inputJSON.String != "null" {
		_ = json.Unmarshal([]byte(inputJSON.String), &e.Input)
	}
	return &e, nil
}

func scanApproval(row rowScanner) (*contracts.ApprovalRequest, error) {
	var (
		a                    contracts.ApprovalRequest
		status               string
		approverID, reason   sql.NullString
		createdAt, expiresAt string
		resolvedAt           sql.NullString
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.ExecutionID, &status, &approverID, &reason, &createdAt, &expiresAt, &resolvedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	a.Status = contracts.ApprovalStatus(status)
	a.ApproverID = approverID.String
	a.Reason = reason.String
	a.CreatedAt = parseTime(createdAt)
	a.ExpiresAt = parseTime(expiresAt)
	a.ResolvedAt = parseTimePtr(resolvedAt)
	return &a, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t := parseTime(value.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
