package statelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteLog persists the hash chain in SQLite so the transition trail
// survives restarts alongside the execution rows. The head hash and next
// sequence number are cached in memory; appends hold a mutex so the chain
// stays linear under concurrent transitions.
type SQLiteLog struct {
	db    *sql.DB
	clock func() time.Time

	mu   sync.Mutex
	head string
	next uint64
}

// NewSQLiteLog wraps db, runs migrations, and restores the chain head from
// the last persisted entry.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{db: db, clock: time.Now, head: "genesis", next: 1}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	if err := l.loadHead(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLiteLog) WithClock(clock func() time.Time) *SQLiteLog {
	l.clock = clock
	return l
}

func (l *SQLiteLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS state_log (
		seq INTEGER PRIMARY KEY,
		execution_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		actor_id TEXT,
		metadata JSON,
		content_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_state_log_execution
		ON state_log (execution_id, seq);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

func (l *SQLiteLog) loadHead() error {
	row := l.db.QueryRowContext(context.Background(),
		`SELECT seq, content_hash FROM state_log ORDER BY seq DESC LIMIT 1`)
	var seq uint64
	var hash string
	if err := row.Scan(&seq, &hash); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("failed to load state log head: %w", err)
	}
	l.head = hash
	l.next = seq + 1
	return nil
}

// Append records one transition. Returns the sequence number.
func (l *SQLiteLog) Append(ctx context.Context, executionID string, from, to contracts.State, actorID string, metadata map[string]any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.next
	hash, err := contentHash(seq, executionID, from, to, metadata, l.head)
	if err != nil {
		return 0, err
	}

	var metaJSON any
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metaJSON = string(raw)
	}

	query := `INSERT INTO state_log (seq, execution_id, from_state, to_state, actor_id, metadata, content_hash, prev_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = l.db.ExecContext(ctx, query,
		seq, executionID, string(from), string(to), actorID, metaJSON,
		hash, l.head, l.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to insert state log entry: %w", err)
	}

	l.head = hash
	l.next = seq + 1
	return seq, nil
}

const stateLogColumns = `seq, execution_id, from_state, to_state, actor_id, metadata, content_hash, prev_hash, created_at`

// ForExecution returns the transition history of one execution, in order.
func (l *SQLiteLog) ForExecution(ctx context.Context, executionID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+stateLogColumns+` FROM state_log WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Head returns the current head hash.
func (l *SQLiteLog) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Length returns the number of persisted entries.
func (l *SQLiteLog) Length(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM state_log`).Scan(&n)
	return n, err
}

// Verify checks the integrity of the entire persisted chain.
func (l *SQLiteLog) Verify(ctx context.Context) (bool, string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+stateLogColumns+` FROM state_log ORDER BY seq`)
	if err != nil {
		return false, "", err
	}
	defer func() { _ = rows.Close() }()

	prevHash := "genesis"
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return false, "", err
		}
		if e.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", e.Sequence, prevHash, e.PrevHash), nil
		}
		computed, err := contentHash(e.Sequence, e.ExecutionID, e.FromState, e.ToState, e.Metadata, e.PrevHash)
		if err != nil {
			return false, fmt.Sprintf("failed to hash entry %d", e.Sequence), nil
		}
		if computed != e.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", e.Sequence), nil
		}
		prevHash = e.ContentHash
	}
	if err := rows.Err(); err != nil {
		return false, "", err
	}
	return true, "chain verified", nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e         Entry
		from, to  string
		actorID   sql.NullString
		metaJSON  sql.NullString
		createdAt string
	)
	if err := rows.Scan(&e.Sequence, &e.ExecutionID, &from, &to, &actorID, &metaJSON, &e.ContentHash, &e.PrevHash, &createdAt); err != nil {
		return Entry{}, err
	}
	e.FromState = contracts.State(from)
	e.ToState = contracts.State(to)
	e.ActorID = actorID.String
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("failed to decode metadata for entry %d: %w", e.Sequence, err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	return e, nil
}
