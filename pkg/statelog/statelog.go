// Package statelog implements the append-only execution state log.
//
// Every state-machine transition appends exactly one entry. Entries are
// hash-chained to their predecessor and never mutated or deleted, so the
// full lifecycle of any execution can be audited and the chain verified
// independently of the mutable execution rows.
package statelog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
)

// Store persists state-log entries. The state machine appends through this
// interface so the chain can live wherever the execution rows do.
type Store interface {
	// Append records one transition and returns its sequence number.
	Append(ctx context.Context, executionID string, from, to contracts.State, actorID string, metadata map[string]any) (uint64, error)

	// ForExecution returns the transition history of one execution, in order.
	ForExecution(ctx context.Context, executionID string) ([]Entry, error)
}

// Entry is an immutable, hash-chained transition record.
type Entry struct {
	Sequence    uint64          `json:"sequence"`
	ExecutionID string          `json:"execution_id"`
	FromState   contracts.State `json:"from_state"`
	ToState     contracts.State `json:"to_state"`
	ActorID     string          `json:"actor_id,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	ContentHash string          `json:"content_hash"`
	PrevHash    string          `json:"prev_hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Log is an append-only, hash-chained transition log.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{
		entries:  make([]Entry, 0),
		headHash: "genesis",
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append records one transition. Returns the sequence number.
func (l *Log) Append(ctx context.Context, executionID string, from, to contracts.State, actorID string, metadata map[string]any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	hash, err := contentHash(seq, executionID, from, to, metadata, l.headHash)
	if err != nil {
		return 0, err
	}

	l.entries = append(l.entries, Entry{
		Sequence:    seq,
		ExecutionID: executionID,
		FromState:   from,
		ToState:     to,
		ActorID:     actorID,
		Metadata:    metadata,
		ContentHash: hash,
		PrevHash:    l.headHash,
		CreatedAt:   l.clock(),
	})
	l.headHash = hash
	return seq, nil
}

// ForExecution returns the transition history of one execution, in order.
func (l *Log) ForExecution(ctx context.Context, executionID string) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Length returns the number of entries.
func (l *Log) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the current head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Verify checks the integrity of the entire chain.
func (l *Log) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := "genesis"
	for i, e := range l.entries {
		if e.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, e.PrevHash)
		}
		computed, err := contentHash(e.Sequence, e.ExecutionID, e.FromState, e.ToState, e.Metadata, e.PrevHash)
		if err != nil {
			return false, fmt.Sprintf("failed to hash entry %d", i+1)
		}
		if computed != e.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = e.ContentHash
	}
	return true, "chain verified"
}

// contentHash hashes the JCS-canonical form so the digest is independent of
// map iteration order and encoder quirks.
func contentHash(seq uint64, executionID string, from, to contracts.State, metadata map[string]any, prevHash string) (string, error) {
	hashInput := struct {
		Seq         uint64          `json:"seq"`
		ExecutionID string          `json:"execution_id"`
		From        contracts.State `json:"from"`
		To          contracts.State `json:"to"`
		Metadata    map[string]any  `json:"metadata"`
		PrevHash    string          `json:"prev"`
	}{seq, executionID, from, to, metadata, prevHash}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
