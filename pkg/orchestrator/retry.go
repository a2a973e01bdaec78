package orchestrator

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy controls the delay between handler retry attempts.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
}

// DefaultBackoff is used when the skill declares no retry delay.
var DefaultBackoff = BackoffPolicy{BaseMs: 200, MaxMs: 10_000, MaxJitterMs: 100}

// Delay returns the backoff before retry attempt `attempt` (0-based).
// Jitter is a PRF of the execution ID and attempt index, so a replayed
// execution produces the identical schedule.
func (p BackoffPolicy) Delay(executionID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := p.BaseMs * factor
	if delay > p.MaxMs {
		delay = p.MaxMs
	}

	return time.Duration(delay+p.jitter(executionID, attempt)) * time.Millisecond
}

func (p BackoffPolicy) jitter(executionID string, attempt int) int64 {
	if p.MaxJitterMs == 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", executionID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs)) //nolint:gosec // MaxJitterMs is always positive
}
