// Package audit emits structured JSON audit records for every
// security-relevant action: intake, gate decisions, budget denials,
// approvals, and terminal outcomes.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventIntake   EventType = "INTAKE"
	EventGate     EventType = "GATE"
	EventBudget   EventType = "BUDGET"
	EventApproval EventType = "APPROVAL"
	EventOutcome  EventType = "OUTCOME"
	EventSystem   EventType = "SYSTEM"
)

// Event represents a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, tenantID, actorID string, eventType EventType, action, resource string, metadata map[string]any) error
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(ctx context.Context, tenantID, actorID string, eventType EventType, action, resource string, metadata map[string]any) error {
	if tenantID == "" {
		tenantID = "system"
	}
	if actorID == "" {
		actorID = "system"
	}

	event := Event{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Nop returns a Logger that discards everything, for tests.
func Nop() Logger {
	return &logger{writer: io.Discard, clock: time.Now}
}
