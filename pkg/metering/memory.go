package metering

import (
	"context"
	"sync"
	"time"
)

// MemoryMeter implements Meter in memory, for tests and single-node setups.
type MemoryMeter struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryMeter creates an empty in-memory meter.
func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{}
}

func (m *MemoryMeter) Record(ctx context.Context, event Event) error {
	return m.RecordBatch(ctx, []Event{event})
}

func (m *MemoryMeter) RecordBatch(ctx context.Context, events []Event) error {
	now := time.Now().UTC()
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return err
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryMeter) GetUsage(ctx context.Context, tenantID string, period Period) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := &Usage{
		TenantID:   tenantID,
		Period:     period,
		Totals:     make(map[EventType]int64),
		LastUpdate: time.Now().UTC(),
	}
	for _, e := range m.events {
		if e.TenantID != tenantID || !inPeriod(e.Timestamp, period) {
			continue
		}
		usage.Totals[e.EventType] += e.Quantity
	}
	return usage, nil
}

func (m *MemoryMeter) GetUsageByType(ctx context.Context, tenantID string, eventType EventType, period Period) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, e := range m.events {
		if e.TenantID == tenantID && e.EventType == eventType && inPeriod(e.Timestamp, period) {
			total += e.Quantity
		}
	}
	return total, nil
}

func inPeriod(t time.Time, p Period) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}
