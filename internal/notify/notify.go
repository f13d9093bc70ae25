package notify

import (
	"context"
	"sync"
	"time"
)

// Event is a lifecycle notification published after a state change commits.
// Publishing is fire and forget; a failed publish never fails the operation
// that produced it.
type Event struct {
	Kind       string    `json:"kind"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	DSR        string    `json:"dsr,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	KindAssignmentCreated = "assignment.created"
	KindUnitSold          = "assignment.unit_sold"
	KindUnitsReturned     = "assignment.units_returned"
	KindInvoiceVerified   = "invoice.verified"
)

type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

type NoopNotifier struct{}

func (NoopNotifier) Publish(_ context.Context, _ Event) error {
	return nil
}

// MemoryNotifier records events for test assertions.
type MemoryNotifier struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (m *MemoryNotifier) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryNotifier) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
