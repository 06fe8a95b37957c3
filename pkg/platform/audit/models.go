package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events so sinks can route them.
type EventCategory string

const (
	// CategoryOperations covers routine cart lifecycle activity.
	CategoryOperations EventCategory = "operations"

	// CategorySecurity covers rejected credentials and ownership violations.
	CategorySecurity EventCategory = "security"
)

// Event is emitted from cart logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
//
// Owner, Source and Target are redacted owner labels: guest session tokens
// never appear raw in audit records.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	Action    string
	Owner     string
	Source    string
	Target    string
	// ItemCount is the item count of the resulting cart.
	ItemCount int
	// Contributed is the number of items the action added.
	Contributed int
	Version     int64
	Reason      string
	RequestID   string
	Device      string
}

type AuditEvent string

const (
	EventCartMerged       AuditEvent = "cart_merged"
	EventCartMergeNoop    AuditEvent = "cart_merge_noop"
	EventCartMergeFailed  AuditEvent = "cart_merge_failed"
	EventCartCleared      AuditEvent = "cart_cleared"
	EventCartAccessDenied AuditEvent = "cart_access_denied"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventCartMerged:       CategoryOperations,
	EventCartMergeNoop:    CategoryOperations,
	EventCartMergeFailed:  CategoryOperations,
	EventCartCleared:      CategoryOperations,
	EventCartAccessDenied: CategorySecurity,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Lister is implemented by stores that can be queried back.
type Lister interface {
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}
