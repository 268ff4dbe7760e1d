package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies and routing.
type EventCategory string

const (
	// CategoryCompliance covers determinations with regulatory significance.
	// Examples: a check reaching a terminal outcome.
	CategoryCompliance EventCategory = "compliance"

	// CategoryOperations covers routine activity useful for debugging.
	// Examples: check submission, bulk group creation, requeue sweeps.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	// Subject is the check id the event is about.
	Subject string
	Action  string
	// CheckType is the entitlement kind of the check.
	CheckType string
	// Decision is the outcome (status) at the time of the event.
	Decision string
	// Source is the resolution path that produced the outcome.
	Source    string
	GroupID   string
	Reason    string
	RequestID string
}

type AuditEvent string

const (
	EventCheckCreated     AuditEvent = "check_created"
	EventCheckCompleted   AuditEvent = "check_completed"
	EventBulkSubmitted    AuditEvent = "bulk_submitted"
	EventCheckRequeued    AuditEvent = "check_requeued"
	EventChecksPurged     AuditEvent = "checks_purged"
	EventCacheWriteFailed AuditEvent = "cache_write_failed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventCheckCompleted: CategoryCompliance,
	EventChecksPurged:   CategoryCompliance,

	EventCheckCreated:     CategoryOperations,
	EventBulkSubmitted:    CategoryOperations,
	EventCheckRequeued:    CategoryOperations,
	EventCacheWriteFailed: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events. Implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subject string) ([]Event, error)
}
