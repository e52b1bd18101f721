package audit

import "time"

// EventType names a lifecycle event.
type EventType string

const (
	EventRegistrationCreated   EventType = "registration.created"
	EventRegistrationUpdated   EventType = "registration.updated"
	EventRegistrationCancelled EventType = "registration.cancelled"
	EventOrderCancelFailed     EventType = "order.cancel_failed"
	EventStorageInconsistency  EventType = "registration.storage_inconsistency"
	EventRetryScheduled        EventType = "retry.scheduled"
	EventRetrySucceeded        EventType = "retry.succeeded"
	EventRetryFailed           EventType = "retry.failed"
)

// Event is emitted from domain logic to capture lifecycle transitions. It is
// transport-agnostic so sinks can fan out. Personal info values never appear
// here; Fields names what changed.
type Event struct {
	Type           EventType         `json:"type"`
	Timestamp      time.Time         `json:"timestamp"`
	UserID         string            `json:"userId"`
	RegistrationID string            `json:"registrationId,omitempty"`
	EventID        string            `json:"eventId,omitempty"`
	RetryID        string            `json:"retryId,omitempty"`
	OrderID        string            `json:"orderId,omitempty"`
	Fields         []string          `json:"fields,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	RequestID      string            `json:"requestId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Key is the partitioning key: all events of one registration stay ordered.
func (e Event) Key() string {
	switch {
	case e.RegistrationID != "":
		return e.RegistrationID
	case e.RetryID != "":
		return e.RetryID
	default:
		return e.UserID
	}
}
