// Typed NATS subject definitions for verification domain events. Change
// notifications use per-workflow subjects under workflow.notify.<id>,
// enabling subject-based room routing on the observer plane.
package workflow

import (
	"encoding/json"
	"time"
)

// Core (non-stream) subjects used as the state store's pub/sub channel.
const (
	// NotifyPrefix + workflow_id carries NotificationEvents for one workflow.
	NotifyPrefix = "workflow.notify."
	// NotifyWildcard subscribes to all workflow change notifications.
	NotifyWildcard = "workflow.notify.>"
	// ReviewDecidedSubject signals orchestrators that an operator decision
	// landed, so resumption is push-driven rather than polled.
	ReviewDecidedSubject = "workflow.review.decided"
)

// NotifySubject returns the change-notification subject for one workflow.
func NotifySubject(workflowID string) string {
	return NotifyPrefix + workflowID
}

// EventType enumerates observer-plane notification types.
type EventType string

const (
	EventStatusChanged   EventType = "status_changed"
	EventRiskScored      EventType = "risk_scored"
	EventReviewRequested EventType = "review_requested"
	EventReviewDecided   EventType = "review_decided"
	EventCompleted       EventType = "completed"
	EventFailed          EventType = "failed"
	EventLag             EventType = "lag"
)

// NotificationEvent is the transient broadcast emitted on every authoritative
// state transition. Delivery is at-most-once and never authoritative;
// observers reconcile against the state store on reconnect.
type NotificationEvent struct {
	Type       EventType       `json:"type"`
	WorkflowID string          `json:"workflow_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	At         time.Time       `json:"at"`
}

// ReviewDecidedEvent is the payload published on ReviewDecidedSubject.
type ReviewDecidedEvent struct {
	WorkflowID string         `json:"workflow_id"`
	Decision   ReviewDecision `json:"decision"`
	DecidedBy  string         `json:"decided_by"`
	At         time.Time      `json:"at"`
}
