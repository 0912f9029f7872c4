// Package bus is the event bus gateway: typed publish surfaces over
// JetStream streams, dead letter routing, and stream provisioning.
// Subjects carry the partition key as their final token, so JetStream's
// per-subject ordering gives per-key ordering.
package bus

import (
	"strings"
	"time"
)

// Stream names.
const (
	StreamRawItems      = "RAW_ITEMS"
	StreamClaims        = "CLAIMS"
	StreamAlerts        = "ALERTS"
	StreamNotifications = "NOTIFICATIONS"
	StreamDLQ           = "DLQ"
)

// Subject spaces, one per stream.
const (
	SubjectRawItemsWildcard      = "raw.items.>"
	SubjectClaimsWildcard        = "claims.>"
	SubjectAlertsWildcard        = "alerts.>"
	SubjectNotificationsWildcard = "notify.>"
	SubjectDLQ                   = "dlq.entry"
)

// RawItemSubject keys inbound items by source_id.
func RawItemSubject(sourceID string) string {
	return "raw.items." + Token(sourceID)
}

// ClaimsSubject keys published advisories by workflow_id.
func ClaimsSubject(workflowID string) string {
	return "claims.published." + Token(workflowID)
}

// AlertSubject keys alerts by workflow_id.
func AlertSubject(workflowID string) string {
	return "alerts." + Token(workflowID)
}

// NotificationSubject keys user-visible events by recipient scope.
func NotificationSubject(recipientScope string) string {
	return "notify." + Token(recipientScope)
}

// Token sanitizes an arbitrary key into a single valid NATS subject token.
func Token(key string) string {
	if key == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, key)
}

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityCritical = "critical"
)

// Alert kinds.
const (
	AlertReviewRequested = "review_requested"
	AlertReviewReminder  = "review_reminder"
	AlertWorkflowFailed  = "workflow_failed"
)

// Alert is the outbound high-risk notification envelope.
type Alert struct {
	WorkflowID string    `json:"workflow_id"`
	Kind       string    `json:"kind"`
	Severity   string    `json:"severity"`
	Summary    string    `json:"summary"`
	At         time.Time `json:"at"`
}
