// Package alerts delivers drift, escalation and badge events to notification
// channels. Delivery is fire-and-forget from the pipeline's point of view.
package alerts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/trustscore/internal/core"
)

// Event types.
const (
	TypeDriftDetected     = "trust.drift.detected"
	TypeEscalationCreated = "trust.escalation.created"
	TypeEscalationUpdated = "trust.escalation.updated"
	TypeDeliveryFailed    = "trust.escalation.delivery_failed"
	TypeBadgeRevoked      = "trust.badge.revoked"
	TypeValidationFailed  = "trust.validation.failed"

	source = "/trustscore/orchestrator"
)

// CloudEvent is the CloudEvents 1.0 envelope for every alert.
type CloudEvent struct {
	SpecVersion string      `json:"specversion"`
	Type        string      `json:"type"`
	Source      string      `json:"source"`
	ID          string      `json:"id"`
	Time        time.Time   `json:"time"`
	Subject     string      `json:"subject,omitempty"` // agent ID
	TenantID    string      `json:"tenantid,omitempty"`
	Data        interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event.
func NewCloudEvent(eventType, subject, tenantID string, at time.Time, data interface{}) *CloudEvent {
	if at.IsZero() {
		at = time.Now()
	}
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.New().String(),
		Time:        at.UTC(),
		Subject:     subject,
		TenantID:    tenantID,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// DriftAlert wraps a DriftEvent.
func DriftAlert(tenantID string, e core.DriftEvent) *CloudEvent {
	return NewCloudEvent(TypeDriftDetected, e.AgentID, tenantID, e.DetectedAt, e)
}

// EscalationAlert wraps a newly created or updated EscalationCase.
func EscalationAlert(eventType string, c core.EscalationCase) *CloudEvent {
	at := c.UpdatedAt
	if at.IsZero() {
		at = c.CreatedAt
	}
	return NewCloudEvent(eventType, c.AgentID, c.TenantID, at, c)
}

// DeliveryFailedAlert reports an escalation that could not reach the HITL queue.
func DeliveryFailedAlert(c core.EscalationCase, err error) *CloudEvent {
	return NewCloudEvent(TypeDeliveryFailed, c.AgentID, c.TenantID, time.Time{}, map[string]interface{}{
		"case_id":       c.ID,
		"validation_id": c.ValidationID,
		"reasons":       c.Reasons,
		"error":         err.Error(),
	})
}

// BadgeRevokedAlert reports badges lost when a new score superseded the old one.
func BadgeRevokedAlert(tenantID, agentID, validationID string, revoked []core.Badge, at time.Time) *CloudEvent {
	return NewCloudEvent(TypeBadgeRevoked, agentID, tenantID, at, map[string]interface{}{
		"validation_id": validationID,
		"badges":        revoked,
	})
}

// ValidationFailedAlert reports a request that ended in FAILED.
func ValidationFailedAlert(tenantID, agentID, validationID, reason string, at time.Time) *CloudEvent {
	return NewCloudEvent(TypeValidationFailed, agentID, tenantID, at, map[string]interface{}{
		"validation_id": validationID,
		"error":         reason,
	})
}
