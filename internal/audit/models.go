// Package audit is the idempotency and audit subsystem: an append-only,
// hash-chained event log keyed by correlation ID, plus the atomic Register
// check that makes it the sole arbiter of "has this operation already run".
package audit

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ringops/ringway/internal/correlation"
)

// Well-known event types emitted by the control plane.
const (
	EventDeployRequested    = "deploy.requested"
	EventDeployCompleted    = "deploy.completed"
	EventDeployFailed       = "deploy.failed"
	EventDeployDuplicate    = "deploy.duplicate"
	EventRemoveCompleted    = "remove.completed"
	EventRemoveFailed       = "remove.failed"
	EventPromotionEvaluated = "promotion.evaluated"
	EventRollbackInitiated  = "rollback.initiated"
	EventRollbackFailed     = "rollback.failed"
	EventRollbackReconciled = "rollback.reconciled"
	EventRollbackEscalated  = "rollback.escalated"
	EventGovernanceNotified = "governance.notified"
	EventValidationFailed   = "validation.failed"
)

// Event is the canonical audit record. Events are appended only, never
// updated or deleted; the chain of Hash/PrevHash makes reordering or
// tampering detectable during governance review.
type Event struct {
	ID            string         `json:"id,omitempty"`
	CorrelationID correlation.ID `json:"correlationId"`
	EventType     string         `json:"eventType"`
	Actor         string         `json:"actor,omitempty"`
	Payload       interface{}    `json:"payload"`
	PrevHash      string         `json:"prevHash,omitempty"`
	Hash          string         `json:"hash,omitempty"`
	Ts            time.Time      `json:"ts"`
}

// ErrNotFound is returned when a requested audit resource cannot be located.
var ErrNotFound = errors.New("not found")

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}
