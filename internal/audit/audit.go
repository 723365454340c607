// Package audit records consent lifecycle transitions as immutable entries,
// delivered off the request path by a Batcher.
package audit

import (
	"context"
	"time"
)

// Action names the lifecycle transition being recorded.
type Action string

const (
	ActionConsentGenerated Action = "CONSENT_GENERATED"
	ActionConsentRetrieved Action = "CONSENT_RETRIEVED"
	ActionConsentVerified  Action = "CONSENT_VERIFIED"
	ActionConsentRevoked   Action = "CONSENT_REVOKED"
	ActionConsentExpired   Action = "CONSENT_EXPIRED"
	ActionConsentBeacon    Action = "CONSENT_BEACON"
	ActionConsentActivated Action = "CONSENT_ACTIVATED"
)

// Status is the outcome recorded with an entry.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Entry is one audit fact.
type Entry struct {
	ID        string                 `json:"id"`
	Action    Action                 `json:"action"`
	UserID    string                 `json:"userId,omitempty"`
	PartnerID string                 `json:"partnerId,omitempty"`
	ConsentID string                 `json:"consentId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   string                 `json:"details"`
	Status    Status                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	IPAddress string                 `json:"ipAddress,omitempty"`
	UserAgent string                 `json:"userAgent,omitempty"`
}

// Sink persists or forwards entries.
type Sink interface {
	CreateAuditEntry(ctx context.Context, e Entry) error
}

// BatchSink is a Sink that accepts a whole flush in one call.
type BatchSink interface {
	Sink
	CreateAuditEntries(ctx context.Context, entries []Entry) error
}
