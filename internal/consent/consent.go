package consent

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a consent record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
	StatusExpired Status = "EXPIRED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// Purpose is one permitted use of user data.
type Purpose string

const (
	PurposeMarketing         Purpose = "MARKETING"
	PurposeAnalytics         Purpose = "ANALYTICS"
	PurposePersonalization   Purpose = "PERSONALIZATION"
	PurposeThirdPartySharing Purpose = "THIRD_PARTY_SHARING"
	PurposeResearch          Purpose = "RESEARCH"
	PurposeProfileData       Purpose = "PROFILE_DATA"
	PurposeLocation          Purpose = "LOCATION"
)

var knownPurposes = map[Purpose]bool{
	PurposeMarketing:         true,
	PurposeAnalytics:         true,
	PurposePersonalization:   true,
	PurposeThirdPartySharing: true,
	PurposeResearch:          true,
	PurposeProfileData:       true,
	PurposeLocation:          true,
}

// Valid reports whether p is a known purpose tag.
func (p Purpose) Valid() bool { return knownPurposes[p] }

// Consent is a signed grant from a user to a partner.
type Consent struct {
	ID             string     `json:"id"`
	ConsentID      string     `json:"consentId"`
	UserID         string     `json:"userId"`
	PartnerID      string     `json:"partnerId"`
	Purposes       []Purpose  `json:"purposes"`
	Status         Status     `json:"status"`
	GrantedAt      time.Time  `json:"grantedAt"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	Signature      string     `json:"signature"`
	Epoch          int        `json:"epoch"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// ExpiredAt reports whether the grant window has elapsed at now.
func (c *Consent) ExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// PurposeStrings returns the purposes in stored order.
func (c *Consent) PurposeStrings() []string {
	out := make([]string, len(c.Purposes))
	for i, p := range c.Purposes {
		out[i] = string(p)
	}
	return out
}

// Clone returns a deep copy.
func (c *Consent) Clone() *Consent {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Purposes = append([]Purpose(nil), c.Purposes...)
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}

// TimestampLayout is the canonical ISO-8601 form used for signing and storage.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in TimestampLayout (UTC, millisecond precision).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a value written by FormatTimestamp or any RFC 3339 timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// JoinPurposes encodes purposes for storage.
func JoinPurposes(ps []Purpose) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

// SplitPurposes decodes a value written by JoinPurposes.
func SplitPurposes(s string) []Purpose {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Purpose, len(parts))
	for i, p := range parts {
		out[i] = Purpose(p)
	}
	return out
}

// User is the subset of an identity the engine needs.
type User struct {
	ID     string
	Email  string
	Active bool
}

// Partner is the subset of a partner the engine needs.
type Partner struct {
	ID          string
	OwnerUserID string
	Status      string
}

// GenerateRequest is the body of a consent grant.
type GenerateRequest struct {
	UserID    string    `json:"userId"`
	PartnerID string    `json:"partnerId" validate:"required"`
	Purposes  []Purpose `json:"purposes" validate:"required,min=1,unique,dive,purpose"`
}

// CheckResult answers whether a user exists and holds a usable consent for a partner.
type CheckResult struct {
	IsUserCreated    bool `json:"isUserCreated"`
	IsConsentValid   bool `json:"isConsentValid"`
	IsConsentExpired bool `json:"isConsentExpired"`
}

// Counts aggregates consents by status.
type Counts struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Revoked int `json:"revoked"`
	Expired int `json:"expired"`
}

// AdminFilter narrows the admin listing.
type AdminFilter struct {
	Search string
	Status Status
}

// PageResult is one page of consents, newest first.
type PageResult struct {
	Items   []*Consent `json:"items"`
	Total   int        `json:"total"`
	Page    int        `json:"page"`
	PerPage int        `json:"perPage"`
}
