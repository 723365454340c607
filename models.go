package main

import "time"

// User is a registered identity. ID matches the subject of the caller's JWT.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type PartnerStatus string

const (
	PartnerPending     PartnerStatus = "PENDING"
	PartnerApproved    PartnerStatus = "APPROVED"
	PartnerRejected    PartnerStatus = "REJECTED"
	PartnerActive      PartnerStatus = "ACTIVE"
	PartnerDeactivated PartnerStatus = "DEACTIVATED"
)

var partnerTransitions = map[PartnerStatus][]PartnerStatus{
	PartnerPending:     {PartnerApproved, PartnerRejected},
	PartnerApproved:    {PartnerActive, PartnerDeactivated},
	PartnerActive:      {PartnerDeactivated},
	PartnerDeactivated: {PartnerActive},
}

// CanTransition reports whether a partner may move from s to next.
func (s PartnerStatus) CanTransition(next PartnerStatus) bool {
	for _, allowed := range partnerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanCallAPI reports whether credentials of a partner in status s authenticate.
func (s PartnerStatus) CanCallAPI() bool {
	return s == PartnerApproved || s == PartnerActive
}

// Partner is an organisation that checks and verifies consents through the API.
// OwnerUserID is the partner id recorded on consents granted to it.
type Partner struct {
	ID                 string        `json:"id"`
	OwnerUserID        string        `json:"ownerUserId"`
	OrgName            string        `json:"orgName"`
	AppName            string        `json:"appName"`
	ContactEmail       string        `json:"contactEmail"`
	Status             PartnerStatus `json:"status"`
	RateLimitPerMinute int           `json:"rateLimitPerMinute"`
	AllowedOrigins     []string      `json:"allowedOrigins"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "ACTIVE"
	CredentialRevoked CredentialStatus = "REVOKED"
)

// credentialTTL is how long an issued API key stays valid.
const credentialTTL = 90 * 24 * time.Hour

// Credential is a hashed partner API key.
type Credential struct {
	ID        string           `json:"id"`
	PartnerID string           `json:"partnerId"`
	ClientID  string           `json:"clientId"`
	KeyPrefix string           `json:"keyPrefix"`
	KeyHash   string           `json:"-"`
	Status    CredentialStatus `json:"status"`
	ExpiresAt time.Time        `json:"expiresAt"`
	RevokedAt *time.Time       `json:"revokedAt,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Usable reports whether the credential may authenticate at now.
func (c *Credential) Usable(now time.Time) bool {
	return c.Status == CredentialActive && now.Before(c.ExpiresAt)
}

// ListQuery narrows the admin listings. Status and Action apply where the
// listed entity has them.
type ListQuery struct {
	Search  string
	Status  string
	Action  string
	Page    int
	PerPage int
}

func (q ListQuery) normalized() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = 10
	}
	if q.PerPage > 100 {
		q.PerPage = 100
	}
	return q
}

func (q ListQuery) offset() int {
	return (q.Page - 1) * q.PerPage
}
