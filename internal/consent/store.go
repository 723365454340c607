package consent

import (
	"context"
	"time"

	"github.com/example/consentvault/internal/audit"
)

// Filter selects consents by equality on the set fields. Search is a
// case-insensitive substring match on user or partner id.
type Filter struct {
	UserID         string
	PartnerID      string
	IdempotencyKey string
	Statuses       []Status
	Search         string
}

// Precondition guards a conditional update: the stored record must still be in
// Status at Epoch.
type Precondition struct {
	Status Status
	Epoch  int
}

// Mutation is the set of fields a lifecycle transition writes. An empty
// Signature leaves the stored signature unchanged.
type Mutation struct {
	Status    Status
	Epoch     int
	RevokedAt *time.Time
	Signature string
	UpdatedAt time.Time
}

// Store persists consent records. Lookups return nil, nil when nothing matches.
//
// CreateConsent must return ErrDuplicateIdempotencyKey when another ACTIVE
// record already holds the same idempotency key. UpdateConsentIf applies m
// only when the record still satisfies expect, and returns nil, nil otherwise;
// it too returns ErrDuplicateIdempotencyKey when moving a record to ACTIVE
// would give its key a second ACTIVE holder.
// ListConsents returns newest-first by creation time along with the total
// number of matches.
type Store interface {
	CreateConsent(ctx context.Context, c *Consent) error
	GetConsent(ctx context.Context, id string) (*Consent, error)
	FindConsentByIdempotencyKey(ctx context.Context, key string) (*Consent, error)
	UpdateConsentIf(ctx context.Context, id string, expect Precondition, m Mutation) (*Consent, error)
	ListConsents(ctx context.Context, f Filter, page, perPage int) ([]*Consent, int, error)
	CountConsents(ctx context.Context, f Filter) (int, error)
}

// UserDirectory resolves users. Both lookups return nil, nil for unknown users.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
}

// PartnerDirectory resolves partners by the user id that owns them.
type PartnerDirectory interface {
	GetPartnerByOwnerUserID(ctx context.Context, ownerUserID string) (*Partner, error)
}

// Auditor accepts audit entries without blocking the caller.
type Auditor interface {
	Emit(e audit.Entry)
}
