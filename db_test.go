package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/consentvault/internal/audit"
	"github.com/example/consentvault/internal/consent"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func adapters(t *testing.T) map[string]func(t *testing.T) DB {
	return map[string]func(t *testing.T) DB{
		"memory": func(t *testing.T) DB { return NewMemoryDB() },
		"sqlite": func(t *testing.T) DB {
			s, err := NewSQLiteDB(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.close() })
			return s
		},
	}
}

// forEachAdapter runs fn against every adapter that needs no external service.
func forEachAdapter(t *testing.T, fn func(t *testing.T, db DB)) {
	for name, open := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func testConsent(id, key string, status consent.Status, created time.Time) *consent.Consent {
	return &consent.Consent{
		ID:             id,
		ConsentID:      "consent_" + id,
		UserID:         "u1",
		PartnerID:      "p1",
		Purposes:       []consent.Purpose{consent.PurposeAnalytics, consent.PurposeMarketing},
		Status:         status,
		GrantedAt:      created,
		ExpiresAt:      created.Add(24 * time.Hour),
		Signature:      "sig-" + id,
		Epoch:          1,
		IdempotencyKey: key,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestDBUsers(t *testing.T) { forEachAdapter(t, usersContract) }

func usersContract(t *testing.T, db DB) {
	ctx := context.Background()
	for i, email := range []string{"alice@example.com", "bob@example.com", "carol@example.org"} {
		u := &User{ID: fmt.Sprintf("u%d", i+1), Email: email, Name: "user", Active: true,
			CreatedAt: baseTime.Add(time.Duration(i) * time.Minute), UpdatedAt: baseTime}
		require.NoError(t, db.CreateUser(ctx, u))
	}
	err := db.CreateUser(ctx, &User{ID: "u9", Email: "alice@example.com", CreatedAt: baseTime, UpdatedAt: baseTime})
	assert.ErrorIs(t, err, errDuplicate)

	got, err := db.GetUserByEmail(ctx, "Alice@Example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.ID)
	assert.True(t, got.Active)
	assert.True(t, baseTime.Equal(got.CreatedAt))

	missing, err := db.GetUserByID(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	updated, err := db.SetUserActive(ctx, "u2", false, baseTime.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.False(t, updated.Active)

	none, err := db.SetUserActive(ctx, "nobody", false, baseTime)
	require.NoError(t, err)
	assert.Nil(t, none)

	list, total, err := db.ListUsers(ctx, ListQuery{Search: "EXAMPLE.COM"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, "u2", list[0].ID, "newest first")

	page2, total, err := db.ListUsers(ctx, ListQuery{Page: 2, PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page2, 1)
	assert.Equal(t, "u1", page2[0].ID)
}

func TestDBPartnersAndCredentials(t *testing.T) { forEachAdapter(t, partnersContract) }

func partnersContract(t *testing.T, db DB) {
	ctx := context.Background()
	require.NoError(t, db.CreateUser(ctx, &User{ID: "owner", Email: "owner@acme.test", Active: true, CreatedAt: baseTime, UpdatedAt: baseTime}))
	p := &Partner{
		ID:                 "partner-1",
		OwnerUserID:        "owner",
		OrgName:            "Acme",
		AppName:            "Acme App",
		ContactEmail:       "ops@acme.test",
		Status:             PartnerPending,
		RateLimitPerMinute: 60,
		AllowedOrigins:     []string{"https://acme.test", "https://app.acme.test"},
		CreatedAt:          baseTime,
		UpdatedAt:          baseTime,
	}
	require.NoError(t, db.CreatePartner(ctx, p))
	dup := *p
	dup.ID = "partner-2"
	dup.OwnerUserID = "someone-else"
	assert.ErrorIs(t, db.CreatePartner(ctx, &dup), errDuplicate)

	byOwner, err := db.GetPartnerByOwner(ctx, "owner")
	require.NoError(t, err)
	require.NotNil(t, byOwner)
	assert.Equal(t, p.AllowedOrigins, byOwner.AllowedOrigins)

	byEmail, err := db.GetPartnerByContactEmail(ctx, "OPS@acme.test")
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, "partner-1", byEmail.ID)

	approved, err := db.UpdatePartnerStatus(ctx, p.ID, PartnerPending, PartnerApproved, baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, approved)
	assert.Equal(t, PartnerApproved, approved.Status)

	stale, err := db.UpdatePartnerStatus(ctx, p.ID, PartnerPending, PartnerRejected, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, stale, "status already moved on")

	limited, err := db.UpdatePartnerRateLimit(ctx, p.ID, 600, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, limited)
	assert.Equal(t, 600, limited.RateLimitPerMinute)
	assert.Equal(t, PartnerApproved, limited.Status)
	reloaded, err := db.GetPartnerByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 600, reloaded.RateLimitPerMinute)

	missing, err := db.UpdatePartnerRateLimit(ctx, "no-such-partner", 10, baseTime)
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, total, err := db.ListPartners(ctx, ListQuery{Status: string(PartnerApproved), Search: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)

	c := &Credential{
		ID: "cred-1", PartnerID: p.ID, ClientID: "client-1", KeyPrefix: "abcd1234", KeyHash: "hash",
		Status: CredentialActive, ExpiresAt: baseTime.Add(credentialTTL), CreatedAt: baseTime,
	}
	require.NoError(t, db.CreateCredential(ctx, c))
	dupCred := *c
	dupCred.ID = "cred-2"
	assert.ErrorIs(t, db.CreateCredential(ctx, &dupCred), errDuplicate)

	byPrefix, err := db.GetCredentialsByPrefix(ctx, "abcd1234")
	require.NoError(t, err)
	require.Len(t, byPrefix, 1)
	assert.Equal(t, "hash", byPrefix[0].KeyHash)
	assert.True(t, byPrefix[0].Usable(baseTime))
	assert.False(t, byPrefix[0].Usable(baseTime.Add(credentialTTL)))

	revoked, err := db.RevokeCredential(ctx, c.ID, baseTime.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, revoked)
	assert.Equal(t, CredentialRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)

	again, err := db.RevokeCredential(ctx, c.ID, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, again)

	all, err := db.ListCredentialsByPartner(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDBConsentStore(t *testing.T) { forEachAdapter(t, consentStoreContract) }

func consentStoreContract(t *testing.T, db DB) {
	ctx := context.Background()

	first := testConsent("c1", "key-1", consent.StatusActive, baseTime)
	require.NoError(t, db.CreateConsent(ctx, first))

	err := db.CreateConsent(ctx, testConsent("c2", "key-1", consent.StatusActive, baseTime.Add(time.Minute)))
	assert.ErrorIs(t, err, consent.ErrDuplicateIdempotencyKey)

	got, err := db.GetConsent(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.Purposes, got.Purposes)
	assert.Equal(t, "key-1", got.IdempotencyKey)
	assert.Nil(t, got.RevokedAt)
	assert.True(t, first.ExpiresAt.Equal(got.ExpiresAt))

	// A stale precondition leaves the record alone.
	none, err := db.UpdateConsentIf(ctx, "c1",
		consent.Precondition{Status: consent.StatusActive, Epoch: 7},
		consent.Mutation{Status: consent.StatusRevoked, Epoch: 8, UpdatedAt: baseTime})
	require.NoError(t, err)
	assert.Nil(t, none)

	revokedAt := baseTime.Add(time.Hour)
	revoked, err := db.UpdateConsentIf(ctx, "c1",
		consent.Precondition{Status: consent.StatusActive, Epoch: 1},
		consent.Mutation{Status: consent.StatusRevoked, Epoch: 2, RevokedAt: &revokedAt, UpdatedAt: revokedAt})
	require.NoError(t, err)
	require.NotNil(t, revoked)
	assert.Equal(t, consent.StatusRevoked, revoked.Status)
	assert.Equal(t, 2, revoked.Epoch)
	assert.Equal(t, "sig-c1", revoked.Signature, "empty mutation signature keeps the stored one")
	require.NotNil(t, revoked.RevokedAt)
	assert.True(t, revokedAt.Equal(*revoked.RevokedAt))

	// The key is free again once its holder left ACTIVE.
	second := testConsent("c2", "key-1", consent.StatusActive, baseTime.Add(2*time.Hour))
	require.NoError(t, db.CreateConsent(ctx, second))

	newest, err := db.FindConsentByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, newest)
	assert.Equal(t, "c2", newest.ID)

	// Re-activating the revoked holder would duplicate the key.
	_, err = db.UpdateConsentIf(ctx, "c1",
		consent.Precondition{Status: consent.StatusRevoked, Epoch: 2},
		consent.Mutation{Status: consent.StatusActive, Epoch: 2, UpdatedAt: baseTime})
	assert.ErrorIs(t, err, consent.ErrDuplicateIdempotencyKey)

	pending := testConsent("c3", "", consent.StatusPending, baseTime.Add(3*time.Hour))
	pending.UserID = "u2"
	pending.PartnerID = "partner-x"
	require.NoError(t, db.CreateConsent(ctx, pending))

	list, total, err := db.ListConsents(ctx, consent.Filter{UserID: "u1", PartnerID: "p1"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].ID, "newest first")

	active, _, err := db.ListConsents(ctx, consent.Filter{Statuses: []consent.Status{consent.StatusActive, consent.StatusExpired}}, 1, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c2", active[0].ID)

	found, total, err := db.ListConsents(ctx, consent.Filter{Search: "PARTNER-X"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, found, 1)
	assert.Empty(t, found[0].IdempotencyKey)

	n, err := db.CountConsents(ctx, consent.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = db.CountConsents(ctx, consent.Filter{Statuses: []consent.Status{consent.StatusRevoked}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	missing, err := db.FindConsentByIdempotencyKey(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDBAudits(t *testing.T) { forEachAdapter(t, auditsContract) }

func auditsContract(t *testing.T, db DB) {
	ctx := context.Background()
	entries := []audit.Entry{
		{ID: "a1", Action: audit.ActionConsentGenerated, UserID: "u1", ConsentID: "c1", Timestamp: baseTime, Details: "Consent generated for partner p1", Status: audit.StatusCompleted},
		{ID: "a2", Action: audit.ActionConsentVerified, UserID: "u1", ConsentID: "c1", Timestamp: baseTime.Add(time.Minute), Details: "Consent verification result: true", Status: audit.StatusCompleted, Metadata: map[string]interface{}{"valid": true}, IPAddress: "10.0.0.1", UserAgent: "curl/8"},
		{ID: "a3", Action: audit.ActionConsentRevoked, UserID: "u2", ConsentID: "c9", Timestamp: baseTime.Add(2 * time.Minute), Details: "Unauthorized access attempt", Status: audit.StatusFailed},
	}
	for _, e := range entries {
		require.NoError(t, db.CreateAuditEntry(ctx, e))
	}

	all, total, err := db.ListAudits(ctx, ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, "a3", all[0].ID)

	verified, _, err := db.ListAudits(ctx, ListQuery{Action: string(audit.ActionConsentVerified)})
	require.NoError(t, err)
	require.Len(t, verified, 1)
	assert.Equal(t, true, verified[0].Metadata["valid"])
	assert.Equal(t, "10.0.0.1", verified[0].IPAddress)

	failed, _, err := db.ListAudits(ctx, ListQuery{Status: string(audit.StatusFailed), Search: "unauthorized"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "u2", failed[0].UserID)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%\_off\\`, escapeLike(`100%_off\`))
}
