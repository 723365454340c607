package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/consentvault/internal/audit"
	"github.com/example/consentvault/internal/consent"
)

type testServer struct {
	t       *testing.T
	app     *App
	db      *MemDB
	handler http.Handler
	batcher *audit.Batcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	jwtSecret = []byte("test-jwt-secret")
	log := zaptest.NewLogger(t)
	db := NewMemoryDB()

	batcher := audit.NewBatcher(audit.BatcherConfig{FlushInterval: 10 * time.Millisecond}, log, db)
	batcher.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = batcher.Stop(ctx)
	})

	app := &App{
		DB:               db,
		logger:           log,
		rateLimiter:      NewRateLimiter(),
		defaultRateLimit: 60,
		now:              time.Now,
	}
	app.consents = consent.NewService(consent.Deps{
		Store:    db,
		Users:    directory{db: db},
		Partners: directory{db: db},
		Signer:   consent.NewSigner("test-hmac-secret"),
		Auditor:  batcher,
		Logger:   log,
	}, consent.Config{})
	return &testServer{t: t, app: app, db: db, handler: app.routes(), batcher: batcher}
}

func (s *testServer) token(userID, email, role string) string {
	tok, err := createAccessToken(Identity{UserID: userID, Email: email, Role: role}, time.Hour)
	require.NoError(s.t, err)
	return tok
}

type header map[string]string

func (s *testServer) do(method, path string, body interface{}, h header) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func bearer(tok string) header {
	return header{"Authorization": "Bearer " + tok}
}

func (h header) with(k, v string) header {
	out := header{}
	for key, val := range h {
		out[key] = val
	}
	out[k] = v
	return out
}

func now() string {
	return consent.FormatTimestamp(time.Now())
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e APIError
	decodeBody(t, rec, &e)
	return e.Code
}

// partnerWithKey registers an owner user and partner, moves the partner to
// status and issues it an API key.
func (s *testServer) partnerWithKey(ownerID, email string, status PartnerStatus) (*Partner, string) {
	t := s.t
	ownerTok := s.token(ownerID, email, "user")
	rec := s.do(http.MethodPost, "/api/v1/users/me", map[string]string{"name": "Owner"}, bearer(ownerTok))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/v1/partners", map[string]interface{}{
		"orgName":      "Acme",
		"appName":      "Acme App",
		"contactEmail": email,
	}, bearer(ownerTok))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p Partner
	decodeBody(t, rec, &p)
	assert.Equal(t, PartnerPending, p.Status)

	admin := bearer(s.token("admin", "admin@consentvault.test", roleOwner))
	path := []PartnerStatus{PartnerApproved, PartnerActive}
	for _, next := range path {
		if p.Status == status {
			break
		}
		rec = s.do(http.MethodPatch, "/api/v1/admin/partners/"+p.ID+"/status", map[string]string{"status": string(next)}, admin)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		decodeBody(t, rec, &p)
	}

	rec = s.do(http.MethodPost, "/api/v1/admin/partners/"+p.ID+"/credentials", nil, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var issued struct {
		Credential Credential `json:"credential"`
		APIKey     string     `json:"apiKey"`
	}
	decodeBody(t, rec, &issued)
	require.Len(t, issued.APIKey, 64)
	assert.Equal(t, issued.APIKey[:8], issued.Credential.KeyPrefix)
	return &p, issued.APIKey
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = s.do(http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ready":true}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConsentLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	partner, apiKey := s.partnerWithKey("partner-owner", "ops@acme.test", PartnerApproved)

	userTok := s.token("user-1", "Alice@Example.com", "user")
	user := bearer(userTok)
	rec := s.do(http.MethodPost, "/api/v1/users/me", map[string]string{"name": "Alice"}, user)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Nothing granted yet.
	check := map[string]string{"email": "alice@example.com", "partnerId": partner.OwnerUserID}
	rec = s.do(http.MethodPost, "/api/v1/partner/check-user-consent", check, header{"X-API-Key": apiKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"isUserCreated":true,"isConsentValid":false,"isConsentExpired":false}`, rec.Body.String())

	grant := map[string]interface{}{"partnerId": partner.OwnerUserID, "purposes": []string{"ANALYTICS", "MARKETING"}}
	h := user.with(headerTimestamp, now()).with(headerIdempotencyKey, "grant-1")
	rec = s.do(http.MethodPost, "/api/v1/consents", grant, h)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var c consent.Consent
	decodeBody(t, rec, &c)
	assert.Equal(t, consent.StatusActive, c.Status)
	assert.Equal(t, "user-1", c.UserID)
	assert.Equal(t, 1, c.Epoch)

	// Same key, same grant: the existing record comes back.
	rec = s.do(http.MethodPost, "/api/v1/consents", grant, h)
	require.Equal(t, http.StatusCreated, rec.Code)
	var replay consent.Consent
	decodeBody(t, rec, &replay)
	assert.Equal(t, c.ID, replay.ID)

	rec = s.do(http.MethodPost, "/api/v1/partner/check-user-consent", check, header{"X-API-Key": apiKey})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"isUserCreated":true,"isConsentValid":true,"isConsentExpired":false}`, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/v1/consents/verify", map[string]string{"id": c.ID}, header{"X-API-Key": apiKey, headerTimestamp: now()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"valid":true}`, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/v1/consents/beacon", map[string]string{"id": c.ID}, header{headerTimestamp: now()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":true}`, rec.Body.String())

	revokeHeaders := user.with(headerTimestamp, now()).with(headerIdempotencyKey, "revoke-1")
	rec = s.do(http.MethodPost, "/api/v1/consents/revoke", map[string]string{"id": c.ID}, revokeHeaders)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var revoked consent.Consent
	decodeBody(t, rec, &revoked)
	assert.Equal(t, consent.StatusRevoked, revoked.Status)
	assert.Equal(t, 2, revoked.Epoch)

	// A transport retry of the same revoke is rejected.
	rec = s.do(http.MethodPost, "/api/v1/consents/revoke", map[string]string{"id": c.ID}, revokeHeaders)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/v1/consents/revoke", map[string]string{"id": c.ID}, user.with(headerTimestamp, now()).with(headerIdempotencyKey, "revoke-2"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ALREADY_REVOKED", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/v1/consents/verify", map[string]string{"id": c.ID}, user.with(headerTimestamp, now()))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "EPOCH_MISMATCH", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/v1/consents/beacon", map[string]string{"id": c.ID}, header{headerTimestamp: now()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":false}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/v1/users/me", nil, user)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		ConsentCount int `json:"consentCount"`
	}
	decodeBody(t, rec, &me)
	assert.Equal(t, 1, me.ConsentCount)

	admin := bearer(s.token("admin", "admin@consentvault.test", roleOwner))
	rec = s.do(http.MethodGet, "/api/v1/admin/consents/counts", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total":1,"active":0,"revoked":1,"expired":0}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/v1/admin/consents?status=REVOKED&search=user-1", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed consent.PageResult
	decodeBody(t, rec, &listed)
	assert.Equal(t, 1, listed.Total)
	assert.Equal(t, 10, listed.PerPage)

	rec = s.do(http.MethodGet, "/api/v1/admin/consents/"+c.ID, nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := s.do(http.MethodGet, "/api/v1/admin/audits?action=CONSENT_REVOKED&status=COMPLETED", nil, admin)
		var p page[audit.Entry]
		if json.Unmarshal(rec.Body.Bytes(), &p) != nil || p.Total != 1 {
			return false
		}
		return p.Items[0].IPAddress != "" && p.Items[0].ConsentID == c.ConsentID
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGenerateConsentRejections(t *testing.T) {
	s := newTestServer(t)
	partner, _ := s.partnerWithKey("partner-owner", "ops@acme.test", PartnerApproved)
	user := bearer(s.token("user-1", "alice@example.com", "user"))
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/users/me", map[string]string{}, user).Code)

	valid := map[string]interface{}{"partnerId": partner.OwnerUserID, "purposes": []string{"ANALYTICS"}}
	tests := []struct {
		name   string
		body   interface{}
		h      header
		status int
		code   string
	}{
		{"no token", valid, header{headerTimestamp: now()}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad token", valid, bearer("garbage").with(headerTimestamp, now()), http.StatusUnauthorized, "UNAUTHORIZED"},
		{"missing timestamp", valid, user, http.StatusBadRequest, "MISSING_TIMESTAMP"},
		{"stale timestamp", valid, user.with(headerTimestamp, consent.FormatTimestamp(time.Now().Add(-10*time.Minute))), http.StatusBadRequest, "INVALID_TIMESTAMP"},
		{"no purposes", map[string]interface{}{"partnerId": partner.OwnerUserID, "purposes": []string{}}, user.with(headerTimestamp, now()), http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown purpose", map[string]interface{}{"partnerId": partner.OwnerUserID, "purposes": []string{"SPAM"}}, user.with(headerTimestamp, now()), http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown partner", map[string]interface{}{"partnerId": "nobody", "purposes": []string{"ANALYTICS"}}, user.with(headerTimestamp, now()), http.StatusNotFound, "PARTNER_NOT_FOUND"},
		{"someone else", map[string]interface{}{"userId": "user-2", "partnerId": partner.OwnerUserID, "purposes": []string{"ANALYTICS"}}, user.with(headerTimestamp, now()), http.StatusNotFound, "USER_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/v1/consents", tt.body, tt.h)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	t.Run("fingerprint mismatch", func(t *testing.T) {
		h := user.with(headerTimestamp, now()).with(headerIdempotencyKey, "k-1")
		require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/consents", valid, h).Code)
		other := map[string]interface{}{"partnerId": partner.OwnerUserID, "purposes": []string{"MARKETING"}}
		rec := s.do(http.MethodPost, "/api/v1/consents", other, h)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "IDEMPOTENCY_CONFLICT", errorCode(t, rec))
	})
}

func TestRevokeRequiresIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	user := bearer(s.token("user-1", "alice@example.com", "user"))
	rec := s.do(http.MethodPost, "/api/v1/consents/revoke", map[string]string{"id": "whatever"}, user.with(headerTimestamp, now()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_IDEMPOTENCY_KEY", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/v1/consents/revoke", map[string]string{"id": "whatever"},
		user.with(headerTimestamp, now()).with(headerIdempotencyKey, "r-1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "CONSENT_NOT_FOUND", errorCode(t, rec))
}

func TestPartnerAPIKeyAuth(t *testing.T) {
	s := newTestServer(t)
	_, pendingKey := s.partnerWithKey("pending-owner", "pending@acme.test", PartnerPending)
	approved, key := s.partnerWithKey("approved-owner", "approved@acme.test", PartnerApproved)
	check := map[string]string{"email": "alice@example.com", "partnerId": approved.OwnerUserID}

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"unknown", "0123456789abcdef", http.StatusUnauthorized},
		{"pending partner", pendingKey, http.StatusUnauthorized},
		{"approved partner", key, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := header{}
			if tt.key != "" {
				h["X-API-Key"] = tt.key
			}
			rec := s.do(http.MethodPost, "/api/v1/partner/check-user-consent", check, h)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	// Another partner's owner id is rejected even with a valid key.
	rec := s.do(http.MethodPost, "/api/v1/partner/check-user-consent",
		map[string]string{"email": "alice@example.com", "partnerId": "pending-owner"}, header{"X-API-Key": key})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARTNER", errorCode(t, rec))

	// Revoking the credential locks the partner out.
	admin := bearer(s.token("admin", "admin@consentvault.test", roleOwner))
	creds, err := s.db.ListCredentialsByPartner(context.Background(), approved.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	rec = s.do(http.MethodPatch, "/api/v1/admin/credentials/"+creds[0].ID+"/revoke", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPatch, "/api/v1/admin/credentials/"+creds[0].ID+"/revoke", nil, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "CREDENTIAL_NOT_ACTIVE", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/v1/partner/check-user-consent", check, header{"X-API-Key": key})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPartnerRateLimit(t *testing.T) {
	s := newTestServer(t)
	s.app.defaultRateLimit = 2
	partner, key := s.partnerWithKey("owner", "ops@acme.test", PartnerActive)
	check := map[string]string{"email": "alice@example.com", "partnerId": partner.OwnerUserID}

	for i := 0; i < 2; i++ {
		rec := s.do(http.MethodPost, "/api/v1/partner/check-user-consent", check, header{"X-API-Key": key})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := s.do(http.MethodPost, "/api/v1/partner/check-user-consent", check, header{"X-API-Key": key})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, rec))
}

func TestAdminRateLimitChangeIsEnforced(t *testing.T) {
	s := newTestServer(t)
	s.app.defaultRateLimit = 2
	partner, key := s.partnerWithKey("owner", "ops@acme.test", PartnerActive)
	check := map[string]string{"email": "alice@example.com", "partnerId": partner.OwnerUserID}
	callUntilLimited := func() int {
		for n := 0; n < 20; n++ {
			rec := s.do(http.MethodPost, "/api/v1/partner/check-user-consent", check, header{"X-API-Key": key})
			if rec.Code == http.StatusTooManyRequests {
				return n
			}
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		}
		return -1
	}
	assert.Equal(t, 2, callUntilLimited())

	admin := bearer(s.token("admin", "admin@consentvault.test", roleOwner))
	path := "/api/v1/admin/partners/" + partner.ID + "/rate-limit"
	var view rateLimitView
	rec := s.do(http.MethodGet, path, nil, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &view)
	assert.Equal(t, rateLimitView{PartnerID: partner.ID, OrgName: "Acme", RateLimitPerMinute: 2}, view)

	rec = s.do(http.MethodPatch, path, map[string]int{"rateLimitPerMinute": 0}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(http.MethodPatch, "/api/v1/admin/partners/missing/rate-limit", map[string]int{"rateLimitPerMinute": 5}, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPatch, path, map[string]int{"rateLimitPerMinute": 5}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &view)
	assert.Equal(t, 5, view.RateLimitPerMinute)

	assert.Equal(t, 5, callUntilLimited())

	rec = s.do(http.MethodGet, "/api/v1/admin/rate-limits?search=acme", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list page[rateLimitView]
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, []rateLimitView{{PartnerID: partner.ID, OrgName: "Acme", RateLimitPerMinute: 5}}, list.Items)
}

func TestAdminListCredentialsUsesPlainBody(t *testing.T) {
	s := newTestServer(t)
	partner, _ := s.partnerWithKey("owner", "ops@acme.test", PartnerApproved)
	admin := bearer(s.token("admin", "admin@consentvault.test", roleOwner))

	rec := s.do(http.MethodGet, "/api/v1/admin/partners/"+partner.ID+"/credentials", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]json.RawMessage
	decodeBody(t, rec, &body)
	assert.NotContains(t, body, "success")
	var creds []Credential
	require.NoError(t, json.Unmarshal(body["items"], &creds))
	require.Len(t, creds, 1)
	assert.Equal(t, partner.ID, creds[0].PartnerID)
}

func TestPartnerStatusMachineOverHTTP(t *testing.T) {
	s := newTestServer(t)
	owner := bearer(s.token("owner", "ops@acme.test", "user"))
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/users/me", map[string]string{}, owner).Code)
	rec := s.do(http.MethodPost, "/api/v1/partners", map[string]string{"orgName": "Acme", "contactEmail": "ops@acme.test"}, owner)
	require.Equal(t, http.StatusCreated, rec.Code)
	var p Partner
	decodeBody(t, rec, &p)

	rec = s.do(http.MethodPost, "/api/v1/partners", map[string]string{"orgName": "Acme 2", "contactEmail": "OPS@acme.test"}, owner)
	assert.Equal(t, http.StatusConflict, rec.Code)

	admin := bearer(s.token("admin", "admin@consentvault.test", roleOwner))
	steps := []struct {
		to     PartnerStatus
		status int
	}{
		{PartnerActive, http.StatusBadRequest},
		{PartnerApproved, http.StatusOK},
		{PartnerRejected, http.StatusBadRequest},
		{PartnerActive, http.StatusOK},
		{PartnerDeactivated, http.StatusOK},
		{PartnerActive, http.StatusOK},
	}
	for _, step := range steps {
		rec := s.do(http.MethodPatch, "/api/v1/admin/partners/"+p.ID+"/status", map[string]string{"status": string(step.to)}, admin)
		assert.Equal(t, step.status, rec.Code, "to %s: %s", step.to, rec.Body.String())
	}

	rec = s.do(http.MethodPatch, "/api/v1/admin/partners/"+p.ID+"/status", map[string]string{"status": "PENDING"}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))
}

func TestAdminRoutesRequireOwnerRole(t *testing.T) {
	s := newTestServer(t)
	user := bearer(s.token("user-1", "alice@example.com", "user"))
	for _, path := range []string{"/api/v1/admin/consents", "/api/v1/admin/users", "/api/v1/admin/audits"} {
		rec := s.do(http.MethodGet, path, nil, user)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}

	admin := bearer(s.token("admin", "admin@consentvault.test", roleOwner))
	rec := s.do(http.MethodGet, "/api/v1/admin/users?page=0", nil, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminUserStatusBlocksGrants(t *testing.T) {
	s := newTestServer(t)
	partner, _ := s.partnerWithKey("partner-owner", "ops@acme.test", PartnerApproved)
	user := bearer(s.token("user-1", "alice@example.com", "user"))
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/users/me", map[string]string{}, user).Code)

	admin := bearer(s.token("admin", "admin@consentvault.test", roleOwner))
	rec := s.do(http.MethodPatch, "/api/v1/admin/users/user-1/status", map[string]bool{"active": false}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/v1/consents",
		map[string]interface{}{"partnerId": partner.OwnerUserID, "purposes": []string{"ANALYTICS"}},
		user.with(headerTimestamp, now()))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "USER_NOT_FOUND", errorCode(t, rec))

	rec = s.do(http.MethodGet, "/api/v1/admin/users?search=alice", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var users page[User]
	decodeBody(t, rec, &users)
	require.Equal(t, 1, users.Total)
	assert.False(t, users.Items[0].Active)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodOptions, "/api/v1/consents", nil, header{"Origin": "https://app.example.com"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Idempotency-Key")
}
