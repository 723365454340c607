package main

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/consentvault/internal/audit"
	"github.com/example/consentvault/internal/consent"
)

// listQuery reads search, status, action, page and perPage from the query string.
func listQuery(r *http.Request) (ListQuery, bool) {
	q := r.URL.Query()
	lq := ListQuery{Search: q.Get("search"), Status: q.Get("status"), Action: q.Get("action")}
	for _, p := range []struct {
		dst *int
		key string
	}{{&lq.Page, "page"}, {&lq.PerPage, "perPage"}} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return ListQuery{}, false
		}
		*p.dst = n
	}
	return lq.normalized(), true
}

type page[T any] struct {
	Items   []T `json:"items"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"perPage"`
}

func writeBadPagination(w http.ResponseWriter) {
	writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "page and perPage must be positive integers")
}

// HandleListConsents lists consents newest first.
// GET /api/v1/admin/consents
func (a *App) HandleListConsents(w http.ResponseWriter, r *http.Request) {
	lq, ok := listQuery(r)
	if !ok {
		writeBadPagination(w)
		return
	}
	res, err := a.consents.GetConsentsAdmin(r.Context(),
		consent.AdminFilter{Search: lq.Search, Status: consent.Status(lq.Status)}, lq.Page, lq.PerPage)
	if err != nil {
		a.writeConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/v1/admin/consents/counts
func (a *App) HandleConsentCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.consents.GetConsentCounts(r.Context())
	if err != nil {
		a.writeConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// GET /api/v1/admin/consents/{id}
func (a *App) HandleGetConsent(w http.ResponseWriter, r *http.Request) {
	c, err := a.consents.GetConsent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleActivateConsent moves a PENDING consent to ACTIVE.
// PATCH /api/v1/admin/consents/{id}/activate
func (a *App) HandleActivateConsent(w http.ResponseWriter, r *http.Request) {
	c, err := a.consents.ActivateConsent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GET /api/v1/admin/users
func (a *App) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	lq, ok := listQuery(r)
	if !ok {
		writeBadPagination(w)
		return
	}
	users, total, err := a.DB.ListUsers(r.Context(), lq)
	if err != nil {
		a.writeInternal(w, r, "Failed to list users", err)
		return
	}
	writeJSON(w, http.StatusOK, page[*User]{Items: users, Total: total, Page: lq.Page, PerPage: lq.PerPage})
}

type userStatusRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// HandleSetUserStatus activates or deactivates a user. Inactive users cannot grant consents.
// PATCH /api/v1/admin/users/{id}/status
func (a *App) HandleSetUserStatus(w http.ResponseWriter, r *http.Request) {
	var req userStatusRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := a.DB.SetUserActive(r.Context(), mux.Vars(r)["id"], *req.Active, a.now().UTC())
	if err != nil {
		a.writeInternal(w, r, "Failed to update user", err)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found.")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GET /api/v1/admin/partners
func (a *App) HandleListPartners(w http.ResponseWriter, r *http.Request) {
	lq, ok := listQuery(r)
	if !ok {
		writeBadPagination(w)
		return
	}
	partners, total, err := a.DB.ListPartners(r.Context(), lq)
	if err != nil {
		a.writeInternal(w, r, "Failed to list partners", err)
		return
	}
	writeJSON(w, http.StatusOK, page[*Partner]{Items: partners, Total: total, Page: lq.Page, PerPage: lq.PerPage})
}

type partnerStatusRequest struct {
	Status PartnerStatus `json:"status" validate:"required,oneof=APPROVED REJECTED ACTIVE DEACTIVATED"`
}

// HandleSetPartnerStatus moves a partner through its approval state machine.
// PATCH /api/v1/admin/partners/{id}/status
func (a *App) HandleSetPartnerStatus(w http.ResponseWriter, r *http.Request) {
	var req partnerStatusRequest
	if !decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	p, err := a.DB.GetPartnerByID(r.Context(), id)
	if err != nil {
		a.writeInternal(w, r, "Failed to load partner", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "PARTNER_NOT_FOUND", "Partner not found.")
		return
	}
	if !p.Status.CanTransition(req.Status) {
		writeError(w, http.StatusBadRequest, "INVALID_TRANSITION", "Partner cannot move from "+string(p.Status)+" to "+string(req.Status))
		return
	}
	updated, err := a.DB.UpdatePartnerStatus(r.Context(), id, p.Status, req.Status, a.now().UTC())
	if err != nil {
		a.writeInternal(w, r, "Failed to update partner", err)
		return
	}
	if updated == nil {
		writeError(w, http.StatusConflict, "CONCURRENT_UPDATE", "Partner was modified concurrently, retry the request.")
		return
	}
	a.logger.Info("Partner status changed",
		zap.String("partner_id", id), zap.String("from", string(p.Status)), zap.String("to", string(updated.Status)))
	writeJSON(w, http.StatusOK, updated)
}

type rateLimitView struct {
	PartnerID          string `json:"partnerId"`
	OrgName            string `json:"orgName"`
	RateLimitPerMinute int    `json:"rateLimitPerMinute"`
}

// rateLimitOf reports the limit the RateLimit middleware enforces for p.
func (a *App) rateLimitOf(p *Partner) rateLimitView {
	limit := p.RateLimitPerMinute
	if limit <= 0 {
		limit = a.defaultRateLimit
	}
	return rateLimitView{PartnerID: p.ID, OrgName: p.OrgName, RateLimitPerMinute: limit}
}

// GET /api/v1/admin/rate-limits
func (a *App) HandleListRateLimits(w http.ResponseWriter, r *http.Request) {
	lq, ok := listQuery(r)
	if !ok {
		writeBadPagination(w)
		return
	}
	partners, total, err := a.DB.ListPartners(r.Context(), lq)
	if err != nil {
		a.writeInternal(w, r, "Failed to list rate limits", err)
		return
	}
	items := make([]rateLimitView, 0, len(partners))
	for _, p := range partners {
		items = append(items, a.rateLimitOf(p))
	}
	writeJSON(w, http.StatusOK, page[rateLimitView]{Items: items, Total: total, Page: lq.Page, PerPage: lq.PerPage})
}

// GET /api/v1/admin/partners/{id}/rate-limit
func (a *App) HandleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	p, err := a.DB.GetPartnerByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeInternal(w, r, "Failed to load partner", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "PARTNER_NOT_FOUND", "Partner not found.")
		return
	}
	writeJSON(w, http.StatusOK, a.rateLimitOf(p))
}

type rateLimitRequest struct {
	RateLimitPerMinute int `json:"rateLimitPerMinute" validate:"required,min=1,max=100000"`
}

// HandleUpdateRateLimit sets a partner's requests-per-minute. The next
// request from the partner is limited at the new rate.
// PATCH /api/v1/admin/partners/{id}/rate-limit
func (a *App) HandleUpdateRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateLimitRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := a.DB.UpdatePartnerRateLimit(r.Context(), mux.Vars(r)["id"], req.RateLimitPerMinute, a.now().UTC())
	if err != nil {
		a.writeInternal(w, r, "Failed to update rate limit", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "PARTNER_NOT_FOUND", "Partner not found.")
		return
	}
	a.logger.Info("Partner rate limit changed", zap.String("partner_id", p.ID), zap.Int("per_minute", p.RateLimitPerMinute))
	writeJSON(w, http.StatusOK, a.rateLimitOf(p))
}

// HandleIssueCredential creates an API key for a partner. The key is only
// returned by this call; the store keeps its bcrypt hash.
// POST /api/v1/admin/partners/{id}/credentials
func (a *App) HandleIssueCredential(w http.ResponseWriter, r *http.Request) {
	p, err := a.DB.GetPartnerByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeInternal(w, r, "Failed to load partner", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "PARTNER_NOT_FOUND", "Partner not found.")
		return
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		a.writeInternal(w, r, "Failed to generate API key", err)
		return
	}
	hash, err := hashAPIKey(apiKey)
	if err != nil {
		a.writeInternal(w, r, "Failed to hash API key", err)
		return
	}
	now := a.now().UTC()
	c := &Credential{
		ID:        uuid.NewString(),
		PartnerID: p.ID,
		ClientID:  "client_" + uuid.NewString(),
		KeyPrefix: getAPIKeyPrefix(apiKey),
		KeyHash:   hash,
		Status:    CredentialActive,
		ExpiresAt: now.Add(credentialTTL),
		CreatedAt: now,
	}
	if err := a.DB.CreateCredential(r.Context(), c); err != nil {
		a.writeInternal(w, r, "Failed to store credential", err)
		return
	}
	a.logger.Info("Credential issued", zap.String("partner_id", p.ID), zap.String("client_id", c.ClientID))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"credential": c,
		"apiKey":     apiKey,
	})
}

// GET /api/v1/admin/partners/{id}/credentials
func (a *App) HandleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := a.DB.ListCredentialsByPartner(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeInternal(w, r, "Failed to list credentials", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": creds})
}

// HandleRevokeCredential revokes an ACTIVE, unexpired credential.
// PATCH /api/v1/admin/credentials/{id}/revoke
func (a *App) HandleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := a.DB.GetCredentialByID(r.Context(), id)
	if err != nil {
		a.writeInternal(w, r, "Failed to load credential", err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "CREDENTIAL_NOT_FOUND", "Credential not found.")
		return
	}
	now := a.now().UTC()
	if !c.Usable(now) {
		writeError(w, http.StatusBadRequest, "CREDENTIAL_NOT_ACTIVE", "Credential is already revoked or expired.")
		return
	}
	revoked, err := a.DB.RevokeCredential(r.Context(), id, now)
	if err != nil {
		a.writeInternal(w, r, "Failed to revoke credential", err)
		return
	}
	if revoked == nil {
		writeError(w, http.StatusBadRequest, "CREDENTIAL_NOT_ACTIVE", "Credential is already revoked or expired.")
		return
	}
	writeJSON(w, http.StatusOK, revoked)
}

// GET /api/v1/admin/audits
func (a *App) HandleListAudits(w http.ResponseWriter, r *http.Request) {
	lq, ok := listQuery(r)
	if !ok {
		writeBadPagination(w)
		return
	}
	entries, total, err := a.DB.ListAudits(r.Context(), lq)
	if err != nil {
		a.writeInternal(w, r, "Failed to list audits", err)
		return
	}
	writeJSON(w, http.StatusOK, page[audit.Entry]{Items: entries, Total: total, Page: lq.Page, PerPage: lq.PerPage})
}
