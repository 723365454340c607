package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/consentvault/internal/consent"
	"github.com/example/consentvault/internal/validator"
)

const (
	headerTimestamp      = "X-Timestamp"
	headerIdempotencyKey = "X-Idempotency-Key"
)

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports false when the request should stop.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	if err := validator.Validate(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return false
	}
	return true
}

type consentIDRequest struct {
	ID string `json:"id" validate:"required"`
}

type checkConsentRequest struct {
	Email     string `json:"email" validate:"required,email"`
	PartnerID string `json:"partnerId" validate:"required"`
}

// HandleGenerateConsent grants a consent for the authenticated user.
// POST /api/v1/consents
func (a *App) HandleGenerateConsent(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req consent.GenerateRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := a.consents.GenerateConsent(r.Context(), id.UserID, req,
		r.Header.Get(headerIdempotencyKey), r.Header.Get(headerTimestamp))
	if err != nil {
		a.writeConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// HandleRevokeConsent revokes one of the caller's consents.
// POST /api/v1/consents/revoke
func (a *App) HandleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req consentIDRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := a.consents.RevokeConsent(r.Context(), id.UserID, req.ID,
		r.Header.Get(headerIdempotencyKey), r.Header.Get(headerTimestamp))
	if err != nil {
		a.writeConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleVerifyConsent checks a consent's signature.
// POST /api/v1/consents/verify
func (a *App) HandleVerifyConsent(w http.ResponseWriter, r *http.Request) {
	var req consentIDRequest
	if !decode(w, r, &req) {
		return
	}
	valid, err := a.consents.VerifyConsent(r.Context(), req.ID, r.Header.Get(headerTimestamp))
	if err != nil {
		a.writeConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// HandleBeaconConsent reports whether a consent is active. Public.
// POST /api/v1/consents/beacon
func (a *App) HandleBeaconConsent(w http.ResponseWriter, r *http.Request) {
	var req consentIDRequest
	if !decode(w, r, &req) {
		return
	}
	active, err := a.consents.BeaconConsent(r.Context(), req.ID, r.Header.Get(headerTimestamp))
	if err != nil {
		a.writeConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

// HandleCheckUserConsent lets a partner ask whether a user has consented to it.
// POST /api/v1/partner/check-user-consent
func (a *App) HandleCheckUserConsent(w http.ResponseWriter, r *http.Request) {
	p := partnerFrom(r.Context())
	var req checkConsentRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.consents.CheckUserAndConsent(r.Context(), req.Email, req.PartnerID, p.OwnerUserID)
	if err != nil {
		a.writeConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type registerUserRequest struct {
	Name string `json:"name" validate:"max=120"`
}

// HandleRegisterUser creates the caller's profile from their token.
// POST /api/v1/users/me
func (a *App) HandleRegisterUser(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req registerUserRequest
	if !decode(w, r, &req) {
		return
	}
	if id.Email == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Token carries no email")
		return
	}
	now := a.now().UTC()
	u := &User{
		ID:        id.UserID,
		Email:     strings.ToLower(id.Email),
		Name:      req.Name,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.DB.CreateUser(r.Context(), u); err != nil {
		if errors.Is(err, errDuplicate) {
			writeError(w, http.StatusConflict, "USER_EXISTS", "User with this email already exists")
			return
		}
		a.writeInternal(w, r, "Failed to create user", err)
		return
	}
	a.logger.Info("User registered", zap.String("user_id", u.ID))
	writeJSON(w, http.StatusCreated, u)
}

// HandleGetMe returns the caller's profile and how many consents they hold.
// GET /api/v1/users/me
func (a *App) HandleGetMe(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	u, err := a.DB.GetUserByID(r.Context(), id.UserID)
	if err != nil {
		a.writeInternal(w, r, "Failed to load user", err)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found.")
		return
	}
	n, err := a.consents.CountConsentsForUser(r.Context(), u.ID)
	if err != nil {
		a.writeConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":         u,
		"consentCount": n,
	})
}

type createPartnerRequest struct {
	OrgName        string   `json:"orgName" validate:"required,max=120"`
	AppName        string   `json:"appName" validate:"max=120"`
	ContactEmail   string   `json:"contactEmail" validate:"required,email"`
	AllowedOrigins []string `json:"allowedOrigins" validate:"omitempty,dive,url"`
}

// HandleCreatePartner registers a partner owned by the caller. It starts PENDING.
// POST /api/v1/partners
func (a *App) HandleCreatePartner(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req createPartnerRequest
	if !decode(w, r, &req) {
		return
	}
	owner, err := a.DB.GetUserByID(r.Context(), id.UserID)
	if err != nil {
		a.writeInternal(w, r, "Failed to load user", err)
		return
	}
	if owner == nil || !owner.Active {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found.")
		return
	}
	existing, err := a.DB.GetPartnerByContactEmail(r.Context(), req.ContactEmail)
	if err != nil {
		a.writeInternal(w, r, "Failed to look up partner", err)
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "PARTNER_EXISTS", "Partner with this contact email already exists")
		return
	}

	now := a.now().UTC()
	p := &Partner{
		ID:                 uuid.NewString(),
		OwnerUserID:        owner.ID,
		OrgName:            req.OrgName,
		AppName:            req.AppName,
		ContactEmail:       strings.ToLower(req.ContactEmail),
		Status:             PartnerPending,
		RateLimitPerMinute: a.defaultRateLimit,
		AllowedOrigins:     req.AllowedOrigins,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := a.DB.CreatePartner(r.Context(), p); err != nil {
		if errors.Is(err, errDuplicate) {
			writeError(w, http.StatusConflict, "PARTNER_EXISTS", "Partner already exists for this user or contact email")
			return
		}
		a.writeInternal(w, r, "Failed to create partner", err)
		return
	}
	a.logger.Info("Partner registered", zap.String("partner_id", p.ID), zap.String("owner_user_id", p.OwnerUserID))
	writeJSON(w, http.StatusCreated, p)
}
