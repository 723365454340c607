// Package consent implements the consent lifecycle: signed generation with
// idempotency, verification, revocation, lazy expiry and beacon checks.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/consentvault/internal/audit"
	"github.com/example/consentvault/internal/cache"
	"github.com/example/consentvault/internal/metrics"
)

const (
	// DefaultTTL is the production grant window.
	DefaultTTL = 30 * 24 * time.Hour
	// DefaultRevokeDedupTTL bounds how long a revoke key+id pair is remembered.
	DefaultRevokeDedupTTL = time.Hour
	// DefaultCacheTTL bounds staleness of a cached record when invalidation is missed.
	DefaultCacheTTL = 5 * time.Minute

	// IdempotencyPlaceholder is an unexpanded client template value treated as absent.
	IdempotencyPlaceholder = "{{IDEMPOTENCY_KEY}}"

	maxRevokeAttempts = 3
	maxPerPage        = 100
)

type Config struct {
	TTL             time.Duration
	TimestampWindow time.Duration
	RevokeDedupTTL  time.Duration
	CacheTTL        time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.TimestampWindow <= 0 {
		c.TimestampWindow = DefaultTimestampWindow
	}
	if c.RevokeDedupTTL <= 0 {
		c.RevokeDedupTTL = DefaultRevokeDedupTTL
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}

// Deps are the collaborators a Service needs. Cache, Auditor and Logger are optional.
type Deps struct {
	Store    Store
	Users    UserDirectory
	Partners PartnerDirectory
	Signer   *Signer
	Auditor  Auditor
	Cache    cache.Store
	Logger   *zap.Logger
}

type Service struct {
	store    Store
	users    UserDirectory
	partners PartnerDirectory
	signer   *Signer
	auditor  Auditor
	cache    cache.Store
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(d Deps, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:    d.Store,
		users:    d.Users,
		partners: d.Partners,
		signer:   d.Signer,
		auditor:  d.Auditor,
		cache:    d.Cache,
		logger:   d.Logger,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	if s.auditor == nil {
		s.auditor = discardAuditor{}
	}
	if s.cache == nil {
		s.cache = cache.NewMemory()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type discardAuditor struct{}

func (discardAuditor) Emit(audit.Entry) {}

type clientKey struct{}

type clientInfo struct {
	ip        string
	userAgent string
}

// WithClient attaches the caller's address and user agent to ctx so audit
// entries produced while serving the request carry them.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey{}, clientInfo{ip: ip, userAgent: userAgent})
}

// GenerateConsent grants req for callerUserID. A repeat with the same
// idempotency key returns the prior ACTIVE record instead of creating one.
func (s *Service) GenerateConsent(ctx context.Context, callerUserID string, req GenerateRequest, idempotencyKey, timestamp string) (c *Consent, err error) {
	defer s.observe("generate", s.now(), &err)

	now := s.now()
	if err := ValidateTimestamp(timestamp, now, s.cfg.TimestampWindow); err != nil {
		return nil, err
	}
	userID, err := s.resolveGrantee(callerUserID, req)
	if err != nil {
		return nil, err
	}
	req.UserID = userID

	key := idempotencyKey
	if key == "" || key == IdempotencyPlaceholder {
		key = "consent_" + uuid.NewString()
	}

	existing, err := s.store.FindConsentByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find consent by idempotency key: %w", err)
	}
	if existing != nil && existing.Status == StatusActive {
		if !existing.ExpiredAt(now) {
			if !sameGrant(existing, req) {
				return nil, errFingerprintMismatch
			}
			s.logger.Info("Idempotency hit, returning existing consent",
				zap.String("consent_id", existing.ConsentID), zap.String("idempotency_key", key))
			s.record(ctx, existing, audit.ActionConsentRetrieved, "Existing consent retrieved via idempotency key", audit.StatusCompleted, nil)
			return existing, nil
		}
		// Free the key before regenerating under it.
		if _, err := s.markExpired(ctx, existing); err != nil {
			return nil, err
		}
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil || !user.Active {
		return nil, errUserNotFound
	}
	partner, err := s.partners.GetPartnerByOwnerUserID(ctx, req.PartnerID)
	if err != nil {
		return nil, fmt.Errorf("get partner: %w", err)
	}
	if partner == nil {
		return nil, errPartnerNotFound
	}

	grantedAt := now.UTC().Truncate(time.Millisecond)
	c = &Consent{
		ID:             uuid.NewString(),
		ConsentID:      newConsentID(),
		UserID:         userID,
		PartnerID:      req.PartnerID,
		Purposes:       append([]Purpose(nil), req.Purposes...),
		Status:         StatusActive,
		GrantedAt:      grantedAt,
		ExpiresAt:      grantedAt.Add(s.cfg.TTL),
		Epoch:          1,
		IdempotencyKey: key,
		CreatedAt:      grantedAt,
		UpdatedAt:      grantedAt,
	}
	c.Signature = s.signer.SignConsent(c)

	if err := s.store.CreateConsent(ctx, c); err != nil {
		if !errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil, fmt.Errorf("create consent: %w", err)
		}
		// Lost a race on the key; the stored record wins.
		winner, ferr := s.store.FindConsentByIdempotencyKey(ctx, key)
		if ferr != nil {
			return nil, fmt.Errorf("find consent by idempotency key: %w", ferr)
		}
		if winner == nil || winner.Status != StatusActive || !sameGrant(winner, req) {
			return nil, errDuplicateKey
		}
		s.record(ctx, winner, audit.ActionConsentRetrieved, "Existing consent retrieved via idempotency key", audit.StatusCompleted, nil)
		return winner, nil
	}

	s.record(ctx, c, audit.ActionConsentGenerated, "Consent generated for partner "+c.PartnerID, audit.StatusCompleted, nil)
	s.logger.Info("Consent generated",
		zap.String("consent_id", c.ConsentID),
		zap.String("user_id", c.UserID),
		zap.String("partner_id", c.PartnerID),
		zap.Time("expires_at", c.ExpiresAt),
	)
	return c, nil
}

func (s *Service) resolveGrantee(callerUserID string, req GenerateRequest) (string, error) {
	if req.PartnerID == "" {
		return "", invalidRequest("partnerId is required")
	}
	if len(req.Purposes) == 0 {
		return "", invalidRequest("at least one purpose is required")
	}
	seen := make(map[Purpose]bool, len(req.Purposes))
	for _, p := range req.Purposes {
		if !p.Valid() {
			return "", invalidRequest("unknown purpose %q", p)
		}
		if seen[p] {
			return "", invalidRequest("duplicate purpose %q", p)
		}
		seen[p] = true
	}
	userID := req.UserID
	if userID == "" {
		userID = callerUserID
	}
	if userID == "" || (callerUserID != "" && userID != callerUserID) {
		return "", errUserNotFound
	}
	return userID, nil
}

// sameGrant reports whether c was granted for the same user, partner and
// ordered purposes as req.
func sameGrant(c *Consent, req GenerateRequest) bool {
	if c.UserID != req.UserID || c.PartnerID != req.PartnerID || len(c.Purposes) != len(req.Purposes) {
		return false
	}
	for i := range c.Purposes {
		if c.Purposes[i] != req.Purposes[i] {
			return false
		}
	}
	return true
}

func newConsentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "consent_" + id.String()
}

// CheckUserAndConsent reports whether the user behind email exists and holds a
// usable consent for partnerID. Only the newest ACTIVE or EXPIRED record counts.
// A time-expired ACTIVE record is marked EXPIRED on the way.
func (s *Service) CheckUserAndConsent(ctx context.Context, email, partnerID, callerPartnerID string) (res CheckResult, err error) {
	defer s.observe("check", s.now(), &err)

	if partnerID != callerPartnerID {
		s.logger.Warn("Partner ID mismatch", zap.String("partner_id", partnerID), zap.String("caller_partner_id", callerPartnerID))
		return CheckResult{}, errInvalidPartner
	}
	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return CheckResult{}, fmt.Errorf("find user by email: %w", err)
	}
	if user == nil {
		return CheckResult{}, nil
	}
	res.IsUserCreated = true

	latest, _, err := s.store.ListConsents(ctx, Filter{
		UserID:    user.ID,
		PartnerID: partnerID,
		Statuses:  []Status{StatusActive, StatusExpired},
	}, 1, 1)
	if err != nil {
		return CheckResult{}, fmt.Errorf("list consents: %w", err)
	}
	if len(latest) == 0 {
		return res, nil
	}

	c := latest[0]
	now := s.now()
	switch {
	case c.Status == StatusActive && !c.ExpiredAt(now):
		res.IsConsentValid = true
	case c.Status == StatusExpired:
		res.IsConsentExpired = true
	case c.Status == StatusActive:
		if _, err := s.markExpired(ctx, c); err != nil {
			return CheckResult{}, err
		}
		res.IsConsentExpired = true
	}
	return res, nil
}

// markExpired moves an ACTIVE record to EXPIRED. It reports false when another
// writer moved the record first; only the writer that wins emits the audit.
func (s *Service) markExpired(ctx context.Context, c *Consent) (bool, error) {
	now := s.now().UTC()
	updated, err := s.store.UpdateConsentIf(ctx, c.ID,
		Precondition{Status: StatusActive, Epoch: c.Epoch},
		Mutation{Status: StatusExpired, Epoch: c.Epoch, UpdatedAt: now},
	)
	if err != nil {
		return false, fmt.Errorf("expire consent: %w", err)
	}
	s.invalidate(ctx, c.ID)
	if updated == nil {
		return false, nil
	}
	s.record(ctx, updated, audit.ActionConsentExpired, "Consent marked as expired for partner "+updated.PartnerID, audit.StatusCompleted, nil)
	s.logger.Info("Consent expired", zap.String("consent_id", updated.ConsentID))
	return true, nil
}

// VerifyConsent recomputes the signature of record id. A REVOKED or EXPIRED
// record is a hard failure rather than an invalid result.
func (s *Service) VerifyConsent(ctx context.Context, id, timestamp string) (valid bool, err error) {
	defer s.observe("verify", s.now(), &err)

	if err := ValidateTimestamp(timestamp, s.now(), s.cfg.TimestampWindow); err != nil {
		return false, err
	}
	c, err := s.store.GetConsent(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get consent: %w", err)
	}
	if c == nil {
		return false, errConsentNotFound
	}
	if c.Status.Terminal() {
		s.record(ctx, c, audit.ActionConsentVerified, fmt.Sprintf("Verification failed due to %s consent", c.Status), audit.StatusFailed, nil)
		return false, errRevokedOrExpired
	}

	valid = s.signer.Verify(c)
	status := audit.StatusCompleted
	if !valid {
		status = audit.StatusFailed
	}
	s.record(ctx, c, audit.ActionConsentVerified, fmt.Sprintf("Consent verification result: %t", valid), status, map[string]interface{}{"valid": valid})
	return valid, nil
}

// RevokeConsent revokes record id on behalf of its owner. The key+id pair is
// remembered for the dedup window so transport retries are rejected.
func (s *Service) RevokeConsent(ctx context.Context, userID, id, idempotencyKey, timestamp string) (c *Consent, err error) {
	defer s.observe("revoke", s.now(), &err)

	if err := ValidateTimestamp(timestamp, s.now(), s.cfg.TimestampWindow); err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		return nil, errMissingIdempotency
	}
	fresh, err := s.cache.SetNX(ctx, revokeDedupKey(idempotencyKey, id), []byte("1"), s.cfg.RevokeDedupTTL)
	if err != nil {
		return nil, fmt.Errorf("record revoke idempotency key: %w", err)
	}
	if !fresh {
		return nil, errDuplicateKey
	}

	for attempt := 0; attempt < maxRevokeAttempts; attempt++ {
		current, err := s.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if current == nil || current.UserID != userID {
			s.recordFailedRevoke(ctx, userID, id, "Unauthorized access attempt")
			return nil, errConsentNotFound
		}
		switch current.Status {
		case StatusRevoked:
			s.record(ctx, current, audit.ActionConsentRevoked, "Consent already revoked", audit.StatusFailed, nil)
			return nil, errAlreadyRevoked
		case StatusExpired:
			s.record(ctx, current, audit.ActionConsentRevoked, "Consent already expired", audit.StatusFailed, nil)
			return nil, errRevokeExpired
		}

		now := s.now().UTC()
		updated, err := s.store.UpdateConsentIf(ctx, id,
			Precondition{Status: current.Status, Epoch: current.Epoch},
			Mutation{Status: StatusRevoked, Epoch: current.Epoch + 1, RevokedAt: &now, UpdatedAt: now},
		)
		s.invalidate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("revoke consent: %w", err)
		}
		if updated == nil {
			s.logger.Debug("Revoke precondition failed, reloading", zap.String("id", id), zap.Int("attempt", attempt+1))
			continue
		}

		s.remember(ctx, updated)
		s.record(ctx, updated, audit.ActionConsentRevoked, "Consent revoked for partner "+updated.PartnerID, audit.StatusCompleted, nil)
		s.logger.Info("Consent revoked", zap.String("consent_id", updated.ConsentID), zap.Int("epoch", updated.Epoch))
		return updated, nil
	}
	return nil, errConcurrentUpdate
}

func revokeDedupKey(idempotencyKey, id string) string {
	return "consent:revoke:" + idempotencyKey + ":" + id
}

// BeaconConsent reports whether record id is ACTIVE without changing it.
func (s *Service) BeaconConsent(ctx context.Context, id, timestamp string) (active bool, err error) {
	defer s.observe("beacon", s.now(), &err)

	if err := ValidateTimestamp(timestamp, s.now(), s.cfg.TimestampWindow); err != nil {
		return false, err
	}
	c, err := s.lookup(ctx, id)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, errConsentNotFound
	}
	active = c.Status == StatusActive
	status := audit.StatusCompleted
	if !active {
		status = audit.StatusFailed
	}
	s.record(ctx, c, audit.ActionConsentBeacon, fmt.Sprintf("Beacon check for consent: active=%t", active), status, map[string]interface{}{"active": active})
	return active, nil
}

// ActivateConsent moves a PENDING record to ACTIVE and signs it at its current epoch.
func (s *Service) ActivateConsent(ctx context.Context, id string) (c *Consent, err error) {
	defer s.observe("activate", s.now(), &err)

	current, err := s.store.GetConsent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get consent: %w", err)
	}
	if current == nil {
		return nil, errConsentNotFound
	}
	if current.Status != StatusPending {
		return nil, errNotPending
	}

	updated, err := s.store.UpdateConsentIf(ctx, id,
		Precondition{Status: StatusPending, Epoch: current.Epoch},
		Mutation{Status: StatusActive, Epoch: current.Epoch, Signature: s.signer.SignConsent(current), UpdatedAt: s.now().UTC()},
	)
	s.invalidate(ctx, id)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil, errDuplicateKey
		}
		return nil, fmt.Errorf("activate consent: %w", err)
	}
	if updated == nil {
		return nil, errNotPending
	}
	s.record(ctx, updated, audit.ActionConsentActivated, "Consent activated by admin", audit.StatusCompleted, nil)
	return updated, nil
}

// GetConsent returns record id.
func (s *Service) GetConsent(ctx context.Context, id string) (*Consent, error) {
	c, err := s.store.GetConsent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get consent: %w", err)
	}
	if c == nil {
		return nil, errConsentNotFound
	}
	return c, nil
}

func (s *Service) GetConsentCounts(ctx context.Context) (Counts, error) {
	var counts Counts
	for _, q := range []struct {
		dst    *int
		status Status
	}{
		{&counts.Total, ""},
		{&counts.Active, StatusActive},
		{&counts.Revoked, StatusRevoked},
		{&counts.Expired, StatusExpired},
	} {
		var f Filter
		if q.status != "" {
			f.Statuses = []Status{q.status}
		}
		n, err := s.store.CountConsents(ctx, f)
		if err != nil {
			return Counts{}, fmt.Errorf("count consents: %w", err)
		}
		*q.dst = n
	}
	return counts, nil
}

// CountConsentsForUser returns how many records userID holds across all statuses.
func (s *Service) CountConsentsForUser(ctx context.Context, userID string) (int, error) {
	n, err := s.store.CountConsents(ctx, Filter{UserID: userID})
	if err != nil {
		return 0, fmt.Errorf("count consents: %w", err)
	}
	return n, nil
}

// GetConsentsAdmin lists records newest first. page defaults to 1 and perPage
// to 10, capped at 100.
func (s *Service) GetConsentsAdmin(ctx context.Context, filter AdminFilter, page, perPage int) (PageResult, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	f := Filter{Search: filter.Search}
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return PageResult{}, invalidRequest("unknown status %q", filter.Status)
		}
		f.Statuses = []Status{filter.Status}
	}
	items, total, err := s.store.ListConsents(ctx, f, page, perPage)
	if err != nil {
		return PageResult{}, fmt.Errorf("list consents: %w", err)
	}
	return PageResult{Items: items, Total: total, Page: page, PerPage: perPage}, nil
}

func cacheKey(id string) string { return "consent:record:" + id }

// lookup reads through the cache. The store stays authoritative: every write
// path invalidates the entry.
func (s *Service) lookup(ctx context.Context, id string) (*Consent, error) {
	if raw, err := s.cache.Get(ctx, cacheKey(id)); err == nil {
		var c Consent
		if jerr := json.Unmarshal(raw, &c); jerr == nil {
			metrics.ConsentCacheLookupsTotal.WithLabelValues("hit").Inc()
			return &c, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("Consent cache read failed", zap.Error(err), zap.String("id", id))
	}
	metrics.ConsentCacheLookupsTotal.WithLabelValues("miss").Inc()

	c, err := s.store.GetConsent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get consent: %w", err)
	}
	if c != nil {
		s.remember(ctx, c)
	}
	return c, nil
}

func (s *Service) remember(ctx context.Context, c *Consent) {
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(c.ID), raw, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("Consent cache write failed", zap.Error(err), zap.String("id", c.ID))
	}
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if err := s.cache.Delete(ctx, cacheKey(id)); err != nil {
		s.logger.Warn("Consent cache invalidation failed", zap.Error(err), zap.String("id", id))
	}
}

func (s *Service) record(ctx context.Context, c *Consent, action audit.Action, details string, status audit.Status, metadata map[string]interface{}) {
	s.emit(ctx, audit.Entry{
		Action:    action,
		UserID:    c.UserID,
		PartnerID: c.PartnerID,
		ConsentID: c.ConsentID,
		Details:   details,
		Status:    status,
		Metadata:  metadata,
	})
}

func (s *Service) recordFailedRevoke(ctx context.Context, userID, id, details string) {
	s.emit(ctx, audit.Entry{
		Action:    audit.ActionConsentRevoked,
		UserID:    userID,
		ConsentID: id,
		Details:   details,
		Status:    audit.StatusFailed,
	})
}

func (s *Service) emit(ctx context.Context, e audit.Entry) {
	e.Timestamp = s.now().UTC()
	if info, ok := ctx.Value(clientKey{}).(clientInfo); ok {
		e.IPAddress = info.ip
		e.UserAgent = info.userAgent
	}
	s.auditor.Emit(e)
}

func (s *Service) observe(operation string, start time.Time, err *error) {
	metrics.ConsentOperationDuration.WithLabelValues(operation).Observe(s.now().Sub(start).Seconds())
	outcome := "ok"
	if *err != nil {
		outcome = KindOf(*err).String()
	}
	metrics.ConsentOperationsTotal.WithLabelValues(operation, outcome).Inc()
}
