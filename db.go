package main

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/example/consentvault/internal/audit"
	"github.com/example/consentvault/internal/consent"
)

// errDuplicate is returned when a unique user, partner or credential field is already taken.
var errDuplicate = errors.New("duplicate record")

// DB interface for database operations. Lookups return nil, nil when nothing matches.
type DB interface {
	Init() error
	consent.Store
	audit.Sink
	// User operations
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context, q ListQuery) ([]*User, int, error)
	SetUserActive(ctx context.Context, id string, active bool, at time.Time) (*User, error)
	// Partner operations
	CreatePartner(ctx context.Context, p *Partner) error
	GetPartnerByID(ctx context.Context, id string) (*Partner, error)
	GetPartnerByOwner(ctx context.Context, ownerUserID string) (*Partner, error)
	GetPartnerByContactEmail(ctx context.Context, email string) (*Partner, error)
	ListPartners(ctx context.Context, q ListQuery) ([]*Partner, int, error)
	// UpdatePartnerStatus moves the partner from -> to and returns nil, nil
	// when it is no longer in from.
	UpdatePartnerStatus(ctx context.Context, id string, from, to PartnerStatus, at time.Time) (*Partner, error)
	UpdatePartnerRateLimit(ctx context.Context, id string, perMinute int, at time.Time) (*Partner, error)
	// Credential operations
	CreateCredential(ctx context.Context, c *Credential) error
	GetCredentialByID(ctx context.Context, id string) (*Credential, error)
	GetCredentialsByPrefix(ctx context.Context, prefix string) ([]*Credential, error)
	ListCredentialsByPartner(ctx context.Context, partnerID string) ([]*Credential, error)
	// RevokeCredential revokes an ACTIVE credential and returns nil, nil otherwise.
	RevokeCredential(ctx context.Context, id string, at time.Time) (*Credential, error)
	// Audit operations
	ListAudits(ctx context.Context, q ListQuery) ([]audit.Entry, int, error)

	close() error
	ping() bool
}

// Memory DB
type MemDB struct {
	*consent.MemoryStore

	mu          sync.RWMutex
	users       map[string]*User
	partners    map[string]*Partner
	credentials map[string]*Credential
	audits      []audit.Entry
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		MemoryStore: consent.NewMemoryStore(),
		users:       map[string]*User{},
		partners:    map[string]*Partner{},
		credentials: map[string]*Credential{},
	}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return errDuplicate
	}
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return errDuplicate
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemDB) GetUserByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemDB) ListUsers(_ context.Context, q ListQuery) ([]*User, int, error) {
	q = q.normalized()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*User
	for _, u := range m.users {
		if !containsFold(q.Search, u.Email, u.Name) {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, q), len(out), nil
}

func (m *MemDB) SetUserActive(_ context.Context, id string, active bool, at time.Time) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	u.Active = active
	u.UpdatedAt = at
	cp := *u
	return &cp, nil
}

func (m *MemDB) CreatePartner(_ context.Context, p *Partner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.partners {
		if existing.ID == p.ID || existing.OwnerUserID == p.OwnerUserID || strings.EqualFold(existing.ContactEmail, p.ContactEmail) {
			return errDuplicate
		}
	}
	m.partners[p.ID] = clonePartner(p)
	return nil
}

func (m *MemDB) GetPartnerByID(_ context.Context, id string) (*Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePartner(m.partners[id]), nil
}

func (m *MemDB) GetPartnerByOwner(_ context.Context, ownerUserID string) (*Partner, error) {
	return m.findPartner(func(p *Partner) bool { return p.OwnerUserID == ownerUserID }), nil
}

func (m *MemDB) GetPartnerByContactEmail(_ context.Context, email string) (*Partner, error) {
	return m.findPartner(func(p *Partner) bool { return strings.EqualFold(p.ContactEmail, email) }), nil
}

func (m *MemDB) findPartner(match func(*Partner) bool) *Partner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.partners {
		if match(p) {
			return clonePartner(p)
		}
	}
	return nil
}

func (m *MemDB) ListPartners(_ context.Context, q ListQuery) ([]*Partner, int, error) {
	q = q.normalized()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Partner
	for _, p := range m.partners {
		if q.Status != "" && string(p.Status) != q.Status {
			continue
		}
		if !containsFold(q.Search, p.OrgName, p.AppName, p.ContactEmail) {
			continue
		}
		out = append(out, clonePartner(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, q), len(out), nil
}

func (m *MemDB) UpdatePartnerStatus(_ context.Context, id string, from, to PartnerStatus, at time.Time) (*Partner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partners[id]
	if !ok || p.Status != from {
		return nil, nil
	}
	p.Status = to
	p.UpdatedAt = at
	return clonePartner(p), nil
}

func (m *MemDB) UpdatePartnerRateLimit(_ context.Context, id string, perMinute int, at time.Time) (*Partner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partners[id]
	if !ok {
		return nil, nil
	}
	p.RateLimitPerMinute = perMinute
	p.UpdatedAt = at
	return clonePartner(p), nil
}

func (m *MemDB) CreateCredential(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.credentials {
		if existing.ID == c.ID || existing.ClientID == c.ClientID {
			return errDuplicate
		}
	}
	m.credentials[c.ID] = cloneCredential(c)
	return nil
}

func (m *MemDB) GetCredentialByID(_ context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneCredential(m.credentials[id]), nil
}

func (m *MemDB) GetCredentialsByPrefix(_ context.Context, prefix string) ([]*Credential, error) {
	return m.filterCredentials(func(c *Credential) bool { return c.KeyPrefix == prefix }), nil
}

func (m *MemDB) ListCredentialsByPartner(_ context.Context, partnerID string) ([]*Credential, error) {
	return m.filterCredentials(func(c *Credential) bool { return c.PartnerID == partnerID }), nil
}

func (m *MemDB) filterCredentials(match func(*Credential) bool) []*Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Credential{}
	for _, c := range m.credentials {
		if match(c) {
			out = append(out, cloneCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemDB) RevokeCredential(_ context.Context, id string, at time.Time) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok || c.Status != CredentialActive {
		return nil, nil
	}
	c.Status = CredentialRevoked
	c.RevokedAt = &at
	return cloneCredential(c), nil
}

func (m *MemDB) CreateAuditEntry(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}

func (m *MemDB) ListAudits(_ context.Context, q ListQuery) ([]audit.Entry, int, error) {
	q = q.normalized()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []audit.Entry
	for i := len(m.audits) - 1; i >= 0; i-- {
		e := m.audits[i]
		if q.Action != "" && string(e.Action) != q.Action {
			continue
		}
		if q.Status != "" && string(e.Status) != q.Status {
			continue
		}
		if !containsFold(q.Search, e.Details, e.UserID) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return paginate(out, q), len(out), nil
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

func clonePartner(p *Partner) *Partner {
	if p == nil {
		return nil
	}
	cp := *p
	cp.AllowedOrigins = append([]string(nil), p.AllowedOrigins...)
	return &cp
}

func cloneCredential(c *Credential) *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}

// containsFold reports whether any field contains search, ignoring case. An
// empty search matches everything.
func containsFold(search string, fields ...string) bool {
	if search == "" {
		return true
	}
	search = strings.ToLower(search)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), search) {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, q ListQuery) []T {
	start := q.offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + q.PerPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// SQLite DB
type SQLiteDB struct {
	*sqlStore
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps ":memory:" databases shared.
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{sqlStore: newSQLStore(d, isSQLiteUniqueViolation), path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	for _, q := range sqliteSchema {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, email TEXT NOT NULL UNIQUE, name TEXT NOT NULL DEFAULT '', active INTEGER NOT NULL DEFAULT 1, created_at TEXT NOT NULL, updated_at TEXT NOT NULL);`,
	`CREATE TABLE IF NOT EXISTS partners (id TEXT PRIMARY KEY, owner_user_id TEXT NOT NULL UNIQUE, org_name TEXT NOT NULL, app_name TEXT NOT NULL DEFAULT '', contact_email TEXT NOT NULL UNIQUE, status TEXT NOT NULL, rate_limit_per_minute INTEGER NOT NULL, allowed_origins TEXT NOT NULL DEFAULT '', created_at TEXT NOT NULL, updated_at TEXT NOT NULL);`,
	`CREATE TABLE IF NOT EXISTS credentials (id TEXT PRIMARY KEY, partner_id TEXT NOT NULL, client_id TEXT NOT NULL UNIQUE, key_prefix TEXT NOT NULL, key_hash TEXT NOT NULL, status TEXT NOT NULL, expires_at TEXT NOT NULL, revoked_at TEXT, created_at TEXT NOT NULL);`,
	`CREATE INDEX IF NOT EXISTS credentials_key_prefix_idx ON credentials (key_prefix);`,
	`CREATE TABLE IF NOT EXISTS consents (seq INTEGER PRIMARY KEY AUTOINCREMENT, id TEXT NOT NULL UNIQUE, consent_id TEXT NOT NULL UNIQUE, user_id TEXT NOT NULL, partner_id TEXT NOT NULL, purposes TEXT NOT NULL, status TEXT NOT NULL, granted_at TEXT NOT NULL, revoked_at TEXT, expires_at TEXT NOT NULL, signature TEXT NOT NULL, epoch INTEGER NOT NULL, idempotency_key TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS consents_active_idempotency_key_idx ON consents (idempotency_key) WHERE status = 'ACTIVE';`,
	`CREATE INDEX IF NOT EXISTS consents_idempotency_key_idx ON consents (idempotency_key, created_at);`,
	`CREATE INDEX IF NOT EXISTS consents_user_partner_idx ON consents (user_id, partner_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS audits (id TEXT PRIMARY KEY, action TEXT NOT NULL, user_id TEXT NOT NULL DEFAULT '', partner_id TEXT NOT NULL DEFAULT '', consent_id TEXT NOT NULL DEFAULT '', timestamp TEXT NOT NULL, details TEXT NOT NULL DEFAULT '', status TEXT NOT NULL, metadata TEXT NOT NULL DEFAULT '', ip_address TEXT NOT NULL DEFAULT '', user_agent TEXT NOT NULL DEFAULT '');`,
	`CREATE INDEX IF NOT EXISTS audits_timestamp_idx ON audits (timestamp);`,
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
