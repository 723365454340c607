package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/consentvault/internal/audit"
	"github.com/example/consentvault/internal/consent"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// sqlStore holds the queries shared by the SQLite and Postgres adapters.
// Queries are written with ? placeholders and rebound for the driver.
// Timestamps are stored as fixed-width UTC text so they sort lexically.
type sqlStore struct {
	db       *sqlx.DB
	isUnique func(error) bool
}

func newSQLStore(db *sqlx.DB, isUnique func(error) bool) *sqlStore {
	return &sqlStore{db: db, isUnique: isUnique}
}

func (s *sqlStore) close() error { return s.db.Close() }
func (s *sqlStore) ping() bool   { return s.db.Ping() == nil }

func (s *sqlStore) get(ctx context.Context, dest interface{}, query string, args ...interface{}) (bool, error) {
	err := s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) selectPage(ctx context.Context, dest interface{}, columns, from string, w where, order string, q ListQuery) (int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind("SELECT COUNT(*) FROM "+from+w.sql()), w.args...); err != nil {
		return 0, err
	}
	query := "SELECT " + columns + " FROM " + from + w.sql() + " ORDER BY " + order + " LIMIT ? OFFSET ?"
	args := append(append([]interface{}{}, w.args...), q.PerPage, q.offset())
	if err := s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...); err != nil {
		return 0, err
	}
	return total, nil
}

// where accumulates AND-ed conditions.
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) eq(column string, value string) {
	if value == "" {
		return
	}
	w.conds = append(w.conds, column+" = ?")
	w.args = append(w.args, value)
}

func (w *where) search(term string, columns ...string) {
	if term == "" {
		return
	}
	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	ors := make([]string, len(columns))
	for i, c := range columns {
		ors[i] = "LOWER(" + c + `) LIKE ? ESCAPE '\'`
		w.args = append(w.args, pattern)
	}
	w.conds = append(w.conds, "("+strings.Join(ors, " OR ")+")")
}

func (w *where) in(column string, values []string) error {
	if len(values) == 0 {
		return nil
	}
	cond, args, err := sqlx.In(column+" IN (?)", values)
	if err != nil {
		return err
	}
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
	return nil
}

func (w where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func formatTime(t time.Time) string { return consent.FormatTimestamp(t) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := consent.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Consents

type consentRow struct {
	ID             string         `db:"id"`
	ConsentID      string         `db:"consent_id"`
	UserID         string         `db:"user_id"`
	PartnerID      string         `db:"partner_id"`
	Purposes       string         `db:"purposes"`
	Status         string         `db:"status"`
	GrantedAt      string         `db:"granted_at"`
	RevokedAt      sql.NullString `db:"revoked_at"`
	ExpiresAt      string         `db:"expires_at"`
	Signature      string         `db:"signature"`
	Epoch          int            `db:"epoch"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

const consentColumns = `id, consent_id, user_id, partner_id, purposes, status, granted_at, revoked_at, expires_at, signature, epoch, idempotency_key, created_at, updated_at`

const consentOrder = `created_at DESC, seq DESC`

func toConsentRow(c *consent.Consent) consentRow {
	return consentRow{
		ID:             c.ID,
		ConsentID:      c.ConsentID,
		UserID:         c.UserID,
		PartnerID:      c.PartnerID,
		Purposes:       consent.JoinPurposes(c.Purposes),
		Status:         string(c.Status),
		GrantedAt:      formatTime(c.GrantedAt),
		RevokedAt:      formatTimePtr(c.RevokedAt),
		ExpiresAt:      formatTime(c.ExpiresAt),
		Signature:      c.Signature,
		Epoch:          c.Epoch,
		IdempotencyKey: nullable(c.IdempotencyKey),
		CreatedAt:      formatTime(c.CreatedAt),
		UpdatedAt:      formatTime(c.UpdatedAt),
	}
}

func (r consentRow) toConsent() (*consent.Consent, error) {
	c := &consent.Consent{
		ID:             r.ID,
		ConsentID:      r.ConsentID,
		UserID:         r.UserID,
		PartnerID:      r.PartnerID,
		Purposes:       consent.SplitPurposes(r.Purposes),
		Status:         consent.Status(r.Status),
		Signature:      r.Signature,
		Epoch:          r.Epoch,
		IdempotencyKey: r.IdempotencyKey.String,
	}
	var err error
	if c.GrantedAt, err = parseTime(r.GrantedAt); err != nil {
		return nil, err
	}
	if c.RevokedAt, err = parseTimePtr(r.RevokedAt); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseTime(r.ExpiresAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqlStore) CreateConsent(ctx context.Context, c *consent.Consent) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO consents (`+consentColumns+`)
		VALUES (:id, :consent_id, :user_id, :partner_id, :purposes, :status, :granted_at, :revoked_at, :expires_at, :signature, :epoch, :idempotency_key, :created_at, :updated_at)`,
		toConsentRow(c))
	if s.isUnique(err) {
		return consent.ErrDuplicateIdempotencyKey
	}
	return err
}

func (s *sqlStore) GetConsent(ctx context.Context, id string) (*consent.Consent, error) {
	var row consentRow
	found, err := s.get(ctx, &row, `SELECT `+consentColumns+` FROM consents WHERE id = ?`, id)
	if err != nil || !found {
		return nil, err
	}
	return row.toConsent()
}

func (s *sqlStore) FindConsentByIdempotencyKey(ctx context.Context, key string) (*consent.Consent, error) {
	var row consentRow
	found, err := s.get(ctx, &row, `SELECT `+consentColumns+` FROM consents WHERE idempotency_key = ? ORDER BY `+consentOrder+` LIMIT 1`, key)
	if err != nil || !found {
		return nil, err
	}
	return row.toConsent()
}

func (s *sqlStore) UpdateConsentIf(ctx context.Context, id string, expect consent.Precondition, m consent.Mutation) (*consent.Consent, error) {
	sets := []string{"status = ?", "epoch = ?", "updated_at = ?"}
	args := []interface{}{string(m.Status), m.Epoch, formatTime(m.UpdatedAt)}
	if m.RevokedAt != nil {
		sets = append(sets, "revoked_at = ?")
		args = append(args, formatTime(*m.RevokedAt))
	}
	if m.Signature != "" {
		sets = append(sets, "signature = ?")
		args = append(args, m.Signature)
	}
	args = append(args, id, string(expect.Status), expect.Epoch)

	query := `UPDATE consents SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ? AND epoch = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if s.isUnique(err) {
		return nil, consent.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}
	return s.GetConsent(ctx, id)
}

func consentWhere(f consent.Filter) (where, error) {
	var w where
	w.eq("user_id", f.UserID)
	w.eq("partner_id", f.PartnerID)
	w.eq("idempotency_key", f.IdempotencyKey)
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	if err := w.in("status", statuses); err != nil {
		return w, err
	}
	w.search(f.Search, "user_id", "partner_id")
	return w, nil
}

func (s *sqlStore) ListConsents(ctx context.Context, f consent.Filter, page, perPage int) ([]*consent.Consent, int, error) {
	w, err := consentWhere(f)
	if err != nil {
		return nil, 0, err
	}
	var rows []consentRow
	total, err := s.selectPage(ctx, &rows, consentColumns, "consents", w, consentOrder, ListQuery{Page: page, PerPage: perPage})
	if err != nil {
		return nil, 0, err
	}
	out := make([]*consent.Consent, 0, len(rows))
	for _, r := range rows {
		c, err := r.toConsent()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, nil
}

func (s *sqlStore) CountConsents(ctx context.Context, f consent.Filter) (int, error) {
	w, err := consentWhere(f)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM consents`+w.sql()), w.args...)
	return n, err
}

// Users

type userRow struct {
	ID        string `db:"id"`
	Email     string `db:"email"`
	Name      string `db:"name"`
	Active    int    `db:"active"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

const userColumns = `id, email, name, active, created_at, updated_at`

func (r userRow) toUser() (*User, error) {
	u := &User{ID: r.ID, Email: r.Email, Name: r.Name, Active: r.Active != 0}
	var err error
	if u.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *sqlStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		u.ID, u.Email, u.Name, boolToInt(u.Active), formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if s.isUnique(err) {
		return errDuplicate
	}
	return err
}

func (s *sqlStore) getUser(ctx context.Context, cond string, arg interface{}) (*User, error) {
	var row userRow
	found, err := s.get(ctx, &row, `SELECT `+userColumns+` FROM users WHERE `+cond, arg)
	if err != nil || !found {
		return nil, err
	}
	return row.toUser()
}

func (s *sqlStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "id = ?", id)
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "LOWER(email) = ?", strings.ToLower(email))
}

func (s *sqlStore) ListUsers(ctx context.Context, q ListQuery) ([]*User, int, error) {
	q = q.normalized()
	var w where
	w.search(q.Search, "email", "name")
	var rows []userRow
	total, err := s.selectPage(ctx, &rows, userColumns, "users", w, "created_at DESC, id", q)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*User, 0, len(rows))
	for _, r := range rows {
		u, err := r.toUser()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, nil
}

func (s *sqlStore) SetUserActive(ctx context.Context, id string, active bool, at time.Time) (*User, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET active = ?, updated_at = ? WHERE id = ?`), boolToInt(active), formatTime(at), id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

// Partners

type partnerRow struct {
	ID                 string `db:"id"`
	OwnerUserID        string `db:"owner_user_id"`
	OrgName            string `db:"org_name"`
	AppName            string `db:"app_name"`
	ContactEmail       string `db:"contact_email"`
	Status             string `db:"status"`
	RateLimitPerMinute int    `db:"rate_limit_per_minute"`
	AllowedOrigins     string `db:"allowed_origins"`
	CreatedAt          string `db:"created_at"`
	UpdatedAt          string `db:"updated_at"`
}

const partnerColumns = `id, owner_user_id, org_name, app_name, contact_email, status, rate_limit_per_minute, allowed_origins, created_at, updated_at`

func (r partnerRow) toPartner() (*Partner, error) {
	p := &Partner{
		ID:                 r.ID,
		OwnerUserID:        r.OwnerUserID,
		OrgName:            r.OrgName,
		AppName:            r.AppName,
		ContactEmail:       r.ContactEmail,
		Status:             PartnerStatus(r.Status),
		RateLimitPerMinute: r.RateLimitPerMinute,
	}
	if r.AllowedOrigins != "" {
		p.AllowedOrigins = strings.Split(r.AllowedOrigins, ",")
	}
	var err error
	if p.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *sqlStore) CreatePartner(ctx context.Context, p *Partner) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO partners (`+partnerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.OwnerUserID, p.OrgName, p.AppName, strings.ToLower(p.ContactEmail), string(p.Status), p.RateLimitPerMinute,
		strings.Join(p.AllowedOrigins, ","), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if s.isUnique(err) {
		return errDuplicate
	}
	return err
}

func (s *sqlStore) getPartner(ctx context.Context, cond string, arg interface{}) (*Partner, error) {
	var row partnerRow
	found, err := s.get(ctx, &row, `SELECT `+partnerColumns+` FROM partners WHERE `+cond, arg)
	if err != nil || !found {
		return nil, err
	}
	return row.toPartner()
}

func (s *sqlStore) GetPartnerByID(ctx context.Context, id string) (*Partner, error) {
	return s.getPartner(ctx, "id = ?", id)
}

func (s *sqlStore) GetPartnerByOwner(ctx context.Context, ownerUserID string) (*Partner, error) {
	return s.getPartner(ctx, "owner_user_id = ?", ownerUserID)
}

func (s *sqlStore) GetPartnerByContactEmail(ctx context.Context, email string) (*Partner, error) {
	return s.getPartner(ctx, "contact_email = ?", strings.ToLower(email))
}

func (s *sqlStore) ListPartners(ctx context.Context, q ListQuery) ([]*Partner, int, error) {
	q = q.normalized()
	var w where
	w.eq("status", q.Status)
	w.search(q.Search, "org_name", "app_name", "contact_email")
	var rows []partnerRow
	total, err := s.selectPage(ctx, &rows, partnerColumns, "partners", w, "created_at DESC, id", q)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Partner, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPartner()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, nil
}

func (s *sqlStore) UpdatePartnerStatus(ctx context.Context, id string, from, to PartnerStatus, at time.Time) (*Partner, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE partners SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(to), formatTime(at), id, string(from))
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}
	return s.GetPartnerByID(ctx, id)
}

func (s *sqlStore) UpdatePartnerRateLimit(ctx context.Context, id string, perMinute int, at time.Time) (*Partner, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE partners SET rate_limit_per_minute = ?, updated_at = ? WHERE id = ?`),
		perMinute, formatTime(at), id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}
	return s.GetPartnerByID(ctx, id)
}

// Credentials

type credentialRow struct {
	ID        string         `db:"id"`
	PartnerID string         `db:"partner_id"`
	ClientID  string         `db:"client_id"`
	KeyPrefix string         `db:"key_prefix"`
	KeyHash   string         `db:"key_hash"`
	Status    string         `db:"status"`
	ExpiresAt string         `db:"expires_at"`
	RevokedAt sql.NullString `db:"revoked_at"`
	CreatedAt string         `db:"created_at"`
}

const credentialColumns = `id, partner_id, client_id, key_prefix, key_hash, status, expires_at, revoked_at, created_at`

func (r credentialRow) toCredential() (*Credential, error) {
	c := &Credential{
		ID:        r.ID,
		PartnerID: r.PartnerID,
		ClientID:  r.ClientID,
		KeyPrefix: r.KeyPrefix,
		KeyHash:   r.KeyHash,
		Status:    CredentialStatus(r.Status),
	}
	var err error
	if c.ExpiresAt, err = parseTime(r.ExpiresAt); err != nil {
		return nil, err
	}
	if c.RevokedAt, err = parseTimePtr(r.RevokedAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqlStore) CreateCredential(ctx context.Context, c *Credential) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.PartnerID, c.ClientID, c.KeyPrefix, c.KeyHash, string(c.Status), formatTime(c.ExpiresAt), formatTimePtr(c.RevokedAt), formatTime(c.CreatedAt))
	if s.isUnique(err) {
		return errDuplicate
	}
	return err
}

func (s *sqlStore) GetCredentialByID(ctx context.Context, id string) (*Credential, error) {
	var row credentialRow
	found, err := s.get(ctx, &row, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	if err != nil || !found {
		return nil, err
	}
	return row.toCredential()
}

func (s *sqlStore) selectCredentials(ctx context.Context, cond string, arg interface{}) ([]*Credential, error) {
	var rows []credentialRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+credentialColumns+` FROM credentials WHERE `+cond+` ORDER BY created_at DESC`), arg); err != nil {
		return nil, err
	}
	out := make([]*Credential, 0, len(rows))
	for _, r := range rows {
		c, err := r.toCredential()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *sqlStore) GetCredentialsByPrefix(ctx context.Context, prefix string) ([]*Credential, error) {
	return s.selectCredentials(ctx, "key_prefix = ?", prefix)
}

func (s *sqlStore) ListCredentialsByPartner(ctx context.Context, partnerID string) ([]*Credential, error) {
	return s.selectCredentials(ctx, "partner_id = ?", partnerID)
}

func (s *sqlStore) RevokeCredential(ctx context.Context, id string, at time.Time) (*Credential, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE credentials SET status = ?, revoked_at = ? WHERE id = ? AND status = ?`),
		string(CredentialRevoked), formatTime(at), id, string(CredentialActive))
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}
	return s.GetCredentialByID(ctx, id)
}

// Audits

type auditRow struct {
	ID        string `db:"id"`
	Action    string `db:"action"`
	UserID    string `db:"user_id"`
	PartnerID string `db:"partner_id"`
	ConsentID string `db:"consent_id"`
	Timestamp string `db:"timestamp"`
	Details   string `db:"details"`
	Status    string `db:"status"`
	Metadata  string `db:"metadata"`
	IPAddress string `db:"ip_address"`
	UserAgent string `db:"user_agent"`
}

const auditColumns = `id, action, user_id, partner_id, consent_id, timestamp, details, status, metadata, ip_address, user_agent`

func (s *sqlStore) CreateAuditEntry(ctx context.Context, e audit.Entry) error {
	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO audits (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, string(e.Action), e.UserID, e.PartnerID, e.ConsentID, formatTime(e.Timestamp), e.Details, string(e.Status),
		string(metadata), e.IPAddress, e.UserAgent)
	return err
}

func (s *sqlStore) ListAudits(ctx context.Context, q ListQuery) ([]audit.Entry, int, error) {
	q = q.normalized()
	var w where
	w.eq("action", q.Action)
	w.eq("status", q.Status)
	w.search(q.Search, "details", "user_id")
	var rows []auditRow
	total, err := s.selectPage(ctx, &rows, auditColumns, "audits", w, "timestamp DESC, id", q)
	if err != nil {
		return nil, 0, err
	}
	out := make([]audit.Entry, 0, len(rows))
	for _, r := range rows {
		e := audit.Entry{
			ID:        r.ID,
			Action:    audit.Action(r.Action),
			UserID:    r.UserID,
			PartnerID: r.PartnerID,
			ConsentID: r.ConsentID,
			Details:   r.Details,
			Status:    audit.Status(r.Status),
			IPAddress: r.IPAddress,
			UserAgent: r.UserAgent,
		}
		if e.Timestamp, err = parseTime(r.Timestamp); err != nil {
			return nil, 0, err
		}
		if r.Metadata != "" {
			if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
				return nil, 0, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, total, nil
}
