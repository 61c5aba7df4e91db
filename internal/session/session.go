// Package session implements pseudo-authentication sessions: an
// email address (no password) turned into a bearer token that proves,
// for the life of the token, "this request claims to be this email".
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/routegrid/engine/internal/metrics"
	"github.com/routegrid/engine/pkg/execerr"
)

const tokenBytes = 32

// Record is the caller-facing view of a stored session.
type Record struct {
	Email       string
	EmailHash   string
	DisplayName string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// RequestMeta carries the request-scoped facts Create binds the
// session to and Resolve later checks against.
type RequestMeta struct {
	UserAgent string
	IP        string
}

// Store is the SQLite-backed pseudo-auth session store.
type Store struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
}

// NewStore wraps db as a session Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// WithMetrics attaches a collector that Resolve reports its outcome
// to; it returns s for chaining at the wiring site.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

func (s *Store) recordResolve(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSessionResolve(outcome)
	}
}

type row struct {
	TokenHash     string  `db:"token_hash"`
	Email         string  `db:"email"`
	EmailHash     string  `db:"email_hash"`
	DisplayName   *string `db:"display_name"`
	UserAgent     *string `db:"user_agent"`
	IPPrefix      *string `db:"ip_prefix"`
	CreatedAt     string  `db:"created_at"`
	ExpiresAt     string  `db:"expires_at"`
}

// CreateOptions controls a new session's identity and lifetime.
type CreateOptions struct {
	Email       string
	DisplayName string
	TTL         time.Duration
	RequestMeta RequestMeta
}

// Create normalises email, mints a new session token, and stores it.
// The raw token is returned once; only its hash is persisted.
func (s *Store) Create(ctx context.Context, opts CreateOptions) (string, *Record, error) {
	normalized := strings.ToLower(strings.TrimSpace(opts.Email))
	if !strings.Contains(normalized, "@") {
		return "", nil, execerr.WrapParam(execerr.CodeInvalidParameter, "email", fmt.Errorf("email address is required for pseudo auth"))
	}

	token, err := randomToken()
	if err != nil {
		return "", nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("generate session token: %w", err))
	}
	tokenHash := hashToken(token)
	emailHash := hashText(normalized)

	now := time.Now().UTC()
	expiresAt := now.Add(opts.TTL)

	var displayName, userAgent, ipPrefix *string
	if opts.DisplayName != "" {
		displayName = &opts.DisplayName
	}
	if ua := hashlessAgent(opts.RequestMeta.UserAgent); ua != nil {
		userAgent = ua
	}
	if p := ipPrefixOf(opts.RequestMeta.IP); p != nil {
		ipPrefix = p
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, email, email_hash, display_name, user_agent, ip_prefix, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, tokenHash, normalized, emailHash, displayName, userAgent, ipPrefix, now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("store session: %w", err))
	}

	return token, &Record{
		Email:       normalized,
		EmailHash:   emailHash,
		DisplayName: opts.DisplayName,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}, nil
}

// Resolve looks up token and validates it against req, deleting and
// rejecting the session if it has expired or the binding facts
// (user-agent, IP prefix) no longer match what it was created with.
func (s *Store) Resolve(ctx context.Context, token string, req RequestMeta) (*Record, error) {
	tokenHash := hashToken(token)

	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM sessions WHERE token_hash = ?`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		s.recordResolve("not_authenticated")
		return nil, execerr.New(execerr.CodeNotAuthenticated, "session not found")
	}
	if err != nil {
		return nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("look up session: %w", err))
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, r.ExpiresAt)
	if err != nil {
		return nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("parse session expiry: %w", err))
	}
	if !expiresAt.After(time.Now().UTC()) {
		s.destroy(ctx, tokenHash)
		s.recordResolve("expired")
		return nil, execerr.New(execerr.CodeNotAuthenticated, "session has expired")
	}

	if r.UserAgent != nil && req.UserAgent != "" && *r.UserAgent != truncateAgent(req.UserAgent) {
		s.destroy(ctx, tokenHash)
		s.recordResolve("ua_mismatch")
		return nil, execerr.New(execerr.CodeNotAuthenticated, "session user-agent mismatch")
	}
	if r.IPPrefix != nil {
		if p := ipPrefixOf(req.IP); p == nil || *p != *r.IPPrefix {
			s.destroy(ctx, tokenHash)
			s.recordResolve("ip_mismatch")
			return nil, execerr.New(execerr.CodeNotAuthenticated, "session IP-prefix mismatch")
		}
	}

	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("parse session created_at: %w", err))
	}

	record := &Record{
		Email:     r.Email,
		EmailHash: r.EmailHash,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
	if r.DisplayName != nil {
		record.DisplayName = *r.DisplayName
	}
	s.recordResolve("ok")
	return record, nil
}

// Destroy deletes token unconditionally; logging out twice is a no-op.
func (s *Store) Destroy(ctx context.Context, token string) error {
	return s.destroy(ctx, hashToken(token))
}

func (s *Store) destroy(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("delete session: %w", err))
	}
	return nil
}

// PruneExpired removes every session whose expiry has already passed.
func (s *Store) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("prune sessions: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("prune sessions result: %w", err))
	}
	return n, nil
}

func randomToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func hashText(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func truncateAgent(ua string) string {
	if len(ua) > 256 {
		return ua[:256]
	}
	return ua
}

func hashlessAgent(ua string) *string {
	if ua == "" {
		return nil
	}
	v := truncateAgent(ua)
	return &v
}

// ipPrefixOf returns the first three IPv4 octets, or the first four
// IPv6 hextets, matching the binding granularity used for shares.
func ipPrefixOf(ip string) *string {
	if ip == "" {
		return nil
	}
	if strings.Contains(ip, ":") {
		parts := strings.Split(ip, ":")
		if len(parts) > 4 {
			parts = parts[:4]
		}
		joined := strings.Join(parts, ":")
		return &joined
	}
	octets := strings.Split(ip, ".")
	if len(octets) < 3 {
		return &ip
	}
	joined := strings.Join(octets[:3], ".")
	return &joined
}
