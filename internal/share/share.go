// Package share implements single-use (or bounded-use) share tokens:
// a route's result, frozen at a set of parameter values, made
// reachable by an unguessable token instead of re-running the route.
package share

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/routegrid/engine/internal/metrics"
	"github.com/routegrid/engine/pkg/execerr"
)

// tokenBytes is 256 bits of randomness, matching spec.md §4.6.
const tokenBytes = 32

// Record is the caller-facing view of a stored share: its route,
// decoded params, format, expiry and use counts. The token hash, owner
// hash, user-agent hash, IP prefix and creation time are not included.
type Record struct {
	RouteID   string
	Params    map[string]any
	Format    string
	ExpiresAt time.Time
	Uses      int
	MaxUses   int
}

// RequestMeta carries the request-scoped facts create/Consume bind
// the token to.
type RequestMeta struct {
	UserAgent string
	IP        string
}

// Store is the SQLite-backed share token store.
type Store struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
}

// NewStore wraps db as a share Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// WithMetrics attaches a collector that Consume reports its outcome
// to; it returns s for chaining at the wiring site. Passing nil is a
// no-op, matching the zero-value Store's unintrumented behaviour.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

func (s *Store) recordConsume(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordShareConsume(outcome)
	}
}

type row struct {
	TokenHash     string  `db:"token_hash"`
	RouteID       string  `db:"route_id"`
	ParamsJSON    string  `db:"params_json"`
	Format        string  `db:"format"`
	OwnerHash     *string `db:"owner_hash"`
	UserAgentHash *string `db:"user_agent_hash"`
	IPPrefix      *string `db:"ip_prefix"`
	Uses          int     `db:"uses"`
	MaxUses       int     `db:"max_uses"`
	ExpiresAt     string  `db:"expires_at"`
	CreatedAt     string  `db:"created_at"`
	RequestMeta   *string `db:"request_meta"`
}

// CreateOptions controls the identity bindings a share token is
// issued with.
type CreateOptions struct {
	RouteID     string
	Params      map[string]any
	Format      string
	OwnerHash   string
	BindUA      bool
	BindIP      bool
	TTL         time.Duration
	MaxUses     int
	RequestMeta RequestMeta
	ExtraMeta   string
}

// Create mints a new share token for opts, returning the raw token
// (shown to the caller exactly once) and the stored Record.
func (s *Store) Create(ctx context.Context, opts CreateOptions) (string, *Record, error) {
	token, err := randomToken()
	if err != nil {
		return "", nil, execerr.Wrap(execerr.CodeInvalidToken, fmt.Errorf("generate share token: %w", err))
	}
	tokenHash := hashToken(token)

	paramsJSON, err := canonicalJSON(opts.Params)
	if err != nil {
		return "", nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("serialise share params: %w", err))
	}

	now := time.Now().UTC()
	expiresAt := now.Add(opts.TTL)

	var ownerHash, uaHash, ipPrefix *string
	if opts.OwnerHash != "" {
		ownerHash = &opts.OwnerHash
	}
	if opts.BindUA {
		h := hashText(opts.RequestMeta.UserAgent)
		uaHash = h
	}
	if opts.BindIP {
		p := ipPrefixOf(opts.RequestMeta.IP)
		ipPrefix = p
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shares (token_hash, route_id, params_json, format, owner_hash, user_agent_hash, ip_prefix, uses, max_uses, expires_at, created_at, request_meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, tokenHash, opts.RouteID, paramsJSON, opts.Format, ownerHash, uaHash, ipPrefix, opts.MaxUses, expiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), opts.ExtraMeta)
	if err != nil {
		return "", nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("store share token: %w", err))
	}

	return token, &Record{
		RouteID:   opts.RouteID,
		Params:    opts.Params,
		Format:    opts.Format,
		ExpiresAt: expiresAt,
		Uses:      0,
		MaxUses:   opts.MaxUses,
	}, nil
}

// Consume validates and atomically redeems token against req,
// returning the stored Record on success. A single-use token has
// MaxUses=1; two concurrent consumers of the same token see at most
// one success, enforced by the `UPDATE ... WHERE uses < max_uses`
// below running inside SQLite's own serialisation.
func (s *Store) Consume(ctx context.Context, token string, req RequestMeta) (*Record, error) {
	tokenHash := hashToken(token)

	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM shares WHERE token_hash = ?`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		s.recordConsume("invalid_token")
		return nil, execerr.New(execerr.CodeInvalidToken, "share token not found")
	}
	if err != nil {
		return nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("look up share token: %w", err))
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, r.ExpiresAt)
	if err != nil {
		return nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("parse share expiry: %w", err))
	}
	if !expiresAt.After(time.Now().UTC()) {
		s.db.ExecContext(ctx, `DELETE FROM shares WHERE token_hash = ?`, tokenHash)
		s.recordConsume("expired")
		return nil, execerr.New(execerr.CodeShareExpired, "share token has expired")
	}

	if r.UserAgentHash != nil {
		got := hashText(req.UserAgent)
		if got == nil || *got != *r.UserAgentHash {
			s.recordConsume("ua_mismatch")
			return nil, execerr.New(execerr.CodeUserAgentMismatch, "share token user-agent mismatch")
		}
	}
	if r.IPPrefix != nil {
		if p := ipPrefixOf(req.IP); p == nil || *p != *r.IPPrefix {
			s.recordConsume("ip_mismatch")
			return nil, execerr.New(execerr.CodeIPPrefixMismatch, "share token IP-prefix mismatch")
		}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE shares SET uses = uses + 1 WHERE token_hash = ? AND uses < max_uses`, tokenHash)
	if err != nil {
		return nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("consume share token: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("consume share token result: %w", err))
	}
	if affected == 0 {
		s.recordConsume("used")
		return nil, execerr.New(execerr.CodeShareUsed, "share token has reached its use limit")
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(r.ParamsJSON), &params); err != nil {
		return nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("deserialise share params: %w", err))
	}

	s.recordConsume("ok")
	return &Record{
		RouteID:   r.RouteID,
		Params:    params,
		Format:    r.Format,
		ExpiresAt: expiresAt,
		Uses:      r.Uses + 1,
		MaxUses:   r.MaxUses,
	}, nil
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

func hashText(value string) *string {
	if value == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(value))
	h := hex.EncodeToString(sum[:])
	return &h
}

// ipPrefixOf returns the first three IPv4 octets, or the first four
// IPv6 hextets, so two requests from the same /24 (or /64-ish IPv6
// range) bind to the same share without storing the full address.
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

func canonicalJSON(v map[string]any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
