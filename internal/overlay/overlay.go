// Package overlay implements the cell-override store: user-authored
// corrections layered on top of executed relations without touching
// the underlying cached pages.
package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/routegrid/engine/internal/cache"
	"github.com/routegrid/engine/internal/metrics"
	"github.com/routegrid/engine/pkg/execerr"
)

// Record is one stored cell override.
type Record struct {
	RouteID      string    `db:"route_id"`
	RowKey       string    `db:"row_key"`
	Column       string    `db:"column_name"`
	Value        string    `db:"value"`
	Reason       *string   `db:"reason"`
	Author       *string   `db:"author"`
	AuthorUserID *string   `db:"author_user_id"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Store is the SQLite-backed overlay store; it holds no state beyond
// the shared connection handed to it by metastore.Open.
type Store struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
}

// NewStore wraps db as an overlay Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// WithMetrics attaches a collector that Upsert and Remove report their
// writes to; it returns s for chaining at the wiring site.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// Upsert sets or replaces the override for (routeID, rowKey, column).
func (s *Store) Upsert(ctx context.Context, routeID, rowKey, column, value string, reason, author, authorUserID *string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO overrides (route_id, row_key, column_name, value, reason, author, author_user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(route_id, row_key, column_name) DO UPDATE SET
			value = excluded.value,
			reason = excluded.reason,
			author = excluded.author,
			author_user_id = excluded.author_user_id,
			updated_at = excluded.updated_at
	`, routeID, rowKey, column, value, reason, author, authorUserID, now, now)
	if err != nil {
		return execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("upsert override: %w", err))
	}
	if s.metrics != nil {
		s.metrics.RecordOverlayWrite(routeID, "upsert")
	}
	return nil
}

// Remove deletes the override for (routeID, rowKey, column), reporting
// whether a row was actually removed.
func (s *Store) Remove(ctx context.Context, routeID, rowKey, column string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM overrides WHERE route_id = ? AND row_key = ? AND column_name = ?`,
		routeID, rowKey, column)
	if err != nil {
		return false, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("remove override: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("remove override result: %w", err))
	}
	if n > 0 && s.metrics != nil {
		s.metrics.RecordOverlayWrite(routeID, "remove")
	}
	return n > 0, nil
}

// ListForRoute returns every override recorded for routeID, in
// insertion order.
func (s *Store) ListForRoute(ctx context.Context, routeID string) ([]Record, error) {
	var records []Record
	err := s.db.SelectContext(ctx, &records,
		`SELECT route_id, row_key, column_name, value, reason, author, author_user_id, created_at, updated_at
		 FROM overrides WHERE route_id = ? ORDER BY created_at ASC`, routeID)
	if err != nil {
		return nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("list overrides: %w", err))
	}
	return records, nil
}

// ComputeRowKey hashes the row's key-column values, in the order
// key_columns declares them, into a stable, deterministic identifier.
// The same (values, key_columns) always produces the same key,
// whether computed while writing an override or while applying one.
// Values are canonicalised with cache.Token, the same type-tagged
// encoding the cache's invariant index uses, so a string "7" and an
// int 7 in the same key column never collide.
func ComputeRowKey(row map[string]any, keyColumns []string) string {
	h := sha256.New()
	for _, col := range keyColumns {
		fmt.Fprintf(h, "%s=%s\x1f", col, cache.Token(row[col], false))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateAllowedColumn reports a forbidden_override error if column is
// not in allowed. An empty allowed set permits every column, matching a
// route that declares key_columns but no explicit allow-list. Nothing
// in this package calls it: per spec, gating an override write to the
// declared allow-list is the HTTP layer's responsibility, not the
// store's — this is the building block that layer checks against.
func ValidateAllowedColumn(column string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, c := range allowed {
		if c == column {
			return nil
		}
	}
	return execerr.WrapParam(execerr.CodeForbiddenOverride, column,
		fmt.Errorf("column %q is not in the route's overrides.allowed list", column))
}

// Row is a mutable view of one output row, keyed by column name, that
// Apply rewrites in place.
type Row map[string]any

// Apply replaces, for each row, the value of any column with a
// matching override record. keyColumns determines row_key computation.
// Apply does not check columns against an allow-list; that check is
// ValidateAllowedColumn's, and this function never calls it.
func Apply(rows []Row, keyColumns []string, records []Record) []Row {
	if len(records) == 0 {
		return rows
	}

	byKey := make(map[string]map[string]Record, len(records))
	for _, r := range records {
		cols, ok := byKey[r.RowKey]
		if !ok {
			cols = map[string]Record{}
			byKey[r.RowKey] = cols
		}
		cols[r.Column] = r
	}

	for _, row := range rows {
		key := ComputeRowKey(row, keyColumns)
		overrides, ok := byKey[key]
		if !ok {
			continue
		}
		cols := make([]string, 0, len(overrides))
		for c := range overrides {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		for _, c := range cols {
			row[c] = overrides[c].Value
		}
	}
	return rows
}
