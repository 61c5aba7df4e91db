// Package dbengine wraps the embedded DuckDB connection the executor
// binds queries against: lazy connection, fresh per-execution
// connections (so dependency relations registered for one request never
// leak into another), and view registration for both uses modes.
package dbengine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/jmoiron/sqlx"
	duckdb "github.com/marcboeker/go-duckdb"

	"github.com/routegrid/engine/pkg/execerr"
)

// Config selects where DuckDB persists its catalog. Path empty means
// an in-memory database, suitable for routes that only ever read
// Parquet/relations registered per-request.
type Config struct {
	Path string
}

// Engine owns the single DuckDB database handle the executor binds
// queries against. It connects lazily on first use.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	db        *sqlx.DB
	connected bool

	relMu       sync.Mutex
	relReleases map[*sqlx.Conn][]func()

	queryCount int64
}

// New returns an Engine that has not yet opened a DuckDB connection.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) ensureConnected() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected {
		return nil
	}

	dsn := e.cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sqlx.Open("duckdb", dsn)
	if err != nil {
		return execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("open duckdb: %w", err))
	}
	if err := db.Ping(); err != nil {
		return execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("connect duckdb: %w", err))
	}

	e.db = db
	e.connected = true
	return nil
}

// Close releases the underlying DuckDB handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Conn opens a fresh DuckDB connection. Per spec.md §4.4, a fresh
// connection is opened for each route execution so that dependency
// relations registered for one request's scope never bleed into
// another request's.
func (e *Engine) Conn(ctx context.Context) (*sqlx.Conn, error) {
	if err := e.ensureConnected(); err != nil {
		return nil, err
	}
	conn, err := e.db.Connx(ctx)
	if err != nil {
		return nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("open connection: %w", err))
	}
	return conn, nil
}

// BatchReader is the batch-at-a-time iterator the cache store's write
// path consumes. It matches the shape of arrow-go's array.RecordReader
// so either a DuckDB query result or a synthetic Arrow table can feed
// the materialize path uniformly.
type BatchReader interface {
	Next() bool
	Record() arrow.Record
	Err() error
}

// RegisterParquetPathView registers alias as a view over the Parquet
// files at paths, without copying their contents into memory. Used for
// RouteUse entries declared with mode=parquet_path.
func (e *Engine) RegisterParquetPathView(ctx context.Context, conn *sqlx.Conn, alias string, paths []string) error {
	stmt, err := buildParquetViewSQL(alias, paths)
	if err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("register parquet view %q: %w", alias, err))
	}
	return nil
}

func buildParquetViewSQL(alias string, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", execerr.New(execerr.CodeRouteExecutionError,
			fmt.Sprintf("no cache pages available to register view %q", alias))
	}

	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", "''") + "'"
	}
	return fmt.Sprintf("CREATE OR REPLACE TEMP VIEW %s AS SELECT * FROM read_parquet([%s])",
		quoteIdentifier(alias), strings.Join(quoted, ", ")), nil
}

// RegisterRelationView registers alias as an in-memory relation backed
// by rows already materialised as Arrow record batches (typically a
// dependency route's fully buffered result). Used for RouteUse entries
// declared with mode=relation.
//
// go-duckdb exposes this as Arrow.RegisterView(reader, name), taking an
// array.RecordReader rather than a record slice, bound to conn's raw
// driver connection via NewArrowFromConn. The returned release callback
// frees that binding; ReleaseRelationViews runs it once conn is done
// being queried, before conn itself is closed.
func (e *Engine) RegisterRelationView(ctx context.Context, conn *sqlx.Conn, alias string, records []arrow.Record) error {
	if len(records) == 0 {
		return execerr.New(execerr.CodeRouteExecutionError,
			fmt.Sprintf("no rows available to register relation %q", alias))
	}

	reader, err := array.NewRecordReader(records[0].Schema(), records)
	if err != nil {
		return execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("build record reader for relation %q: %w", alias, err))
	}

	var release func()
	err = conn.Raw(func(driverConn any) error {
		arrowConn, err := duckdb.NewArrowFromConn(driverConn)
		if err != nil {
			return fmt.Errorf("driver connection does not support arrow view registration: %w", err)
		}
		release, err = arrowConn.RegisterView(reader, alias)
		return err
	})
	if err != nil {
		reader.Release()
		return execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("register relation view %q: %w", alias, err))
	}

	e.relMu.Lock()
	if e.relReleases == nil {
		e.relReleases = make(map[*sqlx.Conn][]func())
	}
	e.relReleases[conn] = append(e.relReleases[conn], release, reader.Release)
	e.relMu.Unlock()
	return nil
}

// ReleaseRelationViews runs and forgets every cleanup callback
// RegisterRelationView accumulated for conn. Callers must invoke this
// before closing conn: the callbacks tear down Arrow C-stream bindings
// that are only valid while conn is open.
func (e *Engine) ReleaseRelationViews(conn *sqlx.Conn) {
	e.relMu.Lock()
	fns := e.relReleases[conn]
	delete(e.relReleases, conn)
	e.relMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Query executes prepared SQL with a positional bind list on conn and
// returns the raw *sql.Rows for streaming consumption.
func (e *Engine) Query(ctx context.Context, conn *sqlx.Conn, preparedSQL string, binds []any) (*sql.Rows, error) {
	atomic.AddInt64(&e.queryCount, 1)
	rows, err := conn.QueryContext(ctx, preparedSQL, binds...)
	if err != nil {
		return nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("execute query: %w", err))
	}
	return rows, nil
}

// QueryCount reports how many times Query has run a statement against
// DuckDB. A cache hit never calls Query, so this is the probe S3/S4-style
// tests use to confirm a second request was served from the page cache
// instead of re-running SQL.
func (e *Engine) QueryCount() int64 {
	return atomic.LoadInt64(&e.queryCount)
}

// QueryArrow runs preparedSQL with binds on conn and wraps the result
// as a RowsBatchReader, so both the cache writer and a direct
// (passthrough) consumer can drain it batch-at-a-time.
func (e *Engine) QueryArrow(ctx context.Context, conn *sqlx.Conn, preparedSQL string, binds []any) (*RowsBatchReader, error) {
	rows, err := e.Query(ctx, conn, preparedSQL, binds)
	if err != nil {
		return nil, err
	}
	reader, err := NewRowsBatchReader(rows)
	if err != nil {
		rows.Close()
		return nil, err
	}
	return reader, nil
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
