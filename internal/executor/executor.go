// Package executor runs the route state machine: coerce parameters,
// run preprocessors, resolve inter-route dependencies, consult (or
// populate) the page cache, and apply cell overrides to the final
// result. Everything it touches — routedef, param, cache, dbengine,
// overlay, preprocess — is a plain dependency passed into New; the
// executor itself holds no mutable state beyond a connection borrowed
// for the lifetime of one top-level Execute call.
package executor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/routegrid/engine/internal/cache"
	"github.com/routegrid/engine/internal/dbengine"
	"github.com/routegrid/engine/internal/metrics"
	"github.com/routegrid/engine/internal/overlay"
	"github.com/routegrid/engine/internal/preprocess"
	"github.com/routegrid/engine/internal/routedef"
	"github.com/routegrid/engine/pkg/execerr"
)

// allRows is the limit passed when a dependency's entire result is
// needed, e.g. to register it as a relation for a parent route.
const allRows = int64(math.MaxInt64)

// RouteLookup resolves a route_id to its compiled definition. The
// executor depends on this instead of owning a route registry itself.
type RouteLookup interface {
	RouteByID(routeID string) (*routedef.Definition, bool)
}

// Executor runs the fixed per-request route pipeline: COERCE,
// PREPROCESS, RESOLVE_USES,
// CACHE_LOOKUP/EXECUTE_SQL/MATERIALIZE, APPLY_OVERRIDES.
type Executor struct {
	routes        RouteLookup
	engine        *dbengine.Engine
	cacheStore    *cache.Store
	overlayStore  *overlay.Store
	preprocessors *preprocess.Registry
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

// New wires an Executor from its dependencies. metrics may be nil, in
// which case execution is not instrumented.
func New(routes RouteLookup, engine *dbengine.Engine, cacheStore *cache.Store, overlayStore *overlay.Store, preprocessors *preprocess.Registry, logger *zap.Logger, metricsCollector *metrics.Metrics) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		routes:        routes,
		engine:        engine,
		cacheStore:    cacheStore,
		overlayStore:  overlayStore,
		preprocessors: preprocessors,
		logger:        logger,
		metrics:       metricsCollector,
	}
}

// Result is the override-applied outcome of running a route to
// completion.
type Result struct {
	Columns   []string
	Rows      []overlay.Row
	FromCache bool
}

// Execute runs routeID's full pipeline for the given raw (string)
// parameter values, returning rows [offset, offset+limit) after
// overrides have been applied. supplied reports which of rawParams'
// keys were actually present in the request, distinguishing "sent
// empty" from "not sent" so optional defaults apply correctly.
func (e *Executor) Execute(ctx context.Context, routeID string, rawParams map[string]string, supplied map[string]bool, offset, limit int64) (*Result, error) {
	def, ok := e.routes.RouteByID(routeID)
	if !ok {
		return nil, execerr.New(execerr.CodeRouteExecutionError, fmt.Sprintf("unknown route %q", routeID))
	}

	start := time.Now()
	conn, err := e.engine.Conn(ctx)
	if err != nil {
		e.recordOutcome(routeID, "error", start)
		return nil, err
	}
	defer conn.Close()
	defer e.engine.ReleaseRelationViews(conn)

	params, err := coerce(def, rawParams, supplied)
	if err != nil {
		e.recordOutcome(routeID, "error", start)
		return nil, err
	}

	slice, fromCache, err := e.run(ctx, conn, def, params, nil, offset, limit)
	if err != nil {
		e.recordOutcome(routeID, "error", start)
		return nil, err
	}

	rows := recordsToRows(slice.Schema, slice.Records)
	rows, err = e.applyOverrides(ctx, def, rows)
	if err != nil {
		e.recordOutcome(routeID, "error", start)
		return nil, err
	}

	var columns []string
	if slice.Schema != nil {
		for _, f := range slice.Schema.Fields() {
			columns = append(columns, f.Name)
		}
	}

	outcome := "miss"
	if fromCache {
		outcome = "hit"
	}
	e.recordOutcome(routeID, outcome, start)
	return &Result{Columns: columns, Rows: rows, FromCache: fromCache}, nil
}

func (e *Executor) recordOutcome(routeID, outcome string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordExecution(routeID, outcome, time.Since(start))
}

// run executes def's pipeline from PREPROCESS through
// CACHE_LOOKUP/EXECUTE_SQL/MATERIALIZE, returning the requested
// [offset, offset+limit) slice of its result. stack is the chain of
// route ids already being executed on this request, for cycle
// detection.
func (e *Executor) run(ctx context.Context, conn *sqlx.Conn, def *routedef.Definition, params map[string]any, stack []string, offset, limit int64) (*cache.SliceResult, bool, error) {
	for _, id := range stack {
		if id == def.ID {
			return nil, false, execerr.New(execerr.CodeCircularDependency,
				fmt.Sprintf("route %q re-entered via uses chain %s", def.ID, strings.Join(append(stack, def.ID), " -> ")))
		}
	}
	stack = append(stack, def.ID)

	params, err := e.preprocess(ctx, def, params)
	if err != nil {
		return nil, false, err
	}

	for _, use := range def.Uses {
		if err := e.resolveUse(ctx, conn, use, params, stack); err != nil {
			return nil, false, fmt.Errorf("resolve dependency %q (alias %q) of route %q: %w", use.Call, use.Alias, def.ID, err)
		}
	}

	binds, err := positionalBinds(def, params)
	if err != nil {
		return nil, false, err
	}

	if def.CacheMode == routedef.CacheModePassthrough {
		slice, err := e.executeAndStream(ctx, conn, def, binds, offset, limit)
		return slice, false, err
	}

	invariantNames := invariantParamNames(def.Cache.InvariantFilters)
	fingerprint := cache.Fingerprint(def.ID, declaredParams(def, params), invariantNames)
	invariantValues := invariantSubset(params, def.Cache.InvariantFilters)

	slice, err := e.cacheStore.FetchSlice(def.ID, fingerprint, offset, limit, invariantValues, def.Cache.InvariantFilters)
	switch {
	case err == nil && slice != nil:
		e.logger.Debug("cache hit", zap.String("route_id", def.ID), zap.String("fingerprint", fingerprint))
		if e.metrics != nil {
			e.metrics.RecordCacheHit(def.ID)
		}
		return slice, true, nil
	case err == cache.ErrSlowPath:
		// A supplied invariant value has no index entry: serve this
		// request directly, without touching or growing the cache.
		e.logger.Debug("invariant value absent from index, serving slow path",
			zap.String("route_id", def.ID), zap.String("fingerprint", fingerprint))
		if e.metrics != nil {
			e.metrics.RecordSlowPath(def.ID)
		}
		slice, err := e.executeAndStream(ctx, conn, def, binds, offset, limit)
		return slice, false, err
	case err != nil && execerr.CodeOf(err) == execerr.CodeCacheCorrupted:
		// The cache directory for this fingerprint was quarantined by
		// FetchSlice itself; retry once as a plain miss below. A second
		// failure, corrupted or not, is surfaced directly.
		e.logger.Warn("cache corruption detected, retrying as a miss",
			zap.String("route_id", def.ID), zap.String("fingerprint", fingerprint))
		if e.metrics != nil {
			e.metrics.RecordCacheCorruption(def.ID)
		}
	case err != nil:
		return nil, false, err
	}

	e.logger.Debug("cache miss, materializing", zap.String("route_id", def.ID), zap.String("fingerprint", fingerprint))
	if e.metrics != nil {
		e.metrics.RecordCacheMiss(def.ID)
	}
	if err := e.materialize(ctx, conn, def, binds, fingerprint); err != nil {
		return nil, false, err
	}
	slice, err = e.cacheStore.FetchSlice(def.ID, fingerprint, offset, limit, invariantValues, def.Cache.InvariantFilters)
	if err != nil {
		return nil, false, err
	}
	if slice == nil {
		return nil, false, execerr.New(execerr.CodeRouteExecutionError, "materialised cache entry vanished before read")
	}
	return slice, false, nil
}

func (e *Executor) preprocess(ctx context.Context, def *routedef.Definition, params map[string]any) (map[string]any, error) {
	for _, step := range def.Preprocess {
		out, err := e.preprocessors.Run(ctx, step.Callable.Key(), params)
		if err != nil {
			return nil, err
		}
		params = out
	}
	return params, nil
}

// resolveUse registers use's referenced route in conn's scope under
// use.Alias, in whichever form use.Mode specifies. A relation
// dependency runs through the full pipeline (preprocess, its own uses,
// cache lookup) with cycle detection. A parquet_path dependency is
// materialised on a cache miss straight from its prepared SQL with the
// coerced args: its preprocess steps and its own uses are not run, it
// is not checked against the cycle stack, and it is materialised even
// when its cache mode is passthrough.
func (e *Executor) resolveUse(ctx context.Context, conn *sqlx.Conn, use routedef.RouteUse, parentParams map[string]any, stack []string) error {
	depDef, ok := e.routes.RouteByID(use.Call)
	if !ok {
		return execerr.New(execerr.CodeRouteExecutionError, fmt.Sprintf("uses references unknown route %q", use.Call))
	}

	argRaw := map[string]string{}
	supplied := map[string]bool{}
	for name, expr := range use.Args {
		val, err := resolveArgExpr(expr, parentParams)
		if err != nil {
			return err
		}
		argRaw[name] = val
		supplied[name] = true
	}
	depParams, err := coerce(depDef, argRaw, supplied)
	if err != nil {
		return err
	}

	switch use.Mode {
	case routedef.UseModeParquetPath:
		return e.resolveParquetPathUse(ctx, conn, use.Alias, depDef, depParams)
	case routedef.UseModeRelation:
		slice, _, err := e.run(ctx, conn, depDef, depParams, stack, 0, allRows)
		if err != nil {
			return err
		}
		return e.engine.RegisterRelationView(ctx, conn, use.Alias, slice.Records)
	default:
		return execerr.New(execerr.CodeRouteExecutionError, fmt.Sprintf("unknown use mode %q", use.Mode))
	}
}

func (e *Executor) resolveParquetPathUse(ctx context.Context, conn *sqlx.Conn, alias string, depDef *routedef.Definition, depParams map[string]any) error {
	invariantNames := invariantParamNames(depDef.Cache.InvariantFilters)
	fingerprint := cache.Fingerprint(depDef.ID, declaredParams(depDef, depParams), invariantNames)

	manifest, found, err := e.cacheStore.Lookup(depDef.ID, fingerprint)
	if err != nil {
		return err
	}
	if !found {
		binds, err := positionalBinds(depDef, depParams)
		if err != nil {
			return err
		}
		if err := e.materialize(ctx, conn, depDef, binds, fingerprint); err != nil {
			return err
		}
		manifest, found, err = e.cacheStore.Lookup(depDef.ID, fingerprint)
		if err != nil {
			return err
		}
		if !found {
			return execerr.New(execerr.CodeRouteExecutionError, fmt.Sprintf("materialised dependency %q still missing", depDef.ID))
		}
	}

	paths := e.cacheStore.PagePaths(depDef.ID, fingerprint, manifest)
	return e.engine.RegisterParquetPathView(ctx, conn, alias, paths)
}

func (e *Executor) materialize(ctx context.Context, conn *sqlx.Conn, def *routedef.Definition, binds []any, fingerprint string) error {
	start := time.Now()
	reader, err := e.engine.QueryArrow(ctx, conn, def.PreparedSQL, binds)
	if err != nil {
		return err
	}
	defer reader.Close()

	opts := cache.MaterializeOptions{
		RowsPerPage:      def.Cache.RowsPerPage,
		InvariantFilters: def.Cache.InvariantFilters,
	}
	err = e.cacheStore.MaterializeFromReader(ctx, def.ID, fingerprint, reader.Schema(), reader, opts)
	if e.metrics != nil {
		e.metrics.RecordMaterialize(def.ID, time.Since(start))
	}
	if err != nil && execerr.CodeOf(err) == execerr.CodeCacheCorrupted && e.metrics != nil {
		e.metrics.RecordCacheCorruption(def.ID)
	}
	return err
}

func (e *Executor) executeAndStream(ctx context.Context, conn *sqlx.Conn, def *routedef.Definition, binds []any, offset, limit int64) (*cache.SliceResult, error) {
	reader, err := e.engine.QueryArrow(ctx, conn, def.PreparedSQL, binds)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	schema := reader.Schema()
	var recs []arrow.Record
	for reader.Next() {
		recs = append(recs, reader.Record())
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}

	sliced := cache.SliceRows(recs, offset, limit)
	return &cache.SliceResult{Schema: schema, Records: sliced}, nil
}

// coerce runs COERCE: every declared parameter is resolved against its
// Spec (supplied value converted, or default/missing_parameter when
// absent). Extra incoming keys that aren't declared parameters are
// kept verbatim, uncoerced, for preprocessors to consume.
func coerce(def *routedef.Definition, raw map[string]string, supplied map[string]bool) (map[string]any, error) {
	params := make(map[string]any, len(raw))
	for _, spec := range def.Params {
		val, err := spec.Resolve(raw[spec.Name], supplied[spec.Name])
		if err != nil {
			return nil, err
		}
		params[spec.Name] = val
	}
	for k, v := range raw {
		if _, ok := params[k]; !ok {
			params[k] = v
		}
	}
	return params, nil
}

func positionalBinds(def *routedef.Definition, params map[string]any) ([]any, error) {
	binds := make([]any, len(def.ParamOrder))
	for i, name := range def.ParamOrder {
		val, ok := params[name]
		if !ok {
			return nil, execerr.WrapParam(execerr.CodeMissingParameter, name,
				fmt.Errorf("parameter %q is required by prepared SQL but absent after preprocessing", name))
		}
		binds[i] = val
	}
	return binds, nil
}

func resolveArgExpr(expr string, parentParams map[string]any) (string, error) {
	if strings.HasPrefix(expr, "$") {
		name := strings.TrimPrefix(expr, "$")
		val, ok := parentParams[name]
		if !ok {
			return "", execerr.WrapParam(execerr.CodeMissingParameter, name,
				fmt.Errorf("uses arg references unknown parameter %q", name))
		}
		return fmt.Sprint(val), nil
	}
	return expr, nil
}

func invariantParamNames(filters []routedef.InvariantFilterSetting) map[string]bool {
	out := make(map[string]bool, len(filters))
	for _, f := range filters {
		out[f.Param] = true
	}
	return out
}

func invariantSubset(params map[string]any, filters []routedef.InvariantFilterSetting) map[string]any {
	out := map[string]any{}
	for _, f := range filters {
		if v, ok := params[f.Param]; ok {
			out[f.Param] = v
		}
	}
	return out
}

// declaredParams restricts params to the keys def.Params actually
// declares. coerce copies through any extra request keys verbatim, and
// those must never reach the fingerprint: two requests differing only
// in an undeclared query param would otherwise land in different cache
// directories for the same logical result.
func declaredParams(def *routedef.Definition, params map[string]any) map[string]any {
	out := make(map[string]any, len(def.Params))
	for _, p := range def.Params {
		if v, ok := params[p.Name]; ok {
			out[p.Name] = v
		}
	}
	return out
}

func (e *Executor) applyOverrides(ctx context.Context, def *routedef.Definition, rows []overlay.Row) ([]overlay.Row, error) {
	if len(def.Overrides.KeyColumns) == 0 {
		return rows, nil
	}
	records, err := e.overlayStore.ListForRoute(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return rows, nil
	}
	return overlay.Apply(rows, def.Overrides.KeyColumns, records), nil
}
