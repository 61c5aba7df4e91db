// Package cache implements the page-oriented on-disk result cache: one
// directory per (route_id, fingerprint) holding numbered Parquet pages
// plus a manifest.json sidecar, and an invariant-filter index that lets
// a request reuse pages across parameter values the route author
// declared exempt from the fingerprint.
package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/routegrid/engine/internal/routedef"
	"github.com/routegrid/engine/pkg/execerr"
)

// BatchReader is the lazy batch-at-a-time iterator the write path
// consumes, matching dbengine.BatchReader's shape without importing it
// (cache must not depend on the engine that produces its input).
type BatchReader interface {
	Next() bool
	Record() arrow.Record
	Err() error
}

// Store is the cache's single entry point: one per storage root.
type Store struct {
	root  string
	locks *writerLock
}

// NewStore returns a Store rooted at root (typically
// config.StorageConfig.CacheDir()).
func NewStore(root string) *Store {
	return &Store{root: root, locks: newWriterLock()}
}

func (s *Store) dir(routeID, fingerprint string) string {
	return filepath.Join(s.root, routeID, fingerprint)
}

func (s *Store) manifestPath(dir string) string {
	return filepath.Join(dir, "manifest.json")
}

// Lookup reads the manifest for (routeID, fingerprint), reporting
// whether it exists. A missing manifest is a plain cache miss, not an
// error.
func (s *Store) Lookup(routeID, fingerprint string) (*Manifest, bool, error) {
	dir := s.dir(routeID, fingerprint)
	data, err := os.ReadFile(s.manifestPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, execerr.Wrap(execerr.CodeCacheCorrupted, fmt.Errorf("read manifest %s: %w", dir, err))
	}
	m, err := unmarshalManifest(data)
	if err != nil {
		s.quarantine(dir)
		return nil, false, execerr.Wrap(execerr.CodeCacheCorrupted, fmt.Errorf("parse manifest %s: %w", dir, err))
	}
	return m, true, nil
}

// quarantine renames a suspect page directory aside and deletes it in
// the background, so a corrupted cache entry never blocks the retry
// that follows it.
func (s *Store) quarantine(dir string) {
	quarantined := fmt.Sprintf("%s.corrupt.%d", dir, time.Now().Unix())
	if err := os.Rename(dir, quarantined); err != nil {
		return
	}
	go os.RemoveAll(quarantined)
}

// MaterializeOptions carries the per-route settings the write path
// needs that don't belong on Store itself.
type MaterializeOptions struct {
	RowsPerPage      int
	InvariantFilters []routedef.InvariantFilterSetting
}

// MaterializeFromReader drains reader's batches to disk as numbered
// Parquet pages under a staging directory, builds the invariant index
// as it goes, and atomically publishes the whole directory only once
// every page and the manifest are written. On any failure the staging
// directory is removed and nothing partial is ever visible.
func (s *Store) MaterializeFromReader(ctx context.Context, routeID, fingerprint string, schema *arrow.Schema, reader BatchReader, opts MaterializeOptions) error {
	dir := s.dir(routeID, fingerprint)
	key := routeID + "\x1f" + fingerprint

	return s.locks.withLock(ctx, dir, key, func() error {
		return s.materialize(dir, routeID, fingerprint, schema, reader, opts)
	})
}

func (s *Store) materialize(dir, routeID, fingerprint string, schema *arrow.Schema, reader BatchReader, opts MaterializeOptions) (err error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return execerr.Wrap(execerr.CodeCacheCorrupted, fmt.Errorf("create cache route dir: %w", err))
	}
	staging := dir + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return execerr.Wrap(execerr.CodeCacheCorrupted, fmt.Errorf("clear staging dir: %w", err))
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return execerr.Wrap(execerr.CodeCacheCorrupted, fmt.Errorf("create staging dir: %w", err))
	}
	defer func() {
		if err != nil {
			os.RemoveAll(staging)
		}
	}()

	rowsPerPage := opts.RowsPerPage
	if rowsPerPage <= 0 {
		rowsPerPage = 5000
	}

	writer := &pageWriter{dir: staging, schema: schema, rowsPerPage: rowsPerPage}
	index := InvariantIndex{}

	for reader.Next() {
		rec := reader.Record()
		if err := writer.append(rec, func(pageIndex int) {
			recordInvariantValues(index, rec, opts.InvariantFilters, pageIndex)
		}); err != nil {
			return execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("write cache page: %w", err))
		}
	}
	if err := reader.Err(); err != nil {
		return execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("read query batches: %w", err))
	}
	if err := writer.close(); err != nil {
		return execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("close final cache page: %w", err))
	}

	schemaIPC, err := encodeSchema(schema)
	if err != nil {
		return execerr.Wrap(execerr.CodeCacheCorrupted, fmt.Errorf("encode schema: %w", err))
	}

	manifest := &Manifest{
		RouteID:        routeID,
		Fingerprint:    fingerprint,
		SchemaIPC:      schemaIPC,
		Pages:          writer.pages,
		TotalRows:      writer.totalRows,
		RowsPerPage:    rowsPerPage,
		InvariantIndex: index,
		CreatedAt:      time.Now().UTC(),
	}

	data, err := manifest.marshal()
	if err != nil {
		return execerr.Wrap(execerr.CodeCacheCorrupted, fmt.Errorf("marshal manifest: %w", err))
	}
	if err := os.WriteFile(s.manifestPath(staging), data, 0o644); err != nil {
		return execerr.Wrap(execerr.CodeCacheCorrupted, fmt.Errorf("write manifest: %w", err))
	}

	os.RemoveAll(dir)
	if err := os.Rename(staging, dir); err != nil {
		return execerr.Wrap(execerr.CodeCacheCorrupted, fmt.Errorf("publish cache directory: %w", err))
	}
	return nil
}

func encodeSchema(schema *arrow.Schema) (string, error) {
	buf := &byteSliceWriter{}
	w := ipc.NewWriter(buf, ipc.WithSchema(schema))
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.data), nil
}

type byteSliceWriter struct{ data []byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func recordInvariantValues(index InvariantIndex, rec arrow.Record, filters []routedef.InvariantFilterSetting, pageIndex int) {
	schema := rec.Schema()
	for _, filt := range filters {
		colPos := -1
		for i, f := range schema.Fields() {
			if f.Name == filt.Column {
				colPos = i
				break
			}
		}
		if colPos < 0 {
			continue
		}
		col := rec.Column(colPos)
		for row := 0; row < int(rec.NumRows()); row++ {
			value := arrowValueAt(col, row)
			for _, tok := range valueTokens(value, filt) {
				index.merge(filt.Param, tok, fmt.Sprint(value), pageIndex)
			}
		}
	}
}

func valueTokens(value any, filt routedef.InvariantFilterSetting) []string {
	if filt.Separator != "" {
		if s, ok := value.(string); ok {
			return Tokens(s, filt.Separator, filt.CaseInsensitive)
		}
	}
	return []string{Token(value, filt.CaseInsensitive)}
}

// PagePaths returns the absolute filesystem path of every page in
// manifest for (routeID, fingerprint), in page order. Used to register
// a parquet_path view directly over the on-disk cache pages.
func (s *Store) PagePaths(routeID, fingerprint string, manifest *Manifest) []string {
	dir := s.dir(routeID, fingerprint)
	paths := make([]string, len(manifest.Pages))
	for i, p := range manifest.Pages {
		paths[i] = filepath.Join(dir, filepath.Base(p.Path))
	}
	return paths
}

// SliceRows applies offset/limit to a contiguous stream of records
// with no page boundaries of their own, such as a freshly executed
// passthrough query. It is the non-cache counterpart of FetchSlice's
// internal slicing.
func SliceRows(records []arrow.Record, offset, limit int64) []arrow.Record {
	return sliceRecords(records, offset, limit, nil, true)
}

// SliceResult is the outcome of a successful cache read.
type SliceResult struct {
	Schema  *arrow.Schema
	Records []arrow.Record
}

// ErrSlowPath is returned by FetchSlice when a supplied invariant
// value has no entry in the index; the caller must fall back to
// executing the query directly without touching the cache.
var ErrSlowPath = fmt.Errorf("invariant value not present in cache index")

// FetchSlice reads rows [offset, offset+limit) from the cache entry at
// (routeID, fingerprint), honouring invariantValues when supplied.
func (s *Store) FetchSlice(routeID, fingerprint string, offset, limit int64, invariantValues map[string]any, filters []routedef.InvariantFilterSetting) (*SliceResult, error) {
	manifest, found, err := s.Lookup(routeID, fingerprint)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	dir := s.dir(routeID, fingerprint)

	var pages []Page
	if len(invariantValues) == 0 {
		pages = manifest.pagesFor(offset, limit)
	} else {
		pageSet, slow, err := s.pageSetFor(manifest, invariantValues, filters)
		if err != nil {
			return nil, err
		}
		if slow {
			return nil, ErrSlowPath
		}
		pages = pageSet
	}

	records, schema, err := s.readPages(dir, manifest, pages)
	if err != nil {
		s.quarantine(dir)
		return nil, execerr.Wrap(execerr.CodeCacheCorrupted, fmt.Errorf("read cache pages: %w", err))
	}

	filtered := filterRecordsByInvariants(records, invariantValues, filters)
	sliced := sliceRecords(filtered, offset, limit, pages, len(invariantValues) > 0)

	return &SliceResult{Schema: schema, Records: sliced}, nil
}

// pageSetFor computes the intersection, across invariant parameters,
// of the union of pages for each parameter's supplied token(s). A
// missing token anywhere triggers the slow path.
func (s *Store) pageSetFor(manifest *Manifest, invariantValues map[string]any, filters []routedef.InvariantFilterSetting) ([]Page, bool, error) {
	var pageIdxSets [][]int

	for name, value := range invariantValues {
		var filt routedef.InvariantFilterSetting
		found := false
		for _, f := range filters {
			if f.Param == name {
				filt = f
				found = true
				break
			}
		}
		if !found {
			continue
		}

		byToken, ok := manifest.InvariantIndex[name]
		if !ok {
			return nil, true, nil
		}

		tokens := valueTokens(value, filt)

		union := map[int]bool{}
		for _, tok := range tokens {
			entry, ok := byToken[tok]
			if !ok {
				return nil, true, nil
			}
			for _, p := range entry.Pages {
				union[p] = true
			}
		}
		idxs := make([]int, 0, len(union))
		for p := range union {
			idxs = append(idxs, p)
		}
		sort.Ints(idxs)
		pageIdxSets = append(pageIdxSets, idxs)
	}

	if len(pageIdxSets) == 0 {
		pages := make([]Page, len(manifest.Pages))
		copy(pages, manifest.Pages)
		return pages, false, nil
	}

	intersection := intersectSorted(pageIdxSets)
	out := make([]Page, 0, len(intersection))
	for _, idx := range intersection {
		if p, ok := manifest.pageByIndex(idx); ok {
			out = append(out, p)
		}
	}
	return out, false, nil
}

func intersectSorted(sets [][]int) []int {
	if len(sets) == 0 {
		return nil
	}
	present := map[int]int{}
	for _, set := range sets {
		for _, v := range set {
			present[v]++
		}
	}
	var out []int
	for v, count := range present {
		if count == len(sets) {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

func (s *Store) readPages(dir string, manifest *Manifest, pages []Page) ([]arrow.Record, *arrow.Schema, error) {
	var records []arrow.Record
	var schema *arrow.Schema

	for _, p := range pages {
		rdr, err := file.OpenParquetFile(filepath.Join(dir, filepath.Base(p.Path)), false)
		if err != nil {
			return nil, nil, fmt.Errorf("open page %d: %w", p.Index, err)
		}
		fileReader, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
		if err != nil {
			rdr.Close()
			return nil, nil, fmt.Errorf("open arrow reader for page %d: %w", p.Index, err)
		}
		table, err := fileReader.ReadTable(context.Background())
		rdr.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read page %d: %w", p.Index, err)
		}
		if schema == nil {
			schema = table.Schema()
		}
		records = append(records, tableToRecords(table)...)
	}
	return records, schema, nil
}
