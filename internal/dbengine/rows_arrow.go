package dbengine

import (
	"database/sql"
	"fmt"
	"reflect"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/routegrid/engine/pkg/execerr"
)

// arrowBatchSize bounds how many rows RowsBatchReader buffers into a
// single arrow.Record, so a large result streams through the cache
// writer instead of loading entirely into memory first.
const arrowBatchSize = 4096

// RowsBatchReader adapts a *sql.Rows cursor into the batch-at-a-time
// shape both the cache store's write path and direct (passthrough)
// query consumers expect, inferring an Arrow schema from the driver's
// reported column scan types.
type RowsBatchReader struct {
	rows    *sql.Rows
	schema  *arrow.Schema
	alloc   memory.Allocator
	current arrow.Record
	err     error
	done    bool
}

// NewRowsBatchReader wraps rows, inspecting its column types once up
// front to build a fixed Arrow schema for every subsequent batch.
func NewRowsBatchReader(rows *sql.Rows) (*RowsBatchReader, error) {
	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("inspect result columns: %w", err))
	}

	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c.Name(), Type: arrowTypeFor(c), Nullable: true}
	}

	return &RowsBatchReader{
		rows:   rows,
		schema: arrow.NewSchema(fields, nil),
		alloc:  memory.DefaultAllocator,
	}, nil
}

// Schema is the Arrow schema inferred from the underlying query's
// result columns.
func (r *RowsBatchReader) Schema() *arrow.Schema { return r.schema }

// Next buffers up to arrowBatchSize more rows into a new record,
// reporting whether one is available.
func (r *RowsBatchReader) Next() bool {
	if r.done {
		return false
	}

	fields := r.schema.Fields()
	builders := make([]array.Builder, len(fields))
	for i, f := range fields {
		builders[i] = array.NewBuilder(r.alloc, f.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	dest := make([]any, len(fields))
	scanArgs := make([]any, len(fields))
	for i := range dest {
		scanArgs[i] = &dest[i]
	}

	count := 0
	for count < arrowBatchSize {
		if !r.rows.Next() {
			r.done = true
			break
		}
		if err := r.rows.Scan(scanArgs...); err != nil {
			r.err = execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("scan result row: %w", err))
			return false
		}
		for i, v := range dest {
			if err := appendValue(builders[i], v); err != nil {
				r.err = execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("column %q: %w", fields[i].Name, err))
				return false
			}
		}
		count++
	}
	if err := r.rows.Err(); err != nil {
		r.err = execerr.Wrap(execerr.CodeRouteExecutionError, fmt.Errorf("iterate result rows: %w", err))
		return false
	}
	if count == 0 {
		return false
	}

	arrays := make([]arrow.Array, len(builders))
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}
	r.current = array.NewRecord(r.schema, arrays, int64(count))
	for _, a := range arrays {
		a.Release()
	}
	return true
}

// Record returns the batch produced by the most recent successful Next.
func (r *RowsBatchReader) Record() arrow.Record { return r.current }

// Err returns the first error encountered, if any.
func (r *RowsBatchReader) Err() error { return r.err }

// Close releases the underlying *sql.Rows cursor.
func (r *RowsBatchReader) Close() error { return r.rows.Close() }

var (
	scanTypeInt64   = reflect.TypeOf(int64(0))
	scanTypeInt32   = reflect.TypeOf(int32(0))
	scanTypeFloat64 = reflect.TypeOf(float64(0))
	scanTypeFloat32 = reflect.TypeOf(float32(0))
	scanTypeBool    = reflect.TypeOf(false)
	scanTypeTime    = reflect.TypeOf(time.Time{})
)

// arrowTypeFor maps a driver-reported column scan type to an Arrow
// type. Types the engine has no narrower mapping for (including
// DuckDB's DECIMAL/LIST/STRUCT, which round-trip as their textual
// form) fall back to Utf8, matching how the cache's own token
// normalisation already treats unrecognised values.
func arrowTypeFor(c *sql.ColumnType) (dt arrow.DataType) {
	dt = arrow.BinaryTypes.String
	scanType, ok := safeScanType(c)
	if !ok {
		return dt
	}
	switch scanType {
	case scanTypeInt64, scanTypeInt32:
		return arrow.PrimitiveTypes.Int64
	case scanTypeFloat64, scanTypeFloat32:
		return arrow.PrimitiveTypes.Float64
	case scanTypeBool:
		return arrow.FixedWidthTypes.Boolean
	case scanTypeTime:
		return arrow.FixedWidthTypes.Timestamp_us
	default:
		return dt
	}
}

// safeScanType guards against drivers whose ColumnType.ScanType panics
// for a type it cannot represent.
func safeScanType(c *sql.ColumnType) (st reflect.Type, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return c.ScanType(), true
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bt := b.(type) {
	case *array.Int64Builder:
		switch x := v.(type) {
		case int64:
			bt.Append(x)
		case int32:
			bt.Append(int64(x))
		case int:
			bt.Append(int64(x))
		default:
			return fmt.Errorf("expected integer, got %T", v)
		}
	case *array.Float64Builder:
		switch x := v.(type) {
		case float64:
			bt.Append(x)
		case float32:
			bt.Append(float64(x))
		default:
			return fmt.Errorf("expected float, got %T", v)
		}
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		bt.Append(x)
	case *array.TimestampBuilder:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", v)
		}
		ts, err := arrow.TimestampFromTime(t.UTC(), arrow.Microsecond)
		if err != nil {
			return fmt.Errorf("convert timestamp: %w", err)
		}
		bt.Append(ts)
	case *array.StringBuilder:
		switch x := v.(type) {
		case string:
			bt.Append(x)
		case []byte:
			bt.Append(string(x))
		default:
			bt.Append(fmt.Sprint(x))
		}
	default:
		return fmt.Errorf("unsupported arrow builder %T", b)
	}
	return nil
}
