package cache

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/routegrid/engine/internal/routedef"
)

// arrowValueAt extracts row as a plain Go value from col, matching the
// subset of Arrow types the engine's parameter/invariant model cares
// about. Null cells return nil.
func arrowValueAt(col arrow.Array, row int) any {
	if col.IsNull(row) {
		return nil
	}
	switch c := col.(type) {
	case *array.String:
		return c.Value(row)
	case *array.LargeString:
		return c.Value(row)
	case *array.Int64:
		return c.Value(row)
	case *array.Int32:
		return int64(c.Value(row))
	case *array.Float64:
		return c.Value(row)
	case *array.Float32:
		return float64(c.Value(row))
	case *array.Boolean:
		return c.Value(row)
	case *array.Timestamp:
		unit := c.DataType().(*arrow.TimestampType).Unit
		return c.Value(row).ToTime(unit).UTC()
	case *array.Date32:
		return c.Value(row).ToTime().UTC()
	default:
		return col.ValueStr(row)
	}
}

// tableToRecords flattens table into arrow.Records, one per chunk of
// its columns. page_writer.go writes each incoming batch into the open
// page with its own Write call, so a page that received several batches
// can yield several records.
func tableToRecords(table arrow.Table) []arrow.Record {
	tr := array.NewTableReader(table, table.NumRows())
	defer tr.Release()

	var out []arrow.Record
	for tr.Next() {
		rec := tr.Record()
		rec.Retain()
		out = append(out, rec)
	}
	return out
}

func filterRecordsByInvariants(records []arrow.Record, invariantValues map[string]any, filters []routedef.InvariantFilterSetting) []arrow.Record {
	if len(invariantValues) == 0 {
		return records
	}
	out := make([]arrow.Record, 0, len(records))
	for _, rec := range records {
		mask := buildInvariantMask(rec, invariantValues, filters)
		filtered := filterRecord(rec, mask)
		if filtered.NumRows() > 0 {
			out = append(out, filtered)
		}
	}
	return out
}

func buildInvariantMask(rec arrow.Record, invariantValues map[string]any, filters []routedef.InvariantFilterSetting) []bool {
	n := int(rec.NumRows())
	mask := make([]bool, n)
	for i := range mask {
		mask[i] = true
	}

	schema := rec.Schema()
	for name, want := range invariantValues {
		var filt routedef.InvariantFilterSetting
		matched := false
		for _, f := range filters {
			if f.Param == name {
				filt = f
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
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
		wantToken := Token(want, filt.CaseInsensitive)

		for row := 0; row < n; row++ {
			if !mask[row] {
				continue
			}
			v := arrowValueAt(col, row)
			if filt.Separator != "" {
				if s, ok := v.(string); ok {
					rowMatches := false
					for _, t := range Tokens(s, filt.Separator, filt.CaseInsensitive) {
						if t == wantToken {
							rowMatches = true
							break
						}
					}
					mask[row] = rowMatches
					continue
				}
			}
			mask[row] = Token(v, filt.CaseInsensitive) == wantToken
		}
	}
	return mask
}

func filterRecord(rec arrow.Record, mask []bool) arrow.Record {
	keep := 0
	for _, m := range mask {
		if m {
			keep++
		}
	}
	if keep == int(rec.NumRows()) {
		return rec
	}

	bldr := array.NewBooleanBuilder(memory.DefaultAllocator)
	defer bldr.Release()
	bldr.AppendValues(mask, nil)
	sel := bldr.NewArray()
	defer sel.Release()

	filtered, err := compute.FilterRecordBatch(context.Background(), rec, sel, compute.FilterOptions{})
	if err != nil {
		return rec
	}
	return filtered
}

// sliceRecords applies offset/limit. When filtered is true,
// offset/limit address the records as one stream starting at 0: the
// invariant-filtered rows of FetchSlice, or an unpaged result passed in
// by SliceRows. Otherwise they address absolute row positions: pages is
// the contiguous run of pages the records were read from, in order, and
// the first page's RowOffset anchors the stream (a page can yield more
// than one record, so records are not matched to pages one to one).
// The flag must be passed explicitly rather than inferred from record
// counts: pageSetFor only returns pages containing at least one
// matching row, so in the common single-invariant case filtering drops
// no whole record even though the rows within each record were
// filtered.
func sliceRecords(records []arrow.Record, offset, limit int64, pages []Page, filtered bool) []arrow.Record {
	if limit <= 0 || len(records) == 0 {
		return nil
	}

	absolute := !filtered
	var cursor int64
	var out []arrow.Record
	remaining := limit

	for i, rec := range records {
		rows := rec.NumRows()
		var recStart int64
		if absolute {
			recStart = pages[0].RowOffset + cursor
		} else {
			recStart = cursor
		}
		recEnd := recStart + rows

		if recEnd <= offset {
			cursor += rows
			continue
		}
		if recStart >= offset+limit {
			break
		}

		from := int64(0)
		if offset > recStart {
			from = offset - recStart
		}
		to := rows
		if recEnd > offset+limit {
			to = offset + limit - recStart
		}
		if from < to {
			sliced := rec.NewSlice(from, to)
			out = append(out, sliced)
			remaining -= (to - from)
		}
		cursor += rows
		if remaining <= 0 {
			break
		}
	}
	return out
}
