package executor

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/routegrid/engine/internal/overlay"
)

// recordsToRows flattens schema-described records into row-oriented
// maps, the shape the overlay store and the HTTP layer both work with.
func recordsToRows(schema *arrow.Schema, records []arrow.Record) []overlay.Row {
	if schema == nil {
		return nil
	}
	fields := schema.Fields()

	var rows []overlay.Row
	for _, rec := range records {
		for r := 0; r < int(rec.NumRows()); r++ {
			row := make(overlay.Row, len(fields))
			for c := 0; c < int(rec.NumCols()); c++ {
				row[fields[c].Name] = columnValueAt(rec.Column(c), r)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func columnValueAt(col arrow.Array, row int) any {
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
	default:
		return col.ValueStr(row)
	}
}
