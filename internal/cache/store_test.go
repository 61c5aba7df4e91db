package cache

import (
	"context"
	"os"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routegrid/engine/internal/routedef"
	"github.com/routegrid/engine/pkg/execerr"
)

var salesSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "region", Type: arrow.BinaryTypes.String},
}, nil)

func buildBatch(ids []int64, regions []string) arrow.Record {
	bldr := array.NewRecordBuilder(memory.DefaultAllocator, salesSchema)
	defer bldr.Release()
	bldr.Field(0).(*array.Int64Builder).AppendValues(ids, nil)
	bldr.Field(1).(*array.StringBuilder).AppendValues(regions, nil)
	return bldr.NewRecord()
}

type fakeReader struct {
	records []arrow.Record
	pos     int
	cur     arrow.Record
}

func (f *fakeReader) Next() bool {
	if f.pos >= len(f.records) {
		return false
	}
	f.cur = f.records[f.pos]
	f.pos++
	return true
}

func (f *fakeReader) Record() arrow.Record { return f.cur }
func (f *fakeReader) Err() error           { return nil }

func TestMaterializeAndFetchSlice_RoundTrip(t *testing.T) {
	reader := &fakeReader{records: []arrow.Record{
		buildBatch([]int64{1, 2, 3}, []string{"west", "east", "west"}),
		buildBatch([]int64{4, 5, 6}, []string{"west", "east", "west"}),
	}}

	store := NewStore(t.TempDir())
	filters := []routedef.InvariantFilterSetting{{Param: "region", Column: "region"}}

	err := store.MaterializeFromReader(context.Background(), "sales", "fp1", salesSchema, reader, MaterializeOptions{
		RowsPerPage:      2,
		InvariantFilters: filters,
	})
	require.NoError(t, err)

	manifest, found, err := store.Lookup("sales", "fp1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(6), manifest.TotalRows)
	require.Len(t, manifest.Pages, 2)

	westEntry := manifest.InvariantIndex["region"]["str:west"]
	require.NotNil(t, westEntry)
	assert.ElementsMatch(t, []int{0, 1}, westEntry.Pages)

	result, err := store.FetchSlice("sales", "fp1", 0, 10, map[string]any{"region": "west"}, filters)
	require.NoError(t, err)
	require.NotNil(t, result)

	total := int64(0)
	for _, rec := range result.Records {
		total += rec.NumRows()
	}
	assert.Equal(t, int64(4), total)
}

func TestFetchSlice_NoInvariants_ReturnsAllPages(t *testing.T) {
	reader := &fakeReader{records: []arrow.Record{
		buildBatch([]int64{1, 2, 3}, []string{"west", "east", "west"}),
	}}

	store := NewStore(t.TempDir())
	err := store.MaterializeFromReader(context.Background(), "sales", "fp2", salesSchema, reader, MaterializeOptions{RowsPerPage: 100})
	require.NoError(t, err)

	result, err := store.FetchSlice("sales", "fp2", 0, 10, nil, nil)
	require.NoError(t, err)
	total := int64(0)
	for _, rec := range result.Records {
		total += rec.NumRows()
	}
	assert.Equal(t, int64(3), total)
}

func TestFetchSlice_MissingManifestIsMiss(t *testing.T) {
	store := NewStore(t.TempDir())
	result, err := store.FetchSlice("sales", "nope", 0, 10, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestFetchSlice_CorruptManifestIsQuarantinedThenMiss(t *testing.T) {
	store := NewStore(t.TempDir())
	dir := store.dir("sales", "fp4")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(store.manifestPath(dir), []byte("{not json"), 0o644))

	_, err := store.FetchSlice("sales", "fp4", 0, 10, nil, nil)
	require.Error(t, err)
	assert.Equal(t, execerr.CodeCacheCorrupted, execerr.CodeOf(err))

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "quarantine should have moved the corrupt directory aside")

	result, err := store.FetchSlice("sales", "fp4", 0, 10, nil, nil)
	require.NoError(t, err, "a retry after quarantine must behave as an ordinary cache miss")
	assert.Nil(t, result)
}

func TestFetchSlice_UnknownInvariantTokenTriggersSlowPath(t *testing.T) {
	reader := &fakeReader{records: []arrow.Record{
		buildBatch([]int64{1, 2}, []string{"west", "east"}),
	}}

	store := NewStore(t.TempDir())
	filters := []routedef.InvariantFilterSetting{{Param: "region", Column: "region"}}
	err := store.MaterializeFromReader(context.Background(), "sales", "fp3", salesSchema, reader, MaterializeOptions{RowsPerPage: 100, InvariantFilters: filters})
	require.NoError(t, err)

	_, err = store.FetchSlice("sales", "fp3", 0, 10, map[string]any{"region": "south"}, filters)
	assert.ErrorIs(t, err, ErrSlowPath)
}
