package dbengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routegrid/engine/pkg/execerr"
)

func TestNew_NotConnectedUntilUsed(t *testing.T) {
	e := New(Config{})
	assert.False(t, e.connected)
	assert.Nil(t, e.db)
}

func TestBuildParquetViewSQL(t *testing.T) {
	stmt, err := buildParquetViewSQL("regions", []string{"/data/cache/r/f/page-00000.parquet"})
	require.NoError(t, err)
	assert.Contains(t, stmt, `"regions"`)
	assert.Contains(t, stmt, "read_parquet")
	assert.Contains(t, stmt, "/data/cache/r/f/page-00000.parquet")
}

func TestBuildParquetViewSQL_EscapesQuotes(t *testing.T) {
	stmt, err := buildParquetViewSQL("r", []string{"/tmp/it's.parquet"})
	require.NoError(t, err)
	assert.Contains(t, stmt, `it''s`)
}

func TestBuildParquetViewSQL_NoPaths(t *testing.T) {
	_, err := buildParquetViewSQL("r", nil)
	require.Error(t, err)
	assert.Equal(t, execerr.CodeRouteExecutionError, execerr.CodeOf(err))
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"plain"`, quoteIdentifier("plain"))
	assert.Equal(t, `"has""quote"`, quoteIdentifier(`has"quote`))
}

func TestClose_NoopWhenNeverConnected(t *testing.T) {
	e := New(Config{})
	assert.NoError(t, e.Close())
}
