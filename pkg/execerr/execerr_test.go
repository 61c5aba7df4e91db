package execerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_PreservesCode(t *testing.T) {
	cause := errors.New("duckdb: syntax error")
	err := Wrap(CodeRouteExecutionError, cause)

	assert.Equal(t, CodeRouteExecutionError, err.Code)
	assert.Equal(t, KindData, err.Kind)
	assert.ErrorIs(t, err, cause)
}

func TestWrapParam_IncludesParamName(t *testing.T) {
	err := WrapParam(CodeInvalidParameter, "count", errors.New("not an integer"))
	assert.Contains(t, err.Error(), "count")
	assert.Contains(t, err.Error(), "invalid_parameter")
}

func TestAs_StringConcatenationDoesNotWrap(t *testing.T) {
	base := New(CodeMissingParameter, "name is required")
	wrapped := errors.New("request failed: " + base.Error())
	_, ok := As(wrapped)
	assert.False(t, ok, "plain string wrapping should not satisfy errors.As")

	found, ok := As(base)
	require.True(t, ok)
	assert.Equal(t, CodeMissingParameter, found.Code)
}

func TestCodeOf(t *testing.T) {
	err := Wrap(CodeCacheCorrupted, errors.New("manifest mismatch"))
	assert.Equal(t, CodeCacheCorrupted, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestKindClassification(t *testing.T) {
	assert.Equal(t, KindUser, kindFor(CodeMissingParameter))
	assert.Equal(t, KindData, kindFor(CodeRouteExecutionError))
	assert.Equal(t, KindSystem, kindFor(CodeCircularDependency))
}
