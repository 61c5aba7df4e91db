package param

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routegrid/engine/pkg/execerr"
)

func TestConvert_Integer(t *testing.T) {
	s := Spec{Name: "count", Type: TypeInteger}

	v, err := s.Convert("7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	_, err = s.Convert("x")
	require.Error(t, err)
	assert.Equal(t, execerr.CodeInvalidParameter, execerr.CodeOf(err))
}

func TestConvert_Float(t *testing.T) {
	s := Spec{Name: "ratio", Type: TypeFloat}

	v, err := s.Convert("3.14")
	require.NoError(t, err)
	assert.Equal(t, 3.14, v)

	_, err = s.Convert("not-a-float")
	require.Error(t, err)
}

func TestConvert_Boolean(t *testing.T) {
	s := Spec{Name: "active", Type: TypeBoolean}

	for _, ok := range []string{"true", "TRUE", "1", "yes", "Yes"} {
		v, err := s.Convert(ok)
		require.NoError(t, err, ok)
		assert.Equal(t, true, v, ok)
	}
	for _, bad := range []string{"false", "FALSE", "0", "no", "No"} {
		v, err := s.Convert(bad)
		require.NoError(t, err, bad)
		assert.Equal(t, false, v, bad)
	}

	_, err := s.Convert("maybe")
	require.Error(t, err)
}

func TestConvert_String(t *testing.T) {
	s := Spec{Name: "label", Type: TypeString}
	v, err := s.Convert("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestConvert_Date(t *testing.T) {
	s := Spec{Name: "day", Type: TypeDate}
	v, err := s.Convert("2024-03-05")
	require.NoError(t, err)
	d := v.(time.Time)
	assert.Equal(t, 2024, d.Year())
	assert.Equal(t, time.March, d.Month())
	assert.Equal(t, 5, d.Day())
	assert.Equal(t, time.UTC, d.Location())

	_, err = s.Convert("not-a-date")
	require.Error(t, err)
}

func TestConvert_Datetime(t *testing.T) {
	s := Spec{Name: "ts", Type: TypeDatetime}
	v, err := s.Convert("2024-03-05T10:30:00Z")
	require.NoError(t, err)
	ts := v.(time.Time)
	assert.Equal(t, 10, ts.Hour())
	assert.Equal(t, time.UTC, ts.Location())
}

func TestResolve_RequiredMissing(t *testing.T) {
	s := Spec{Name: "count", Type: TypeInteger, Required: true}
	_, err := s.Resolve("", false)
	require.Error(t, err)
	assert.Equal(t, execerr.CodeMissingParameter, execerr.CodeOf(err))
}

func TestResolve_OptionalMissingUsesDefault(t *testing.T) {
	s := Spec{Name: "count", Type: TypeInteger, Required: false, Default: int64(10)}
	v, err := s.Resolve("", false)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)
}

func TestResolve_SuppliedOverridesDefault(t *testing.T) {
	s := Spec{Name: "count", Type: TypeInteger, Default: int64(10)}
	v, err := s.Resolve("7", true)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}
