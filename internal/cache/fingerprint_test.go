package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_Deterministic(t *testing.T) {
	values := map[string]any{"region": "west", "count": int64(7)}
	a := Fingerprint("sales", values, nil)
	b := Fingerprint("sales", values, nil)
	assert.Equal(t, a, b)
}

func TestFingerprint_ExcludesInvariantParams(t *testing.T) {
	values := map[string]any{"region": "west", "count": int64(7)}
	withRegion := Fingerprint("sales", values, map[string]bool{"region": true})
	withoutRegion := Fingerprint("sales", map[string]any{"count": int64(7)}, nil)
	assert.Equal(t, withoutRegion, withRegion)
}

func TestFingerprint_KeyOrderIndependent(t *testing.T) {
	a := Fingerprint("sales", map[string]any{"a": int64(1), "b": int64(2)}, nil)
	b := Fingerprint("sales", map[string]any{"b": int64(2), "a": int64(1)}, nil)
	assert.Equal(t, a, b)
}

func TestFingerprint_DiffersByRoute(t *testing.T) {
	values := map[string]any{"region": "west"}
	a := Fingerprint("sales", values, nil)
	b := Fingerprint("orders", values, nil)
	assert.NotEqual(t, a, b)
}
