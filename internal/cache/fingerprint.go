package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint hashes routeID together with the canonicalised,
// non-invariant parameter values. Invariant parameters are deliberately
// excluded: partitioning by their values is the invariant index's job,
// not the fingerprint's.
func Fingerprint(routeID string, values map[string]any, invariantParams map[string]bool) string {
	names := make([]string, 0, len(values))
	for name := range values {
		if invariantParams[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(routeID)
	for _, name := range names {
		b.WriteByte('\x1f')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(Token(values[name], false))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
