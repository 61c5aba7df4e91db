package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routegrid/engine/internal/metastore"
	"github.com/routegrid/engine/internal/metrics"
	"github.com/routegrid/engine/pkg/execerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := metastore.Open(filepath.Join(t.TempDir(), "meta.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestCreateAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, created, err := s.Create(ctx, CreateOptions{
		Email:       "  Ada@Example.com ",
		DisplayName: "Ada",
		TTL:         time.Hour,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "ada@example.com", created.Email)

	record, err := s.Resolve(ctx, token, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", record.Email)
	assert.Equal(t, "Ada", record.DisplayName)
}

func TestCreate_RejectsEmailWithoutAt(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Create(context.Background(), CreateOptions{Email: "not-an-email", TTL: time.Hour})
	require.Error(t, err)
	assert.Equal(t, execerr.CodeInvalidParameter, execerr.CodeOf(err))
}

func TestResolve_UnknownToken(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Resolve(context.Background(), "nope", RequestMeta{})
	require.Error(t, err)
	assert.Equal(t, execerr.CodeNotAuthenticated, execerr.CodeOf(err))
}

func TestResolve_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, _, err := s.Create(ctx, CreateOptions{Email: "bob@example.com", TTL: -time.Minute})
	require.NoError(t, err)

	_, err = s.Resolve(ctx, token, RequestMeta{})
	require.Error(t, err)
	assert.Equal(t, execerr.CodeNotAuthenticated, execerr.CodeOf(err))
}

func TestResolve_UserAgentMismatchDestroysSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, _, err := s.Create(ctx, CreateOptions{
		Email:       "carol@example.com",
		TTL:         time.Hour,
		RequestMeta: RequestMeta{UserAgent: "curl/8.0"},
	})
	require.NoError(t, err)

	_, err = s.Resolve(ctx, token, RequestMeta{UserAgent: "Mozilla/5.0"})
	require.Error(t, err)
	assert.Equal(t, execerr.CodeNotAuthenticated, execerr.CodeOf(err))

	_, err = s.Resolve(ctx, token, RequestMeta{UserAgent: "curl/8.0"})
	require.Error(t, err, "session should be destroyed after the mismatch")
}

func TestDestroy_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, _, err := s.Create(ctx, CreateOptions{Email: "dana@example.com", TTL: time.Hour})
	require.NoError(t, err)

	require.NoError(t, s.Destroy(ctx, token))
	require.NoError(t, s.Destroy(ctx, token))

	_, err = s.Resolve(ctx, token, RequestMeta{})
	require.Error(t, err)
}

func TestPruneExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Create(ctx, CreateOptions{Email: "expired@example.com", TTL: -time.Hour})
	require.NoError(t, err)
	_, _, err = s.Create(ctx, CreateOptions{Email: "fresh@example.com", TTL: time.Hour})
	require.NoError(t, err)

	n, err := s.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestResolve_RecordsOutcomeWhenMetricsAttached(t *testing.T) {
	s := newTestStore(t)
	registry := prometheus.NewRegistry()
	s.WithMetrics(metrics.New("webbedduck_test_session", registry))

	ctx := context.Background()
	token, _, err := s.Create(ctx, CreateOptions{Email: "erin@example.com", TTL: time.Hour})
	require.NoError(t, err)

	_, err = s.Resolve(ctx, token, RequestMeta{})
	require.NoError(t, err)

	_, err = s.Resolve(ctx, "nope", RequestMeta{})
	require.Error(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(registry, "webbedduck_test_session_session_resolve_total"))
}
