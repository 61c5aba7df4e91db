package share

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

func TestCreateAndConsume_SingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, created, err := s.Create(ctx, CreateOptions{
		RouteID: "sales",
		Params:  map[string]any{"region": "west"},
		Format:  "html",
		TTL:     time.Hour,
		MaxUses: 1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "sales", created.RouteID)

	record, err := s.Consume(ctx, token, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "west", record.Params["region"])

	_, err = s.Consume(ctx, token, RequestMeta{})
	require.Error(t, err)
	assert.Equal(t, execerr.CodeShareUsed, execerr.CodeOf(err))
}

func TestConsume_UnknownToken(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Consume(context.Background(), "deadbeef", RequestMeta{})
	require.Error(t, err)
	assert.Equal(t, execerr.CodeInvalidToken, execerr.CodeOf(err))
}

func TestConsume_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, _, err := s.Create(ctx, CreateOptions{
		RouteID: "sales",
		Params:  map[string]any{},
		TTL:     -time.Hour,
		MaxUses: 1,
	})
	require.NoError(t, err)

	_, err = s.Consume(ctx, token, RequestMeta{})
	require.Error(t, err)
	assert.Equal(t, execerr.CodeShareExpired, execerr.CodeOf(err))
}

func TestConsume_UserAgentMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, _, err := s.Create(ctx, CreateOptions{
		RouteID:     "sales",
		Params:      map[string]any{},
		TTL:         time.Hour,
		MaxUses:     1,
		BindUA:      true,
		RequestMeta: RequestMeta{UserAgent: "curl/8.0"},
	})
	require.NoError(t, err)

	_, err = s.Consume(ctx, token, RequestMeta{UserAgent: "Mozilla/5.0"})
	require.Error(t, err)
	assert.Equal(t, execerr.CodeUserAgentMismatch, execerr.CodeOf(err))
}

func TestConsume_IPPrefixMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, _, err := s.Create(ctx, CreateOptions{
		RouteID:     "sales",
		Params:      map[string]any{},
		TTL:         time.Hour,
		MaxUses:     1,
		BindIP:      true,
		RequestMeta: RequestMeta{IP: "203.0.113.7"},
	})
	require.NoError(t, err)

	_, err = s.Consume(ctx, token, RequestMeta{IP: "198.51.100.9"})
	require.Error(t, err)
	assert.Equal(t, execerr.CodeIPPrefixMismatch, execerr.CodeOf(err))

	record, err := s.Consume(ctx, token, RequestMeta{IP: "203.0.113.200"})
	require.NoError(t, err)
	assert.NotNil(t, record)
}

func TestIPPrefixOf(t *testing.T) {
	p := ipPrefixOf("203.0.113.7")
	require.NotNil(t, p)
	assert.Equal(t, "203.0.113", *p)

	p6 := ipPrefixOf("2001:0db8:85a3:0000:0000:8a2e:0370:7334")
	require.NotNil(t, p6)
	assert.Equal(t, "2001:0db8:85a3:0000", *p6)
}

func TestConcurrentConsume_SingleUseOnlyOneSucceeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, _, err := s.Create(ctx, CreateOptions{
		RouteID: "sales",
		Params:  map[string]any{},
		TTL:     time.Hour,
		MaxUses: 1,
	})
	require.NoError(t, err)

	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := s.Consume(ctx, token, RequestMeta{})
			results <- err
		}()
	}

	successes := 0
	for i := 0; i < 5; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestConsume_RecordsOutcomeWhenMetricsAttached(t *testing.T) {
	s := newTestStore(t)
	registry := prometheus.NewRegistry()
	s.WithMetrics(metrics.New("webbedduck_test_share", registry))

	ctx := context.Background()
	token, _, err := s.Create(ctx, CreateOptions{
		RouteID: "sales",
		Params:  map[string]any{},
		TTL:     time.Hour,
		MaxUses: 1,
	})
	require.NoError(t, err)

	_, err = s.Consume(ctx, token, RequestMeta{})
	require.NoError(t, err)

	_, err = s.Consume(ctx, token, RequestMeta{})
	require.Error(t, err)
	assert.Equal(t, execerr.CodeShareUsed, execerr.CodeOf(err))

	assert.Equal(t, 2, testutil.CollectAndCount(registry, "webbedduck_test_share_share_consume_total"))
}
