package pricing_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/deepsentinel/gateway/config"
	"github.com/deepsentinel/gateway/pricing"
	"github.com/deepsentinel/gateway/redisclient"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisclient.FromRaw(rc)
}

func TestCatalogGetNotFound(t *testing.T) {
	c := pricing.New(newTestRedis(t), &config.Config{}, zerolog.Nop())
	_, err := c.Get("unknown-model")
	require.Error(t, err)
}

func TestCatalogLoadAndGetAppliesMultiplier(t *testing.T) {
	rc := newTestRedis(t)
	ctx := context.Background()

	err := rc.Raw().HSet(ctx, "deepsentinel:prices",
		"deepseek-chat", `{"input_per_token":0.000001,"output_per_token":0.000002}`,
		"gpt-4o", `{"input_per_token":0.000005,"output_per_token":0.000015}`,
	).Err()
	require.NoError(t, err)

	cfg := &config.Config{
		CurrencyMultiplierModels: map[string]float64{"deepseek": 7.2},
	}
	c := pricing.New(rc, cfg, zerolog.Nop())
	require.NoError(t, c.Load(ctx))

	ds, err := c.Get("deepseek-chat")
	require.NoError(t, err)
	require.Equal(t, 7.2, ds.Multiplier)
	inputPerToken := 0.000001
	require.Equal(t, uint64(inputPerToken*7.2*1_000_000_000_000+0.5), ds.InputPicounitsPerToken)

	gpt, err := c.Get("gpt-4o")
	require.NoError(t, err)
	require.Equal(t, 1.0, gpt.Multiplier)
}

func TestCatalogLoadFromURLPublishesAndMirrors(t *testing.T) {
	rc := newTestRedis(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"gpt-4o":{"input_per_token":0.000005,"output_per_token":0.000015}}`))
	}))
	defer srv.Close()

	cfg := &config.Config{PriceRefreshURL: srv.URL}
	c := pricing.New(rc, cfg, zerolog.Nop())
	require.NoError(t, c.LoadFromURL(ctx))

	p, err := c.Get("gpt-4o")
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000), p.InputPicounitsPerToken)

	// The raw entries must be mirrored into the hash for the next cold start.
	mirrored, err := rc.Raw().HGet(ctx, "deepsentinel:prices", "gpt-4o").Result()
	require.NoError(t, err)
	require.Contains(t, mirrored, "input_per_token")
}

func TestCatalogLoadFromURLRetainsSnapshotOnBadStatus(t *testing.T) {
	rc := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Raw().HSet(ctx, "deepsentinel:prices",
		"gpt-4o", `{"input_per_token":0.000005,"output_per_token":0.000015}`,
	).Err())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := &config.Config{PriceRefreshURL: srv.URL}
	c := pricing.New(rc, cfg, zerolog.Nop())
	require.NoError(t, c.Load(ctx))
	require.Error(t, c.LoadFromURL(ctx))

	_, err := c.Get("gpt-4o")
	require.NoError(t, err, "a failed source fetch must not clobber the current snapshot")
}

func TestCatalogLoadRetainsPreviousSnapshotOnFailure(t *testing.T) {
	rc := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Raw().HSet(ctx, "deepsentinel:prices",
		"gpt-4o", `{"input_per_token":0.000005,"output_per_token":0.000015}`,
	).Err())

	c := pricing.New(rc, &config.Config{}, zerolog.Nop())
	require.NoError(t, c.Load(ctx))

	require.NoError(t, rc.Raw().Del(ctx, "deepsentinel:prices").Err())
	require.Error(t, c.Load(ctx))

	p, err := c.Get("gpt-4o")
	require.NoError(t, err, "previous snapshot must be retained after a failed refresh")
	require.NotZero(t, p.InputPicounitsPerToken)
}
