package router_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/deepsentinel/gateway/accumulator"
	"github.com/deepsentinel/gateway/config"
	"github.com/deepsentinel/gateway/controlplane"
	"github.com/deepsentinel/gateway/pricing"
	"github.com/deepsentinel/gateway/redisclient"
	"github.com/deepsentinel/gateway/router"
	"github.com/deepsentinel/gateway/session"
	"github.com/deepsentinel/gateway/streaming"
	"github.com/deepsentinel/gateway/tokenizer"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func init() {
	if err := tokenizer.Init(); err != nil {
		panic("tokenizer init failed: " + err.Error())
	}
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := redisclient.FromRaw(rc)

	cfg := &config.Config{MaxBodyBytes: 1024 * 1024}
	catalog := pricing.New(client, cfg, zerolog.Nop())
	acc := accumulator.New(1_000_000_000_000)
	sessions := session.New(client, 0, zerolog.Nop())
	broadcaster := controlplane.NewBroadcaster(zerolog.Nop())
	proxy := streaming.New(catalog, acc, sessions, nil, tokenizer.Shared(), broadcaster, zerolog.Nop())
	handlers := controlplane.New(acc, catalog, sessions, proxy, zerolog.Nop())

	return router.New(cfg, zerolog.Nop(), handlers, broadcaster)
}

func TestHealthzReturnsOK(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
}

func TestStatusRouteReachesHandler(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "total_cost")
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/status", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
}
