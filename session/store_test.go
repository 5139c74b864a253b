package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/deepsentinel/gateway/billing"
	"github.com/deepsentinel/gateway/redisclient"
	"github.com/deepsentinel/gateway/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*session.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := redisclient.FromRaw(rc)
	return session.New(client, time.Hour, zerolog.Nop()), mr
}

func TestAppendAndGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Append(ctx, "sess-1", []billing.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	})

	got := store.Get(ctx, "sess-1")
	require.Len(t, got, 2)
	require.Equal(t, "user", got[0].Role)
	require.Equal(t, "hi there", got[1].Content)
}

func TestAppendSetsTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	store.Append(ctx, "sess-ttl", []billing.Message{{Role: "user", Content: "x"}})

	ttl := mr.TTL("deepsentinel:session:sess-ttl")
	require.Greater(t, ttl, time.Duration(0))
}

func TestGetUnknownSessionReturnsEmpty(t *testing.T) {
	store, _ := newTestStore(t)
	got := store.Get(context.Background(), "never-seen")
	require.Empty(t, got)
}

func TestGetDegradesOnRedisFailure(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	store.Append(ctx, "sess-2", []billing.Message{{Role: "user", Content: "hi"}})

	mr.Close()

	got := store.Get(ctx, "sess-2")
	require.Empty(t, got, "history read must degrade to empty on Redis error, not panic or propagate")
}
