/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Broadcaster fans out Progress Events to websocket
             subscribers. Each subscriber gets a small buffered
             channel; a slow or stalled reader has its events
             dropped rather than stalling the publisher, since
             Publish is called from the Streaming Proxy's hot path
             and must never block on a UI client.
Root Cause:  Upgrader config, subscribe/unsubscribe channel set,
             ping/pong keepalive, and a writer-pump select loop.
             No replay or Last-Event-ID resume: progress events are
             transient and are never persisted by this module.
Context:     One Broadcaster per process; the control plane HTTP
             handler upgrades each websocket connection and attaches
             it as a subscriber for the lifetime of that connection.
Suitability: L2 — bounded fan-out with drop-on-full backpressure.
──────────────────────────────────────────────────────────────
*/

package controlplane

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepsentinel/gateway/billing"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const subscriberBufferSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Broadcaster implements streaming.ProgressSink and fans events out to all
// currently-connected websocket subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan billing.ProgressEvent]struct{}
	dropped     atomic.Uint64

	logger zerolog.Logger
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan billing.ProgressEvent]struct{}),
		logger:      logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Publish delivers event to every subscriber's channel. A subscriber whose
// buffer is full is skipped for this event — it never blocks the caller.
func (b *Broadcaster) Publish(event billing.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// subscribe registers a new subscriber channel and returns it.
func (b *Broadcaster) subscribe() chan billing.ProgressEvent {
	ch := make(chan billing.ProgressEvent, subscriberBufferSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// unsubscribe removes and closes a subscriber channel.
func (b *Broadcaster) unsubscribe(ch chan billing.ProgressEvent) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// DroppedCount returns how many events have been dropped for full
// subscriber buffers since process start. Exposed for observability.
func (b *Broadcaster) DroppedCount() uint64 {
	return b.dropped.Load()
}

// ServeWS upgrades the connection and pumps Progress Events to the client
// until the client disconnects or the request context is cancelled.
func (b *Broadcaster) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := b.subscribe()
	defer b.unsubscribe(ch)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
