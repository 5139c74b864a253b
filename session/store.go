/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Session History Store backed by Redis lists, one key
             per session_id, with a sliding 24h TTL refreshed on
             every append. Read/write failures degrade rather than
             fail the request: a read error returns empty history,
             a write error is logged and discarded, since Redis is
             treated as a best-effort sidecar here (main.go pings it
             but never aborts startup on failure).
Root Cause:  A namespaced, TTL-bound Redis collection, generalized
             from a reservation-style keyspace to ordered chat
             messages.
Context:     Namespace B in the shared Redis instance (namespace A
             is the Price Catalog's hash).
Suitability: L3 — Redis I/O with explicit degrade-on-error paths.
──────────────────────────────────────────────────────────────
*/

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deepsentinel/gateway/billing"
	"github.com/deepsentinel/gateway/redisclient"
	"github.com/rs/zerolog"
)

const keyPrefix = "deepsentinel:session:"

// Store is the abstract Session History Store: an ordered, TTL-bound list
// of chat messages per session_id.
type Store struct {
	redis  *redisclient.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// New creates a Store with the given sliding TTL, defaulting to 24h.
func New(redis *redisclient.Client, ttl time.Duration, logger zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		redis:  redis,
		ttl:    ttl,
		logger: logger.With().Str("component", "session_store").Logger(),
	}
}

func key(sessionID string) string {
	return keyPrefix + sessionID
}

// Append adds messages to the end of the session's history and resets the
// TTL. Failures are logged and swallowed: losing a history write must
// never fail the streaming request that produced it.
func (s *Store) Append(ctx context.Context, sessionID string, messages []billing.Message) {
	if sessionID == "" || len(messages) == 0 {
		return
	}

	encoded := make([]interface{}, 0, len(messages))
	for _, m := range messages {
		b, err := json.Marshal(m)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to encode message for history append")
			continue
		}
		encoded = append(encoded, b)
	}
	if len(encoded) == 0 {
		return
	}

	pipe := s.redis.Raw().TxPipeline()
	pipe.RPush(ctx, key(sessionID), encoded...)
	pipe.Expire(ctx, key(sessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("history append failed, discarding")
	}
}

// Get returns the full ordered history for sessionID. On any Redis error
// it degrades to an empty slice rather than propagating the failure —
// a session with unreadable history is treated as a fresh session.
func (s *Store) Get(ctx context.Context, sessionID string) []billing.Message {
	if sessionID == "" {
		return nil
	}

	raw, err := s.redis.Raw().LRange(ctx, key(sessionID), 0, -1).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("history read failed, degrading to empty")
		return nil
	}

	messages := make([]billing.Message, 0, len(raw))
	for _, entry := range raw {
		var m billing.Message
		if err := json.Unmarshal([]byte(entry), &m); err != nil {
			s.logger.Warn().Err(err).Msg("skipping malformed history entry")
			continue
		}
		messages = append(messages, m)
	}
	return messages
}

// ResetTTL refreshes the sliding expiry without touching content. A
// session whose key does not exist is left absent. Get does not call it,
// so reading a session does not extend its expiry.
func (s *Store) ResetTTL(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	ok, err := s.redis.Raw().Expire(ctx, key(sessionID), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("session: reset ttl for %s: %w", sessionID, err)
	}
	if !ok {
		return nil // key didn't exist; nothing to extend
	}
	return nil
}
