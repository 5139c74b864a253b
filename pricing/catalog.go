/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Price Catalog: a read-mostly model→price table kept as
             an immutable snapshot behind an atomic.Pointer, swapped
             wholesale on refresh so hot-path lookups never take a
             lock. Refresh cadence and retain-on-failure semantics
             follow a standard start/stop/ticker background-task
             shape.
Root Cause:  Generalized from a mutex-guarded map to a copy-on-write
             snapshot because the Streaming Proxy calls Get() once
             per request on the hot path, where a reader-writer lock
             would contend with every in-flight stream.
Context:     Prices are stored in picounits-per-token internally so
             the Cost Accumulator never has to convert floats on the
             request path.
Suitability: L3 — single-writer/many-reader snapshot swap.
──────────────────────────────────────────────────────────────
*/

package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/deepsentinel/gateway/billing"
	"github.com/deepsentinel/gateway/config"
	"github.com/deepsentinel/gateway/redisclient"
	"github.com/rs/zerolog"
)

// redisHashKey is the namespace A key: a Redis hash of model id ->
// JSON-encoded raw price fields, in display currency.
const redisHashKey = "deepsentinel:prices"

// ModelPrice holds per-token prices already converted to picounits, plus
// the currency multiplier that was applied at load time (kept for
// observability/debugging, not used again after load).
type ModelPrice struct {
	InputPicounitsPerToken  uint64
	OutputPicounitsPerToken uint64
	Multiplier              float64
}

// rawModelPrice is the display-currency shape stored in Redis.
type rawModelPrice struct {
	InputPerToken  float64 `json:"input_per_token"`
	OutputPerToken float64 `json:"output_per_token"`
}

// ErrNotFound is returned by Get when no price entry exists for a model.
type ErrNotFound string

func (e ErrNotFound) Error() string { return fmt.Sprintf("pricing: no entry for model %q", string(e)) }

// snapshot is the immutable table swapped atomically on each refresh.
type snapshot struct {
	prices map[string]ModelPrice
}

// Catalog is the Price Catalog component: O(1) model -> price lookup with
// copy-on-write refresh.
type Catalog struct {
	current atomic.Pointer[snapshot]
	redis   *redisclient.Client
	cfg     *config.Config
	http    *http.Client
	logger  zerolog.Logger
}

// New constructs a Catalog with an empty snapshot. Call Load once before
// serving traffic.
func New(redis *redisclient.Client, cfg *config.Config, logger zerolog.Logger) *Catalog {
	c := &Catalog{
		redis:  redis,
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger.With().Str("component", "price_catalog").Logger(),
	}
	c.current.Store(&snapshot{prices: map[string]ModelPrice{}})
	return c
}

// Get returns the current price for model, or ErrNotFound.
func (c *Catalog) Get(model string) (ModelPrice, error) {
	snap := c.current.Load()
	p, ok := snap.prices[model]
	if !ok {
		return ModelPrice{}, ErrNotFound(model)
	}
	return p, nil
}

// Replace atomically swaps in a precomputed price map. Exposed for tests
// and for callers that load prices from a source other than Redis.
func (c *Catalog) Replace(prices map[string]ModelPrice) {
	c.current.Store(&snapshot{prices: prices})
}

// Models returns every model id currently priced, for read-only listing
// endpoints (e.g. the pricing dump at GET /v1/providers/pricing).
func (c *Catalog) Models() []string {
	snap := c.current.Load()
	out := make([]string, 0, len(snap.prices))
	for model := range snap.prices {
		out = append(out, model)
	}
	return out
}

// Load fetches the full price hash from Redis, applies the currency
// multiplier predicate, converts to picounits, and atomically publishes
// the new snapshot. On any error the previous snapshot is retained.
func (c *Catalog) Load(ctx context.Context) error {
	raw, err := c.redis.Raw().HGetAll(ctx, redisHashKey).Result()
	if err != nil {
		return fmt.Errorf("pricing: fetch %s: %w", redisHashKey, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("pricing: %s is empty", redisHashKey)
	}

	next := make(map[string]ModelPrice, len(raw))
	for model, encoded := range raw {
		rp, err := decodeRawPrice(encoded)
		if err != nil {
			c.logger.Warn().Err(err).Str("model", model).Msg("skipping malformed price entry")
			continue
		}

		mult := c.multiplierFor(model)
		next[model] = ModelPrice{
			InputPicounitsPerToken:  billing.ToPicounits(rp.InputPerToken * mult),
			OutputPicounitsPerToken: billing.ToPicounits(rp.OutputPerToken * mult),
			Multiplier:              mult,
		}
	}

	if len(next) == 0 {
		return fmt.Errorf("pricing: no valid entries decoded from %s", redisHashKey)
	}

	c.Replace(next)
	c.logger.Info().Int("models", len(next)).Msg("price catalog refreshed")
	return nil
}

// LoadFromURL fetches a fresh price snapshot from the configured external
// refresh source (a JSON object of model id -> display-currency prices),
// publishes it, and mirrors the raw entries back into the Redis hash so
// the next cold start can serve prices before its first refresh. On any
// fetch or decode error the previous snapshot is retained.
func (c *Catalog) LoadFromURL(ctx context.Context) error {
	if c.cfg.PriceRefreshURL == "" {
		return fmt.Errorf("pricing: no refresh source URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.PriceRefreshURL, nil)
	if err != nil {
		return fmt.Errorf("pricing: build refresh request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pricing: fetch refresh source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pricing: refresh source returned status %d", resp.StatusCode)
	}

	var raw map[string]rawModelPrice
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("pricing: decode refresh payload: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("pricing: refresh source returned no entries")
	}

	next := make(map[string]ModelPrice, len(raw))
	mirror := make([]interface{}, 0, len(raw)*2)
	for model, rp := range raw {
		mult := c.multiplierFor(model)
		next[model] = ModelPrice{
			InputPicounitsPerToken:  billing.ToPicounits(rp.InputPerToken * mult),
			OutputPicounitsPerToken: billing.ToPicounits(rp.OutputPerToken * mult),
			Multiplier:              mult,
		}
		encoded, err := json.Marshal(rp)
		if err != nil {
			continue
		}
		mirror = append(mirror, model, encoded)
	}

	c.Replace(next)
	c.logger.Info().Int("models", len(next)).Msg("price catalog refreshed from source URL")

	if len(mirror) > 0 {
		if err := c.redis.Raw().HSet(ctx, redisHashKey, mirror...).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to mirror refreshed prices to key-value store")
		}
	}
	return nil
}

// multiplierFor applies the configured per-substring multiplier predicate,
// matching on a case-insensitive substring of the model name (e.g. a
// model name containing "deepseek" gets the deepseek multiplier).
func (c *Catalog) multiplierFor(model string) float64 {
	lower := strings.ToLower(model)
	for needle, mult := range c.cfg.CurrencyMultiplierModels {
		if strings.Contains(lower, needle) {
			return mult
		}
	}
	return 1.0
}

func decodeRawPrice(encoded string) (rawModelPrice, error) {
	var rp rawModelPrice
	if err := json.Unmarshal([]byte(encoded), &rp); err != nil {
		return rawModelPrice{}, err
	}
	return rp, nil
}

// Refresher periodically reloads the Catalog in the background, retaining
// the last good snapshot on failure. Start/Stop around a ticker loop with
// an immediate first run.
type Refresher struct {
	catalog  *Catalog
	interval time.Duration
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefresher builds a Refresher for catalog at the given cadence.
func NewRefresher(catalog *Catalog, interval time.Duration, logger zerolog.Logger) *Refresher {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Refresher{
		catalog:  catalog,
		interval: interval,
		logger:   logger.With().Str("component", "price_refresher").Logger(),
		done:     make(chan struct{}),
	}
}

// Start performs an immediate load and then begins the background refresh
// loop. The initial load's error is logged but never fatal: the catalog
// simply starts empty and gets another chance at the next tick.
func (r *Refresher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.reload(runCtx); err != nil {
		r.logger.Warn().Err(err).Msg("initial price load failed, retrying on schedule")
	}

	go r.loop(runCtx)
}

// Stop cancels the background loop and waits for it to exit.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reload(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("price refresh failed, retaining previous snapshot")
			}
		}
	}
}

// reload prefers the external refresh source when one is configured and
// falls back to the key-value store, so a flaky source degrades to the
// last mirrored prices instead of an empty catalog.
func (r *Refresher) reload(ctx context.Context) error {
	if r.catalog.cfg.PriceRefreshURL != "" {
		err := r.catalog.LoadFromURL(ctx)
		if err == nil {
			return nil
		}
		r.logger.Warn().Err(err).Msg("refresh source fetch failed, falling back to key-value store")
	}
	return r.catalog.Load(ctx)
}
