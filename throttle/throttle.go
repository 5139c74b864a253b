/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Per-request Progress Throttler. Decides whether a
             progress update should be emitted after each upstream
             chunk, coalescing frequent small deltas into the
             rate-bounded cadence the UI push channel actually needs.
Root Cause:  A "coalesce before emit" shape: accumulates per-chunk
             counters and only reports them at flush points rather
             than per byte.
Context:     One Throttler instance per in-flight stream; not
             shared across requests the way the Accumulator is.
Suitability: L2 — small stateful decision helper, no I/O.
──────────────────────────────────────────────────────────────
*/

package throttle

import "time"

const (
	tokenDeltaThreshold = 10
	costDeltaThreshold  = 100_000_000 // picounits, i.e. 10^8
	elapsedThreshold    = 200 * time.Millisecond
)

// Throttler tracks the last emitted progress snapshot for a single stream
// and decides when the next one is due.
type Throttler struct {
	lastSentTokens int64
	lastSentCost   uint64
	lastSentAt     time.Time
}

// New creates a Throttler anchored at the stream's start time.
func New(startedAt time.Time) *Throttler {
	return &Throttler{lastSentAt: startedAt}
}

// ShouldEmit reports whether a progress event should be sent given the
// current cumulative token count and cost, and records the emission if it
// returns true. now is passed in rather than read internally so call sites
// that already have a timestamp (e.g. chunk receipt time) don't need a
// second clock read.
func (t *Throttler) ShouldEmit(now time.Time, totalTokens int64, totalCostPicounits uint64) bool {
	tokenDelta := totalTokens - t.lastSentTokens
	costDelta := totalCostPicounits - t.lastSentCost // wraps harmlessly if somehow negative; cost never decreases
	elapsed := now.Sub(t.lastSentAt)

	due := tokenDelta >= tokenDeltaThreshold ||
		costDelta >= costDeltaThreshold ||
		elapsed >= elapsedThreshold

	if due {
		t.lastSentTokens = totalTokens
		t.lastSentCost = totalCostPicounits
		t.lastSentAt = now
	}
	return due
}

// Final records an emission unconditionally and returns nothing — the
// stream's closing progress event is mandatory regardless of how recently
// the last one went out, so there is no threshold to check.
func (t *Throttler) Final(now time.Time, totalTokens int64, totalCostPicounits uint64) {
	t.lastSentTokens = totalTokens
	t.lastSentCost = totalCostPicounits
	t.lastSentAt = now
}
