/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Process-wide BPE tokenizer, initialized once at
             startup and shared read-only across every request. Uses
             a real cl100k_base encoder rather than a char-count
             heuristic, since accurate token counts are required for
             cost accounting.
Root Cause:  A CGo-based BPE library would complicate cross-compiled
             deploys; pkoukk/tiktoken-go is a pure-Go reimplementation
             with no such constraint and is safe to share across
             goroutines once built.
Context:     Only cl100k_base is wired up — this module targets a
             single upstream model family.
Suitability: L2 — thin wrapper around a third-party encoder.
──────────────────────────────────────────────────────────────
*/

package tokenizer

import (
	"fmt"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens using a shared, immutable BPE encoding. Safe for
// concurrent use: tiktoken-go's *Tiktoken performs no mutation during Encode.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

var (
	singleton *Tokenizer
	initOnce  sync.Once
	initErr   error
)

// Init builds the process-wide singleton encoder. Call once at startup
// before serving traffic; subsequent calls are no-ops.
func Init() error {
	initOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			initErr = fmt.Errorf("tokenizer: load cl100k_base: %w", err)
			return
		}
		singleton = &Tokenizer{enc: enc}
	})
	return initErr
}

// Shared returns the process-wide Tokenizer. Panics if Init has not been
// called successfully — required startup dependencies fail fast rather
// than silently degrading, the same posture main.go takes when Init
// itself fails.
func Shared() *Tokenizer {
	if singleton == nil {
		panic("tokenizer: Shared called before successful Init")
	}
	return singleton
}

// Count returns the number of BPE tokens in text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessages sums token counts across a slice of role/content pairs,
// adding a small per-message overhead to approximate the chat wrapper
// tokens the raw content encoding misses (role marker, separators).
const perMessageOverhead = 4

func (t *Tokenizer) CountMessages(contents []string) int {
	total := 0
	for _, c := range contents {
		total += t.Count(c) + perMessageOverhead
	}
	return total
}
