package throttle_test

import (
	"testing"
	"time"

	"github.com/deepsentinel/gateway/throttle"
	"github.com/stretchr/testify/assert"
)

func TestShouldEmitOnTokenDelta(t *testing.T) {
	start := time.Now()
	th := throttle.New(start)

	assert.False(t, th.ShouldEmit(start, 5, 0), "below threshold must not emit")
	assert.True(t, th.ShouldEmit(start, 10, 0), "token delta at threshold must emit")
}

func TestShouldEmitOnCostDelta(t *testing.T) {
	start := time.Now()
	th := throttle.New(start)

	assert.False(t, th.ShouldEmit(start, 0, 50_000_000))
	assert.True(t, th.ShouldEmit(start, 0, 100_000_000))
}

func TestShouldEmitOnElapsed(t *testing.T) {
	start := time.Now()
	th := throttle.New(start)

	assert.False(t, th.ShouldEmit(start.Add(100*time.Millisecond), 1, 1))
	assert.True(t, th.ShouldEmit(start.Add(200*time.Millisecond), 1, 1))
}

func TestShouldEmitResetsBaselineAfterEmit(t *testing.T) {
	start := time.Now()
	th := throttle.New(start)

	assert.True(t, th.ShouldEmit(start, 10, 0))
	// Right after emitting, a tiny subsequent delta should not re-trigger.
	assert.False(t, th.ShouldEmit(start.Add(1*time.Millisecond), 12, 0))
}

func TestFinalAlwaysRecordsRegardlessOfDelta(t *testing.T) {
	start := time.Now()
	th := throttle.New(start)

	th.Final(start, 3, 1)
	// Immediately after Final, a small delta below every threshold must not emit.
	assert.False(t, th.ShouldEmit(start, 4, 2))
}
