package controlplane

import (
	"testing"

	"github.com/deepsentinel/gateway/billing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	ch := b.subscribe()
	defer b.unsubscribe(ch)

	b.Publish(billing.ProgressEvent{SessionID: "s1", TotalTokens: 42})

	select {
	case ev := <-ch:
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, int64(42), ev.TotalTokens)
	default:
		t.Fatal("expected a buffered event")
	}
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	ch := b.subscribe()
	defer b.unsubscribe(ch)

	// Fill the buffer without draining, then publish one more.
	for i := 0; i < subscriberBufferSize; i++ {
		b.Publish(billing.ProgressEvent{TotalTokens: int64(i)})
	}
	require.Equal(t, uint64(0), b.DroppedCount())

	b.Publish(billing.ProgressEvent{TotalTokens: 999})
	assert.Equal(t, uint64(1), b.DroppedCount(), "a full subscriber buffer must drop, never block")
}

func TestPublishWithNoSubscribersIsANoop(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	b.Publish(billing.ProgressEvent{})
	assert.Equal(t, uint64(0), b.DroppedCount())
}
