package upstream_test

import (
	"testing"

	"github.com/deepsentinel/gateway/upstream"
	"github.com/stretchr/testify/assert"
)

func TestParseSSEExtractsContent(t *testing.T) {
	raw := []byte("data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
	frames := upstream.ParseSSE(raw)

	assert.Len(t, frames, 2)
	assert.Equal(t, "hel", frames[0].Content)
	assert.Equal(t, "lo", frames[1].Content)
	assert.False(t, frames[0].Done)
}

func TestParseSSERecognizesDone(t *testing.T) {
	raw := []byte("data: [DONE]\n\n")
	frames := upstream.ParseSSE(raw)

	assert.Len(t, frames, 1)
	assert.True(t, frames[0].Done)
}

func TestParseSSEPassesThroughNonContentFrames(t *testing.T) {
	raw := []byte("data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
	frames := upstream.ParseSSE(raw)

	assert.Len(t, frames, 1)
	assert.Empty(t, frames[0].Content)
	assert.False(t, frames[0].Done)
}

func TestParseSSEIgnoresNonDataLines(t *testing.T) {
	raw := []byte(": heartbeat\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
	frames := upstream.ParseSSE(raw)

	assert.Len(t, frames, 1)
	assert.Equal(t, "x", frames[0].Content)
}
