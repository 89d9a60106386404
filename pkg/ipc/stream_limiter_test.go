package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamLimiter(t *testing.T) {
	l := newStreamLimiter(2)
	assert.True(t, l.Acquire())
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire())

	l.Release()
	assert.True(t, l.Acquire())
}

func TestStreamLimiterUnlimited(t *testing.T) {
	l := newStreamLimiter(0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Acquire())
	}
}

func TestStreamLimiterNil(t *testing.T) {
	var l *streamLimiter
	assert.True(t, l.Acquire())
	l.Release()
}

func TestStreamLimiterReleaseNeverUnderflows(t *testing.T) {
	l := newStreamLimiter(1)
	l.Release()
	l.Release()
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire())
}
