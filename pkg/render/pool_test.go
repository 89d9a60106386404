package render

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSpeculativeLifecycle(t *testing.T) {
	p := NewPool(1)

	handle, err := p.CreateSpeculative(context.Background(), "https://example.com/", "ref")
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, 1, p.LiveCount())

	require.NoError(t, p.Adopt(handle))
	assert.Zero(t, p.LiveCount())

	// Adopting twice fails; the slot is gone.
	assert.ErrorIs(t, p.Adopt(handle), ErrUnknownHandle)
}

func TestPoolDestroyIsIdempotent(t *testing.T) {
	p := NewPool(1)
	handle, err := p.CreateSpeculative(context.Background(), "https://example.com/", "")
	require.NoError(t, err)

	p.Destroy(handle)
	p.Destroy(handle)
	assert.Zero(t, p.LiveCount())
}

func TestPoolSpareCap(t *testing.T) {
	p := NewPool(2)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.CreateSpare(context.Background()))
	}
	assert.Equal(t, 2, p.SpareCount())
}

func TestPoolSpeculativeConsumesSpare(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.CreateSpare(context.Background()))
	require.Equal(t, 1, p.SpareCount())

	_, err := p.CreateSpeculative(context.Background(), "https://example.com/", "")
	require.NoError(t, err)
	assert.Zero(t, p.SpareCount())
}

func TestPoolHonorsContextCancellation(t *testing.T) {
	p := NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.CreateSpeculative(ctx, "https://example.com/", "")
	assert.Error(t, err)
	assert.Error(t, p.CreateSpare(ctx))
}

func TestPoolPreconnectAndMessages(t *testing.T) {
	p := NewPool(1)
	p.Preconnect("https://example.com/")
	p.Preconnect("https://example.com/")
	assert.Equal(t, 2, p.PreconnectCount("https://example.com/"))

	require.NoError(t, p.PostMessageToPage("s1", "hello"))
	require.NoError(t, p.PostMessageToPage("s1", "again"))
	assert.Equal(t, []string{"hello", "again"}, p.PageMessages("s1"))
	assert.Empty(t, p.PageMessages("s2"))
}
