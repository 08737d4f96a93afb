package cache

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := New(context.Background(), mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewFailsWhenServerIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), addr, 0)
	assert.ErrorContains(t, err, "platform/cache: ping")
}
