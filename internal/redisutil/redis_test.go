package redisutil

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	t.Run("addr", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Addr = mr.Addr()
		client, err := NewClient(context.Background(), cfg)
		require.NoError(t, err)
		defer client.Close()
		assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	})

	t.Run("url", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.URL = "redis://" + mr.Addr() + "/0"
		client, err := NewClient(context.Background(), cfg)
		require.NoError(t, err)
		defer client.Close()
	})

	t.Run("bad url", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.URL = "://nope"
		_, err := NewClient(context.Background(), cfg)
		assert.Error(t, err)
	})
}

func TestKey(t *testing.T) {
	assert.Equal(t, "tg:task:1", Key("tg", "task", "1"))
	assert.Equal(t, "tg", Key("tg"))
}
