package cache

import (
	"context"
	"testing"
	"time"

	"github.com/kasuganosora/hookhost/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_LocalFallback(t *testing.T) {
	b, err := Open(config.CacheConfig{})
	require.NoError(t, err)
	defer b.Close()
	assert.False(t, b.Remote)

	ctx := context.Background()
	_, err = b.Cache.Get(ctx, "missing")
	assert.True(t, IsNotFound(err))
	_, err = b.Cache.HGet(ctx, "plugin:x", "missing")
	assert.True(t, IsNotFound(err))

	msgs, cancel, err := b.PubSub.Subscribe(ctx, "notices")
	require.NoError(t, err)
	require.NoError(t, b.PubSub.Publish(ctx, "notices", "hello"))
	select {
	case m := <-msgs:
		assert.Equal(t, &Message{Channel: "notices", Payload: "hello"}, m)
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	cancel()
	_, ok := <-msgs
	assert.False(t, ok, "forwarded channel closes after cancel")
}

func TestOpen_UnreachableRedis(t *testing.T) {
	_, err := Open(config.CacheConfig{RedisAddr: "127.0.0.1:1"})
	assert.Error(t, err)
}
