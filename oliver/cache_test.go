package oliver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyCache(t *testing.T) {
	t.Parallel()
	cache := NewReplyCache(time.Minute)

	_, ok := cache.Get("user-1", "hola")
	assert.False(t, ok)

	cache.Set("user-1", "hola", "¡hola genia!")

	reply, ok := cache.Get("user-1", "hola")
	require.True(t, ok)
	assert.Equal(t, "¡hola genia!", reply)

	// keys are per-user
	_, ok = cache.Get("user-2", "hola")
	assert.False(t, ok)

	// exact match on the trimmed question only
	reply, ok = cache.Get("user-1", "  hola  ")
	require.True(t, ok)
	assert.Equal(t, "¡hola genia!", reply)

	_, ok = cache.Get("user-1", "hola!")
	assert.False(t, ok)
}

func TestReplyCacheExpiry(t *testing.T) {
	t.Parallel()
	cache := NewReplyCache(25 * time.Millisecond)

	cache.Set("user-1", "hola", "¡hola!")
	_, ok := cache.Get("user-1", "hola")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	_, ok = cache.Get("user-1", "hola")
	assert.False(t, ok)
}
