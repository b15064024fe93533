package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("k", map[string]int{"a": 1}, time.Minute))

	var out map[string]int
	found, err := c.Get("k", &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, out["a"])
}

func TestGetMiss(t *testing.T) {
	c := New()
	var out string
	found, err := c.Get("missing", &out)
	require.NoError(t, err)
	require.False(t, found)
}

func TestExpiryLazilyEvicted(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	var out string
	found, _ := c.Get("k", &out)
	require.False(t, found)

	c.mu.Lock()
	_, stillPresent := c.entries["k"]
	c.mu.Unlock()
	require.False(t, stillPresent, "expired entry not evicted from map")
}

func TestDelete(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("k", "v", time.Minute))
	c.Delete("k")

	var out string
	found, _ := c.Get("k", &out)
	require.False(t, found)
}

func TestClearPrefix(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("recent_events:3", "a", time.Minute))
	require.NoError(t, c.Set("recent_events:7", "b", time.Minute))
	require.NoError(t, c.Set("llm_result:xyz", "c", time.Minute))

	c.ClearPrefix("recent_events:")

	var out string
	found, _ := c.Get("recent_events:3", &out)
	require.False(t, found)
	found, _ = c.Get("llm_result:xyz", &out)
	require.True(t, found, "llm_result:xyz was wrongly cleared")
}
