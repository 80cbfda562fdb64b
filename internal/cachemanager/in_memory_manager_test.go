package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *InMemoryCacheManager[string, string] {
	t.Helper()
	return NewInMemoryCacheManager[string, string]("llm-responses", DefaultExpiration, DefaultCleanupInterval)
}

// === Get / Set ===

func TestInMemoryCacheManager_GetExistingValue(t *testing.T) {
	cache := newTestCache(t)
	cache.Set(context.Background(), "prompt:a1", `{"subject_id":"mouse_042"}`, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "prompt:a1")
	require.True(t, ok)
	require.Equal(t, `{"subject_id":"mouse_042"}`, got)
}

func TestInMemoryCacheManager_GetMissingValue(t *testing.T) {
	cache := newTestCache(t)

	got, ok := cache.Get(context.Background(), "prompt:a1")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_GetStructValue(t *testing.T) {
	type completion struct {
		Model string
		Text  string
	}
	cache := NewInMemoryCacheManager[string, completion]("completions", DefaultExpiration, DefaultCleanupInterval)
	want := completion{Model: "claude", Text: "summary"}
	cache.Set(context.Background(), "prompt:b2", want, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "prompt:b2")
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestInMemoryCacheManager_WrongTypeCountsAsMiss(t *testing.T) {
	cache := newTestCache(t)
	cache.cache.Set("prompt:a1", 123, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "prompt:a1")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_SetTTLExpires(t *testing.T) {
	cache := newTestCache(t)
	cache.Set(context.Background(), "prompt:a1", "reply", 20*time.Millisecond)

	_, ok := cache.Get(context.Background(), "prompt:a1")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := cache.Get(context.Background(), "prompt:a1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

// === GetWithRefresh ===

func TestInMemoryCacheManager_GetWithRefreshMiss(t *testing.T) {
	cache := newTestCache(t)

	got, ok := cache.GetWithRefresh(context.Background(), "prompt:a1", time.Hour)
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_GetWithRefreshExtendsTTL(t *testing.T) {
	cache := newTestCache(t)
	cache.Set(context.Background(), "prompt:a1", "reply", 50*time.Millisecond)

	got, ok := cache.GetWithRefresh(context.Background(), "prompt:a1", time.Hour)
	require.True(t, ok)
	require.Equal(t, "reply", got)

	// The original TTL would have expired by now; the refresh kept it alive.
	time.Sleep(80 * time.Millisecond)
	_, ok = cache.Get(context.Background(), "prompt:a1")
	require.True(t, ok)
}

// === Delete / Flush ===

func TestInMemoryCacheManager_Delete(t *testing.T) {
	cache := newTestCache(t)
	cache.Set(context.Background(), "prompt:a1", "reply", DefaultExpiration)

	require.NoError(t, cache.Delete(context.Background(), "prompt:a1", "prompt:never-stored"))

	_, ok := cache.Get(context.Background(), "prompt:a1")
	require.False(t, ok)
}

func TestInMemoryCacheManager_DeleteNothing(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.Delete(context.Background()))
}

func TestInMemoryCacheManager_Flush(t *testing.T) {
	cache := newTestCache(t)
	cache.Set(context.Background(), "prompt:a1", "reply", DefaultExpiration)
	cache.Set(context.Background(), "prompt:b2", "other", DefaultExpiration)

	require.NoError(t, cache.Flush(context.Background()))

	_, ok := cache.Get(context.Background(), "prompt:a1")
	require.False(t, ok)
	_, ok = cache.Get(context.Background(), "prompt:b2")
	require.False(t, ok)
}
