// Package cachemanager provides the in-process TTL cache behind the LLM
// client: identical completion requests inside the TTL window are answered
// from memory instead of spending provider tokens again.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is a typed TTL cache. The LLM client keys it by a hash of
// system prompt plus user prompt; values are whatever the caller stores.
type CacheManager[K comparable, V any] interface {
	// Get returns the live entry for key, if any.
	Get(ctx context.Context, key K) (V, bool)
	// GetWithRefresh returns the entry and re-arms its TTL, so entries that
	// keep being asked for keep living.
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	// Delete drops the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...K) error
	// Flush drops every entry.
	Flush(ctx context.Context) error
}
