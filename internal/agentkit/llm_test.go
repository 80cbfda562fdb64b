package agentkit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// === Helper Functions ===

// scriptedProvider fails with err for failures calls, then succeeds.
type scriptedProvider struct {
	calls    atomic.Int64
	failures int
	err      error
	reply    string
}

func (p *scriptedProvider) Complete(_ context.Context, _, _ string) (string, error) {
	n := p.calls.Add(1)
	if int(n) <= p.failures {
		return "", p.err
	}
	return p.reply, nil
}

// newTestLLM wires a client with instant, recorded sleeps.
func newTestLLM(provider Provider, cacheTTL time.Duration) (*LLMClient, *[]time.Duration) {
	client := NewLLMClientWithProvider(provider, "test-model", cacheTTL)
	var delays []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return client, &delays
}

func seconds(values ...int) []time.Duration {
	out := make([]time.Duration, len(values))
	for i, v := range values {
		out[i] = time.Duration(v) * time.Second
	}
	return out
}

// === Retry Schedules ===

func TestCallLLM_SucceedsFirstAttempt(t *testing.T) {
	provider := &scriptedProvider{reply: "structured metadata"}
	client, delays := newTestLLM(provider, 0)

	out, err := client.CallLLM(context.Background(), "system", "prompt")
	require.NoError(t, err)
	require.Equal(t, "structured metadata", out)
	require.Equal(t, int64(1), provider.calls.Load())
	require.Empty(t, *delays)
}

func TestCallLLM_RateLimitBacksOffExponentially(t *testing.T) {
	provider := &scriptedProvider{
		failures: 4,
		err:      errors.New("429: rate limit exceeded"),
		reply:    "ok",
	}
	client, delays := newTestLLM(provider, 0)

	out, err := client.CallLLM(context.Background(), "", "prompt")
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, seconds(1, 2, 4, 8), *delays)
}

func TestCallLLM_APIErrorBacksOffLinearly(t *testing.T) {
	provider := &scriptedProvider{
		failures: 3,
		err:      errors.New("api_error: overloaded upstream"),
		reply:    "ok",
	}
	client, delays := newTestLLM(provider, 0)

	_, err := client.CallLLM(context.Background(), "", "prompt")
	require.NoError(t, err)
	require.Equal(t, seconds(1, 2, 3), *delays)
}

func TestCallLLM_TimeoutBacksOffSlopeTwo(t *testing.T) {
	provider := &scriptedProvider{
		failures: 3,
		err:      context.DeadlineExceeded,
		reply:    "ok",
	}
	client, delays := newTestLLM(provider, 0)

	_, err := client.CallLLM(context.Background(), "", "prompt")
	require.NoError(t, err)
	require.Equal(t, seconds(2, 4, 6), *delays)
}

func TestCallLLM_ExhaustionSurfacesLastError(t *testing.T) {
	boom := errors.New("api_error: model gone")
	provider := &scriptedProvider{failures: 100, err: boom}
	client, delays := newTestLLM(provider, 0)

	_, err := client.CallLLM(context.Background(), "", "prompt")
	require.ErrorIs(t, err, boom)
	require.Equal(t, int64(DefaultMaxAttempts), provider.calls.Load())
	// No sleep after the final attempt.
	require.Len(t, *delays, DefaultMaxAttempts-1)
}

func TestCallLLM_ParentCancellationStopsRetrying(t *testing.T) {
	boom := errors.New("api_error: slow")
	provider := &scriptedProvider{failures: 100, err: boom}
	client, _ := newTestLLM(provider, 0)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	client.sleep = func(ctx context.Context, _ time.Duration) error {
		calls++
		cancel()
		return ctx.Err()
	}

	_, err := client.CallLLM(ctx, "", "prompt")
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

// === Response Cache ===

func TestCallLLM_CachesIdenticalPrompts(t *testing.T) {
	provider := &scriptedProvider{reply: "cached answer"}
	client, _ := newTestLLM(provider, time.Minute)

	for i := 0; i < 3; i++ {
		out, err := client.CallLLM(context.Background(), "sys", "same prompt")
		require.NoError(t, err)
		require.Equal(t, "cached answer", out)
	}
	require.Equal(t, int64(1), provider.calls.Load())

	// A different prompt misses the cache.
	_, err := client.CallLLM(context.Background(), "sys", "other prompt")
	require.NoError(t, err)
	require.Equal(t, int64(2), provider.calls.Load())
}

func TestCallLLM_ZeroTTLDisablesCache(t *testing.T) {
	provider := &scriptedProvider{reply: "fresh"}
	client, _ := newTestLLM(provider, 0)

	for i := 0; i < 3; i++ {
		_, err := client.CallLLM(context.Background(), "sys", "same prompt")
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), provider.calls.Load())
}

func TestCallLLM_FailuresAreNotCached(t *testing.T) {
	boom := errors.New("api_error: flaky")
	provider := &scriptedProvider{failures: DefaultMaxAttempts, err: boom, reply: "eventually"}
	client, _ := newTestLLM(provider, time.Minute)

	_, err := client.CallLLM(context.Background(), "", "prompt")
	require.ErrorIs(t, err, boom)

	// The next call reaches the provider again and succeeds.
	out, err := client.CallLLM(context.Background(), "", "prompt")
	require.NoError(t, err)
	require.Equal(t, "eventually", out)
}

// === Classification ===

func TestClassifyFailure(t *testing.T) {
	require.Equal(t, failureTimeout, classifyFailure(context.DeadlineExceeded))
	require.Equal(t, failureRateLimit, classifyFailure(errors.New("HTTP 429 Too Many Requests")))
	require.Equal(t, failureRateLimit, classifyFailure(errors.New("Rate Limit hit")))
	require.Equal(t, failureAPI, classifyFailure(errors.New("invalid_request_error")))
}
