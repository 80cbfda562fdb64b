package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/neuroflow/internal/config"
)

// === coordinator wiring ===

// The metrics watcher is a loop that only returns on context cancellation,
// so the wiring must put it on its own goroutine. buildCoordinator has to
// return promptly and the served API must answer health checks.
func TestBuildCoordinator_ComesUpAndServesHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg = config.Config{
		Store: config.StoreConfig{CacheURL: "redis://" + mr.Addr()},
		Paths: config.PathsConfig{SessionBase: t.TempDir(), OutputBase: t.TempDir()},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type built struct {
		runtime *coordinatorRuntime
		err     error
	}
	done := make(chan built, 1)
	go func() {
		runtime, err := buildCoordinator(ctx, "127.0.0.1:0")
		done <- built{runtime, err}
	}()

	var runtime *coordinatorRuntime
	select {
	case b := <-done:
		require.NoError(t, b.err)
		runtime = b.runtime
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator wiring did not complete; a component is blocking startup")
	}

	go func() { _ = runtime.server.Start() }()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", runtime.server.Port()))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	runtime.shutdown(shutdownCtx)
}
