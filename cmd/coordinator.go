package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/neuroflow/internal/api"
	"github.com/zjrosen/neuroflow/internal/contextstore"
	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/metrics"
	"github.com/zjrosen/neuroflow/internal/registry"
	"github.com/zjrosen/neuroflow/internal/router"
	"github.com/zjrosen/neuroflow/internal/tracing"
	"github.com/zjrosen/neuroflow/internal/workflow"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 30 * time.Second

var coordinatorAddr string

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator daemon",
	Long: `Run the coordinator: the durable session store, the agent registry, the
message router, and the public REST API. Worker agents register themselves
against the internal API once the coordinator is up.

Example:
  neuroflow coordinator
  neuroflow coordinator --addr :8080`,
	RunE: runCoordinator,
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
	coordinatorCmd.Flags().StringVar(&coordinatorAddr, "addr", "", "address to listen on (overrides config)")
}

// coordinatorRuntime holds the wired coordinator components so shutdown can
// release them in dependency order.
type coordinatorRuntime struct {
	server *api.Server
	store  contextstore.Store
	router router.Router
	engine *workflow.Engine
	tracer *tracing.Provider
}

// buildCoordinator wires the coordinator from the loaded config: context
// store, registry, router, engine, metrics watcher, handler, HTTP server.
// The metrics watcher runs on its own goroutine; it lives until ctx is
// cancelled.
func buildCoordinator(ctx context.Context, addr string) (*coordinatorRuntime, error) {
	tracer, err := tracing.NewProvider(cfg.Tracing, "neuroflow-coordinator")
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	store, err := contextstore.New(ctx, contextstore.Config{
		CacheURL: cfg.Store.CacheURL,
		BasePath: cfg.Paths.SessionBase,
		TTL:      cfg.Store.TTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting context store: %w", err)
	}

	reg := registry.NewInMemory()
	rt, err := router.New(router.Config{Registry: reg})
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}

	engine, err := workflow.New(store, reg, rt)
	if err != nil {
		return nil, fmt.Errorf("creating workflow engine: %w", err)
	}

	m := metrics.New()
	go m.Watch(ctx, engine.Events())

	handler, err := api.NewHandler(api.HandlerConfig{
		Engine:   engine,
		Registry: reg,
		Router:   rt,
		Store:    store,
		Paths:    cfg.Paths,
		Metrics:  m,
		Tracer:   tracer.Tracer(),
		Version:  version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API handler: %w", err)
	}

	if addr == "" {
		addr = cfg.Server.Addr()
	}
	server, err := api.NewServer(api.ServerConfig{
		Addr:    addr,
		Handler: handler.Routes(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}

	return &coordinatorRuntime{
		server: server,
		store:  store,
		router: rt,
		engine: engine,
		tracer: tracer,
	}, nil
}

// shutdown stops the server, then releases the router, store, and tracer.
func (c *coordinatorRuntime) shutdown(ctx context.Context) {
	if err := c.server.Stop(ctx); err != nil {
		log.ErrorErr(log.CatAPI, "Error stopping API server", err)
	}
	c.router.Close()
	c.engine.Close()
	if err := c.store.Close(); err != nil {
		log.ErrorErr(log.CatStore, "Error closing context store", err)
	}
	if err := c.tracer.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatConfig, "Error flushing tracer", err)
	}
}

func runCoordinator(_ *cobra.Command, _ []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime, err := buildCoordinator(ctx, coordinatorAddr)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runtime.server.Start()
	}()

	log.Info(log.CatAPI, "Coordinator started", "port", runtime.server.Port(), "version", version)
	fmt.Printf("neuroflow coordinator listening on port %d\n", runtime.server.Port())

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	runtime.shutdown(shutdownCtx)

	fmt.Println("Coordinator stopped")
	return nil
}
