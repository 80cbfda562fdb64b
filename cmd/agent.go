package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/neuroflow/internal/agentkit"
	"github.com/zjrosen/neuroflow/internal/agents/conversion"
	"github.com/zjrosen/neuroflow/internal/agents/evaluation"
	"github.com/zjrosen/neuroflow/internal/agents/metadata"
	"github.com/zjrosen/neuroflow/internal/model"
	"github.com/zjrosen/neuroflow/internal/tools"
)

var agentCmd = &cobra.Command{
	Use:   "agent <metadata|conversion|evaluation>",
	Short: "Run a worker agent",
	Long: `Run one of the three worker agents. The worker binds its configured port,
registers with the coordinator, and serves pipeline tasks until stopped.

Example:
  neuroflow agent metadata
  neuroflow agent conversion
  neuroflow agent evaluation`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"metadata", "conversion", "evaluation"},
	RunE:      runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(_ *cobra.Command, args []string) error {
	kind := model.AgentKind(args[0])
	if !kind.IsValid() {
		return fmt.Errorf("unknown agent kind %q", args[0])
	}

	if err := loadConfig(); err != nil {
		return err
	}
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	client := agentkit.NewClient(cfg.Agents.CoordinatorURL)
	name := string(kind) + "_agent"

	handler, capabilities, err := buildWorker(kind, name, client)
	if err != nil {
		return err
	}

	server, err := agentkit.NewServer(agentkit.ServerConfig{
		Name:         name,
		Kind:         kind,
		Addr:         fmt.Sprintf(":%d", cfg.Agents.PortFor(kind)),
		Coordinator:  client,
		Handler:      handler,
		Capabilities: capabilities,
	})
	if err != nil {
		return fmt.Errorf("creating worker server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(context.Background())
	}()

	fmt.Printf("%s serving on %s\n", name, server.BaseURL())

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("worker error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Stop(shutdownCtx)
}

// buildWorker assembles the handler and capability list for one agent kind.
func buildWorker(kind model.AgentKind, name string, client *agentkit.Client) (agentkit.Handler, []string, error) {
	switch kind {
	case model.AgentMetadata:
		llm, err := agentkit.NewLLMClient(cfg.LLM, kind)
		if err != nil {
			return nil, nil, fmt.Errorf("creating LLM client: %w", err)
		}
		agent, err := metadata.New(metadata.Config{
			Name:        name,
			Coordinator: client,
			LLM:         llm,
		})
		if err != nil {
			return nil, nil, err
		}
		return agent, []string{"initialize_session", "handle_clarification"}, nil

	case model.AgentConversion:
		agent, err := conversion.New(conversion.Config{
			Name:        name,
			Coordinator: client,
			Converter:   tools.NewRealConverter(cfg.Tools.ConverterCommand),
			NWBDir:      cfg.Paths.NWBDir(),
		})
		if err != nil {
			return nil, nil, err
		}
		return agent, []string{"convert_dataset"}, nil

	case model.AgentEvaluation:
		llm, err := agentkit.NewLLMClient(cfg.LLM, kind)
		if err != nil {
			return nil, nil, fmt.Errorf("creating LLM client: %w", err)
		}
		agent, err := evaluation.New(evaluation.Config{
			Name:        name,
			Coordinator: client,
			Validator:   tools.NewRealValidator(cfg.Tools.ValidatorCommand),
			LLM:         llm,
			ReportsDir:  cfg.Paths.ReportsDir(),
		})
		if err != nil {
			return nil, nil, err
		}
		return agent, []string{"validate_nwb"}, nil
	}
	return nil, nil, fmt.Errorf("unknown agent kind %q", kind)
}
