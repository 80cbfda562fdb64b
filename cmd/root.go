// Package cmd wires the neuroflow executables: the coordinator daemon and
// the three worker agents.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/neuroflow/internal/config"
	"github.com/zjrosen/neuroflow/internal/log"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "neuroflow",
	Short: "Coordinator for the multi-agent NWB conversion pipeline",
	Long: `neuroflow converts raw neuroscience recordings to NWB through a pipeline of
worker agents: metadata extraction, format conversion, and validation. The
coordinator owns the session store, the agent registry, the message router,
and the public REST API; each worker runs as its own process and registers
with the coordinator on boot.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: environment only, NEUROFLOW_ prefix)")
}

// loadConfig loads and validates configuration for the serving commands.
func loadConfig() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg = loaded
	return nil
}

// initLogging sets up the global logger per config. The returned cleanup
// closes the log file.
func initLogging() (func(), error) {
	var cleanup func()
	if cfg.Log.Path != "" {
		var err error
		cleanup, err = log.Init(cfg.Log.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing logging: %w", err)
		}
	} else {
		cleanup = log.InitStderr()
	}
	log.SetEnabled(true)
	log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
	return cleanup, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
