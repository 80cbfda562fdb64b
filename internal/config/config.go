// Package config provides configuration types, defaults, and loading for
// the neuroflow coordinator and its worker agents. Values come from an
// optional YAML file overlaid by NEUROFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/model"
)

// EnvPrefix is the environment variable prefix; nested keys use underscores,
// e.g. NEUROFLOW_STORE_CACHE_URL.
const EnvPrefix = "NEUROFLOW"

// Config holds all configuration for the coordinator and agents.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Server  ServerConfig  `mapstructure:"server"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Tools   ToolsConfig   `mapstructure:"tools"`
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// StoreConfig holds context store settings.
type StoreConfig struct {
	// CacheURL is the Redis connection URL, e.g. "redis://localhost:6379/0".
	CacheURL string `mapstructure:"cache_url"`
	// TTLSeconds is the cache entry lifetime. Default: 86400 (24h).
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// TTL returns the cache entry lifetime as a duration.
func (s StoreConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// PathsConfig holds filesystem roots.
type PathsConfig struct {
	// SessionBase is the root for session backup files (<base>/sessions).
	SessionBase string `mapstructure:"session_base"`
	// OutputBase is the root for pipeline outputs: <base>/nwb_files and
	// <base>/reports.
	OutputBase string `mapstructure:"output_base"`
}

// NWBDir returns the directory for produced NWB files.
func (p PathsConfig) NWBDir() string { return filepath.Join(p.OutputBase, "nwb_files") }

// ReportsDir returns the directory for validation reports.
func (p PathsConfig) ReportsDir() string { return filepath.Join(p.OutputBase, "reports") }

// ServerConfig holds the coordinator HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AgentsConfig holds the worker agent listen ports and the coordinator URL
// agents use for registration and context access.
type AgentsConfig struct {
	MetadataPort   int `mapstructure:"metadata_port"`
	ConversionPort int `mapstructure:"conversion_port"`
	EvaluationPort int `mapstructure:"evaluation_port"`

	// CoordinatorURL is the base URL agents reach the coordinator on.
	CoordinatorURL string `mapstructure:"coordinator_url"`
}

// PortFor returns the listen port for the given agent kind.
func (a AgentsConfig) PortFor(kind model.AgentKind) int {
	switch kind {
	case model.AgentMetadata:
		return a.MetadataPort
	case model.AgentConversion:
		return a.ConversionPort
	case model.AgentEvaluation:
		return a.EvaluationPort
	}
	return 0
}

// LLMAgentConfig holds per-agent-kind model settings.
type LLMAgentConfig struct {
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMConfig holds language model provider settings.
type LLMConfig struct {
	// Provider selects the backend: "anthropic" (default) or "openai".
	Provider string `mapstructure:"provider"`

	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`

	// CacheTTLSeconds is the lifetime of cached prompt responses. Zero
	// disables response caching.
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`

	Metadata   LLMAgentConfig `mapstructure:"metadata"`
	Evaluation LLMAgentConfig `mapstructure:"evaluation"`
}

// ForKind returns the model settings for the given agent kind. Conversion
// does not call an LLM; it falls back to the metadata settings.
func (l LLMConfig) ForKind(kind model.AgentKind) LLMAgentConfig {
	if kind == model.AgentEvaluation {
		return l.Evaluation
	}
	return l.Metadata
}

// APIKey returns the key for the configured provider.
func (l LLMConfig) APIKey() string {
	if l.Provider == "openai" {
		return l.OpenAIAPIKey
	}
	return l.AnthropicAPIKey
}

// CacheTTL returns the response cache lifetime as a duration.
func (l LLMConfig) CacheTTL() time.Duration {
	return time.Duration(l.CacheTTLSeconds) * time.Second
}

// ToolsConfig names the external executables the workers shell out to.
type ToolsConfig struct {
	// ConverterCommand produces an NWB file from a dataset directory.
	ConverterCommand string `mapstructure:"converter_command"`
	// ValidatorCommand inspects an NWB file and emits a JSON issue report.
	ValidatorCommand string `mapstructure:"validator_command"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Path is the log file; empty logs to stderr.
	Path string `mapstructure:"path"`
	// Level is the minimum level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "stdout", "file". Default: "stdout"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			CacheURL:   "redis://localhost:6379/0",
			TTLSeconds: 86400,
		},
		Paths: PathsConfig{
			SessionBase: "./data",
			OutputBase:  "./output",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Agents: AgentsConfig{
			MetadataPort:   3001,
			ConversionPort: 3002,
			EvaluationPort: 3003,
			CoordinatorURL: "http://localhost:8000",
		},
		LLM: LLMConfig{
			Provider:        "anthropic",
			CacheTTLSeconds: 3600,
			Metadata: LLMAgentConfig{
				Model:       "claude-sonnet-4-5",
				Temperature: 0.0,
				MaxTokens:   4096,
			},
			Evaluation: LLMAgentConfig{
				Model:       "claude-sonnet-4-5",
				Temperature: 0.2,
				MaxTokens:   2048,
			},
		},
		Tools: ToolsConfig{
			ConverterCommand: "neuroconv-run",
			ValidatorCommand: "nwbinspector-run",
		},
		Log: LogConfig{
			Level: "INFO",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
	}
}

// Load reads configuration from the optional file at cfgFile and the
// environment, overlaid on Defaults. A missing file is not an error; a
// malformed file or invalid values are.
func Load(cfgFile string) (Config, error) {
	v := viper.New()

	defaults := Defaults()
	v.SetDefault("store.cache_url", defaults.Store.CacheURL)
	v.SetDefault("store.ttl_seconds", defaults.Store.TTLSeconds)
	v.SetDefault("paths.session_base", defaults.Paths.SessionBase)
	v.SetDefault("paths.output_base", defaults.Paths.OutputBase)
	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("agents.metadata_port", defaults.Agents.MetadataPort)
	v.SetDefault("agents.conversion_port", defaults.Agents.ConversionPort)
	v.SetDefault("agents.evaluation_port", defaults.Agents.EvaluationPort)
	v.SetDefault("agents.coordinator_url", defaults.Agents.CoordinatorURL)
	v.SetDefault("llm.provider", defaults.LLM.Provider)
	// Keys without meaningful defaults still need registering so AutomaticEnv
	// picks them up during Unmarshal.
	v.SetDefault("llm.anthropic_api_key", "")
	v.SetDefault("llm.openai_api_key", "")
	v.SetDefault("llm.cache_ttl_seconds", defaults.LLM.CacheTTLSeconds)
	v.SetDefault("llm.metadata.model", defaults.LLM.Metadata.Model)
	v.SetDefault("llm.metadata.temperature", defaults.LLM.Metadata.Temperature)
	v.SetDefault("llm.metadata.max_tokens", defaults.LLM.Metadata.MaxTokens)
	v.SetDefault("llm.evaluation.model", defaults.LLM.Evaluation.Model)
	v.SetDefault("llm.evaluation.temperature", defaults.LLM.Evaluation.Temperature)
	v.SetDefault("llm.evaluation.max_tokens", defaults.LLM.Evaluation.MaxTokens)
	v.SetDefault("tools.converter_command", defaults.Tools.ConverterCommand)
	v.SetDefault("tools.validator_command", defaults.Tools.ValidatorCommand)
	v.SetDefault("log.path", defaults.Log.Path)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	v.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, faults.Wrap(faults.KindConfig, err, "reading config file %s", cfgFile)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, faults.Wrap(faults.KindConfig, err, "parsing configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors. Empty optional values fall
// back to defaults at load time, so validation here is about contradictions
// and missing required keys.
func (c Config) Validate() error {
	if c.Store.CacheURL == "" {
		return faults.New(faults.KindConfig, "store.cache_url is required")
	}
	if c.Store.TTLSeconds < 0 {
		return faults.New(faults.KindConfig, "store.ttl_seconds must not be negative, got %d", c.Store.TTLSeconds)
	}
	if c.Paths.SessionBase == "" {
		return faults.New(faults.KindConfig, "paths.session_base is required")
	}
	if c.Paths.OutputBase == "" {
		return faults.New(faults.KindConfig, "paths.output_base is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return faults.New(faults.KindConfig, "server.port must be in 1-65535, got %d", c.Server.Port)
	}
	for _, kind := range []model.AgentKind{model.AgentMetadata, model.AgentConversion, model.AgentEvaluation} {
		if port := c.Agents.PortFor(kind); port <= 0 || port > 65535 {
			return faults.New(faults.KindConfig, "agents.%s_port must be in 1-65535, got %d", kind, port)
		}
	}
	if c.Agents.CoordinatorURL == "" {
		return faults.New(faults.KindConfig, "agents.coordinator_url is required")
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if c.Tools.ConverterCommand == "" {
		return faults.New(faults.KindConfig, "tools.converter_command is required")
	}
	if c.Tools.ValidatorCommand == "" {
		return faults.New(faults.KindConfig, "tools.validator_command is required")
	}
	if err := ValidateLogLevel(c.Log.Level); err != nil {
		return err
	}
	return c.Tracing.Validate()
}

// Validate checks LLM provider settings.
func (l LLMConfig) Validate() error {
	switch l.Provider {
	case "anthropic", "openai":
	default:
		return faults.New(faults.KindConfig, "llm.provider must be \"anthropic\" or \"openai\", got %q", l.Provider)
	}
	if l.APIKey() == "" {
		return faults.New(faults.KindConfig, "llm API key is required for provider %q", l.Provider)
	}
	for name, agent := range map[string]LLMAgentConfig{"metadata": l.Metadata, "evaluation": l.Evaluation} {
		if agent.Temperature < 0 || agent.Temperature > 2 {
			return faults.New(faults.KindConfig, "llm.%s.temperature must be in 0.0-2.0, got %v", name, agent.Temperature)
		}
		if agent.MaxTokens <= 0 {
			return faults.New(faults.KindConfig, "llm.%s.max_tokens must be positive, got %d", name, agent.MaxTokens)
		}
	}
	return nil
}

// ValidateLogLevel checks the log level name.
func ValidateLogLevel(level string) error {
	switch strings.ToUpper(level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
		return nil
	}
	return faults.New(faults.KindConfig, "log.level must be DEBUG, INFO, WARN, or ERROR, got %q", level)
}

// Validate checks tracing configuration for errors.
func (t TracingConfig) Validate() error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return faults.New(faults.KindConfig, "tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}
	switch t.Exporter {
	case "", "none", "stdout", "file":
	default:
		return faults.New(faults.KindConfig, "tracing.exporter must be \"none\", \"stdout\", or \"file\", got %q", t.Exporter)
	}
	if t.Enabled && t.Exporter == "file" && t.FilePath == "" {
		return faults.New(faults.KindConfig, "tracing.file_path is required when exporter is \"file\"")
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Neuroflow Configuration
# Every key can also be set through the environment with the NEUROFLOW_
# prefix and underscores, e.g. NEUROFLOW_STORE_CACHE_URL.

# Context store settings
store:
  cache_url: redis://localhost:6379/0   # Redis connection URL
  ttl_seconds: 86400                    # Cache entry lifetime (24h)

# Filesystem roots
paths:
  session_base: ./data     # Session backups live at <session_base>/sessions
  output_base: ./output    # NWB files and reports live under here

# Coordinator HTTP server
server:
  host: 0.0.0.0
  port: 8000

# Worker agent ports and the coordinator URL agents call back on
agents:
  metadata_port: 3001
  conversion_port: 3002
  evaluation_port: 3003
  coordinator_url: http://localhost:8000

# Language model settings
llm:
  provider: anthropic            # anthropic (default) or openai
  # anthropic_api_key: sk-ant-...
  # openai_api_key: sk-...
  cache_ttl_seconds: 3600        # Prompt response cache lifetime; 0 disables

  metadata:
    model: claude-sonnet-4-5
    temperature: 0.0
    max_tokens: 4096

  evaluation:
    model: claude-sonnet-4-5
    temperature: 0.2
    max_tokens: 2048

# External tool commands
tools:
  converter_command: neuroconv-run     # dataset dir -> NWB file
  validator_command: nwbinspector-run  # NWB file -> JSON issue report

# Logging
log:
  # path: /var/log/neuroflow.log  # Empty logs to stderr
  level: INFO                     # DEBUG, INFO, WARN, ERROR

# Distributed tracing
# tracing:
#   enabled: true
#   exporter: stdout     # none, stdout, or file
#   file_path: ./traces.jsonl
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
