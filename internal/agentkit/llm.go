package agentkit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/zjrosen/neuroflow/internal/cachemanager"
	"github.com/zjrosen/neuroflow/internal/config"
	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/model"
)

const (
	// DefaultMaxAttempts bounds retries for one logical completion.
	DefaultMaxAttempts = 5
	// DefaultAttemptTimeout is the wall clock for a single provider call.
	DefaultAttemptTimeout = 180 * time.Second
)

// Provider is one language model backend.
type Provider interface {
	// Complete sends a single-turn prompt and returns the text reply.
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// completionInput carries one prompt through the response cache.
type completionInput struct {
	System string
	Prompt string
}

// LLMClient wraps a Provider with bounded retries and an in-process
// response cache for identical prompts.
type LLMClient struct {
	provider       Provider
	maxAttempts    int
	attemptTimeout time.Duration
	cacheTTL       time.Duration
	cache          *cachemanager.ReadThroughCache[string, string, completionInput]
	keyPrefix      string

	// sleep is swappable so tests can observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLLMClient builds the configured provider with the model settings for
// the given agent kind.
func NewLLMClient(cfg config.LLMConfig, kind model.AgentKind) (*LLMClient, error) {
	settings := cfg.ForKind(kind)

	var provider Provider
	switch cfg.Provider {
	case "anthropic":
		provider = newAnthropicProvider(cfg.AnthropicAPIKey, settings)
	case "openai":
		p, err := newOpenAIProvider(cfg.OpenAIAPIKey, settings)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return nil, faults.New(faults.KindConfig, "unknown LLM provider %q", cfg.Provider)
	}

	return NewLLMClientWithProvider(provider, settings.Model, cfg.CacheTTL()), nil
}

// NewLLMClientWithProvider wires an explicit provider; used by tests and
// anywhere the backend is already built.
func NewLLMClientWithProvider(provider Provider, model string, cacheTTL time.Duration) *LLMClient {
	c := &LLMClient{
		provider:       provider,
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		cacheTTL:       cacheTTL,
		keyPrefix:      model,
		sleep:          sleepCtx,
	}
	cache := cachemanager.NewInMemoryCacheManager[string, string]("llm-responses", cacheTTL, 10*time.Minute)
	c.cache = cachemanager.NewReadThroughCache[string, string, completionInput](cache, c.complete, cacheTTL <= 0)
	return c
}

// CallLLM returns a completion for the prompt, serving identical prompts
// from the response cache within the TTL window.
func (c *LLMClient) CallLLM(ctx context.Context, system, prompt string) (string, error) {
	key := c.cacheKey(system, prompt)
	return c.cache.Get(ctx, key, completionInput{System: system, Prompt: prompt}, c.cacheTTL)
}

func (c *LLMClient) cacheKey(system, prompt string) string {
	sum := sha256.Sum256([]byte(c.keyPrefix + "\x00" + system + "\x00" + prompt))
	return hex.EncodeToString(sum[:])
}

// complete runs the retry loop. On exhaustion the last provider error is
// surfaced unchanged.
func (c *LLMClient) complete(ctx context.Context, input completionInput) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		out, err := c.provider.Complete(attemptCtx, input.System, input.Prompt)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", lastErr
		}
		if attempt == c.maxAttempts-1 {
			break
		}

		delay := backoffDelay(classifyFailure(err), attempt)
		log.Warn(log.CatLLM, "Completion attempt failed",
			"attempt", attempt+1, "delay", delay, "error", err)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return "", lastErr
		}
	}
	return "", lastErr
}

// failureClass selects the backoff schedule for a failed attempt.
type failureClass int

const (
	failureAPI failureClass = iota
	failureRateLimit
	failureTimeout
)

// classifyFailure buckets a provider error. Rate limits back off the
// hardest; per-attempt timeouts suggest an overloaded backend and back off
// twice as fast as generic API errors.
func classifyFailure(err error) failureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return failureRateLimit
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") {
		return failureRateLimit
	}
	return failureAPI
}

// backoffDelay returns the wait before retrying after the given zero-based
// attempt: rate limits 1,2,4,8,16s; timeouts 2,4,6,8s; other errors
// 1,2,3,4s.
func backoffDelay(class failureClass, attempt int) time.Duration {
	switch class {
	case failureRateLimit:
		return time.Duration(1<<attempt) * time.Second
	case failureTimeout:
		return time.Duration(2*(attempt+1)) * time.Second
	default:
		return time.Duration(attempt+1) * time.Second
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// === Providers ===

type anthropicProvider struct {
	client   anthropic.Client
	settings config.LLMAgentConfig
}

func newAnthropicProvider(apiKey string, settings config.LLMAgentConfig) *anthropicProvider {
	return &anthropicProvider{
		client:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		settings: settings,
	}
}

func (p *anthropicProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.settings.Model),
		MaxTokens:   int64(p.settings.MaxTokens),
		Temperature: anthropic.Float(p.settings.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

type openAIProvider struct {
	llm      *openai.LLM
	settings config.LLMAgentConfig
}

func newOpenAIProvider(apiKey string, settings config.LLMAgentConfig) (*openAIProvider, error) {
	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithModel(settings.Model),
	)
	if err != nil {
		return nil, faults.Wrap(faults.KindConfig, err, "building openai client")
	}
	return &openAIProvider{llm: llm, settings: settings}, nil
}

func (p *openAIProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	var messages []llms.MessageContent
	if system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	resp, err := p.llm.GenerateContent(ctx, messages,
		llms.WithTemperature(p.settings.Temperature),
		llms.WithMaxTokens(p.settings.MaxTokens),
	)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion from model %s", p.settings.Model)
	}
	return resp.Choices[0].Content, nil
}
