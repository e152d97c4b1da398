package llmservice

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"docqa/internal/config"
	"docqa/internal/models"
)

var thinkRe = regexp.MustCompile(models.ThinkTag)

// NewModel builds the chat model named by llmConfig.
func NewModel(llmConfig *config.LLMConfig) (llms.Model, error) {
	log.Debug().Interface("llmConfig", map[string]string{
		"provider": llmConfig.Provider,
		"base_url": llmConfig.BaseURL,
		"model":    llmConfig.Model,
	}).Msg("Creating chat model")

	httpClient := &http.Client{Timeout: llmConfig.Timeout}
	switch llmConfig.Provider {
	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
			openai.WithModel(llmConfig.Model),
			openai.WithHTTPClient(httpClient),
		}
		if llmConfig.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(llmConfig.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: openai client: %w", models.ErrConfig, err)
		}
		return llm, nil
	case config.ProviderOllama:
		opts := []ollama.Option{
			ollama.WithModel(llmConfig.Model),
			ollama.WithHTTPClient(httpClient),
		}
		if llmConfig.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(llmConfig.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: ollama client: %w", models.ErrConfig, err)
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("%w: unknown inference provider %q", models.ErrConfig, llmConfig.Provider)
	}
}

// Client pins the sampling settings used for every completion.
type Client struct {
	llm         llms.Model
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

func NewClient(llm llms.Model, model string, temperature float64, maxTokens int, timeout time.Duration) *Client {
	return &Client{
		llm:         llm,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     timeout,
	}
}

// Model returns the pinned model name.
func (c *Client) Model() string { return c.model }

// GenerateContent sends one system instruction and one user prompt and
// returns the first completion with reasoning blocks removed.
func (c *Client) GenerateContent(ctx context.Context, system, prompt string) (string, error) {
	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextContent{Text: system}}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextContent{Text: prompt}}},
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.llm.GenerateContent(callCtx, messages,
		llms.WithModel(c.model),
		llms.WithTemperature(c.temperature),
		llms.WithMaxTokens(c.maxTokens),
		llms.WithN(1),
	)
	if err != nil {
		if callCtx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, callCtx.Err())
		}
		return "", models.ProviderError(models.ErrSynthesis, "generate "+c.model, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: %s returned no choices", models.ErrSynthesis, c.model)
	}

	log.Debug().Str("model", c.model).Dur("elapsed", time.Since(start)).Msg("Generated content")
	return StripThinking(resp.Choices[0].Content), nil
}

// StripThinking removes <think> blocks and surrounding whitespace.
func StripThinking(s string) string {
	return strings.TrimSpace(thinkRe.ReplaceAllString(s, ""))
}
