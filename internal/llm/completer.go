// Package llm wraps the chat-completion and image-generation providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/internal/config"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

// ErrEmptyResponse is returned when the provider answers with no choices.
var ErrEmptyResponse = errors.New("no response choices")

// CompletionRequest is one system+user prompt exchange.
type CompletionRequest struct {
	Model       string // empty uses the client default
	System      string
	User        string
	Temperature float64
	MaxTokens   int  // 0 leaves the provider default
	JSON        bool // ask for a JSON object response
}

// Completer runs chat completions.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// LangchainCompleter runs completions through a langchaingo model.
type LangchainCompleter struct {
	model  llms.Model
	logger *zap.Logger
}

// NewCompleter wraps a langchaingo model.
func NewCompleter(model llms.Model, logger *zap.Logger) *LangchainCompleter {
	return &LangchainCompleter{model: model, logger: utils.OrNop(logger)}
}

// NewModel creates the chat model for the configured provider.
func NewModel(cfg config.AIConfig) (llms.Model, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.ChatModel)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return model, nil

	case config.ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.ChatModel),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return model, nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// Complete sends the prompts and returns the first choice's content.
func (c *LangchainCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.System),
		llms.TextParts(llms.ChatMessageTypeHuman, req.User),
	}
	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.JSON {
		opts = append(opts, llms.WithJSONMode())
	}

	start := time.Now()
	resp, err := c.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	c.logger.Debug("completion finished",
		zap.String("model", req.Model),
		zap.Bool("json", req.JSON),
		zap.Duration("duration", time.Since(start)))
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
