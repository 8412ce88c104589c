package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/internal/config"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

// LangchainEmbedder embeds text through a langchaingo embeddings client.
type LangchainEmbedder struct {
	model      embeddings.Embedder
	modelName  string
	dimensions int
	logger     *zap.Logger
}

// NewLangchainEmbedder creates an embedder for the configured provider (openai or ollama).
func NewLangchainEmbedder(cfg config.AIConfig, logger *zap.Logger) (*LangchainEmbedder, error) {
	var model embeddings.Embedder

	switch cfg.Provider {
	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.EmbeddingModel)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		client, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		model, err = embeddings.NewEmbedder(client)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithEmbeddingModel(cfg.EmbeddingModel),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		client, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		model, err = embeddings.NewEmbedder(client, embeddings.WithStripNewLines(false))
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}

	return &LangchainEmbedder{
		model:      model,
		modelName:  cfg.EmbeddingModel,
		dimensions: cfg.EmbeddingDimensions,
		logger:     utils.OrNop(logger),
	}, nil
}

// Embed returns the embedding for text, checking it has the configured dimensionality.
func (e *LangchainEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vectors, err := e.model.EmbedDocuments(ctx, []string{text})
	if err != nil {
		e.logger.Warn("embedding failed",
			zap.String("model", e.modelName),
			zap.Int("text_len", len(text)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	vec := vectors[0]
	if len(vec) != e.dimensions {
		return nil, fmt.Errorf("dimension mismatch: got %d, want %d", len(vec), e.dimensions)
	}
	e.logger.Debug("embedding complete",
		zap.String("model", e.modelName),
		zap.Int("text_len", len(text)),
		zap.Duration("duration", time.Since(start)))
	return vec, nil
}

// Dimensions returns the configured embedding dimension.
func (e *LangchainEmbedder) Dimensions() int {
	return e.dimensions
}
