package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/internal/chunker"
	"github.com/hyperjump/nuggetize/internal/config"
	"github.com/hyperjump/nuggetize/internal/embedding"
	"github.com/hyperjump/nuggetize/internal/extract"
	"github.com/hyperjump/nuggetize/internal/illustration"
	"github.com/hyperjump/nuggetize/internal/keyword"
	"github.com/hyperjump/nuggetize/internal/llm"
	"github.com/hyperjump/nuggetize/internal/metadata"
	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/internal/processor"
	"github.com/hyperjump/nuggetize/internal/queue"
	"github.com/hyperjump/nuggetize/internal/storage"
)

// Components holds the initialized pipeline.
type Components struct {
	Store     storage.Store
	Index     *keyword.NuggetIndex
	Processor *processor.Processor
}

// Close releases the store and index.
func (c *Components) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

// openStore opens the configured store. Commands that never run the pipeline only need this.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	return storage.Open(ctx, cfg.Storage, cfg.AI.EmbeddingDimensions)
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	c := &Components{Store: store}

	if cfg.Storage.BleveIndexPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.BleveIndexPath), 0755); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		idx, err := keyword.NewNuggetIndex(cfg.Storage.BleveIndexPath)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to open keyword index: %w", err)
		}
		c.Index = idx
	}

	base, err := embedding.NewLangchainEmbedder(cfg.AI, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	embedder := embedding.NewCachedEmbedder(base, cfg.AI.EmbeddingCacheSize)

	model, err := llm.NewModel(cfg.AI)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	completer := llm.NewCompleter(model, logger)
	annotator := metadata.NewAnnotator(completer,
		metadata.WithModel(cfg.AI.MetadataModel),
		metadata.WithLogger(logger),
	)

	extractor := extract.NewExtractor(
		extract.WithHTTPClient(&http.Client{Timeout: cfg.URLs.RequestTimeout}),
		extract.WithUserAgent(cfg.URLs.UserAgent),
		extract.WithLogger(logger),
	)
	chunk := chunker.NewChunker(embedder, chunker.Options{
		SimilarityThreshold: cfg.Chunking.SimilarityThreshold,
		MaxTokens:           cfg.Chunking.MaxTokens,
		OverlapPercent:      cfg.Chunking.OverlapPercent,
		EmbedCharLimit:      cfg.Chunking.EmbedCharLimit,
	}, chunker.WithLogger(logger))

	procOpts := []processor.Option{processor.WithLogger(logger)}
	if c.Index != nil {
		procOpts = append(procOpts, processor.WithKeywordIndex(c.Index))
	}
	illustrator, err := newIllustrator(ctx, cfg, completer, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	if illustrator != nil {
		procOpts = append(procOpts, processor.WithIllustrator(illustrator))
	}

	c.Processor = processor.New(store, extractor, chunk, embedder, annotator, procOpts...)
	return c, nil
}

// newIllustrator returns nil when the provider has no image endpoint.
func newIllustrator(ctx context.Context, cfg *config.Config, completer llm.Completer, logger *zap.Logger) (*illustration.Generator, error) {
	if cfg.AI.Provider != config.ProviderOpenAI {
		logger.Info("image generation disabled for provider", zap.String("provider", cfg.AI.Provider))
		return nil, nil
	}
	images, err := illustration.NewStore(ctx, cfg.Images)
	if err != nil {
		return nil, fmt.Errorf("failed to create image store: %w", err)
	}
	client := &http.Client{Timeout: cfg.AI.RequestTimeout}
	return illustration.NewGenerator(completer, llm.NewOpenAIImageGenerator(cfg.AI, client), images,
		illustration.WithModel(cfg.AI.ChatModel),
		illustration.WithSize(cfg.AI.ImageSize),
		illustration.WithHTTPClient(client),
		illustration.WithLogger(logger),
	), nil
}

// seed upserts the folder and URL records listed in the config.
func seed(ctx context.Context, store storage.Store, cfg *config.Config) error {
	for i := range cfg.Seed.Folders {
		if err := store.UpsertFolder(ctx, &cfg.Seed.Folders[i]); err != nil {
			return fmt.Errorf("seed folder %s: %w", cfg.Seed.Folders[i].ID, err)
		}
	}
	for i := range cfg.Seed.URLs {
		if err := store.UpsertURL(ctx, &cfg.Seed.URLs[i]); err != nil {
			return fmt.Errorf("seed url %s: %w", cfg.Seed.URLs[i].ID, err)
		}
	}
	return nil
}

// isDeferred reports whether a job was recorded without auto-processing.
func isDeferred(job *models.IngestionJob) bool {
	v, _ := job.Metadata["deferred"].(bool)
	return v
}

// reconcile re-enqueues pending jobs left from a previous run and reports jobs stuck in
// processing. Stuck jobs are never moved automatically. It returns the number enqueued.
func reconcile(ctx context.Context, store storage.Store, q queue.Queue, stuckAfter time.Duration, now time.Time, logger *zap.Logger) (int, error) {
	pending, err := store.ListJobsByStatus(ctx, models.JobPending)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	enqueued := 0
	for _, job := range pending {
		if isDeferred(job) {
			continue
		}
		if err := q.Enqueue(ctx, job.Ref()); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
		}
		enqueued++
	}

	processing, err := store.ListJobsByStatus(ctx, models.JobProcessing)
	if err != nil {
		return enqueued, fmt.Errorf("failed to list processing jobs: %w", err)
	}
	for _, job := range processing {
		if job.StartedAt != nil && now.Sub(*job.StartedAt) > stuckAfter {
			logger.Warn("job stuck in processing; needs manual recovery",
				zap.String("job_id", job.ID),
				zap.Time("started_at", *job.StartedAt),
				zap.Duration("age", now.Sub(*job.StartedAt)),
			)
		}
	}
	return enqueued, nil
}
