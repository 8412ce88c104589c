// Package processor turns one ingestion job into persisted nuggets.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/internal/chunker"
	"github.com/hyperjump/nuggetize/internal/embedding"
	"github.com/hyperjump/nuggetize/internal/keyword"
	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/internal/storage"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

var (
	// ErrNoText fails a job whose source produced no text.
	ErrNoText = errors.New("no text extracted from source")
	// ErrNoChunks fails a job whose text produced no chunks.
	ErrNoChunks = errors.New("no chunks created from text")
)

// Extractor reads the text of a job's source.
type Extractor interface {
	Extract(ctx context.Context, source string, kind models.SourceKind) (string, error)
}

// Chunker splits text into chunks.
type Chunker interface {
	Chunk(ctx context.Context, text string) []chunker.Chunk
}

// Annotator derives metadata for a chunk. It never fails.
type Annotator interface {
	Annotate(ctx context.Context, text string) models.NuggetMetadata
}

// Illustrator produces an image URL for a nugget, or nil.
type Illustrator interface {
	Generate(ctx context.Context, text, nuggetID string) *string
}

// Processor runs ingestion jobs.
type Processor struct {
	store       storage.Store
	extractor   Extractor
	chunker     Chunker
	embedder    embedding.Embedder
	annotator   Annotator
	illustrator Illustrator
	index       keyword.Index
	logger      *zap.Logger
	now         func() time.Time

	// Detached illustration tasks.
	illustrations sync.WaitGroup
	bgCtx         context.Context
	bgCancel      context.CancelFunc
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithIllustrator enables image generation for new nuggets.
func WithIllustrator(i Illustrator) Option {
	return func(p *Processor) { p.illustrator = i }
}

// WithKeywordIndex indexes new nuggets in idx.
func WithKeywordIndex(idx keyword.Index) Option {
	return func(p *Processor) { p.index = idx }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a Processor.
func New(store storage.Store, extractor Extractor, chunker Chunker, embedder embedding.Embedder, annotator Annotator, opts ...Option) *Processor {
	p := &Processor{
		store:     store,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		annotator: annotator,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = utils.OrNop(p.logger)
	p.bgCtx, p.bgCancel = context.WithCancel(context.Background())
	return p
}

// ProcessJob runs the pending job jobID to completion.
// Jobs that are not pending are left untouched. A job that fails during extraction or
// chunking is marked failed and the cause is returned.
func (p *Processor) ProcessJob(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	log := p.logger.With(zap.String("job_id", job.ID))

	if job.Status != models.JobPending {
		log.Warn("job is not pending", zap.String("status", string(job.Status)))
		return nil
	}
	claimed, err := p.store.MarkJobProcessing(ctx, job.ID, p.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark job %s processing: %w", job.ID, err)
	}
	if !claimed {
		log.Warn("job was claimed by another worker")
		return nil
	}

	log.Info("processing content", zap.String("kind", string(job.Kind)), zap.String("source", job.Source))

	chunks, err := p.prepare(ctx, job)
	if err != nil {
		if ferr := p.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error(), p.now().UTC()); ferr != nil {
			log.Error("failed to record job failure", zap.Error(ferr))
		}
		log.Error("job processing failed", zap.Error(err))
		return fmt.Errorf("job %s failed: %w", job.ID, err)
	}
	log.Info("created chunks", zap.Int("chunk_count", len(chunks)))

	nuggetIDs := foldChunks(chunks, func(i int, ch chunker.Chunk) (string, error) {
		return p.processChunk(ctx, job, ch)
	}, func(i int, err error) {
		log.Error("failed to process chunk", zap.Int("chunk", i), zap.Error(err))
	})

	if err := p.store.CompleteJob(context.WithoutCancel(ctx), job.ID, len(nuggetIDs), p.now().UTC()); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	log.Info("completed processing job", zap.Int("nugget_count", len(nuggetIDs)), zap.Int("chunk_count", len(chunks)))
	return nil
}

// prepare extracts and chunks the job's source. A panic in either step is returned as an error.
func (p *Processor) prepare(ctx context.Context, job *models.IngestionJob) (chunks []chunker.Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected failure: %v", r)
		}
	}()

	text, err := p.extractor.Extract(ctx, job.Source, job.Kind)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoText
	}
	chunks = p.chunker.Chunk(ctx, text)
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}
	return chunks, nil
}

// foldChunks applies fn to every chunk in order and collects the IDs of the successes.
// A failed or panicking chunk contributes nothing and does not stop the fold; onFail,
// if set, sees its error.
func foldChunks(chunks []chunker.Chunk, fn func(int, chunker.Chunk) (string, error), onFail func(int, error)) []string {
	ids := make([]string, 0, len(chunks))
	for i, ch := range chunks {
		id, err := applyChunk(fn, i, ch)
		if err != nil {
			if onFail != nil {
				onFail(i, err)
			}
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func applyChunk(fn func(int, chunker.Chunk) (string, error), i int, ch chunker.Chunk) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			id, err = "", fmt.Errorf("unexpected failure: %v", r)
		}
	}()
	return fn(i, ch)
}

// processChunk persists one chunk as a nugget and links it to the job.
func (p *Processor) processChunk(ctx context.Context, job *models.IngestionJob, ch chunker.Chunk) (string, error) {
	vec, err := p.embedder.Embed(ctx, ch.Text)
	if err != nil {
		return "", fmt.Errorf("failed to generate embedding: %w", err)
	}

	nugget := &models.Nugget{
		ID:             uuid.NewString(),
		OrganizationID: job.OrganizationID,
		Content:        ch.Text,
		Metadata:       p.annotator.Annotate(ctx, ch.Text),
		Status:         models.NuggetReady,
	}
	if err := p.store.CreateNugget(ctx, nugget); err != nil {
		return "", fmt.Errorf("failed to create nugget: %w", err)
	}
	if err := p.store.StoreEmbedding(ctx, nugget.ID, vec); err != nil {
		return "", fmt.Errorf("failed to store embedding: %w", err)
	}

	p.illustrate(nugget.ID, ch.Text)

	src := &models.NuggetSource{
		ID:             uuid.NewString(),
		NuggetID:       nugget.ID,
		SourceType:     job.Kind,
		SourcePath:     job.Source,
		IngestionJobID: job.ID,
	}
	if err := p.store.CreateNuggetSource(ctx, src); err != nil {
		return "", fmt.Errorf("failed to create nugget source: %w", err)
	}

	if p.index != nil {
		if err := p.index.IndexNugget(ctx, nugget); err != nil {
			p.logger.Warn("failed to index nugget keywords", zap.String("nugget_id", nugget.ID), zap.Error(err))
		}
	}
	return nugget.ID, nil
}

// illustrate starts image generation for a nugget without waiting for it.
func (p *Processor) illustrate(nuggetID, text string) {
	if p.illustrator == nil {
		return
	}
	p.illustrations.Add(1)
	go func() {
		defer p.illustrations.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("image generation panicked", zap.String("nugget_id", nuggetID), zap.Any("panic", r))
			}
		}()

		url := p.illustrator.Generate(p.bgCtx, text, nuggetID)
		if url == nil {
			return
		}
		if err := p.store.UpdateNuggetImage(p.bgCtx, nuggetID, *url); err != nil {
			p.logger.Error("failed to save image url", zap.String("nugget_id", nuggetID), zap.Error(err))
		}
	}()
}

// WaitIllustrations waits for detached image generation until ctx is done.
// On timeout the remaining tasks are cancelled and ctx's error is returned.
func (p *Processor) WaitIllustrations(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.illustrations.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.bgCancel()
		return ctx.Err()
	}
}
