// Package illustration generates a supporting image for a nugget. Every step is best-effort.
package illustration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/internal/llm"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

const (
	conceptSystemPrompt = "Extract the main concept or topic from this content in 5-10 words. Return only the concept, nothing else."
	conceptMaxChars     = 1000
	conceptTemperature  = 0.7
	conceptMaxTokens    = 20
	maxImageBytes       = 20 << 20
)

// Generator derives a concept from text, asks for an image and stores it.
type Generator struct {
	completer llm.Completer
	images    llm.ImageGenerator
	store     ImageStore
	client    *http.Client
	model     string
	size      string
	logger    *zap.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithModel sets the chat model used for concept extraction.
func WithModel(model string) Option {
	return func(g *Generator) { g.model = model }
}

// WithSize sets the requested image size, e.g. "1024x1024".
func WithSize(size string) Option {
	return func(g *Generator) {
		if size != "" {
			g.size = size
		}
	}
}

// WithHTTPClient sets the client used to download generated images.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Generator) {
		if c != nil {
			g.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// NewGenerator creates an illustration generator.
func NewGenerator(completer llm.Completer, images llm.ImageGenerator, store ImageStore, opts ...Option) *Generator {
	g := &Generator{
		completer: completer,
		images:    images,
		store:     store,
		client:    &http.Client{Timeout: time.Minute},
		size:      "1024x1024",
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = utils.OrNop(g.logger)
	return g
}

// Generate returns the stored image URL for the nugget, or nil when any step fails.
// Failures are logged and never returned.
func (g *Generator) Generate(ctx context.Context, text, nuggetID string) *string {
	log := g.logger.With(zap.String("nugget_id", nuggetID))

	concept, err := g.concept(ctx, text)
	if err != nil {
		log.Error("failed to extract concept", zap.Error(err))
		return nil
	}
	if concept == "" {
		log.Warn("no concept extracted for image generation")
		return nil
	}

	prompt := fmt.Sprintf("Educational illustration: %s. Clean, professional, suitable for learning materials.", concept)
	imageURL, err := g.images.GenerateImage(ctx, prompt, g.size)
	if err != nil {
		log.Error("failed to generate image", zap.Error(err))
		return nil
	}

	data, contentType, err := g.download(ctx, imageURL)
	if err != nil {
		log.Error("failed to download image", zap.Error(err))
		return nil
	}

	stored, err := g.store.Save(ctx, nuggetID, data, contentType)
	if err != nil {
		log.Error("failed to save image", zap.Error(err))
		return nil
	}
	log.Info("generated and saved image", zap.String("image_url", stored))
	return &stored
}

func (g *Generator) concept(ctx context.Context, text string) (string, error) {
	out, err := g.completer.Complete(ctx, llm.CompletionRequest{
		Model:       g.model,
		System:      conceptSystemPrompt,
		User:        utils.Clip(text, conceptMaxChars),
		Temperature: conceptTemperature,
		MaxTokens:   conceptMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Generator) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty image body")
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return data, contentType, nil
}
