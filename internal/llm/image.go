package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyperjump/nuggetize/internal/config"
)

// DefaultImagesBaseURL is the OpenAI API root used when no base URL is configured.
const DefaultImagesBaseURL = "https://api.openai.com/v1"

// ImageGenerator turns a prompt into a downloadable image URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt, size string) (string, error)
}

// OpenAIImageGenerator calls the OpenAI images endpoint.
type OpenAIImageGenerator struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIImageGenerator creates an image generator from the AI config.
// client may be nil.
func NewOpenAIImageGenerator(cfg config.AIConfig, client *http.Client) *OpenAIImageGenerator {
	base := cfg.BaseURL
	if base == "" || cfg.Provider != config.ProviderOpenAI {
		base = DefaultImagesBaseURL
	}
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout == 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	return &OpenAIImageGenerator{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.ImageModel,
		client:  client,
	}
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GenerateImage requests one image and returns its URL.
func (g *OpenAIImageGenerator) GenerateImage(ctx context.Context, prompt, size string) (string, error) {
	body, err := json.Marshal(imageRequest{Model: g.model, Prompt: prompt, N: 1, Size: size})
	if err != nil {
		return "", fmt.Errorf("marshal image request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("image request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read image response: %w", err)
	}
	var out imageResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode image response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("image provider: HTTP %d: %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("image provider: HTTP %d", resp.StatusCode)
	}
	if len(out.Data) == 0 || out.Data[0].URL == "" {
		return "", fmt.Errorf("image provider returned no URL")
	}
	return out.Data[0].URL, nil
}
