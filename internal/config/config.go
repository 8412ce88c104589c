// Package config provides configuration loading and structs for the Nuggetize server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hyperjump/nuggetize/internal/models"
)

// Config holds all configuration for the application.
type Config struct {
	Debug          bool             `yaml:"debug"`
	OrganizationID string           `yaml:"organization_id"`
	Server         ServerConfig     `yaml:"server"`
	Storage        StorageConfig    `yaml:"storage"`
	AI             AIConfig         `yaml:"ai"`
	Images         ImagesConfig     `yaml:"images"`
	Chunking       ChunkingConfig   `yaml:"chunking"`
	Dispatcher     DispatcherConfig `yaml:"dispatcher"`
	Watch          WatchConfig      `yaml:"watch"`
	URLs           URLsConfig       `yaml:"urls"`
	Seed           SeedConfig       `yaml:"seed"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StorageConfig holds the persistence backend and on-disk paths.
type StorageConfig struct {
	Driver         string `yaml:"driver"`
	DatabasePath   string `yaml:"database_path"`
	DatabaseURL    string `yaml:"database_url"`
	BleveIndexPath string `yaml:"bleve_index_path"`
	UploadDir      string `yaml:"upload_dir"`
}

// AI providers.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// AIConfig holds chat, embedding and image provider settings.
type AIConfig struct {
	Provider            string        `yaml:"provider"`
	BaseURL             string        `yaml:"base_url"`
	APIKey              string        `yaml:"api_key"`
	ChatModel           string        `yaml:"chat_model"`
	MetadataModel       string        `yaml:"metadata_model"`
	EmbeddingModel      string        `yaml:"embedding_model"`
	EmbeddingDimensions int           `yaml:"embedding_dimensions"`
	EmbeddingCacheSize  int           `yaml:"embedding_cache_size"`
	ImageModel          string        `yaml:"image_model"`
	ImageSize           string        `yaml:"image_size"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
}

// Image store backends.
const (
	ImagesDisk = "disk"
	ImagesS3   = "s3"
)

// ImagesConfig holds where generated illustrations are written.
type ImagesConfig struct {
	Backend      string `yaml:"backend"`
	Dir          string `yaml:"dir"`
	PublicPrefix string `yaml:"public_prefix"`
	S3Bucket     string `yaml:"s3_bucket"`
	S3Region     string `yaml:"s3_region"`
	S3Prefix     string `yaml:"s3_prefix"`
}

// ChunkingConfig holds semantic chunking parameters.
type ChunkingConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxTokens           int     `yaml:"max_tokens"`
	OverlapPercent      float64 `yaml:"overlap_percent"`
	EmbedCharLimit      int     `yaml:"embed_char_limit"`
}

// DispatcherConfig holds job queue and worker settings.
type DispatcherConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	QueueSize         int           `yaml:"queue_size"`
	IllustrationGrace time.Duration `yaml:"illustration_grace"`
	StuckAfter        time.Duration `yaml:"stuck_after"`
}

// WatchConfig holds folder watch settings.
type WatchConfig struct {
	StabilityThreshold time.Duration `yaml:"stability_threshold"`
	PollInterval       time.Duration `yaml:"poll_interval"`
}

// URLsConfig holds URL polling settings.
type URLsConfig struct {
	CheckIntervalMinutes int           `yaml:"check_interval_minutes"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	UserAgent            string        `yaml:"user_agent"`
}

// CheckInterval returns the polling interval as a duration.
func (u *URLsConfig) CheckInterval() time.Duration {
	return time.Duration(u.CheckIntervalMinutes) * time.Minute
}

// SeedConfig lists folder and URL records upserted on startup.
type SeedConfig struct {
	Folders []models.WatchedFolder `yaml:"folders"`
	URLs    []models.MonitoredURL  `yaml:"urls"`
}

// Load reads and parses the config file at path, loads a sibling .env file if present,
// applies environment overrides and defaults, and expands paths.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	configDir := filepath.Dir(path)
	envFile := filepath.Join(configDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)

	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.UploadDir = expandPath(cfg.Storage.UploadDir, configDir)
	cfg.Images.Dir = expandPath(cfg.Images.Dir, configDir)
	for i := range cfg.Seed.Folders {
		cfg.Seed.Folders[i].Path = expandPath(cfg.Seed.Folders[i].Path, configDir)
	}

	return &cfg, nil
}

// ApplyEnv overrides secrets and deployment values from the environment.
func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("OPENAI_API_KEY"); ok && v != "" {
		cfg.AI.APIKey = v
	}
	if v, ok := os.LookupEnv("NUGGETIZE_DATABASE_URL"); ok && v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v, ok := os.LookupEnv("NUGGETIZE_STORAGE_DRIVER"); ok && v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("NUGGETIZE_S3_BUCKET"); ok && v != "" {
		cfg.Images.S3Bucket = v
		cfg.Images.Backend = ImagesS3
	}
	if v, ok := os.LookupEnv("AWS_REGION"); ok && v != "" {
		cfg.Images.S3Region = v
	}
	if v, ok := os.LookupEnv("NUGGETIZE_DEBUG"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
