package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.OrganizationID == "" {
		cfg.OrganizationID = "default"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverSQLite
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/nuggetize/data/db/nuggets.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/nuggetize/data/indices/bleve"
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "/usr/local/var/nuggetize/storage/uploads"
	}

	if cfg.AI.Provider == "" {
		cfg.AI.Provider = ProviderOpenAI
	}
	if cfg.AI.ChatModel == "" {
		cfg.AI.ChatModel = "gpt-4o-mini"
	}
	if cfg.AI.MetadataModel == "" {
		cfg.AI.MetadataModel = cfg.AI.ChatModel
	}
	if cfg.AI.EmbeddingModel == "" {
		cfg.AI.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.AI.EmbeddingDimensions == 0 {
		cfg.AI.EmbeddingDimensions = 1536
	}
	if cfg.AI.EmbeddingCacheSize == 0 {
		cfg.AI.EmbeddingCacheSize = 10000
	}
	if cfg.AI.ImageModel == "" {
		cfg.AI.ImageModel = "dall-e-3"
	}
	if cfg.AI.ImageSize == "" {
		cfg.AI.ImageSize = "1024x1024"
	}
	if cfg.AI.RequestTimeout == 0 {
		cfg.AI.RequestTimeout = 2 * time.Minute
	}

	if cfg.Images.Backend == "" {
		cfg.Images.Backend = ImagesDisk
	}
	if cfg.Images.Dir == "" {
		cfg.Images.Dir = "/usr/local/var/nuggetize/storage/images"
	}
	if cfg.Images.PublicPrefix == "" {
		cfg.Images.PublicPrefix = "/storage/images"
	}
	if cfg.Images.S3Prefix == "" {
		cfg.Images.S3Prefix = "images"
	}

	if cfg.Chunking.SimilarityThreshold == 0 {
		cfg.Chunking.SimilarityThreshold = 0.85
	}
	if cfg.Chunking.MaxTokens == 0 {
		cfg.Chunking.MaxTokens = 2000
	}
	if cfg.Chunking.OverlapPercent == 0 {
		cfg.Chunking.OverlapPercent = 0.15
	}
	if cfg.Chunking.EmbedCharLimit == 0 {
		cfg.Chunking.EmbedCharLimit = 8000
	}

	if cfg.Dispatcher.Concurrency == 0 {
		cfg.Dispatcher.Concurrency = 5
	}
	if cfg.Dispatcher.QueueSize == 0 {
		cfg.Dispatcher.QueueSize = 256
	}
	if cfg.Dispatcher.IllustrationGrace == 0 {
		cfg.Dispatcher.IllustrationGrace = 30 * time.Second
	}
	if cfg.Dispatcher.StuckAfter == 0 {
		cfg.Dispatcher.StuckAfter = 30 * time.Minute
	}

	if cfg.Watch.StabilityThreshold == 0 {
		cfg.Watch.StabilityThreshold = 2 * time.Second
	}
	if cfg.Watch.PollInterval == 0 {
		cfg.Watch.PollInterval = 100 * time.Millisecond
	}

	if cfg.URLs.CheckIntervalMinutes == 0 {
		cfg.URLs.CheckIntervalMinutes = 5
	}
	if cfg.URLs.RequestTimeout == 0 {
		cfg.URLs.RequestTimeout = 30 * time.Second
	}
	if cfg.URLs.UserAgent == "" {
		cfg.URLs.UserAgent = "Nuggetize/1.0"
	}

	for i := range cfg.Seed.URLs {
		if cfg.Seed.URLs[i].CheckInterval == 0 {
			cfg.Seed.URLs[i].CheckInterval = cfg.URLs.CheckIntervalMinutes
		}
		if cfg.Seed.URLs[i].OrganizationID == "" {
			cfg.Seed.URLs[i].OrganizationID = cfg.OrganizationID
		}
	}
	for i := range cfg.Seed.Folders {
		if cfg.Seed.Folders[i].OrganizationID == "" {
			cfg.Seed.Folders[i].OrganizationID = cfg.OrganizationID
		}
	}
}
