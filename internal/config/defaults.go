package config

import (
	"os"
	"path/filepath"

	"github.com/nicosuave/memex/internal/models"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Root == "" {
		cfg.Root = ResolveRoot("")
	}
	if cfg.Model == "" {
		cfg.Model = string(models.DefaultModel)
	}
	if cfg.ScanCacheTTL == 0 {
		cfg.ScanCacheTTL = 3600
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 30
	}
	if cfg.IndexServiceMode == "" {
		cfg.IndexServiceMode = ServiceModeInterval
	}
	if cfg.IndexServiceInterval == 0 {
		cfg.IndexServiceInterval = 3600
	}
	if cfg.IndexServicePollInterval == 0 {
		cfg.IndexServicePollInterval = 30
	}
	if cfg.IndexServiceLabel == "" {
		cfg.IndexServiceLabel = "com.nicosuave.memex.index"
	}
	if cfg.IndexServiceLogPath == "" {
		cfg.IndexServiceLogPath = filepath.Join(cfg.Root, "state", "index-service.log")
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = defaultSources(cfg.Root)
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].Parser == "" {
			cfg.Sources[i].Parser = "jsonl"
		}
		if len(cfg.Sources[i].Extensions) == 0 {
			cfg.Sources[i].Extensions = []string{".jsonl"}
		}
	}

	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = models.DefaultLimit
	}
	if cfg.Search.OverFetch == 0 {
		cfg.Search.OverFetch = 5
	}
	if cfg.Search.MaxCandidates == 0 {
		cfg.Search.MaxCandidates = 2000
	}
	if cfg.Search.RRFK == 0 {
		cfg.Search.RRFK = 60
	}
	if cfg.Search.BM25K1 == 0 {
		cfg.Search.BM25K1 = 1.2
	}
	if cfg.Search.BM25B == 0 {
		cfg.Search.BM25B = 0.75
	}
	if cfg.Search.RecencyHalfLifeDays == 0 {
		cfg.Search.RecencyHalfLifeDays = 30
	}

	if cfg.Embedding.ModelDir == "" {
		cfg.Embedding.ModelDir = filepath.Join(cfg.Root, "models")
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}
	if cfg.Embedding.Workers == 0 {
		cfg.Embedding.Workers = 4
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1024
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7801
	}
}

// defaultSources points at the normalized export directory under root.
func defaultSources(root string) []SourceConfig {
	sources := []SourceConfig{{Name: "export", Root: filepath.Join(root, "sources")}}
	if home, err := os.UserHomeDir(); err == nil {
		for _, s := range []SourceConfig{
			{Name: "claude", Root: filepath.Join(home, ".claude", "memex"), Source: string(models.SourceClaude)},
			{Name: "codex", Root: filepath.Join(home, ".codex", "memex"), Source: string(models.SourceCodex)},
		} {
			if _, err := os.Stat(s.Root); err == nil {
				sources = append(sources, s)
			}
		}
	}
	return sources
}
