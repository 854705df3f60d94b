// Package config provides configuration loading and structs for memex.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nicosuave/memex/internal/models"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvModel = "MEMEX_MODEL"
	EnvRoot  = "MEMEX_ROOT"
)

// Index service modes.
const (
	ServiceModeInterval   = "interval"
	ServiceModeContinuous = "continuous"
)

// Config holds all configuration for the application. After Resolve it is treated as read-only.
type Config struct {
	Root                     string          `yaml:"root,omitempty" toml:"root,omitempty"`
	Debug                    bool            `yaml:"debug" toml:"debug"`
	Embeddings               *bool           `yaml:"embeddings,omitempty" toml:"embeddings,omitempty"`
	AutoIndexOnSearch        *bool           `yaml:"auto_index_on_search,omitempty" toml:"auto_index_on_search,omitempty"`
	Model                    string          `yaml:"model,omitempty" toml:"model,omitempty"`
	ScanCacheTTL             int             `yaml:"scan_cache_ttl,omitempty" toml:"scan_cache_ttl,omitempty"`
	LockTimeout              int             `yaml:"lock_timeout,omitempty" toml:"lock_timeout,omitempty"`
	IndexServiceEnabled      bool            `yaml:"index_service_enabled" toml:"index_service_enabled"`
	IndexServiceMode         string          `yaml:"index_service_mode,omitempty" toml:"index_service_mode,omitempty"`
	IndexServiceInterval     int             `yaml:"index_service_interval,omitempty" toml:"index_service_interval,omitempty"`
	IndexServicePollInterval int             `yaml:"index_service_poll_interval,omitempty" toml:"index_service_poll_interval,omitempty"`
	IndexServiceLabel        string          `yaml:"index_service_label,omitempty" toml:"index_service_label,omitempty"`
	IndexServiceLogPath      string          `yaml:"index_service_log_path,omitempty" toml:"index_service_log_path,omitempty"`
	Sources                  []SourceConfig  `yaml:"sources,omitempty" toml:"sources,omitempty"`
	Search                   SearchConfig    `yaml:"search" toml:"search"`
	Embedding                EmbeddingConfig `yaml:"embedding" toml:"embedding"`
	Server                   ServerConfig    `yaml:"server" toml:"server"`
}

// SourceConfig names one root of transcript files and the parser that reads them.
type SourceConfig struct {
	Name       string   `yaml:"name" toml:"name"`
	Root       string   `yaml:"root" toml:"root"`
	Parser     string   `yaml:"parser,omitempty" toml:"parser,omitempty"`
	Source     string   `yaml:"source,omitempty" toml:"source,omitempty"`
	Extensions []string `yaml:"extensions,omitempty" toml:"extensions,omitempty"`
}

// SearchConfig holds query pipeline and ranking settings.
type SearchConfig struct {
	DefaultLimit        int     `yaml:"default_limit,omitempty" toml:"default_limit,omitempty"`
	OverFetch           int     `yaml:"over_fetch,omitempty" toml:"over_fetch,omitempty"`
	MaxCandidates       int     `yaml:"max_candidates,omitempty" toml:"max_candidates,omitempty"`
	RRFK                float64 `yaml:"rrf_k,omitempty" toml:"rrf_k,omitempty"`
	BM25K1              float64 `yaml:"bm25_k1,omitempty" toml:"bm25_k1,omitempty"`
	BM25B               float64 `yaml:"bm25_b,omitempty" toml:"bm25_b,omitempty"`
	RecencyWeight       float64 `yaml:"recency_weight" toml:"recency_weight"`
	RecencyHalfLifeDays float64 `yaml:"recency_half_life_days,omitempty" toml:"recency_half_life_days,omitempty"`
}

// EmbeddingConfig holds embedder and backfill settings.
type EmbeddingConfig struct {
	ModelDir  string `yaml:"model_dir,omitempty" toml:"model_dir,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty" toml:"batch_size,omitempty"`
	Workers   int    `yaml:"workers,omitempty" toml:"workers,omitempty"`
	CacheSize int    `yaml:"cache_size,omitempty" toml:"cache_size,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty" toml:"max_tokens,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" toml:"host,omitempty"`
	Port int    `yaml:"port,omitempty" toml:"port,omitempty"`
}

// Paths are the on-disk locations derived from Root.
type Paths struct {
	Root     string
	Index    string
	Vectors  string
	State    string
	Database string
	Lock     string
}

// Default returns a config with every default applied, rooted at root (or ~/.memex when empty).
func Default(root string) *Config {
	cfg := &Config{Root: root}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Files ending in .toml are parsed as TOML; everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if isTOML(path) {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	configDir := filepath.Dir(path)
	if cfg.Root == "" {
		cfg.Root = configDir
	}
	cfg.Root = expandPath(cfg.Root, configDir)
	ApplyDefaults(&cfg)

	cfg.IndexServiceLogPath = expandPath(cfg.IndexServiceLogPath, configDir)
	cfg.Embedding.ModelDir = expandPath(cfg.Embedding.ModelDir, configDir)
	for i := range cfg.Sources {
		cfg.Sources[i].Root = expandPath(cfg.Sources[i].Root, configDir)
	}

	return &cfg, nil
}

// Discover loads the config for root. An explicit path wins; otherwise root/config.toml then
// root/config.yaml are tried, falling back to defaults when neither exists.
// Returns the path that was loaded ("" for defaults).
func Discover(root, explicit string) (*Config, string, error) {
	if explicit != "" {
		cfg, err := Load(explicit)
		if err != nil {
			return nil, "", err
		}
		if root != "" {
			cfg.Root = root
		}
		return cfg, explicit, nil
	}
	root = ResolveRoot(root)
	for _, name := range []string{"config.toml", "config.yaml", "config.yml"} {
		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			if err != nil {
				return nil, "", err
			}
			cfg.Root = root
			return cfg, path, nil
		}
	}
	return Default(root), "", nil
}

// ResolveRoot returns root, or MEMEX_ROOT, or ~/.memex.
func ResolveRoot(root string) string {
	if root == "" {
		root = os.Getenv(EnvRoot)
	}
	if root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".memex")
		}
		return ".memex"
	}
	return expandPath(root, ".")
}

// ApplyEnv applies environment overrides using getenv (os.Getenv in production).
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if m := strings.TrimSpace(getenv(EnvModel)); m != "" {
		cfg.Model = m
	}
}

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	if _, err := models.ParseModelKind(c.Model); err != nil {
		return err
	}
	switch c.IndexServiceMode {
	case ServiceModeInterval, ServiceModeContinuous:
	default:
		return fmt.Errorf("index_service_mode must be %q or %q, got %q", ServiceModeInterval, ServiceModeContinuous, c.IndexServiceMode)
	}
	if c.Search.RecencyWeight < 0 || c.Search.RecencyWeight > 1 {
		return fmt.Errorf("search.recency_weight must be between 0 and 1")
	}
	for _, s := range c.Sources {
		if s.Root == "" {
			return fmt.Errorf("source %q has no root", s.Name)
		}
	}
	return nil
}

// ModelKind returns the configured embedding model. Validate must have succeeded.
func (c *Config) ModelKind() models.ModelKind {
	kind, err := models.ParseModelKind(c.Model)
	if err != nil {
		return models.DefaultModel
	}
	return kind
}

// EmbeddingsEnabled reports whether embeddings are computed during indexing.
func (c *Config) EmbeddingsEnabled() bool {
	return c.Embeddings == nil || *c.Embeddings
}

// AutoIndexEnabled reports whether search triggers an incremental index first.
func (c *Config) AutoIndexEnabled() bool {
	return c.AutoIndexOnSearch == nil || *c.AutoIndexOnSearch
}

// ScanTTL returns scan_cache_ttl as a duration.
func (c *Config) ScanTTL() time.Duration {
	return time.Duration(c.ScanCacheTTL) * time.Second
}

// LockWait returns lock_timeout as a duration.
func (c *Config) LockWait() time.Duration {
	return time.Duration(c.LockTimeout) * time.Second
}

// ServiceInterval returns index_service_interval as a duration.
func (c *Config) ServiceInterval() time.Duration {
	return time.Duration(c.IndexServiceInterval) * time.Second
}

// ServicePollInterval returns index_service_poll_interval as a duration.
func (c *Config) ServicePollInterval() time.Duration {
	return time.Duration(c.IndexServicePollInterval) * time.Second
}

// Paths returns the directory layout under Root.
func (c *Config) Paths() Paths {
	p := Paths{
		Root:    c.Root,
		Index:   filepath.Join(c.Root, "index"),
		Vectors: filepath.Join(c.Root, "vectors"),
		State:   filepath.Join(c.Root, "state"),
	}
	p.Database = filepath.Join(p.Index, "memex.db")
	p.Lock = filepath.Join(p.State, "index.lock")
	return p
}

// EnsureDirs creates the index, vectors and state directories.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Index, p.Vectors, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Save writes the config to path in the format implied by its extension.
func Save(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// expandPath converts a path to absolute. "~/" is the home directory, paths starting
// with "./" are relative to configDir, other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		abs, err := filepath.Abs(filepath.Join(configDir, path))
		if err != nil {
			return filepath.Join(configDir, path)
		}
		return abs
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
