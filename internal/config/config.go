package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// Config holds all application configuration
type Config struct {
	Logging   LoggingConfig   `json:"logging" toml:"logging"`
	Database  DatabaseConfig  `json:"database" toml:"database"`
	Sync      SyncConfig      `json:"sync" toml:"sync"`
	Embedding EmbeddingConfig `json:"embedding" toml:"embedding"`
	Queue     QueueConfig     `json:"queue" toml:"queue"`
	Tenants   []TenantConfig  `json:"tenants" toml:"tenants"`
	Watch     WatchConfig     `json:"watch" toml:"watch"`
	Server    ServerConfig    `json:"server" toml:"server"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level        string `json:"level" toml:"level"`                 // "debug", "info", "warn", "error"
	DebugEnabled bool   `json:"debug_enabled" toml:"debug_enabled"` // Enable file logging
	File         string `json:"file" toml:"file"`
	MaxSizeMB    int    `json:"max_size_mb" toml:"max_size_mb"` // Max file size before rotation
	MaxBackups   int    `json:"max_backups" toml:"max_backups"`
	MaxAgeDays   int    `json:"max_age_days" toml:"max_age_days"`
}

// DatabaseConfig locates the SQLite database
type DatabaseConfig struct {
	Path string `json:"path" toml:"path"`
}

// SyncConfig holds the per-run sync defaults
type SyncConfig struct {
	ChunkSize         int    `json:"chunk_size" toml:"chunk_size"` // words
	ChunkOverlap      int    `json:"chunk_overlap" toml:"chunk_overlap"`
	MaxChunksPerFile  int    `json:"max_chunks_per_file" toml:"max_chunks_per_file"`
	Strategy          string `json:"strategy" toml:"strategy"` // "fixed", "sentence", "sliding"
	ModelID           string `json:"model_id" toml:"model_id"` // "<provider>:<name>"
	FingerprintAlgo   string `json:"fingerprint" toml:"fingerprint"`
	MaxFileSizeMB     int    `json:"max_file_size_mb" toml:"max_file_size_mb"`
	ConcurrentTenants int    `json:"concurrent_tenants" toml:"concurrent_tenants"`
}

// EmbeddingConfig controls the embedding engine
type EmbeddingConfig struct {
	Device            string   `json:"device" toml:"device"`               // "cpu" or "accelerator"
	MemoryBudget      string   `json:"memory_budget" toml:"memory_budget"` // e.g. "2GiB"
	SmallTextRunes    int      `json:"small_text_runes" toml:"small_text_runes"`
	MediumTextRunes   int      `json:"medium_text_runes" toml:"medium_text_runes"`
	SmallBatchSize    int      `json:"small_batch_size" toml:"small_batch_size"`
	MediumBatchSize   int      `json:"medium_batch_size" toml:"medium_batch_size"`
	LargeBatchSize    int      `json:"large_batch_size" toml:"large_batch_size"`
	BatchTimeout      Duration `json:"batch_timeout" toml:"batch_timeout"`
	IdleTimeout       Duration `json:"idle_timeout" toml:"idle_timeout"`
	EvictionInterval  Duration `json:"eviction_interval" toml:"eviction_interval"`
	OllamaEndpoint    string   `json:"ollama_endpoint" toml:"ollama_endpoint"`
	OllamaModelSizeMB int      `json:"ollama_model_size_mb" toml:"ollama_model_size_mb"`
	OpenAIEndpoint    string   `json:"openai_endpoint,omitempty" toml:"openai_endpoint,omitempty"`
	OpenAIKey         string   `json:"openai_key,omitempty" toml:"openai_key,omitempty"`
}

// QueueConfig controls the event queue
type QueueConfig struct {
	Capacity       int      `json:"capacity" toml:"capacity"`
	EnqueueTimeout Duration `json:"enqueue_timeout" toml:"enqueue_timeout"`
	MaxBatchSize   int      `json:"max_batch_size" toml:"max_batch_size"`
	BatchTimeout   Duration `json:"batch_timeout" toml:"batch_timeout"`
	Workers        int      `json:"workers" toml:"workers"`
	HandlerTimeout Duration `json:"handler_timeout" toml:"handler_timeout"`
	RetryCap       int      `json:"retry_cap" toml:"retry_cap"`
}

// TenantConfig lists the folders synchronized for one tenant
type TenantConfig struct {
	ID      string         `json:"id" toml:"id"`
	Folders []FolderConfig `json:"folders" toml:"folders"`
	// MemoryBudget caps the embedding model this tenant may use; empty
	// means the embedding memory_budget
	MemoryBudget string `json:"memory_budget,omitempty" toml:"memory_budget,omitempty"`
}

// FolderConfig is one source folder. Name is the first segment of every
// logical path under it.
type FolderConfig struct {
	Name    string   `json:"name" toml:"name"`
	Path    string   `json:"path" toml:"path"`
	Include []string `json:"include,omitempty" toml:"include,omitempty"` // doublestar globs
	Exclude []string `json:"exclude,omitempty" toml:"exclude,omitempty"`
}

// WatchConfig controls the filesystem watcher
type WatchConfig struct {
	Enabled  bool     `json:"enabled" toml:"enabled"`
	Debounce Duration `json:"debounce" toml:"debounce"`
}

// ServerConfig controls the event feed HTTP server
type ServerConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled"`
	Port        int    `json:"port" toml:"port"`
	BindAddress string `json:"bind_address" toml:"bind_address"`
}

// Duration is a time.Duration written as "1m30s" in config files
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:        "info",
			DebugEnabled: true,
			File:         "docsync.log",
			MaxSizeMB:    10,
			MaxBackups:   3,
			MaxAgeDays:   28,
		},
		Database: DatabaseConfig{Path: "docsync.db"},
		Sync: SyncConfig{
			ChunkSize:         512,
			ChunkOverlap:      50,
			MaxChunksPerFile:  1000,
			Strategy:          "fixed",
			ModelID:           "hash:384",
			FingerprintAlgo:   "sha256",
			MaxFileSizeMB:     50,
			ConcurrentTenants: 2,
		},
		Embedding: EmbeddingConfig{
			Device:            "cpu",
			MemoryBudget:      "2GiB",
			SmallTextRunes:    500,
			MediumTextRunes:   1000,
			SmallBatchSize:    32,
			MediumBatchSize:   16,
			LargeBatchSize:    8,
			BatchTimeout:      Duration{60 * time.Second},
			IdleTimeout:       Duration{10 * time.Minute},
			EvictionInterval:  Duration{time.Minute},
			OllamaEndpoint:    "http://localhost:11434",
			OllamaModelSizeMB: 512,
		},
		Queue: QueueConfig{
			Capacity:       1000,
			EnqueueTimeout: Duration{5 * time.Second},
			MaxBatchSize:   16,
			BatchTimeout:   Duration{500 * time.Millisecond},
			Workers:        4,
			HandlerTimeout: Duration{2 * time.Minute},
			RetryCap:       3,
		},
		Tenants: []TenantConfig{},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: Duration{200 * time.Millisecond},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8090,
			BindAddress: "127.0.0.1",
		},
	}
}

// Load reads configuration from file and environment. A missing file is
// created with the defaults. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(path, data); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	if isTOML(path) {
		_, err := toml.Decode(string(data), c)
		return err
	}
	return json.Unmarshal(data, c)
}

// Save writes configuration to file, as TOML when the path ends in .toml
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	var data []byte
	if isTOML(path) {
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(c); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		data = []byte(sb.String())
	} else {
		var err error
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0600)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DOCSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DOCSYNC_DEBUG_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugEnabled = b
		}
	}
	if v := os.Getenv("DOCSYNC_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("DOCSYNC_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("DOCSYNC_MODEL"); v != "" {
		c.Sync.ModelID = v
	}
	if v := os.Getenv("DOCSYNC_STRATEGY"); v != "" {
		c.Sync.Strategy = v
	}
	if v := os.Getenv("DOCSYNC_DEVICE"); v != "" {
		c.Embedding.Device = v
	}
	if v := os.Getenv("DOCSYNC_MEMORY_BUDGET"); v != "" {
		c.Embedding.MemoryBudget = v
	}
	if v := os.Getenv("DOCSYNC_OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("DOCSYNC_OPENAI_KEY"); v != "" {
		c.Embedding.OpenAIKey = v
	}
	if v := os.Getenv("DOCSYNC_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &c.Queue.Workers)
	}
	if v := os.Getenv("DOCSYNC_SERVER_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &c.Server.Port)
	}
	if v := os.Getenv("DOCSYNC_SERVER_BIND_ADDRESS"); v != "" {
		c.Server.BindAddress = v
	}
	if v := os.Getenv("DOCSYNC_WATCH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Watch.Enabled = b
		}
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Sync.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.Sync.ChunkSize)
	}
	if c.Sync.ChunkOverlap < 0 {
		return fmt.Errorf("chunk_overlap must not be negative, got %d", c.Sync.ChunkOverlap)
	}
	if c.Sync.MaxChunksPerFile <= 0 {
		return fmt.Errorf("max_chunks_per_file must be positive, got %d", c.Sync.MaxChunksPerFile)
	}
	validStrategies := map[string]bool{"fixed": true, "sentence": true, "sliding": true}
	if !validStrategies[c.Sync.Strategy] {
		return fmt.Errorf("invalid strategy: %s (must be fixed, sentence, or sliding)", c.Sync.Strategy)
	}
	if !strings.Contains(c.Sync.ModelID, ":") {
		return fmt.Errorf("invalid model_id: %q (expected <provider>:<name>)", c.Sync.ModelID)
	}
	if c.Sync.FingerprintAlgo != "sha256" && c.Sync.FingerprintAlgo != "blake2b" {
		return fmt.Errorf("invalid fingerprint: %s (must be sha256 or blake2b)", c.Sync.FingerprintAlgo)
	}

	if c.Embedding.Device != "cpu" && c.Embedding.Device != "accelerator" {
		return fmt.Errorf("invalid device: %s (must be cpu or accelerator)", c.Embedding.Device)
	}
	if _, err := c.MemoryBudgetBytes(); err != nil {
		return err
	}
	if _, err := c.TenantBudgets(); err != nil {
		return err
	}
	if c.Embedding.SmallBatchSize <= 0 || c.Embedding.MediumBatchSize <= 0 || c.Embedding.LargeBatchSize <= 0 {
		return fmt.Errorf("embedding batch sizes must be positive")
	}

	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxBatchSize <= 0 {
		return fmt.Errorf("queue max_batch_size must be positive, got %d", c.Queue.MaxBatchSize)
	}
	if c.Queue.RetryCap <= 0 {
		return fmt.Errorf("queue retry_cap must be positive, got %d", c.Queue.RetryCap)
	}

	seen := make(map[string]bool)
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant id is required")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant id: %s", t.ID)
		}
		seen[t.ID] = true

		names := make(map[string]bool)
		for _, f := range t.Folders {
			if f.Name == "" || strings.ContainsAny(f.Name, `/\`) {
				return fmt.Errorf("tenant %s: invalid folder name %q", t.ID, f.Name)
			}
			if names[f.Name] {
				return fmt.Errorf("tenant %s: duplicate folder name %s", t.ID, f.Name)
			}
			names[f.Name] = true
			if f.Path == "" {
				return fmt.Errorf("tenant %s: folder %s has no path", t.ID, f.Name)
			}
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return fmt.Errorf("invalid server port: %d", c.Server.Port)
		}
		if c.Server.Port < 1024 && os.Geteuid() != 0 {
			return fmt.Errorf("privileged port %d requires root", c.Server.Port)
		}
	}

	return nil
}

// MemoryBudgetBytes parses Embedding.MemoryBudget ("2GiB", "512 MB")
func (c *Config) MemoryBudgetBytes() (uint64, error) {
	n, err := humanize.ParseBytes(c.Embedding.MemoryBudget)
	if err != nil {
		return 0, fmt.Errorf("invalid memory_budget %q: %w", c.Embedding.MemoryBudget, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("memory_budget must be positive")
	}
	return n, nil
}

// TenantBudgets parses the per-tenant memory budgets. Tenants without one
// are left out.
func (c *Config) TenantBudgets() (map[string]uint64, error) {
	out := make(map[string]uint64)
	for _, t := range c.Tenants {
		if t.MemoryBudget == "" {
			continue
		}
		n, err := humanize.ParseBytes(t.MemoryBudget)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: invalid memory_budget %q: %w", t.ID, t.MemoryBudget, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("tenant %s: memory_budget must be positive", t.ID)
		}
		out[t.ID] = n
	}
	return out, nil
}

// Tenant returns the configuration for one tenant
func (c *Config) Tenant(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}

// TenantIDs returns the configured tenant ids in file order
func (c *Config) TenantIDs() []string {
	ids := make([]string, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		ids = append(ids, t.ID)
	}
	return ids
}
