package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port           int              `json:"port"`
	DataDir        string           `json:"data_dir"`
	KnowledgeDir   string           `json:"knowledge_dir"`
	SettingsPath   string           `json:"settings_path"`
	UploadMaxBytes int64            `json:"upload_max_bytes"`
	CORSOrigins    []string         `json:"cors_origins"`
	LogConfig      logger.LogConfig `json:"log_config"`
	Embedding      EmbeddingConfig  `json:"embedding"`
	Index          IndexConfig      `json:"index"`
	Fetch          FetchConfig      `json:"fetch"`
	Watch          WatchConfig      `json:"watch"`
	Schedule       ScheduleConfig   `json:"schedule"`
	Backup         FileStoreConfig  `json:"backup"`
}

type EmbeddingConfig struct {
	Providers       []EmbeddingProviderConfig `json:"providers"`
	CacheSize       int                       `json:"cache_size"`
	CacheTTLSeconds int                       `json:"cache_ttl_seconds"`
	Concurrency     int                       `json:"concurrency"`
	Timeout         int                       `json:"timeout"`
}

// EmbeddingProviderConfig describes one embedding backend. Providers are tried in
// the listed order; the first one is the primary and names the index's model.
type EmbeddingProviderConfig struct {
	Name     string      `json:"name"`
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
	Data     interface{} `json:"data"`
}

type IndexConfig struct {
	Exclude []string `json:"exclude"`
}

type FetchConfig struct {
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxBodyBytes   int64  `json:"max_body_bytes"`
	UserAgent      string `json:"user_agent"`
}

type WatchConfig struct {
	Disabled     bool `json:"disabled"`
	SettleMillis int  `json:"settle_millis"`
}

type ScheduleConfig struct {
	ReconcileSpec string `json:"reconcile_spec"`
	BackupSpec    string `json:"backup_spec"`
	BackupOnStart bool   `json:"backup_on_start"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Keep int         `json:"keep"`
	Data interface{} `json:"data"`
}

func (c *Config) VectorStoreDir() string {
	return filepath.Join(c.DataDir, "vectorstore")
}

func (c *Config) TrackerPath() string {
	return filepath.Join(c.DataDir, "file_index.json")
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if strings.TrimSpace(c.KnowledgeDir) == "" {
		return fmt.Errorf("knowledge_dir is required")
	}
	if len(c.Embedding.Providers) == 0 {
		return fmt.Errorf("embedding.providers is required")
	}
	for i, p := range c.Embedding.Providers {
		if strings.TrimSpace(p.Provider) == "" {
			return fmt.Errorf("embedding.providers[%d].provider is required", i)
		}
		if p.Name == "" {
			c.Embedding.Providers[i].Name = p.Provider
		}
	}
	for _, dir := range []*string{&c.DataDir, &c.KnowledgeDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", *dir, err)
		}
		*dir = abs
	}
	if c.Port == 0 {
		c.Port = 8600
	}
	if c.SettingsPath == "" {
		c.SettingsPath = filepath.Join(c.DataDir, "settings.json")
	} else if abs, err := filepath.Abs(c.SettingsPath); err == nil {
		c.SettingsPath = abs
	}
	if c.UploadMaxBytes <= 0 {
		c.UploadMaxBytes = 50 << 20
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.Embedding.Concurrency <= 0 {
		c.Embedding.Concurrency = 4
	}
	if c.Embedding.Timeout <= 0 {
		c.Embedding.Timeout = 60
	}
	if c.Embedding.CacheTTLSeconds <= 0 {
		c.Embedding.CacheTTLSeconds = 6 * 3600
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		c.Fetch.TimeoutSeconds = 10
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		c.Fetch.MaxBodyBytes = 10 << 20
	}
	if c.Watch.SettleMillis <= 0 {
		c.Watch.SettleMillis = 2000
	}
	if c.Schedule.ReconcileSpec == "" {
		c.Schedule.ReconcileSpec = "*/30 * * * *"
	}
	if c.Backup.Type != "" && c.Schedule.BackupSpec == "" {
		c.Schedule.BackupSpec = "0 3 * * *"
	}
	if c.Backup.Keep <= 0 {
		c.Backup.Keep = 7
	}
	return nil
}
