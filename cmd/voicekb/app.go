package main

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/voicekb/internal/ai"
	"github.com/xxxsen/voicekb/internal/config"
	"github.com/xxxsen/voicekb/internal/embedcache"
	"github.com/xxxsen/voicekb/internal/extract"
	"github.com/xxxsen/voicekb/internal/rag"
)

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

func buildEmbedder(cfg config.EmbeddingConfig) (ai.IEmbedder, error) {
	items := make([]ai.EmbedderEntry, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		provider, err := ai.NewEmbedProvider(p.Provider, p.Data)
		if err != nil {
			return nil, fmt.Errorf("init embedding provider %s: %w", p.Name, err)
		}
		items = append(items, ai.EmbedderEntry{
			Name:     p.Name,
			Embedder: ai.WithTimeout(ai.NewEmbedder(provider, p.Model), time.Duration(cfg.Timeout)*time.Second),
		})
		logutil.GetLogger(context.Background()).Info("embedding provider enabled",
			zap.String("name", p.Name), zap.String("provider", p.Provider), zap.String("model", p.Model))
	}
	embedder := ai.NewGroupEmbedder(items)
	if embedder == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}
	return embedcache.WrapLruCacheToEmbedder(embedder, cfg.CacheSize, time.Duration(cfg.CacheTTLSeconds)*time.Second), nil
}

func buildFetcher(cfg config.FetchConfig) *extract.Fetcher {
	opts := []extract.FetcherOption{
		extract.WithTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second),
		extract.WithMaxBodyBytes(cfg.MaxBodyBytes),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, extract.WithUserAgent(cfg.UserAgent))
	}
	return extract.NewFetcher(opts...)
}

// openService builds the orchestrator and brings it to the ready state.
func openService(ctx context.Context, cfg *config.Config) (*rag.Service, error) {
	embedder, err := buildEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	svc, err := rag.NewService(rag.Options{
		KnowledgeDir: cfg.KnowledgeDir,
		StoreDir:     cfg.VectorStoreDir(),
		TrackerPath:  cfg.TrackerPath(),
		Exclude:      cfg.Index.Exclude,
		Concurrency:  cfg.Embedding.Concurrency,
	}, embedder, extract.NewDefaultRegistry(), buildFetcher(cfg.Fetch), config.NewSettingsFile(cfg.SettingsPath))
	if err != nil {
		return nil, fmt.Errorf("init knowledge base: %w", err)
	}
	if err := svc.Initialize(ctx); err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("initialize knowledge base: %w", err)
	}
	return svc, nil
}
