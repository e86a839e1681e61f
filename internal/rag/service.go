// Package rag owns the vector index and the file tracker and keeps them in step
// with the knowledge-base directory.
package rag

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/voicekb/internal/ai"
	"github.com/xxxsen/voicekb/internal/config"
	"github.com/xxxsen/voicekb/internal/extract"
	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
	"github.com/xxxsen/voicekb/internal/tracker"
	"github.com/xxxsen/voicekb/internal/vectorstore"
)

const defaultConcurrency = 4

type URLFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*extract.FetchResult, error)
}

type Options struct {
	KnowledgeDir string
	StoreDir     string
	TrackerPath  string
	Exclude      []string
	Concurrency  int
}

type Service struct {
	opts     Options
	embedder ai.IEmbedder
	registry *extract.Registry
	fetcher  URLFetcher
	settings config.SettingsProvider
	filter   *FileFilter
	pool     *ants.Pool

	// mu serializes every operation that mutates the store or the tracker.
	mu      sync.Mutex
	ready   atomic.Bool
	store   *vectorstore.BoltStore
	tracker *tracker.Tracker
}

func NewService(opts Options, embedder ai.IEmbedder, registry *extract.Registry, fetcher URLFetcher, settings config.SettingsProvider) (*Service, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if registry == nil {
		registry = extract.NewDefaultRegistry()
	}
	if fetcher == nil {
		fetcher = extract.NewFetcher()
	}
	if settings == nil {
		settings = config.StaticSettings(config.DefaultSettings())
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if abs, err := filepath.Abs(opts.KnowledgeDir); err == nil {
		opts.KnowledgeDir = abs
	}
	filter, err := NewFileFilter(opts.KnowledgeDir, registry, opts.Exclude)
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(opts.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("create embedding worker pool: %w", err)
	}
	return &Service{
		opts:     opts,
		embedder: embedder,
		registry: registry,
		fetcher:  fetcher,
		settings: settings,
		filter:   filter,
		pool:     pool,
	}, nil
}

// Initialize loads the tracker and the vector store. An unreadable store is
// recreated and rebuilt from the tracker; reconciliation runs either way.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready.Load() {
		return nil
	}
	logger := logutil.GetLogger(ctx).With(zap.String("store_dir", s.opts.StoreDir))
	s.tracker = tracker.Load(ctx, s.opts.TrackerPath)
	model := s.embedder.ModelName()
	store, err := vectorstore.Open(s.opts.StoreDir, model)
	if err == nil {
		s.store = store
		s.ready.Store(true)
		logger.Info("vector store loaded", zap.Int("chunks", store.Len()), zap.Int("tracked", s.tracker.Len()))
	} else {
		logger.Warn("vector store unusable, rebuilding", zap.Error(err))
		store, err = vectorstore.Create(s.opts.StoreDir, model)
		if err != nil {
			return fmt.Errorf("create vector store: %w", err)
		}
		s.store = store
		s.ready.Store(true)
		res, err := s.rebuildLocked(ctx)
		if err != nil {
			logger.Error("rebuild after store failure failed", zap.Error(err))
		} else {
			logger.Info("rebuild after store failure finished", zap.Int("files", res.Files), zap.Int("urls", res.URLs), zap.Int("chunks", res.Chunks))
		}
	}
	res, err := s.reconcileLocked(ctx)
	if err != nil {
		logger.Error("startup reconciliation failed", zap.Error(err))
		return nil
	}
	logger.Info("startup reconciliation finished",
		zap.Int("scanned", res.Scanned), zap.Int("indexed", res.Indexed),
		zap.Int("recovered", res.Recovered), zap.Int("purged", res.Purged), zap.Int("failed", res.Failed))
	return nil
}

func (s *Service) Ready() bool {
	return s.ready.Load()
}

func (s *Service) Filter() *FileFilter {
	return s.filter
}

func (s *Service) KnowledgeDir() string {
	return s.opts.KnowledgeDir
}

func (s *Service) ensureReady() error {
	if !s.ready.Load() {
		return appErr.ErrNotInitialized
	}
	return nil
}

// persist writes the store before the tracker; reconciliation repairs a crash in between.
func (s *Service) persist() error {
	if err := s.store.Save(); err != nil {
		return err
	}
	if err := s.tracker.Save(); err != nil {
		return fmt.Errorf("save tracker: %w", err)
	}
	return nil
}

func (s *Service) GetStats() Stats {
	settings := s.settings.Settings()
	st := Stats{
		Initialized:  s.ready.Load(),
		Model:        s.embedder.ModelName(),
		ChunkSize:    settings.ChunkSize,
		ChunkOverlap: settings.ChunkOverlap,
	}
	if !st.Initialized {
		return st
	}
	st.Dimension = s.store.Dimension()
	st.TotalChunks = s.store.Len()
	records := s.tracker.Records()
	for key, rec := range records {
		if rec.IsURL() {
			st.TotalURLs++
			continue
		}
		st.TotalFiles++
		st.Files = append(st.Files, FileStat{
			Name:      key,
			Type:      extract.TypeOf(key),
			Chunks:    rec.Chunks,
			Size:      rec.Size,
			IndexedAt: rec.IndexedAt,
		})
	}
	sort.Slice(st.Files, func(i, j int) bool {
		return st.Files[i].Name < st.Files[j].Name
	})
	return st
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.Release()
	if !s.ready.Load() {
		return nil
	}
	s.ready.Store(false)
	return s.store.Close()
}
