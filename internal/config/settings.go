package config

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const (
	DefaultChunkSize     = 1000
	DefaultChunkOverlap  = 200
	DefaultTopK          = 5
	DefaultMinSimilarity = 0.2
)

// Settings are the retrieval knobs the assistant's settings screen can change at runtime.
type Settings struct {
	ChunkSize     int     `json:"chunk_size"`
	ChunkOverlap  int     `json:"chunk_overlap"`
	TopK          int     `json:"top_k"`
	MinSimilarity float64 `json:"min_similarity"`
}

func DefaultSettings() Settings {
	return Settings{
		ChunkSize:     DefaultChunkSize,
		ChunkOverlap:  DefaultChunkOverlap,
		TopK:          DefaultTopK,
		MinSimilarity: DefaultMinSimilarity,
	}
}

// Normalize clamps out-of-range values so callers never see an unusable combination.
func (s Settings) Normalize() Settings {
	if s.ChunkSize <= 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.ChunkOverlap < 0 {
		s.ChunkOverlap = 0
	}
	if s.ChunkOverlap >= s.ChunkSize {
		s.ChunkOverlap = s.ChunkSize - 1
	}
	if s.TopK <= 0 {
		s.TopK = DefaultTopK
	}
	if s.MinSimilarity < 0 {
		s.MinSimilarity = 0
	}
	return s
}

type SettingsProvider interface {
	Settings() Settings
}

// StaticSettings always returns the same values.
type StaticSettings Settings

func (s StaticSettings) Settings() Settings {
	return Settings(s).Normalize()
}

// SettingsFile serves Settings from a JSON file and reloads it whenever the file's
// modification time or size changes. Keys missing from the file keep their defaults.
type SettingsFile struct {
	path string

	mu      sync.Mutex
	current Settings
	mtime   time.Time
	size    int64
}

func NewSettingsFile(path string) *SettingsFile {
	return &SettingsFile{path: path, current: DefaultSettings()}
}

func (f *SettingsFile) Settings() Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, err := os.Stat(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logutil.GetLogger(context.Background()).Warn("stat settings file failed", zap.String("path", f.path), zap.Error(err))
		}
		return f.current.Normalize()
	}
	if info.ModTime().Equal(f.mtime) && info.Size() == f.size {
		return f.current.Normalize()
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		logutil.GetLogger(context.Background()).Warn("read settings file failed", zap.String("path", f.path), zap.Error(err))
		return f.current.Normalize()
	}
	next := DefaultSettings()
	if err := json.Unmarshal(data, &next); err != nil {
		logutil.GetLogger(context.Background()).Warn("decode settings file failed, keep previous values",
			zap.String("path", f.path), zap.Error(err))
		return f.current.Normalize()
	}
	f.current = next
	f.mtime = info.ModTime()
	f.size = info.Size()
	return f.current.Normalize()
}
