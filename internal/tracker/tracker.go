// Package tracker persists the map from knowledge-base file (or URL key) to the
// state it had when it was last indexed.
package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const TypeURL = "url"

type Record struct {
	Hash         string    `json:"hash,omitempty"`
	LastModified int64     `json:"lastModified"`
	Chunks       int       `json:"chunks"`
	IndexedAt    time.Time `json:"indexedAt"`
	Size         int64     `json:"size"`

	URL         string                 `json:"url,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Type        string                 `json:"type,omitempty"`
	FetchedAt   *time.Time             `json:"fetchedAt,omitempty"`
	ContentType string                 `json:"contentType,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (r Record) IsURL() bool {
	return r.Type == TypeURL
}

type Tracker struct {
	mu      sync.RWMutex
	path    string
	records map[string]Record
}

func New(path string) *Tracker {
	return &Tracker{path: path, records: make(map[string]Record)}
}

// Load reads the tracker file. A missing or unreadable file yields an empty
// tracker so that everything is treated as new.
func Load(ctx context.Context, path string) *Tracker {
	t := New(path)
	logger := logutil.GetLogger(ctx).With(zap.String("path", path))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("tracker file not found, starting empty")
		} else {
			logger.Warn("read tracker file failed, starting empty", zap.Error(err))
		}
		return t
	}
	records := make(map[string]Record)
	if err := json.Unmarshal(data, &records); err != nil {
		logger.Warn("decode tracker file failed, starting empty", zap.Error(err))
		return t
	}
	t.records = records
	logger.Info("tracker loaded", zap.Int("records", len(records)))
	return t
}

func (t *Tracker) Path() string {
	return t.path
}

// Save writes the tracker atomically via a temp file and rename.
func (t *Tracker) Save() error {
	t.mu.RLock()
	data, err := json.MarshalIndent(t.records, "", "  ")
	t.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode tracker: %w", err)
	}
	return writeFileAtomic(t.path, data)
}

// WriteTo writes the current JSON encoding of the tracker to w.
func (t *Tracker) WriteTo(w io.Writer) (int64, error) {
	t.mu.RLock()
	data, err := json.MarshalIndent(t.records, "", "  ")
	t.mu.RUnlock()
	if err != nil {
		return 0, fmt.Errorf("encode tracker: %w", err)
	}
	n, err := w.Write(data)
	return int64(n), err
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tracker dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp tracker file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp tracker file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp tracker file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp tracker file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace tracker file: %w", err)
	}
	return nil
}

func (t *Tracker) Get(key string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[key]
	return r, ok
}

func (t *Tracker) Put(key string, r Record) {
	t.mu.Lock()
	t.records[key] = r
	t.mu.Unlock()
}

func (t *Tracker) Delete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[key]; !ok {
		return false
	}
	delete(t.records, key)
	return true
}

// Reset drops every record in memory; the file is untouched until Save.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.records = make(map[string]Record)
	t.mu.Unlock()
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Keys returns all keys in sorted order.
func (t *Tracker) Keys() []string {
	t.mu.RLock()
	keys := make([]string, 0, len(t.records))
	for k := range t.records {
		keys = append(keys, k)
	}
	t.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Records returns a copy of the record map.
func (t *Tracker) Records() map[string]Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Record, len(t.records))
	for k, v := range t.records {
		out[k] = v
	}
	return out
}

func (t *Tracker) FindByURL(url string) (string, Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, r := range t.records {
		if r.IsURL() && r.URL == url {
			return k, r, true
		}
	}
	return "", Record{}, false
}

// HashFile returns the hex sha256 of the file's bytes.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
