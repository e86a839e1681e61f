// Package vectorstore keeps embedded chunks in memory for cosine search and
// persists them to a single bbolt file.
package vectorstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
)

const (
	FileName      = "index.db"
	formatVersion = "1"
)

var (
	bucketChunks = []byte("chunks")
	bucketMeta   = []byte("meta")

	metaVersion   = []byte("version")
	metaModel     = []byte("model")
	metaDimension = []byte("dimension")
	metaUpdatedAt = []byte("updated_at")
)

type Metadata struct {
	Source       string                 `json:"source"`
	Filename     string                 `json:"filename,omitempty"`
	URL          string                 `json:"url,omitempty"`
	Title        string                 `json:"title,omitempty"`
	Type         string                 `json:"type"`
	ChunkIndex   int                    `json:"chunkIndex"`
	TotalChunks  int                    `json:"totalChunks"`
	IndexedAt    string                 `json:"indexedAt"`
	Size         int64                  `json:"size,omitempty"`
	LastModified int64                  `json:"lastModified,omitempty"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
}

type Entry struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
	Metadata  Metadata  `json:"metadata"`

	norm float64
}

type Hit struct {
	Entry Entry
	Score float64
}

type BoltStore struct {
	mu    sync.RWMutex
	db    *bbolt.DB
	dir   string
	model string
	dim   int

	entries map[string]*Entry
	order   []string
	byKey   map[string]int

	pendingPut map[string]struct{}
	pendingDel map[string]struct{}
	wipe       bool
}

func newStore(db *bbolt.DB, dir, model string) *BoltStore {
	return &BoltStore{
		db:         db,
		dir:        dir,
		model:      model,
		entries:    make(map[string]*Entry),
		byKey:      make(map[string]int),
		pendingPut: make(map[string]struct{}),
		pendingDel: make(map[string]struct{}),
	}
}

func dbPath(dir string) string {
	return filepath.Join(dir, FileName)
}

func openDB(path string) (*bbolt.DB, error) {
	return bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
}

// Open loads an existing store from dir. Any problem with the persisted data,
// including a missing file or a different embedding model, is ErrStoreCorrupt.
func Open(dir, model string) (*BoltStore, error) {
	path := dbPath(dir)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found", appErr.ErrStoreCorrupt, path)
		}
		return nil, fmt.Errorf("%w: stat %s: %w", appErr.ErrStoreCorrupt, path, err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", appErr.ErrStoreCorrupt, path, err)
	}
	s := newStore(db, dir, model)
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", appErr.ErrStoreCorrupt, err)
	}
	return s, nil
}

// Create discards any store in dir and returns a fresh, empty one.
func Create(dir, model string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	path := dbPath(dir)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove old store: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := newStore(db, dir, model)
	if err := s.Save(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) load() error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return errors.New("meta bucket missing")
		}
		if v := string(meta.Get(metaVersion)); v != formatVersion {
			return fmt.Errorf("format version %q, want %q", v, formatVersion)
		}
		if m := string(meta.Get(metaModel)); m != s.model {
			return fmt.Errorf("store built with model %q, configured %q", m, s.model)
		}
		dim, err := strconv.Atoi(string(meta.Get(metaDimension)))
		if err != nil || dim < 0 {
			return fmt.Errorf("bad dimension %q", meta.Get(metaDimension))
		}
		s.dim = dim
		chunks := tx.Bucket(bucketChunks)
		if chunks == nil {
			return errors.New("chunks bucket missing")
		}
		return chunks.ForEach(func(k, v []byte) error {
			e := &Entry{}
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("decode chunk %s: %w", k, err)
			}
			if len(e.Embedding) != s.dim {
				return fmt.Errorf("chunk %s has dimension %d, want %d", k, len(e.Embedding), s.dim)
			}
			e.norm = norm(e.Embedding)
			s.insert(e)
			return nil
		})
	})
	if err != nil {
		return err
	}
	if len(s.order) > 0 {
		probe := s.entries[s.order[0]]
		hits := s.search(probe.Embedding, 1)
		if len(hits) != 1 || math.IsNaN(hits[0].Score) {
			return errors.New("probe search failed")
		}
	}
	return nil
}

func (s *BoltStore) insert(e *Entry) {
	if _, ok := s.entries[e.ID]; ok {
		s.remove(e.ID)
	}
	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	s.byKey[e.Key]++
}

func (s *BoltStore) remove(id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.byKey[e.Key]--
	if s.byKey[e.Key] <= 0 {
		delete(s.byKey, e.Key)
	}
}

// Add stores entries in memory; they are persisted by the next Save. All
// embeddings must share the store's dimension, which the first entry fixes.
func (s *BoltStore) Add(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dim := s.dim
	if len(s.entries) == 0 && len(entries) > 0 {
		dim = len(entries[0].Embedding)
	}
	for _, e := range entries {
		if e.ID == "" || e.Key == "" {
			return fmt.Errorf("%w: entry needs id and key", appErr.ErrInvalid)
		}
		if len(e.Embedding) == 0 || len(e.Embedding) != dim {
			return fmt.Errorf("%w: embedding dimension %d, want %d", appErr.ErrInvalid, len(e.Embedding), dim)
		}
	}
	s.dim = dim
	for i := range entries {
		e := entries[i]
		e.norm = norm(e.Embedding)
		s.insert(&e)
		s.pendingPut[e.ID] = struct{}{}
		delete(s.pendingDel, e.ID)
	}
	return nil
}

// DeleteByKey removes every entry recorded under key and returns how many were removed.
func (s *BoltStore) DeleteByKey(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byKey[key] == 0 {
		return 0
	}
	var ids []string
	for _, id := range s.order {
		if s.entries[id].Key == key {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		s.remove(id)
		delete(s.pendingPut, id)
		s.pendingDel[id] = struct{}{}
	}
	return len(ids)
}

func (s *BoltStore) CountByKey(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byKey[key]
}

// Keys returns the distinct keys present in the store, sorted.
func (s *BoltStore) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.byKey))
	for k := range s.byKey {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (s *BoltStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *BoltStore) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

func (s *BoltStore) Model() string {
	return s.model
}

func (s *BoltStore) Path() string {
	return dbPath(s.dir)
}

// Reset drops every entry. The file is rewritten by the next Save.
func (s *BoltStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
	s.order = nil
	s.byKey = make(map[string]int)
	s.pendingPut = make(map[string]struct{})
	s.pendingDel = make(map[string]struct{})
	s.dim = 0
	s.wipe = true
}

// Search returns up to topK entries by descending cosine similarity.
func (s *BoltStore) Search(vector []float32, topK int) []Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.search(vector, topK)
}

func (s *BoltStore) search(vector []float32, topK int) []Hit {
	if topK <= 0 || len(s.order) == 0 || len(vector) != s.dim {
		return nil
	}
	qn := norm(vector)
	hits := make([]Hit, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		hits = append(hits, Hit{Entry: *e, Score: cosine(vector, qn, e.Embedding, e.norm)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Save writes pending changes and the meta bucket in one transaction.
func (s *BoltStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if s.wipe {
			if err := tx.DeleteBucket(bucketChunks); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
		}
		chunks, err := tx.CreateBucketIfNotExists(bucketChunks)
		if err != nil {
			return err
		}
		for id := range s.pendingDel {
			if err := chunks.Delete([]byte(id)); err != nil {
				return err
			}
		}
		for id := range s.pendingPut {
			data, err := json.Marshal(s.entries[id])
			if err != nil {
				return fmt.Errorf("encode chunk %s: %w", id, err)
			}
			if err := chunks.Put([]byte(id), data); err != nil {
				return err
			}
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		for k, v := range map[string]string{
			string(metaVersion):   formatVersion,
			string(metaModel):     s.model,
			string(metaDimension): strconv.Itoa(s.dim),
			string(metaUpdatedAt): time.Now().UTC().Format(time.RFC3339),
		} {
			if err := meta.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save vector store: %w", err)
	}
	s.wipe = false
	s.pendingPut = make(map[string]struct{})
	s.pendingDel = make(map[string]struct{})
	return nil
}

// Backup streams a consistent copy of the persisted file to w.
func (s *BoltStore) Backup(w io.Writer) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}
