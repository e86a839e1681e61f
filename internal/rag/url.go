package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/voicekb/internal/chunker"
	"github.com/xxxsen/voicekb/internal/extract"
	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
	"github.com/xxxsen/voicekb/internal/tracker"
	"github.com/xxxsen/voicekb/internal/vectorstore"
)

const urlKeyPrefix = "url_"

// URLKey is the stable tracker key for a URL.
func URLKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return urlKeyPrefix + hex.EncodeToString(sum[:])[:16]
}

// IndexURL fetches and indexes a web page. A URL that is already indexed yields
// a result with Existing set and ErrAlreadyIndexed.
func (s *Service) IndexURL(ctx context.Context, rawURL string) (*URLResult, error) {
	rawURL = strings.TrimSpace(rawURL)
	res := &URLResult{URL: rawURL}
	if err := s.ensureReady(); err != nil {
		return res, err
	}
	if _, err := extract.ValidateURL(rawURL); err != nil {
		return res, err
	}
	if key, _, ok := s.FindURL(rawURL); ok {
		res.Existing = true
		res.Key = key
		return res, appErr.ErrAlreadyIndexed
	}
	fetched, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if key, _, ok := s.tracker.FindByURL(rawURL); ok {
		res.Existing = true
		res.Key = key
		return res, appErr.ErrAlreadyIndexed
	}
	key, chunks, err := s.storeURLLocked(ctx, rawURL, fetched)
	if err != nil {
		return res, err
	}
	res.Success = true
	res.Key = key
	res.Title = fetched.Title
	res.Chunks = chunks
	return res, nil
}

func (s *Service) storeURLLocked(ctx context.Context, rawURL string, fetched *extract.FetchResult) (string, int, error) {
	key := URLKey(rawURL)
	settings := s.settings.Settings()
	texts := chunker.Split(fetched.Content, settings.ChunkSize, settings.ChunkOverlap)
	pieces := make([]piece, 0, len(texts))
	for _, t := range texts {
		pieces = append(pieces, piece{text: t})
	}
	vectors, err := s.embedAll(ctx, pieces)
	if err != nil {
		return "", 0, err
	}
	now := time.Now().UTC()
	base := vectorstore.Metadata{
		Source:    rawURL,
		URL:       rawURL,
		Title:     fetched.Title,
		Type:      tracker.TypeURL,
		IndexedAt: now.Format(time.RFC3339),
		Size:      int64(len(fetched.Content)),
	}
	shared := mergeExtra(fetched.Metadata, map[string]interface{}{"contentType": fetched.ContentType})
	entries := buildEntries(key, base, shared, pieces, vectors)
	s.store.DeleteByKey(key)
	if err := s.store.Add(entries); err != nil {
		return "", 0, err
	}
	fetchedAt := fetched.FetchedAt
	sum := sha256.Sum256([]byte(fetched.Content))
	s.tracker.Put(key, tracker.Record{
		Hash:        hex.EncodeToString(sum[:]),
		Chunks:      len(entries),
		IndexedAt:   now,
		Size:        int64(len(fetched.Content)),
		URL:         rawURL,
		Title:       fetched.Title,
		Type:        tracker.TypeURL,
		FetchedAt:   &fetchedAt,
		ContentType: fetched.ContentType,
		Metadata:    fetched.Metadata,
	})
	if err := s.persist(); err != nil {
		return "", 0, err
	}
	logutil.GetLogger(ctx).Info("url indexed", zap.String("url", rawURL), zap.String("key", key), zap.Int("chunks", len(entries)))
	return key, len(entries), nil
}

// refreshURLLocked re-fetches a tracked URL. On failure the record is kept with
// zero chunks so that the next reconciliation retries it.
func (s *Service) refreshURLLocked(ctx context.Context, key string, rec tracker.Record) (int, error) {
	fetched, err := s.fetcher.Fetch(ctx, rec.URL)
	if err == nil {
		var chunks int
		_, chunks, err = s.storeURLLocked(ctx, rec.URL, fetched)
		if err == nil {
			return chunks, nil
		}
	}
	s.store.DeleteByKey(key)
	rec.Chunks = 0
	s.tracker.Put(key, rec)
	if perr := s.persist(); perr != nil {
		return 0, perr
	}
	return 0, err
}

// RemoveURL deletes a URL's vectors and record. It reports false when key is not a tracked URL.
func (s *Service) RemoveURL(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	rec, ok := s.tracker.Get(key)
	if !ok || !rec.IsURL() {
		return false, nil
	}
	removed := s.store.DeleteByKey(key)
	s.tracker.Delete(key)
	if err := s.persist(); err != nil {
		return false, err
	}
	logutil.GetLogger(ctx).Info("url removed from index", zap.String("url", rec.URL), zap.Int("chunks", removed))
	return true, nil
}

// GetIndexedURLs lists tracked URLs, most recently indexed first.
func (s *Service) GetIndexedURLs() []URLInfo {
	if !s.ready.Load() {
		return nil
	}
	var out []URLInfo
	for key, rec := range s.tracker.Records() {
		if !rec.IsURL() {
			continue
		}
		out = append(out, URLInfo{
			Key:         key,
			URL:         rec.URL,
			Title:       rec.Title,
			Chunks:      rec.Chunks,
			ContentType: rec.ContentType,
			IndexedAt:   rec.IndexedAt,
			FetchedAt:   rec.FetchedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IndexedAt.Equal(out[j].IndexedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].IndexedAt.After(out[j].IndexedAt)
	})
	return out
}

func (s *Service) FindURL(rawURL string) (string, tracker.Record, bool) {
	if !s.ready.Load() {
		return "", tracker.Record{}, false
	}
	return s.tracker.FindByURL(strings.TrimSpace(rawURL))
}

func isURLKey(key string) bool {
	return strings.HasPrefix(key, urlKeyPrefix)
}
