package rag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/voicekb/internal/ai"
	"github.com/xxxsen/voicekb/internal/chunker"
	"github.com/xxxsen/voicekb/internal/extract"
	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
	"github.com/xxxsen/voicekb/internal/tracker"
	"github.com/xxxsen/voicekb/internal/vectorstore"
)

// piece is one chunk of text plus the format-specific metadata it carries.
type piece struct {
	text  string
	extra map[string]interface{}
}

// IndexFile extracts, chunks and embeds the file at path and replaces any
// vectors previously stored for it. The tracker record only changes on success.
func (s *Service) IndexFile(ctx context.Context, path string) (*IndexResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.indexFileLocked(ctx, path)
}

func (s *Service) indexFileLocked(ctx context.Context, path string) (*IndexResult, error) {
	if !s.filter.Contains(path) {
		return nil, fmt.Errorf("%w: %s is outside the knowledge dir", appErr.ErrInvalid, path)
	}
	key := s.filter.RelPath(path)
	logger := logutil.GetLogger(ctx).With(zap.String("file", key))
	ext, ok := s.registry.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", appErr.ErrUnsupportedType, filepath.Ext(path))
	}
	st, err := tracker.StatFile(key, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", appErr.ErrNotFound, path)
		}
		return nil, err
	}
	content, err := ext.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	chunkType := extract.TypeOf(path)
	if content.Type != "" {
		chunkType = content.Type
	}
	pieces := s.split(content)
	vectors, err := s.embedAll(ctx, pieces)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	base := vectorstore.Metadata{
		Source:       key,
		Filename:     key,
		Type:         chunkType,
		IndexedAt:    now.Format(time.RFC3339),
		Size:         st.Size,
		LastModified: st.ModTime,
	}
	entries := buildEntries(key, base, content.Metadata, pieces, vectors)
	removed := s.store.DeleteByKey(key)
	if err := s.store.Add(entries); err != nil {
		return nil, err
	}
	s.tracker.Put(key, tracker.Record{
		Hash:         st.Hash,
		LastModified: st.ModTime,
		Chunks:       len(entries),
		IndexedAt:    now,
		Size:         st.Size,
	})
	if err := s.persist(); err != nil {
		return nil, err
	}
	logger.Info("file indexed", zap.String("type", chunkType), zap.Int("chunks", len(entries)), zap.Int("replaced", removed))
	return &IndexResult{Key: key, Type: chunkType, Chunks: len(entries)}, nil
}

// split turns extracted content into pieces. Pre-cut sections are kept whole;
// plain text goes through the chunker with the current settings.
func (s *Service) split(content *extract.Content) []piece {
	if len(content.Sections) > 0 {
		out := make([]piece, 0, len(content.Sections))
		for _, sec := range content.Sections {
			if strings.TrimSpace(sec.Text) == "" {
				continue
			}
			out = append(out, piece{text: sec.Text, extra: sec.Metadata})
		}
		return out
	}
	settings := s.settings.Settings()
	chunks := chunker.Split(content.Text, settings.ChunkSize, settings.ChunkOverlap)
	out := make([]piece, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, piece{text: c})
	}
	return out
}

// embedAll embeds every piece on the worker pool. Results keep the input order.
func (s *Service) embedAll(ctx context.Context, pieces []piece) ([][]float32, error) {
	out := make([][]float32, len(pieces))
	errCh := make(chan error, len(pieces))
	var wg sync.WaitGroup
	for i := range pieces {
		idx := i
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			vec, err := s.embedder.Embed(ctx, pieces[idx].text, ai.TaskRetrievalDocument)
			if err != nil {
				errCh <- fmt.Errorf("embed chunk %d: %w", idx, err)
				return
			}
			out[idx] = vec
		})
		if err != nil {
			wg.Done()
			errCh <- fmt.Errorf("submit embed task: %w", err)
		}
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}

func buildEntries(key string, base vectorstore.Metadata, shared map[string]interface{}, pieces []piece, vectors [][]float32) []vectorstore.Entry {
	entries := make([]vectorstore.Entry, 0, len(pieces))
	for i, p := range pieces {
		meta := base
		meta.ChunkIndex = i
		meta.TotalChunks = len(pieces)
		meta.Extra = mergeExtra(shared, p.extra)
		entries = append(entries, vectorstore.Entry{
			ID:        uuid.NewString(),
			Key:       key,
			Text:      p.text,
			Embedding: vectors[i],
			Metadata:  meta,
		})
	}
	return entries
}

func mergeExtra(maps ...map[string]interface{}) map[string]interface{} {
	var out map[string]interface{}
	for _, m := range maps {
		for k, v := range m {
			if out == nil {
				out = make(map[string]interface{})
			}
			out[k] = v
		}
	}
	return out
}

// RemoveFile drops every vector and the tracker record of a file. name is either
// the tracker key or a path to the file.
func (s *Service) RemoveFile(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return err
	}
	key, err := s.keyOf(name)
	if err != nil {
		return err
	}
	_, tracked := s.tracker.Get(key)
	if !tracked && s.store.CountByKey(key) == 0 {
		return fmt.Errorf("%w: %s", appErr.ErrNotFound, key)
	}
	removed := s.store.DeleteByKey(key)
	s.tracker.Delete(key)
	if err := s.persist(); err != nil {
		return err
	}
	logutil.GetLogger(ctx).Info("file removed from index", zap.String("file", key), zap.Int("chunks", removed))
	return nil
}

// keyOf resolves name to a tracker key. A relative name that is already a key
// wins; otherwise any path below the knowledge dir, absolute or relative to the
// working directory, maps to its key there.
func (s *Service) keyOf(name string) (string, error) {
	cleaned := filepath.ToSlash(filepath.Clean(name))
	if !filepath.IsAbs(name) {
		if _, ok := s.tracker.Get(cleaned); ok || s.store.CountByKey(cleaned) > 0 {
			return cleaned, nil
		}
	}
	if s.filter.Contains(name) {
		return s.filter.RelPath(name), nil
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s is outside the knowledge dir", appErr.ErrInvalid, name)
	}
	return cleaned, nil
}

// FilePath maps a tracker key back to its location in the knowledge-base directory.
func (s *Service) FilePath(key string) string {
	return filepath.Join(s.opts.KnowledgeDir, filepath.FromSlash(key))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
