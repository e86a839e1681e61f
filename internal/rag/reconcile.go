package rag

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/voicekb/internal/tracker"
)

// Reconcile brings the index in line with the knowledge-base directory. New and
// modified files are indexed, tracked entries that lost their vectors are
// reindexed and vectors nobody tracks are purged. Tracked files missing from
// disk are left alone; only Rebuild drops them.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.reconcileLocked(ctx)
}

func (s *Service) reconcileLocked(ctx context.Context) (*ReconcileResult, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("dir", s.opts.KnowledgeDir))
	res := &ReconcileResult{}
	states, failed, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	res.Scanned = len(states)
	res.Failed = failed

	trackerDirty := false
	for _, ch := range s.tracker.Diff(states) {
		reindex := ch.Kind != tracker.ChangeUnchanged
		recovered := false
		if !reindex {
			rec, _ := s.tracker.Get(ch.Key)
			if rec.Chunks > 0 && s.store.CountByKey(ch.Key) == 0 {
				reindex, recovered = true, true
			} else if ch.Touched {
				rec.LastModified = ch.ModTime
				s.tracker.Put(ch.Key, rec)
				trackerDirty = true
				res.Touched++
			}
		}
		if !reindex {
			continue
		}
		if _, err := s.indexFileLocked(ctx, ch.Path); err != nil {
			logger.Error("index file failed", zap.String("file", ch.Key), zap.String("change", ch.Kind.String()), zap.Error(err))
			res.Failed++
			continue
		}
		if recovered {
			res.Recovered++
		} else {
			res.Indexed++
		}
	}

	for key, rec := range s.tracker.Records() {
		if !rec.IsURL() {
			continue
		}
		if rec.Chunks > 0 && s.store.CountByKey(key) > 0 {
			continue
		}
		if _, err := s.refreshURLLocked(ctx, key, rec); err != nil {
			logger.Warn("refresh url failed", zap.String("url", rec.URL), zap.Error(err))
			res.Failed++
			continue
		}
		res.Recovered++
	}

	storeDirty := false
	for _, key := range s.store.Keys() {
		if _, ok := s.tracker.Get(key); ok {
			continue
		}
		if !isURLKey(key) && fileExists(s.FilePath(key)) {
			continue
		}
		n := s.store.DeleteByKey(key)
		logger.Info("purge untracked vectors", zap.String("key", key), zap.Int("chunks", n))
		res.Purged++
		storeDirty = true
	}
	if storeDirty {
		if err := s.store.Save(); err != nil {
			return res, err
		}
	}
	if trackerDirty {
		if err := s.tracker.Save(); err != nil {
			return res, err
		}
	}
	return res, nil
}

// scan walks the knowledge-base directory and hashes every indexable file.
func (s *Service) scan(ctx context.Context) ([]tracker.FileState, int, error) {
	logger := logutil.GetLogger(ctx)
	root := s.opts.KnowledgeDir
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, 0, err
	}
	var states []tracker.FileState
	failed := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			logger.Warn("walk knowledge dir failed", zap.String("path", p), zap.Error(err))
			return nil
		}
		rel := s.filter.RelPath(p)
		if d.IsDir() {
			if p != root && s.filter.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.filter.ShouldIndex(rel) {
			return nil
		}
		st, err := tracker.StatFile(rel, p)
		if err != nil {
			logger.Warn("stat file failed", zap.String("file", rel), zap.Error(err))
			failed++
			return nil
		}
		states = append(states, st)
		return nil
	})
	if err != nil {
		return nil, failed, err
	}
	return states, failed, nil
}

// Rebuild discards every vector and reindexes all tracked entries. Records of
// files no longer on disk are dropped.
func (s *Service) Rebuild(ctx context.Context) (*RebuildResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.rebuildLocked(ctx)
}

func (s *Service) rebuildLocked(ctx context.Context) (*RebuildResult, error) {
	logger := logutil.GetLogger(ctx)
	records := s.tracker.Records()
	s.store.Reset()
	if err := s.store.Save(); err != nil {
		return nil, err
	}
	res := &RebuildResult{}
	for _, key := range s.tracker.Keys() {
		rec := records[key]
		if rec.IsURL() {
			chunks, err := s.refreshURLLocked(ctx, key, rec)
			if err != nil {
				logger.Warn("rebuild url failed, will retry on reconcile", zap.String("url", rec.URL), zap.Error(err))
				res.Failed++
				continue
			}
			res.URLs++
			res.Chunks += chunks
			continue
		}
		path := s.FilePath(key)
		if !fileExists(path) {
			s.tracker.Delete(key)
			res.Dropped++
			logger.Info("drop record of missing file", zap.String("file", key))
			continue
		}
		ir, err := s.indexFileLocked(ctx, path)
		if err != nil {
			logger.Error("rebuild file failed", zap.String("file", key), zap.Error(err))
			s.tracker.Delete(key)
			res.Failed++
			continue
		}
		res.Files++
		res.Chunks += ir.Chunks
	}
	if err := s.persist(); err != nil {
		return res, err
	}
	logger.Info("index rebuilt", zap.Int("files", res.Files), zap.Int("urls", res.URLs),
		zap.Int("dropped", res.Dropped), zap.Int("failed", res.Failed), zap.Int("chunks", res.Chunks))
	return res, nil
}
