// Package watcher feeds knowledge-base file changes to the indexer.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
	"github.com/xxxsen/voicekb/internal/rag"
)

const defaultSettle = 2 * time.Second

type Indexer interface {
	IndexFile(ctx context.Context, path string) (*rag.IndexResult, error)
	RemoveFile(ctx context.Context, name string) error
}

type PathFilter interface {
	ShouldIndex(relPath string) bool
	SkipDir(relPath string) bool
	RelPath(path string) string
}

type pendingFile struct {
	timer *time.Timer
	size  int64
	mtime time.Time
}

type Watcher struct {
	root    string
	indexer Indexer
	filter  PathFilter
	settle  time.Duration

	fsw     *fsnotify.Watcher
	ctx     context.Context
	mu      sync.Mutex
	pending map[string]*pendingFile
	closeCh chan struct{}
	done    chan struct{}
	closed  atomic.Bool
}

func New(root string, indexer Indexer, filter PathFilter, settle time.Duration) *Watcher {
	if settle <= 0 {
		settle = defaultSettle
	}
	return &Watcher{
		root:    root,
		indexer: indexer,
		filter:  filter,
		settle:  settle,
		pending: make(map[string]*pendingFile),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start watches root and every subdirectory. Files already present are not
// reported; reconciliation covers them.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.fsw = fsw
	w.ctx = ctx
	if err := w.addTree(w.root, false); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop()
	logutil.GetLogger(ctx).Info("knowledge dir watcher started", zap.String("dir", w.root), zap.Duration("settle", w.settle))
	return nil
}

func (w *Watcher) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(w.closeCh)
	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
		<-w.done
	}
	w.mu.Lock()
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return err
}

// addTree watches dir and its subdirectories. With scheduleFiles set, files
// found along the way are scheduled for indexing; they may have been created
// before the watch was in place.
func (w *Watcher) addTree(dir string, scheduleFiles bool) error {
	logger := logutil.GetLogger(w.ctx)
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			logger.Warn("walk dir failed", zap.String("path", p), zap.Error(err))
			return nil
		}
		rel := w.filter.RelPath(p)
		if d.IsDir() {
			if p != w.root && w.filter.SkipDir(rel) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(p); err != nil {
				return fmt.Errorf("watch %s: %w", p, err)
			}
			return nil
		}
		if scheduleFiles && d.Type().IsRegular() && w.filter.ShouldIndex(rel) {
			w.schedule(p)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	logger := logutil.GetLogger(w.ctx)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", zap.Error(err))
		case <-w.closeCh:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	logger := logutil.GetLogger(w.ctx).With(zap.String("path", event.Name), zap.String("op", event.Op.String()))
	rel := w.filter.RelPath(event.Name)
	switch {
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if event.Op.Has(fsnotify.Create) && !w.filter.SkipDir(rel) {
				if err := w.addTree(event.Name, true); err != nil {
					logger.Warn("watch new dir failed", zap.Error(err))
				}
			}
			return
		}
		if !info.Mode().IsRegular() || !w.filter.ShouldIndex(rel) {
			return
		}
		w.schedule(event.Name)
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.cancel(event.Name)
		if !w.filter.ShouldIndex(rel) {
			return
		}
		if err := w.indexer.RemoveFile(w.ctx, event.Name); err != nil {
			if errors.Is(err, appErr.ErrNotFound) {
				logger.Debug("removed file was not indexed")
				return
			}
			logger.Error("remove file from index failed", zap.Error(err))
		}
	}
}

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return
	}
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
	}
	p := &pendingFile{size: info.Size(), mtime: info.ModTime()}
	p.timer = time.AfterFunc(w.settle, func() { w.settled(path, p) })
	w.pending[path] = p
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		delete(w.pending, path)
	}
}

// settled indexes path once its size and mtime held still for a full window.
func (w *Watcher) settled(path string, p *pendingFile) {
	w.mu.Lock()
	if cur, ok := w.pending[path]; !ok || cur != p {
		w.mu.Unlock()
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		delete(w.pending, path)
		w.mu.Unlock()
		return
	}
	if info.Size() != p.size || !info.ModTime().Equal(p.mtime) {
		p.size, p.mtime = info.Size(), info.ModTime()
		p.timer.Reset(w.settle)
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	logger := logutil.GetLogger(w.ctx).With(zap.String("path", path))
	res, err := w.indexer.IndexFile(w.ctx, path)
	if err != nil {
		logger.Error("index changed file failed", zap.Error(err))
		return
	}
	logger.Info("changed file indexed", zap.Int("chunks", res.Chunks))
}
