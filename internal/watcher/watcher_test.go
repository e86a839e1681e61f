package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/voicekb/internal/ai"
	"github.com/xxxsen/voicekb/internal/config"
	"github.com/xxxsen/voicekb/internal/extract"
	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
	"github.com/xxxsen/voicekb/internal/rag"
)

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []string
	removed []string
}

func (f *fakeIndexer) IndexFile(ctx context.Context, path string) (*rag.IndexResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, filepath.Base(path))
	return &rag.IndexResult{Key: filepath.Base(path), Chunks: 1}, nil
}

func (f *fakeIndexer) RemoveFile(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, filepath.Base(name))
	if filepath.Base(name) == "never.txt" {
		return appErr.ErrNotFound
	}
	return nil
}

func (f *fakeIndexer) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.indexed...), append([]string(nil), f.removed...)
}

func startWatcher(t *testing.T) (string, *fakeIndexer) {
	t.Helper()
	root := t.TempDir()
	filter, err := rag.NewFileFilter(root, extract.NewDefaultRegistry(), []string{"skip/**"})
	require.NoError(t, err)
	idx := &fakeIndexer{}
	w := New(root, idx, filter, 100*time.Millisecond)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, w.Close()) })
	return root, idx
}

func TestWatcherIndexesOnceAfterSettle(t *testing.T) {
	root, idx := startWatcher(t)
	p := filepath.Join(root, "notes.txt")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(p, []byte("version "+string(rune('a'+i))), 0o644))
		time.Sleep(20 * time.Millisecond)
	}
	require.Eventually(t, func() bool {
		indexed, _ := idx.snapshot()
		return len(indexed) == 1
	}, 3*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	indexed, _ := idx.snapshot()
	require.Equal(t, []string{"notes.txt"}, indexed)
}

func TestWatcherIgnoresFilteredFiles(t *testing.T) {
	root, idx := startWatcher(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "song.mp3"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "skip"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip", "a.txt"), []byte("x"), 0o644))
	time.Sleep(500 * time.Millisecond)
	indexed, removed := idx.snapshot()
	require.Empty(t, indexed)
	require.Empty(t, removed)
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root, idx := startWatcher(t)
	dir := filepath.Join(root, "people")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "family.md"), []byte("# Family"), 0o644))
	require.Eventually(t, func() bool {
		indexed, _ := idx.snapshot()
		return len(indexed) >= 1 && indexed[0] == "family.md"
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "friends.md"), []byte("# Friends"), 0o644))
	require.Eventually(t, func() bool {
		indexed, _ := idx.snapshot()
		for _, n := range indexed {
			if n == "friends.md" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherRemovesDeletedFiles(t *testing.T) {
	root, idx := startWatcher(t)
	p := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	require.Eventually(t, func() bool {
		indexed, _ := idx.snapshot()
		return len(indexed) == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(p))
	require.Eventually(t, func() bool {
		_, removed := idx.snapshot()
		return len(removed) == 1 && removed[0] == "notes.txt"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherCancelsPendingOnRemove(t *testing.T) {
	root, idx := startWatcher(t)
	p := filepath.Join(root, "brief.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	require.NoError(t, os.Remove(p))
	time.Sleep(400 * time.Millisecond)
	indexed, removed := idx.snapshot()
	require.Empty(t, indexed)
	require.Equal(t, []string{"brief.txt"}, removed)
}

func TestWatcherDropsDeletedFileFromIndexWithRelativeRoot(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)
	require.NoError(t, os.MkdirAll("kb", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join("kb", "notes.txt"), []byte("The wifi password is hunter2."), 0o644))

	p, err := ai.NewEmbedProvider("local", map[string]interface{}{"dimensions": 64})
	require.NoError(t, err)
	svc, err := rag.NewService(rag.Options{
		KnowledgeDir: "kb",
		StoreDir:     filepath.Join(root, "data", "vectorstore"),
		TrackerPath:  filepath.Join(root, "data", "file_index.json"),
	}, ai.NewEmbedder(p, "hash"), extract.NewDefaultRegistry(), nil, config.StaticSettings(config.DefaultSettings()))
	require.NoError(t, err)
	require.NoError(t, svc.Initialize(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })
	require.Equal(t, 1, svc.GetStats().TotalFiles)

	w := New("kb", svc, svc.Filter(), 50*time.Millisecond)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, w.Close()) })

	require.NoError(t, os.WriteFile(filepath.Join("kb", "garden.md"), []byte("# Garden\n\nTomatoes need sun."), 0o644))
	require.Eventually(t, func() bool {
		return svc.GetStats().TotalFiles == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join("kb", "notes.txt")))
	require.Eventually(t, func() bool {
		st := svc.GetStats()
		return st.TotalFiles == 1 && st.Files[0].Name == "garden.md"
	}, 5*time.Second, 20*time.Millisecond)

	minScore := -1.0
	results, err := svc.Search(context.Background(), "wifi password", &minScore)
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, "notes.txt", r.Source)
	}
}
