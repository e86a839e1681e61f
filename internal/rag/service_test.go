package rag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/voicekb/internal/ai"
	"github.com/xxxsen/voicekb/internal/config"
	"github.com/xxxsen/voicekb/internal/extract"
	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
	"github.com/xxxsen/voicekb/internal/vectorstore"
)

type countingEmbedder struct {
	next  ai.IEmbedder
	calls atomic.Int64
	fail  atomic.Bool
}

func (c *countingEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	if c.fail.Load() {
		return nil, errors.New("embedding backend down")
	}
	if taskType == ai.TaskRetrievalDocument {
		c.calls.Add(1)
	}
	return c.next.Embed(ctx, text, taskType)
}

func (c *countingEmbedder) ModelName() string {
	return c.next.ModelName()
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]*extract.FetchResult
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (*extract.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if _, err := extract.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	page, ok := f.pages[rawURL]
	if !ok {
		return nil, fmt.Errorf("%w: http status 404", appErr.ErrExtraction)
	}
	cp := *page
	return &cp, nil
}

func (f *fakeFetcher) set(rawURL string, page *extract.FetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if page == nil {
		delete(f.pages, rawURL)
		return
	}
	f.pages[rawURL] = page
}

type testEnv struct {
	kbDir    string
	dataDir  string
	embedder *countingEmbedder
	fetcher  *fakeFetcher
	settings config.StaticSettings
	exclude  []string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	p, err := ai.NewEmbedProvider("local", map[string]interface{}{"dimensions": 128})
	require.NoError(t, err)
	root := t.TempDir()
	env := &testEnv{
		kbDir:    filepath.Join(root, "kb"),
		dataDir:  filepath.Join(root, "data"),
		embedder: &countingEmbedder{next: ai.NewEmbedder(p, "hash")},
		fetcher:  &fakeFetcher{pages: map[string]*extract.FetchResult{}},
		settings: config.StaticSettings(config.DefaultSettings()),
	}
	require.NoError(t, os.MkdirAll(env.kbDir, 0o755))
	return env
}

func (e *testEnv) service(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Options{
		KnowledgeDir: e.kbDir,
		StoreDir:     filepath.Join(e.dataDir, "vectorstore"),
		TrackerPath:  filepath.Join(e.dataDir, "file_index.json"),
		Exclude:      e.exclude,
		Concurrency:  2,
	}, e.embedder, extract.NewDefaultRegistry(), e.fetcher, e.settings)
	require.NoError(t, err)
	return svc
}

func (e *testEnv) start(t *testing.T) *Service {
	t.Helper()
	svc := e.service(t)
	require.NoError(t, svc.Initialize(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func (e *testEnv) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(e.kbDir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func ptr(f float64) *float64 {
	return &f
}

func TestEndToEndWifiPassword(t *testing.T) {
	env := newEnv(t)
	env.write(t, "notes.txt", "The wifi password is hunter2.")
	env.write(t, "recipes/lasagna.md", "# Lasagna\n\nGrandma's lasagna uses ricotta and basil.")
	svc := env.start(t)

	results, err := svc.Search(context.Background(), "what's the wifi password", ptr(0.1))
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "notes.txt", results[0].Source)
	require.Contains(t, results[0].Content, "hunter2")
	require.Equal(t, "txt", results[0].Metadata.Type)

	stats := svc.GetStats()
	require.True(t, stats.Initialized)
	require.Equal(t, config.DefaultChunkSize, stats.ChunkSize)
	require.Equal(t, config.DefaultChunkOverlap, stats.ChunkOverlap)
	require.Equal(t, 2, stats.TotalFiles)
	require.Equal(t, "notes.txt", stats.Files[0].Name)
	require.Equal(t, "recipes/lasagna.md", stats.Files[1].Name)
}

func TestNotInitialized(t *testing.T) {
	env := newEnv(t)
	svc := env.service(t)
	_, err := svc.Search(context.Background(), "x", nil)
	require.ErrorIs(t, err, appErr.ErrNotInitialized)
	_, err = svc.IndexFile(context.Background(), env.write(t, "a.txt", "a"))
	require.ErrorIs(t, err, appErr.ErrNotInitialized)
	require.False(t, svc.GetStats().Initialized)
	require.Nil(t, svc.GetIndexedURLs())
}

func TestReconcileIsIdempotent(t *testing.T) {
	env := newEnv(t)
	env.write(t, "a.txt", "alpha file content")
	env.write(t, "b.md", "beta file content")
	svc := env.start(t)
	calls := env.embedder.calls.Load()
	require.Equal(t, int64(2), calls)

	for i := 0; i < 2; i++ {
		res, err := svc.Reconcile(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, res.Scanned)
		require.Zero(t, res.Indexed)
		require.Zero(t, res.Recovered)
	}
	require.Equal(t, calls, env.embedder.calls.Load())
}

func TestHashOverMtime(t *testing.T) {
	env := newEnv(t)
	p := env.write(t, "notes.txt", "The wifi password is hunter2.")
	svc := env.start(t)
	calls := env.embedder.calls.Load()
	rec, ok := svc.tracker.Get("notes.txt")
	require.True(t, ok)

	future := time.Now().Add(2 * time.Hour)
	require.NoError(t, os.Chtimes(p, future, future))
	res, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Indexed)
	require.Equal(t, 1, res.Touched)
	require.Equal(t, calls, env.embedder.calls.Load())
	touched, _ := svc.tracker.Get("notes.txt")
	require.Equal(t, future.UnixMilli(), touched.LastModified)
	require.Equal(t, rec.Hash, touched.Hash)

	require.NoError(t, os.WriteFile(p, []byte("The wifi password is swordfish."), 0o644))
	require.NoError(t, os.Chtimes(p, future, future))
	res, err = svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Indexed)
	results, err := svc.Search(context.Background(), "wifi password", ptr(0))
	require.NoError(t, err)
	require.Contains(t, results[0].Content, "swordfish")
	require.Equal(t, 1, svc.store.CountByKey("notes.txt"), "old vectors are replaced")
}

func TestChunkCountConservation(t *testing.T) {
	env := newEnv(t)
	env.settings = config.StaticSettings{ChunkSize: 120, ChunkOverlap: 20, TopK: 5, MinSimilarity: 0.2}
	svc := env.start(t)
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&sb, "Sentence number %d talks about the garden hose. ", i)
	}
	p := env.write(t, "long.txt", sb.String())
	res, err := svc.IndexFile(context.Background(), p)
	require.NoError(t, err)
	require.Greater(t, res.Chunks, 1)

	rec, _ := svc.tracker.Get("long.txt")
	require.Equal(t, res.Chunks, rec.Chunks)
	require.Equal(t, res.Chunks, svc.store.CountByKey("long.txt"))
	require.Equal(t, res.Chunks, svc.GetStats().Files[0].Chunks)

	hits := svc.store.Search(make([]float32, 128), 1000)
	require.Len(t, hits, res.Chunks)
	seen := map[int]bool{}
	for _, h := range hits {
		require.Equal(t, res.Chunks, h.Entry.Metadata.TotalChunks)
		require.LessOrEqual(t, len([]rune(h.Entry.Text)), 120)
		seen[h.Entry.Metadata.ChunkIndex] = true
	}
	require.Len(t, seen, res.Chunks)
}

func TestMemoryAtomicity(t *testing.T) {
	env := newEnv(t)
	env.settings = config.StaticSettings{ChunkSize: 30, ChunkOverlap: 5, TopK: 10, MinSimilarity: 0}
	env.write(t, "memories.json", `{"memories":[
		{"id":"m1","title":"Vet visit","date":"2024-05-01","tags":["pets"],"content":"Rex sees the vet every Friday afternoon at the clinic on Main Street."},
		{"id":"m2","title":"Birthday","date":"2024-03-03","tags":["family"],"content":"Mom's birthday is March third and she loves tulips."},
		{"id":"m3","title":"Coffee","date":"2024-01-10","tags":["food","morning"],"content":"I take my coffee black with no sugar."}
	]}`)
	svc := env.start(t)
	require.Equal(t, 3, svc.store.CountByKey("memories.json"))

	results, err := svc.Search(context.Background(), "when does Rex see the vet", ptr(-1))
	require.NoError(t, err)
	require.Len(t, results, 3)
	titles := map[string]bool{}
	for _, r := range results {
		require.Equal(t, "memory", r.Metadata.Type)
		titles[r.Metadata.Extra["title"].(string)] = true
		if r.Metadata.Extra["memoryId"] == "m1" {
			require.Contains(t, r.Content, "Main Street")
			require.Equal(t, "2024-05-01", r.Metadata.Extra["date"])
		}
	}
	require.Len(t, titles, 3)
}

func TestIndexFileErrors(t *testing.T) {
	env := newEnv(t)
	svc := env.start(t)
	_, err := svc.IndexFile(context.Background(), env.write(t, "photo.png", "x"))
	require.ErrorIs(t, err, appErr.ErrUnsupportedType)
	_, err = svc.IndexFile(context.Background(), filepath.Join(env.kbDir, "missing.txt"))
	require.ErrorIs(t, err, appErr.ErrNotFound)
	_, err = svc.IndexFile(context.Background(), env.write(t, "bad.json", "{oops"))
	require.ErrorIs(t, err, appErr.ErrExtraction)
	_, ok := svc.tracker.Get("bad.json")
	require.False(t, ok)
}

func TestIndexFileRejectsPathOutsideKnowledgeDir(t *testing.T) {
	env := newEnv(t)
	env.write(t, "notes.txt", "inside the knowledge base")
	svc := env.start(t)

	outside := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(outside, []byte("a different file with the same name"), 0o644))
	_, err := svc.IndexFile(context.Background(), outside)
	require.ErrorIs(t, err, appErr.ErrInvalid)
	require.ErrorIs(t, svc.RemoveFile(context.Background(), outside), appErr.ErrInvalid)

	rec, ok := svc.tracker.Get("notes.txt")
	require.True(t, ok)
	require.Equal(t, 1, rec.Chunks)
	require.Equal(t, 1, svc.store.CountByKey("notes.txt"))
}

func TestRemoveFileWithRelativeKnowledgeDir(t *testing.T) {
	env := newEnv(t)
	t.Chdir(filepath.Dir(env.kbDir))
	env.kbDir = "kb"
	env.write(t, "notes.txt", "The wifi password is hunter2.")
	env.write(t, "sub/plan.md", "# Plan\n\nwater the plants")
	svc := env.start(t)
	require.Equal(t, 2, svc.GetStats().TotalFiles)

	require.NoError(t, os.Remove(filepath.Join("kb", "notes.txt")))
	require.NoError(t, svc.RemoveFile(context.Background(), filepath.Join("kb", "notes.txt")))
	require.NoError(t, svc.RemoveFile(context.Background(), "sub/plan.md"))

	_, ok := svc.tracker.Get("notes.txt")
	require.False(t, ok)
	require.Empty(t, svc.store.Keys())
	require.Equal(t, 0, svc.GetStats().TotalFiles)
}

func TestFailedIndexLeavesTrackerUntouched(t *testing.T) {
	env := newEnv(t)
	p := env.write(t, "notes.txt", "first version")
	svc := env.start(t)
	before, _ := svc.tracker.Get("notes.txt")

	require.NoError(t, os.WriteFile(p, []byte("second version"), 0o644))
	env.embedder.fail.Store(true)
	_, err := svc.IndexFile(context.Background(), p)
	require.Error(t, err)
	after, _ := svc.tracker.Get("notes.txt")
	require.Equal(t, before, after)
	require.Equal(t, 1, svc.store.CountByKey("notes.txt"))

	env.embedder.fail.Store(false)
	res, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Indexed)
}

func TestRemoveThenRebuild(t *testing.T) {
	env := newEnv(t)
	p := env.write(t, "notes.txt", "The wifi password is hunter2.")
	env.write(t, "other.txt", "The garage code is 4321.")
	svc := env.start(t)

	require.NoError(t, svc.RemoveFile(context.Background(), "notes.txt"))
	results, err := svc.Search(context.Background(), "wifi password", ptr(-1))
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, "notes.txt", r.Source)
	}
	require.ErrorIs(t, svc.RemoveFile(context.Background(), "notes.txt"), appErr.ErrNotFound)

	require.NoError(t, os.Remove(p))
	res, err := svc.Rebuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Files)
	_, ok := svc.tracker.Get("notes.txt")
	require.False(t, ok)
	require.Equal(t, []string{"other.txt"}, svc.store.Keys())
}

func TestRebuildDropsMissingFiles(t *testing.T) {
	env := newEnv(t)
	p := env.write(t, "gone.txt", "temporary")
	env.write(t, "kept.txt", "permanent")
	svc := env.start(t)
	require.NoError(t, os.Remove(p))

	rec, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Zero(t, rec.Purged, "tracked files missing from disk survive reconciliation")
	_, ok := svc.tracker.Get("gone.txt")
	require.True(t, ok)

	res, err := svc.Rebuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Dropped)
	require.Equal(t, 1, res.Files)
	require.Equal(t, []string{"kept.txt"}, svc.tracker.Keys())
}

func TestThresholdMonotonicity(t *testing.T) {
	env := newEnv(t)
	env.settings = config.StaticSettings{ChunkSize: 1000, ChunkOverlap: 0, TopK: 10, MinSimilarity: 0}
	env.write(t, "a.txt", "The wifi password is hunter2.")
	env.write(t, "b.txt", "Wifi router is in the hallway closet.")
	env.write(t, "c.txt", "Lasagna needs ricotta.")
	svc := env.start(t)

	low, err := svc.Search(context.Background(), "wifi password", ptr(0))
	require.NoError(t, err)
	high, err := svc.Search(context.Background(), "wifi password", ptr(0.3))
	require.NoError(t, err)
	require.LessOrEqual(t, len(high), len(low))
	lowSet := map[string]bool{}
	for _, r := range low {
		lowSet[r.Content] = true
	}
	for _, r := range high {
		require.True(t, lowSet[r.Content])
		require.GreaterOrEqual(t, r.Score, 0.3)
	}
	for i := 1; i < len(low); i++ {
		require.GreaterOrEqual(t, low[i-1].Score, low[i].Score)
	}

	_, err = svc.Search(context.Background(), "   ", nil)
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestRoundTripPersistence(t *testing.T) {
	env := newEnv(t)
	env.write(t, "a.txt", "alpha")
	env.write(t, "docs/b.md", "# Beta\n\nbeta body")
	first := env.service(t)
	require.NoError(t, first.Initialize(context.Background()))
	before := first.GetStats()
	require.NoError(t, first.Close())

	calls := env.embedder.calls.Load()
	second := env.start(t)
	after := second.GetStats()
	require.Equal(t, calls, env.embedder.calls.Load(), "reload must not reindex")
	require.Equal(t, before.TotalChunks, after.TotalChunks)
	require.Equal(t, before.TotalFiles, after.TotalFiles)
	require.Equal(t, before.ChunkSize, after.ChunkSize)
	require.Equal(t, before.ChunkOverlap, after.ChunkOverlap)
	require.Len(t, after.Files, len(before.Files))
	for i := range before.Files {
		require.Equal(t, before.Files[i].Name, after.Files[i].Name)
		require.Equal(t, before.Files[i].Chunks, after.Files[i].Chunks)
	}
}

func TestCorruptStoreTriggersRebuild(t *testing.T) {
	env := newEnv(t)
	env.write(t, "notes.txt", "The wifi password is hunter2.")
	first := env.service(t)
	require.NoError(t, first.Initialize(context.Background()))
	require.NoError(t, first.Close())

	storeFile := filepath.Join(env.dataDir, "vectorstore", vectorstore.FileName)
	require.NoError(t, os.WriteFile(storeFile, []byte("definitely not bolt"), 0o600))

	svc := env.start(t)
	results, err := svc.Search(context.Background(), "wifi password", ptr(0))
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "notes.txt", results[0].Source)
}

func TestReconcileRecoversMissingVectors(t *testing.T) {
	env := newEnv(t)
	env.write(t, "notes.txt", "The wifi password is hunter2.")
	svc := env.start(t)
	svc.store.DeleteByKey("notes.txt")
	require.NoError(t, svc.store.Save())

	res, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Recovered)
	require.Equal(t, 1, svc.store.CountByKey("notes.txt"))
}

func TestReconcilePurgesOrphans(t *testing.T) {
	env := newEnv(t)
	p := env.write(t, "orphan.txt", "nobody tracks me")
	svc := env.start(t)
	svc.tracker.Delete("orphan.txt")
	require.NoError(t, svc.tracker.Save())
	require.NoError(t, os.Remove(p))

	res, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Purged)
	require.Zero(t, svc.store.Len())
}

func TestReconcileSkipsHiddenAndExcluded(t *testing.T) {
	env := newEnv(t)
	env.exclude = []string{"drafts/**", "*.csv"}
	env.write(t, "visible.txt", "visible")
	env.write(t, ".hidden.txt", "hidden")
	env.write(t, ".git/config.txt", "git")
	env.write(t, "drafts/wip.txt", "draft")
	env.write(t, "data/table.csv", "a,b\n1,2")
	env.write(t, "image.png", "png")
	svc := env.start(t)
	require.Equal(t, []string{"visible.txt"}, svc.tracker.Keys())
}

func TestIndexURLLifecycle(t *testing.T) {
	env := newEnv(t)
	svc := env.start(t)
	ctx := context.Background()
	u := "https://example.com/articles/42"
	env.fetcher.set(u, &extract.FetchResult{
		URL:         u,
		Title:       "Tomato care",
		Content:     "Water tomatoes twice a week and mulch the beds.",
		ContentType: "text/html",
		FetchedAt:   time.Now().UTC(),
		Metadata:    map[string]interface{}{"description": "garden tips"},
	})

	res, err := svc.IndexURL(ctx, u)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, URLKey(u), res.Key)
	require.Len(t, res.Key, len("url_")+16)
	require.Equal(t, "Tomato care", res.Title)
	require.Equal(t, 1, res.Chunks)

	again, err := svc.IndexURL(ctx, u)
	require.ErrorIs(t, err, appErr.ErrAlreadyIndexed)
	require.False(t, again.Success)
	require.True(t, again.Existing)
	require.Equal(t, 1, svc.store.CountByKey(res.Key))

	results, err := svc.Search(ctx, "how often to water tomatoes", ptr(0))
	require.NoError(t, err)
	require.Equal(t, u, results[0].Source)
	require.Equal(t, "url", results[0].Metadata.Type)
	require.Equal(t, "Tomato care", results[0].Metadata.Title)

	urls := svc.GetIndexedURLs()
	require.Len(t, urls, 1)
	require.Equal(t, u, urls[0].URL)
	key, _, ok := svc.FindURL(" " + u + " ")
	require.True(t, ok)
	require.Equal(t, res.Key, key)
	require.Equal(t, 1, svc.GetStats().TotalURLs)

	removed, err := svc.RemoveURL(ctx, res.Key)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = svc.RemoveURL(ctx, res.Key)
	require.NoError(t, err)
	require.False(t, removed)
	require.Zero(t, svc.store.Len())
}

func TestIndexURLRejectsBeforeFetching(t *testing.T) {
	env := newEnv(t)
	svc := env.start(t)
	for _, u := range []string{"not a url", "ftp://example.com/x", "https://example.com", "https://www.google.com/search?q=x"} {
		res, err := svc.IndexURL(context.Background(), u)
		require.Error(t, err)
		require.True(t, appErr.IsURLRejected(err), u)
		require.False(t, res.Success)
	}
	require.Zero(t, env.fetcher.calls)

	_, err := svc.IndexURL(context.Background(), "https://example.com/missing")
	require.ErrorIs(t, err, appErr.ErrExtraction)
	require.Empty(t, svc.GetIndexedURLs())
}

func TestRebuildRetriesFailedURLOnReconcile(t *testing.T) {
	env := newEnv(t)
	svc := env.start(t)
	u := "https://example.com/page"
	page := &extract.FetchResult{URL: u, Title: "Page", Content: "page body text", ContentType: "text/plain", FetchedAt: time.Now()}
	env.fetcher.set(u, page)
	res, err := svc.IndexURL(context.Background(), u)
	require.NoError(t, err)

	env.fetcher.set(u, nil)
	rb, err := svc.Rebuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rb.Failed)
	rec, ok := svc.tracker.Get(res.Key)
	require.True(t, ok)
	require.Zero(t, rec.Chunks)
	require.Zero(t, svc.store.CountByKey(res.Key))

	env.fetcher.set(u, page)
	rc, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rc.Recovered)
	require.Equal(t, 1, svc.store.CountByKey(res.Key))
}

func TestSnapshot(t *testing.T) {
	env := newEnv(t)
	env.write(t, "notes.txt", "The wifi password is hunter2.")
	svc := env.start(t)
	var index, records bytes.Buffer
	require.NoError(t, svc.Snapshot(context.Background(), &index, &records))
	require.NotZero(t, index.Len())
	require.Contains(t, records.String(), `"notes.txt"`)
}

func TestConcurrentIndexAndSearch(t *testing.T) {
	env := newEnv(t)
	svc := env.start(t)
	var wg sync.WaitGroup
	errCh := make(chan error, 16)
	for i := 0; i < 8; i++ {
		p := env.write(t, fmt.Sprintf("f%d.txt", i), fmt.Sprintf("file number %d about bicycles", i))
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.IndexFile(context.Background(), p)
			errCh <- err
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Search(context.Background(), "bicycles", nil)
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	require.Equal(t, 8, svc.tracker.Len())
	require.Equal(t, 8, svc.store.Len())
}
