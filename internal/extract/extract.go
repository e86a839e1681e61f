// Package extract turns knowledge-base files and web pages into plain text or
// pre-cut sections. Extractors never touch the vector store or the tracker.
package extract

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Content is the result of one extraction. When Sections is non-empty the sections
// are indexed as-is and Text is ignored; otherwise Text goes through the chunker.
type Content struct {
	Text     string
	Sections []Section
	// Type overrides the chunk type recorded in metadata (e.g. "memory").
	Type     string
	Metadata map[string]interface{}
}

type Section struct {
	Text     string
	Metadata map[string]interface{}
}

type Extractor interface {
	Extract(ctx context.Context, path string) (*Content, error)
}

type ExtractorFunc func(ctx context.Context, path string) (*Content, error)

func (f ExtractorFunc) Extract(ctx context.Context, path string) (*Content, error) {
	return f(ctx, path)
}

// Registry maps lower-case file extensions (with the leading dot) to extractors.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

// NewDefaultRegistry returns a registry with every built-in format registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(".txt", ExtractorFunc(extractText))
	r.Register(".md", ExtractorFunc(extractMarkdown))
	r.Register(".markdown", ExtractorFunc(extractMarkdown))
	r.Register(".json", ExtractorFunc(extractJSON))
	r.Register(".pdf", ExtractorFunc(extractPDF))
	r.Register(".docx", ExtractorFunc(extractDOCX))
	r.Register(".csv", ExtractorFunc(extractCSV))
	r.Register(".xlsx", ExtractorFunc(extractXLSX))
	return r
}

func (r *Registry) Register(ext string, e Extractor) {
	key := normalizeExt(ext)
	if key == "" || e == nil {
		return
	}
	r.mu.Lock()
	r.extractors[key] = e
	r.mu.Unlock()
}

// Lookup returns the extractor for path's extension.
func (r *Registry) Lookup(path string) (Extractor, bool) {
	key := normalizeExt(filepath.Ext(path))
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[key]
	return e, ok
}

func (r *Registry) Supported(path string) bool {
	_, ok := r.Lookup(path)
	return ok
}

func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.extractors))
	for ext := range r.extractors {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// TypeOf is the chunk type recorded for a file: its extension without the dot.
func TypeOf(path string) string {
	return strings.TrimPrefix(normalizeExt(filepath.Ext(path)), ".")
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
