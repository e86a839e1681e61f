package rag

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/xxxsen/voicekb/internal/extract"
)

// FileFilter decides which files under the knowledge-base directory get indexed.
type FileFilter struct {
	root     string
	registry *extract.Registry
	exclude  []string
}

func NewFileFilter(root string, registry *extract.Registry, exclude []string) (*FileFilter, error) {
	for _, p := range exclude {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern: %q", p)
		}
	}
	return &FileFilter{root: root, registry: registry, exclude: exclude}, nil
}

// ShouldIndex reports whether the file at relPath (slash separated, relative to
// the root) is a supported, visible and non-excluded file.
func (f *FileFilter) ShouldIndex(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	if isHidden(relPath) {
		return false
	}
	if !f.registry.Supported(relPath) {
		return false
	}
	return !f.Excluded(relPath)
}

func (f *FileFilter) Excluded(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	base := path.Base(relPath)
	for _, pattern := range f.exclude {
		if matched, _ := doublestar.Match(pattern, relPath); matched {
			return true
		}
		if matched, _ := doublestar.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// SkipDir reports whether a directory should not be walked or watched.
func (f *FileFilter) SkipDir(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	if relPath == "." || relPath == "" {
		return false
	}
	return isHidden(relPath) || f.Excluded(relPath)
}

// RelPath maps a path to its key relative to the root. Files outside the
// root are keyed by their base name; callers that must not accept them check
// Contains first.
func (f *FileFilter) RelPath(p string) string {
	if rel, ok := f.rel(p); ok {
		return rel
	}
	return filepath.Base(p)
}

// Contains reports whether p, absolute or relative to the working directory,
// lies below the root.
func (f *FileFilter) Contains(p string) bool {
	_, ok := f.rel(p)
	return ok
}

func (f *FileFilter) rel(p string) (string, bool) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	rootAbs, err := filepath.Abs(f.root)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func isHidden(relPath string) bool {
	for _, part := range strings.Split(relPath, "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}
