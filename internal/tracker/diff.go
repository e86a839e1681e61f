package tracker

import (
	"fmt"
	"os"
)

type ChangeKind int

const (
	ChangeUnchanged ChangeKind = iota
	ChangeNew
	ChangeModified
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNew:
		return "new"
	case ChangeModified:
		return "modified"
	default:
		return "unchanged"
	}
}

// FileState is the live state of one file on disk. ModTime is in unix milliseconds.
type FileState struct {
	Key     string
	Path    string
	Hash    string
	ModTime int64
	Size    int64
}

type Change struct {
	FileState
	Kind ChangeKind
	// Touched marks an unchanged file whose mtime drifted from the stored one.
	Touched bool
}

// StatFile hashes and stats path for comparison under key.
func StatFile(key, path string) (FileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileState{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return FileState{}, fmt.Errorf("stat %s: is a directory", path)
	}
	hash, err := HashFile(path)
	if err != nil {
		return FileState{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return FileState{
		Key:     key,
		Path:    path,
		Hash:    hash,
		ModTime: info.ModTime().UnixMilli(),
		Size:    info.Size(),
	}, nil
}

// Diff classifies each live file against its stored record. The content hash
// decides modification; an mtime change alone only sets Touched.
func (t *Tracker) Diff(states []FileState) []Change {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Change, 0, len(states))
	for _, st := range states {
		rec, ok := t.records[st.Key]
		switch {
		case !ok:
			out = append(out, Change{FileState: st, Kind: ChangeNew})
		case rec.Hash != st.Hash:
			out = append(out, Change{FileState: st, Kind: ChangeModified})
		default:
			out = append(out, Change{FileState: st, Kind: ChangeUnchanged, Touched: rec.LastModified != st.ModTime})
		}
	}
	return out
}
