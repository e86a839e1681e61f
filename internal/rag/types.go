package rag

import (
	"time"

	"github.com/xxxsen/voicekb/internal/vectorstore"
)

type IndexResult struct {
	Key    string `json:"key"`
	Type   string `json:"type"`
	Chunks int    `json:"chunks"`
}

type URLResult struct {
	Success  bool   `json:"success"`
	Existing bool   `json:"existing,omitempty"`
	URL      string `json:"url"`
	Key      string `json:"key,omitempty"`
	Title    string `json:"title,omitempty"`
	Chunks   int    `json:"chunks"`
}

type URLInfo struct {
	Key         string     `json:"key"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Chunks      int        `json:"chunks"`
	ContentType string     `json:"contentType,omitempty"`
	IndexedAt   time.Time  `json:"indexedAt"`
	FetchedAt   *time.Time `json:"fetchedAt,omitempty"`
}

type SearchResult struct {
	Content  string               `json:"content"`
	Metadata vectorstore.Metadata `json:"metadata"`
	Score    float64              `json:"score"`
	Source   string               `json:"source"`
}

type FileStat struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Chunks    int       `json:"chunks"`
	Size      int64     `json:"size"`
	IndexedAt time.Time `json:"indexedAt"`
}

type Stats struct {
	Initialized  bool       `json:"initialized"`
	Model        string     `json:"model"`
	Dimension    int        `json:"dimension"`
	TotalFiles   int        `json:"totalFiles"`
	TotalURLs    int        `json:"totalUrls"`
	TotalChunks  int        `json:"totalChunks"`
	ChunkSize    int        `json:"chunkSize"`
	ChunkOverlap int        `json:"chunkOverlap"`
	Files        []FileStat `json:"files"`
}

type ReconcileResult struct {
	Scanned   int `json:"scanned"`
	Indexed   int `json:"indexed"`
	Touched   int `json:"touched"`
	Recovered int `json:"recovered"`
	Purged    int `json:"purged"`
	Failed    int `json:"failed"`
}

type RebuildResult struct {
	Files   int `json:"files"`
	URLs    int `json:"urls"`
	Dropped int `json:"dropped"`
	Failed  int `json:"failed"`
	Chunks  int `json:"chunks"`
}
