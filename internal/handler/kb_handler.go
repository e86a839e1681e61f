package handler

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
	"github.com/xxxsen/voicekb/internal/pkg/response"
	"github.com/xxxsen/voicekb/internal/rag"
)

// KnowledgeBase is the part of the indexing service exposed over HTTP.
type KnowledgeBase interface {
	GetStats() rag.Stats
	IndexFile(ctx context.Context, path string) (*rag.IndexResult, error)
	RemoveFile(ctx context.Context, name string) error
	IndexURL(ctx context.Context, rawURL string) (*rag.URLResult, error)
	RemoveURL(ctx context.Context, key string) (bool, error)
	GetIndexedURLs() []rag.URLInfo
	Search(ctx context.Context, query string, minSimilarity *float64) ([]rag.SearchResult, error)
	Rebuild(ctx context.Context) (*rag.RebuildResult, error)
	KnowledgeDir() string
	Filter() *rag.FileFilter
}

type KBHandler struct {
	kb             KnowledgeBase
	uploadMaxBytes int64
}

func NewKBHandler(kb KnowledgeBase, uploadMaxBytes int64) *KBHandler {
	return &KBHandler{kb: kb, uploadMaxBytes: uploadMaxBytes}
}

func (h *KBHandler) Stats(c *gin.Context) {
	response.Success(c, h.kb.GetStats())
}

func (h *KBHandler) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		handleError(c, appErr.ErrInvalid)
		return
	}
	var threshold *float64
	if raw := c.Query("min_similarity"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			handleError(c, appErr.ErrInvalid)
			return
		}
		threshold = &v
	}
	results, err := h.kb.Search(c.Request.Context(), query, threshold)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, response.NewList(results))
}

func (h *KBHandler) Rebuild(c *gin.Context) {
	res, err := h.kb.Rebuild(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}
