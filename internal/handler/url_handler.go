package handler

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/voicekb/internal/pkg/errcode"
	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
	"github.com/xxxsen/voicekb/internal/pkg/response"
)

type indexURLRequest struct {
	URL string `json:"url"`
}

func (h *KBHandler) ListURLs(c *gin.Context) {
	response.Success(c, response.NewList(h.kb.GetIndexedURLs()))
}

func (h *KBHandler) IndexURL(c *gin.Context) {
	var req indexURLRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		handleError(c, appErr.ErrInvalid)
		return
	}
	res, err := h.kb.IndexURL(c.Request.Context(), req.URL)
	if errors.Is(err, appErr.ErrAlreadyIndexed) {
		response.Error(c, errcode.ErrURLExists, "url already indexed: "+res.Key)
		return
	}
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *KBHandler) DeleteURL(c *gin.Context) {
	key := c.Param("key")
	ok, err := h.kb.RemoveURL(c.Request.Context(), key)
	if err != nil {
		handleError(c, err)
		return
	}
	if !ok {
		handleError(c, appErr.ErrNotFound)
		return
	}
	response.Success(c, gin.H{"key": key, "deleted": true})
}
