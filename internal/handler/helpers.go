package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/voicekb/internal/pkg/errcode"
	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
	"github.com/xxxsen/voicekb/internal/pkg/response"
)

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	code, msg := classify(err)
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("code", code),
		zap.Error(err),
	)
	if code == errcode.ErrInternal {
		logger.Error("request failed")
	} else {
		logger.Warn("request rejected")
	}
	response.Error(c, code, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, appErr.ErrNotInitialized):
		return errcode.ErrNotReady, "knowledge base not ready"
	case errors.Is(err, appErr.ErrNotFound):
		return errcode.ErrNotFound, "not found"
	case errors.Is(err, appErr.ErrAlreadyIndexed):
		return errcode.ErrURLExists, "url already indexed"
	case errors.Is(err, appErr.ErrInvalidURL), errors.Is(err, appErr.ErrDisallowedURL):
		return errcode.ErrInvalidURL, err.Error()
	case errors.Is(err, appErr.ErrUnsupportedType):
		return errcode.ErrUnsupportedType, "unsupported file type"
	case errors.Is(err, appErr.ErrExtraction):
		return errcode.ErrExtractionFailed, "content extraction failed"
	case errors.Is(err, appErr.ErrInvalid):
		return errcode.ErrInvalid, "invalid request"
	case errors.Is(err, appErr.ErrConflict):
		return errcode.ErrConflict, "conflict"
	default:
		return errcode.ErrInternal, "internal error"
	}
}
