package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/voicekb/internal/pkg/errcode"
	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
	"github.com/xxxsen/voicekb/internal/pkg/response"
)

func (h *KBHandler) ListFiles(c *gin.Context) {
	response.Success(c, response.NewList(h.kb.GetStats().Files))
}

// Upload stores a multipart file in the knowledge-base directory and indexes it
// right away instead of waiting for the watcher.
func (h *KBHandler) Upload(c *gin.Context) {
	if h.uploadMaxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.uploadMaxBytes)
	}
	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.Error(c, errcode.ErrInvalidFile, "file exceeds "+formatUploadLimit(h.uploadMaxBytes))
			return
		}
		response.Error(c, errcode.ErrInvalidFile, "file is required")
		return
	}
	name := filepath.Base(filepath.Clean(file.Filename))
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		response.Error(c, errcode.ErrInvalidFile, "invalid file name")
		return
	}
	if !h.kb.Filter().ShouldIndex(name) {
		handleError(c, fmt.Errorf("%w: %s", appErr.ErrUnsupportedType, name))
		return
	}
	opened, err := file.Open()
	if err != nil {
		response.Error(c, errcode.ErrInvalidFile, "failed to open file")
		return
	}
	defer opened.Close()

	dst := filepath.Join(h.kb.KnowledgeDir(), name)
	if err := writeFileAtomic(dst, opened); err != nil {
		handleError(c, err)
		return
	}
	logutil.GetLogger(c.Request.Context()).Info("file uploaded",
		zap.String("file", name), zap.Int64("size", file.Size))
	res, err := h.kb.IndexFile(c.Request.Context(), dst)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

// DeleteFile removes a file from the knowledge-base directory and drops its vectors.
func (h *KBHandler) DeleteFile(c *gin.Context) {
	key, ok := cleanKey(c.Param("name"))
	if !ok {
		handleError(c, appErr.ErrInvalid)
		return
	}
	onDisk := filepath.Join(h.kb.KnowledgeDir(), filepath.FromSlash(key))
	removed := false
	if err := os.Remove(onDisk); err == nil {
		removed = true
	} else if !os.IsNotExist(err) {
		handleError(c, err)
		return
	}
	err := h.kb.RemoveFile(c.Request.Context(), key)
	if err != nil && !(removed && appErr.IsNotFound(err)) {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"name": key, "deleted": true})
}

// cleanKey roots raw before cleaning so ".." can never climb out of the knowledge-base directory.
func cleanKey(raw string) (string, bool) {
	key := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(raw)), "/")
	if key == "" {
		return "", false
	}
	return key, true
}

func writeFileAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
