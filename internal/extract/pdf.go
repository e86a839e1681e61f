package extract

import (
	"context"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"

	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
)

func extractPDF(_ context.Context, path string) (out *Content, err error) {
	// the parser panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: parse pdf %s: %v", appErr.ErrExtraction, path, r)
		}
	}()
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open pdf %s: %w", appErr.ErrExtraction, path, err)
	}
	defer f.Close()
	rd, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("%w: read pdf text %s: %w", appErr.ErrExtraction, path, err)
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("%w: read pdf text %s: %w", appErr.ErrExtraction, path, err)
	}
	return &Content{
		Text:     string(data),
		Metadata: map[string]interface{}{"pages": r.NumPage()},
	}, nil
}
