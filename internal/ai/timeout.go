package ai

import (
	"context"
	"time"
)

type timeoutEmbedder struct {
	next    IEmbedder
	timeout time.Duration
}

// WithTimeout bounds every Embed call of e. A non-positive timeout returns e unchanged.
func WithTimeout(e IEmbedder, timeout time.Duration) IEmbedder {
	if e == nil || timeout <= 0 {
		return e
	}
	return &timeoutEmbedder{next: e, timeout: timeout}
}

func (t *timeoutEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Embed(ctx, text, taskType)
}

func (t *timeoutEmbedder) ModelName() string {
	return t.next.ModelName()
}
