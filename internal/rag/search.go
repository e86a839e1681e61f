package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/voicekb/internal/ai"
	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
)

// Search embeds query and returns up to top_k chunks scoring at least the
// threshold. minSimilarity overrides the configured threshold when set.
func (s *Service) Search(ctx context.Context, query string, minSimilarity *float64) ([]SearchResult, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", appErr.ErrInvalid)
	}
	settings := s.settings.Settings()
	threshold := settings.MinSimilarity
	if minSimilarity != nil {
		threshold = *minSimilarity
	}
	vec, err := s.embedder.Embed(ctx, query, ai.TaskRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits := s.store.Search(vec, settings.TopK)
	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		if h.Score < threshold {
			continue
		}
		source := h.Entry.Metadata.Source
		if h.Entry.Metadata.URL != "" {
			source = h.Entry.Metadata.URL
		}
		out = append(out, SearchResult{
			Content:  h.Entry.Text,
			Metadata: h.Entry.Metadata,
			Score:    h.Score,
			Source:   source,
		})
	}
	return out, nil
}
