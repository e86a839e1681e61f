package rag

import (
	"context"
	"fmt"
	"io"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Snapshot writes a consistent copy of the vector store file and the tracker
// JSON while holding the mutation lock.
func (s *Service) Snapshot(ctx context.Context, index io.Writer, records io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return err
	}
	n, err := s.store.Backup(index)
	if err != nil {
		return fmt.Errorf("snapshot vector store: %w", err)
	}
	m, err := s.tracker.WriteTo(records)
	if err != nil {
		return fmt.Errorf("snapshot tracker: %w", err)
	}
	logutil.GetLogger(ctx).Debug("snapshot taken", zap.Int64("index_bytes", n), zap.Int64("tracker_bytes", m))
	return nil
}
