package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/voicekb/internal/filestore"
)

const (
	indexBackupPrefix   = "voicekb-index-"
	trackerBackupPrefix = "voicekb-tracker-"
)

type Snapshotter interface {
	Snapshot(ctx context.Context, index io.Writer, records io.Writer) error
}

// BackupJob copies the vector store and the tracker to a file store.
type BackupJob struct {
	kb    Snapshotter
	store filestore.Store
	keep  int
	now   func() time.Time
}

func NewBackupJob(kb Snapshotter, store filestore.Store, keep int) *BackupJob {
	return &BackupJob{kb: kb, store: store, keep: keep, now: time.Now}
}

func (j *BackupJob) Name() string {
	return "kb_backup"
}

func (j *BackupJob) Run(ctx context.Context) error {
	if j.kb == nil || j.store == nil {
		return nil
	}
	indexFile, err := os.CreateTemp("", "voicekb-index-*.db")
	if err != nil {
		return err
	}
	defer os.Remove(indexFile.Name())
	defer indexFile.Close()
	trackerFile, err := os.CreateTemp("", "voicekb-tracker-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(trackerFile.Name())
	defer trackerFile.Close()

	if err := j.kb.Snapshot(ctx, indexFile, trackerFile); err != nil {
		return err
	}
	ts := j.now().UTC().Format("20060102T150405Z")
	uploads := []struct {
		key  string
		file *os.File
	}{
		{indexBackupPrefix + ts + ".db", indexFile},
		{trackerBackupPrefix + ts + ".json", trackerFile},
	}
	logger := logutil.GetLogger(ctx).With(zap.String("store", j.store.Type()))
	for _, u := range uploads {
		size, err := u.file.Seek(0, io.SeekEnd)
		if err != nil {
			return err
		}
		if _, err := u.file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err := j.store.Save(ctx, u.key, u.file, size); err != nil {
			return fmt.Errorf("upload %s: %w", u.key, err)
		}
		logger.Info("backup uploaded", zap.String("key", u.key), zap.Int64("size", size))
	}
	if pruner, ok := j.store.(filestore.Pruner); ok && j.keep > 0 {
		for _, prefix := range []string{indexBackupPrefix, trackerBackupPrefix} {
			n, err := pruner.Prune(ctx, prefix, j.keep)
			if err != nil {
				logger.Warn("prune old backups failed", zap.String("prefix", prefix), zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("old backups pruned", zap.String("prefix", prefix), zap.Int("removed", n))
			}
		}
	}
	return nil
}
