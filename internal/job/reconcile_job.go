package job

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/voicekb/internal/rag"
)

type Reconciler interface {
	Reconcile(ctx context.Context) (*rag.ReconcileResult, error)
}

// ReconcileJob catches changes the watcher missed, such as edits made while the
// process was down or on filesystems without change notifications.
type ReconcileJob struct {
	kb Reconciler
}

func NewReconcileJob(kb Reconciler) *ReconcileJob {
	return &ReconcileJob{kb: kb}
}

func (j *ReconcileJob) Name() string {
	return "kb_reconcile"
}

func (j *ReconcileJob) Run(ctx context.Context) error {
	if j.kb == nil {
		return nil
	}
	res, err := j.kb.Reconcile(ctx)
	if err != nil {
		return err
	}
	logutil.GetLogger(ctx).Info("reconcile summary",
		zap.Int("scanned", res.Scanned), zap.Int("indexed", res.Indexed), zap.Int("touched", res.Touched),
		zap.Int("recovered", res.Recovered), zap.Int("purged", res.Purged), zap.Int("failed", res.Failed))
	return nil
}
