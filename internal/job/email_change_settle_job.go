package job

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type ChangeSettler interface {
	SettleExpired(ctx context.Context) (int64, error)
}

// EmailChangeSettleJob confirms email changes whose revocation window has
// closed. Lookups settle lazily as well; this keeps the table tidy for
// records nobody reads.
type EmailChangeSettleJob struct {
	changes ChangeSettler
}

func NewEmailChangeSettleJob(changes ChangeSettler) *EmailChangeSettleJob {
	return &EmailChangeSettleJob{changes: changes}
}

func (j *EmailChangeSettleJob) Name() string {
	return "email_change_settle"
}

func (j *EmailChangeSettleJob) Run(ctx context.Context) error {
	if j.changes == nil {
		return nil
	}
	n, err := j.changes.SettleExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logutil.GetLogger(ctx).Info("settled email changes", zap.Int64("count", n))
	}
	return nil
}
