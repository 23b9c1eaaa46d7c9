package job

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type CodePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// VerificationPurgeJob deletes expired and aged-out verification codes.
type VerificationPurgeJob struct {
	codes CodePurger
}

func NewVerificationPurgeJob(codes CodePurger) *VerificationPurgeJob {
	return &VerificationPurgeJob{codes: codes}
}

func (j *VerificationPurgeJob) Name() string {
	return "verification_purge"
}

func (j *VerificationPurgeJob) Run(ctx context.Context) error {
	if j.codes == nil {
		return nil
	}
	n, err := j.codes.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logutil.GetLogger(ctx).Info("purged verification codes", zap.Int64("count", n))
	}
	return nil
}
