package job

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	n   int64
	err error
}

func (f *fakeRunner) PurgeExpired(ctx context.Context) (int64, error)  { return f.n, f.err }
func (f *fakeRunner) SettleExpired(ctx context.Context) (int64, error) { return f.n, f.err }

func TestVerificationPurgeJob(t *testing.T) {
	j := NewVerificationPurgeJob(&fakeRunner{n: 3})
	require.Equal(t, "verification_purge", j.Name())
	require.NoError(t, j.Run(context.Background()))

	j = NewVerificationPurgeJob(&fakeRunner{err: errors.New("db down")})
	require.Error(t, j.Run(context.Background()))
	require.NoError(t, NewVerificationPurgeJob(nil).Run(context.Background()))
}

func TestEmailChangeSettleJob(t *testing.T) {
	j := NewEmailChangeSettleJob(&fakeRunner{n: 1})
	require.Equal(t, "email_change_settle", j.Name())
	require.NoError(t, j.Run(context.Background()))

	j = NewEmailChangeSettleJob(&fakeRunner{err: errors.New("db down")})
	require.Error(t, j.Run(context.Background()))
}
