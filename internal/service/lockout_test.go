package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/toolnav/internal/model"
)

func TestLockoutPolicy(t *testing.T) {
	p := NewLockoutPolicy(3, 10*time.Minute)
	now := time.Unix(1000, 0)
	var st model.LoginState

	require.False(t, p.RecordFailure(&st, now))
	require.False(t, p.RecordFailure(&st, now))
	require.False(t, p.IsLocked(st, now))
	require.True(t, p.RecordFailure(&st, now))
	require.True(t, p.IsLocked(st, now))
	require.Equal(t, 10*time.Minute, p.Remaining(st, now))
	require.Equal(t, time.Minute, p.Remaining(st, now.Add(9*time.Minute)))

	// failures while locked never extend the lock
	require.False(t, p.RecordFailure(&st, now.Add(time.Minute)))
	require.Equal(t, now.Add(10*time.Minute).Unix(), st.LockedUntil)

	later := now.Add(10 * time.Minute)
	require.False(t, p.IsLocked(st, later))
	require.Zero(t, p.Remaining(st, later))
	require.False(t, p.RecordFailure(&st, later))
	require.Equal(t, 1, st.FailedCount)
	require.Zero(t, st.LockedUntil)
}

func TestLockoutPolicySuccessResets(t *testing.T) {
	p := NewLockoutPolicy(3, time.Minute)
	now := time.Unix(1000, 0)
	st := model.LoginState{FailedCount: 2}

	p.RecordSuccess(&st, now)
	require.Zero(t, st.FailedCount)
	require.Zero(t, st.LockedUntil)
	require.Equal(t, int64(1000), st.LastLoginAt)
}

func TestNewLockoutPolicyDefaults(t *testing.T) {
	p := NewLockoutPolicy(0, 0)
	require.Equal(t, 5, p.Threshold)
	require.Equal(t, 30*time.Minute, p.Duration)
}
