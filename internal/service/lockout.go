package service

import (
	"time"

	"github.com/xxxsen/toolnav/internal/model"
)

// LockoutPolicy decides when repeated authentication failures lock an
// account. It only mutates the state it is handed; persistence and row
// locking belong to the caller.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

func NewLockoutPolicy(threshold int, duration time.Duration) LockoutPolicy {
	if threshold <= 0 {
		threshold = 5
	}
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	return LockoutPolicy{Threshold: threshold, Duration: duration}
}

func (p LockoutPolicy) IsLocked(st model.LoginState, now time.Time) bool {
	return st.LockedUntil != 0 && now.Unix() < st.LockedUntil
}

// Remaining is zero when the account is not locked.
func (p LockoutPolicy) Remaining(st model.LoginState, now time.Time) time.Duration {
	if !p.IsLocked(st, now) {
		return 0
	}
	return time.Unix(st.LockedUntil, 0).Sub(now)
}

// RecordFailure counts one failure and reports whether this failure locked
// the account. An elapsed lock starts a fresh count.
func (p LockoutPolicy) RecordFailure(st *model.LoginState, now time.Time) bool {
	if st.LockedUntil != 0 && now.Unix() >= st.LockedUntil {
		st.FailedCount = 0
		st.LockedUntil = 0
	}
	st.FailedCount++
	if st.LockedUntil == 0 && st.FailedCount >= p.Threshold {
		st.LockedUntil = now.Add(p.Duration).Unix()
		return true
	}
	return false
}

func (p LockoutPolicy) RecordSuccess(st *model.LoginState, now time.Time) {
	st.FailedCount = 0
	st.LockedUntil = 0
	st.LastLoginAt = now.Unix()
}
