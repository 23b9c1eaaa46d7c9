package service

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/toolnav/internal/cooldown"
	"github.com/xxxsen/toolnav/internal/model"
	"github.com/xxxsen/toolnav/internal/pkg/timeutil"
	"github.com/xxxsen/toolnav/internal/repo"
)

type ThrottleDecision struct {
	Allowed          bool  `json:"allowed"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

// SendThrottle enforces the resend cooldown per (email, purpose). The send
// history in CodeStore is authoritative; the cache only short-circuits
// obvious repeats.
type SendThrottle struct {
	codes    CodeStore
	cache    cooldown.Cache
	clock    timeutil.Clock
	cooldown time.Duration
}

func NewSendThrottle(codes CodeStore, cache cooldown.Cache, clock timeutil.Clock, cooldown time.Duration) *SendThrottle {
	return &SendThrottle{codes: codes, cache: cache, clock: clock, cooldown: cooldown}
}

func throttleKey(email string, purpose model.Purpose) string {
	return string(purpose) + ":" + email
}

func (t *SendThrottle) CheckLimit(ctx context.Context, email string, purpose model.Purpose) (ThrottleDecision, error) {
	if t.cooldown <= 0 {
		return ThrottleDecision{Allowed: true}, nil
	}
	if t.cache != nil {
		left, err := t.cache.Remaining(ctx, throttleKey(email, purpose))
		if err != nil {
			logutil.GetLogger(ctx).Warn("cooldown cache lookup failed", zap.Error(err))
		} else if left > 0 {
			return ThrottleDecision{RemainingSeconds: timeutil.CeilSeconds(left)}, nil
		}
	}
	last, err := t.codes.LastSendAt(ctx, email, string(purpose))
	if err != nil {
		return ThrottleDecision{}, err
	}
	return t.decide(last), nil
}

// checkLocked repeats the authoritative check inside the issuance
// transaction, where no other send for the pair can interleave.
func (t *SendThrottle) checkLocked(ctx context.Context, w repo.CodeWriter, email string, purpose model.Purpose) (ThrottleDecision, error) {
	if t.cooldown <= 0 {
		return ThrottleDecision{Allowed: true}, nil
	}
	last, err := w.LastSendAt(ctx, email, string(purpose))
	if err != nil {
		return ThrottleDecision{}, err
	}
	return t.decide(last), nil
}

func (t *SendThrottle) decide(last int64) ThrottleDecision {
	if last <= 0 {
		return ThrottleDecision{Allowed: true}
	}
	now := t.clock.Now()
	deadline := time.Unix(last, 0).Add(t.cooldown)
	if !now.Before(deadline) {
		return ThrottleDecision{Allowed: true}
	}
	return ThrottleDecision{RemainingSeconds: timeutil.CeilSeconds(deadline.Sub(now))}
}

// RecordSend stamps the send time on the issued record.
func (t *SendThrottle) RecordSend(ctx context.Context, w repo.CodeWriter, codeID string, now time.Time) error {
	return w.RecordSend(ctx, codeID, now.Unix())
}

// block starts the cooldown in the cache. A failure only costs the fast path.
func (t *SendThrottle) block(ctx context.Context, email string, purpose model.Purpose) {
	if t.cache == nil || t.cooldown <= 0 {
		return
	}
	if err := t.cache.Block(ctx, throttleKey(email, purpose), t.cooldown); err != nil {
		logutil.GetLogger(ctx).Warn("cooldown cache update failed", zap.Error(err))
	}
}
