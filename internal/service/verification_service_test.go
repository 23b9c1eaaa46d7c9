package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/toolnav/internal/model"
	appErr "github.com/xxxsen/toolnav/internal/pkg/errors"
)

func TestPasswordChangeCodeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fixCode("7K2M9Q")

	code, err := f.verify.Issue(ctx, "a@x.com", model.PurposePasswordChange)
	require.NoError(t, err)
	require.Equal(t, "7K2M9Q", code)
	stored := f.codes.All()
	require.Len(t, stored, 1)
	require.NotEqual(t, "7K2M9Q", stored[0].CodeHash)

	require.False(t, f.verify.Verify(ctx, "a@x.com", "000000", model.PurposePasswordChange))
	require.True(t, f.verify.Verify(ctx, "a@x.com", "7K2M9Q", model.PurposePasswordChange))
	require.NoError(t, f.verify.Consume(ctx, "a@x.com", "7K2M9Q", model.PurposePasswordChange))
	require.False(t, f.verify.Verify(ctx, "a@x.com", "7K2M9Q", model.PurposePasswordChange))
	// consuming twice is harmless
	require.NoError(t, f.verify.Consume(ctx, "a@x.com", "7K2M9Q", model.PurposePasswordChange))
}

func TestIssueKeepsSingleActiveCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fixCode("AAAAAA", "BBBBBB", "CCCCCC")

	for i := 0; i < 3; i++ {
		_, err := f.verify.Issue(ctx, "a@x.com", model.PurposeLogin)
		require.NoError(t, err)
		f.clock.Advance(testCooldown)
	}
	active := 0
	for _, c := range f.codes.All() {
		if c.State(f.clock.Now().Unix()) == model.CodeActive {
			active++
		}
	}
	require.Equal(t, 1, active)
	require.False(t, f.verify.Verify(ctx, "a@x.com", "AAAAAA", model.PurposeLogin))
	require.False(t, f.verify.Verify(ctx, "a@x.com", "BBBBBB", model.PurposeLogin))
	require.True(t, f.verify.Verify(ctx, "a@x.com", "CCCCCC", model.PurposeLogin))
}

func TestCodesArePurposeScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fixCode("AAAAAA", "BBBBBB")

	_, err := f.verify.Issue(ctx, "a@x.com", model.PurposeLogin)
	require.NoError(t, err)
	_, err = f.verify.Issue(ctx, "a@x.com", model.PurposeFeedback)
	require.NoError(t, err)

	require.False(t, f.verify.Verify(ctx, "a@x.com", "AAAAAA", model.PurposeFeedback))
	require.True(t, f.verify.Verify(ctx, "a@x.com", "AAAAAA", model.PurposeLogin))
	require.True(t, f.verify.Verify(ctx, "a@x.com", "BBBBBB", model.PurposeFeedback))
	require.False(t, f.verify.Verify(ctx, "b@x.com", "AAAAAA", model.PurposeLogin))
}

func TestCodeExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fixCode("AAAAAA")

	_, err := f.verify.Issue(ctx, "a@x.com", model.PurposeLogin)
	require.NoError(t, err)
	f.clock.Advance(testCodeTTL - time.Second)
	require.True(t, f.verify.Verify(ctx, "a@x.com", "aaaaaa", model.PurposeLogin))
	f.clock.Advance(time.Second)
	require.False(t, f.verify.Verify(ctx, "a@x.com", "AAAAAA", model.PurposeLogin))
	ok, err := f.verify.VerifyAndConsume(ctx, "a@x.com", "AAAAAA", model.PurposeLogin)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyAndConsumeIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code, err := f.verify.Issue(ctx, "a@x.com", model.PurposeFeedback)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.verify.VerifyAndConsume(ctx, "a@x.com", code, model.PurposeFeedback)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestVerifyFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code, err := f.verify.Issue(ctx, "a@x.com", model.PurposeLogin)
	require.NoError(t, err)

	require.False(t, f.verify.Verify(ctx, "a@x.com", "", model.PurposeLogin))
	require.False(t, f.verify.Verify(ctx, "a@x.com", "12345", model.PurposeLogin))
	require.False(t, f.verify.Verify(ctx, "", code, model.PurposeLogin))

	f.codes.Err = errors.New("db down")
	require.False(t, f.verify.Verify(ctx, "a@x.com", code, model.PurposeLogin))
	_, err = f.verify.VerifyAndConsume(ctx, "a@x.com", code, model.PurposeLogin)
	require.Error(t, err)
}

func TestIssueThrottle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.verify.Issue(ctx, "a@x.com", model.PurposeLogin)
	require.NoError(t, err)

	var last int64 = 61
	for _, step := range []time.Duration{0, 10 * time.Second, 15 * time.Second, 34 * time.Second} {
		f.clock.Advance(step)
		_, err := f.verify.Issue(ctx, "a@x.com", model.PurposeLogin)
		te, ok := appErr.AsThrottled(err)
		require.True(t, ok, "expected throttle, got %v", err)
		require.Less(t, te.RemainingSeconds, last)
		require.Greater(t, te.RemainingSeconds, int64(0))
		last = te.RemainingSeconds
	}
	require.Equal(t, int64(1), last)

	// a different purpose has its own cooldown
	_, err = f.verify.Issue(ctx, "a@x.com", model.PurposeFeedback)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.verify.Issue(ctx, "a@x.com", model.PurposeLogin)
	require.NoError(t, err)
}

func TestCheckLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.verify.throttle.CheckLimit(ctx, "a@x.com", model.PurposeLogin)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	_, err = f.verify.Issue(ctx, "a@x.com", model.PurposeLogin)
	require.NoError(t, err)
	f.clock.Advance(20 * time.Second)
	d, err = f.verify.throttle.CheckLimit(ctx, "a@x.com", model.PurposeLogin)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, int64(40), d.RemainingSeconds)
}

func TestCheckLimitWithoutCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	throttle := NewSendThrottle(f.codes, nil, f.clock, testCooldown)

	_, err := f.verify.Issue(ctx, "a@x.com", model.PurposeLogin)
	require.NoError(t, err)
	f.clock.Advance(45 * time.Second)
	d, err := throttle.CheckLimit(ctx, "a@x.com", model.PurposeLogin)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, int64(15), d.RemainingSeconds)
}

func TestSuppressedRequestCooldownIsStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.auth.SendCode(ctx, "nobody@x.com", "login"))
	require.Empty(t, f.sender.Sent())

	last, err := f.codes.LastSendAt(ctx, "nobody@x.com", string(model.PurposeLogin))
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().Unix(), last)
	all := f.codes.All()
	require.Len(t, all, 1)
	require.Equal(t, 1, all[0].Used)

	// a fresh throttle with no cache, as after a restart, still sees it
	throttle := NewSendThrottle(f.codes, nil, f.clock, testCooldown)
	f.clock.Advance(10 * time.Second)
	d, err := throttle.CheckLimit(ctx, "nobody@x.com", model.PurposeLogin)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, int64(50), d.RemainingSeconds)

	f.clock.Advance(testCooldown)
	require.NoError(t, f.auth.SendCode(ctx, "nobody@x.com", "login"))
	require.Empty(t, f.sender.Sent())
}

func TestConcurrentIssueSendsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		issued    int
		throttled int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.verify.Issue(ctx, "a@x.com", model.PurposeRegister)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				issued++
				return
			}
			if _, ok := appErr.AsThrottled(err); ok {
				throttled++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, issued)
	require.Equal(t, 9, throttled)
	require.Len(t, f.codes.All(), 1)
}

func TestSendCodeDelivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code := f.sendAndRead(t, "a@x.com", model.PurposeLogin)
	require.True(t, f.verify.Verify(ctx, " A@X.com", code, model.PurposeLogin))

	err := f.verify.SendCode(ctx, "a@x.com", model.PurposeLogin)
	te, ok := appErr.AsThrottled(err)
	require.True(t, ok)
	require.Equal(t, int64(60), te.RemainingSeconds)
	require.Len(t, f.sender.Sent(), 1)

	require.ErrorIs(t, f.verify.SendCode(ctx, "not-an-email", model.PurposeLogin), appErr.ErrInvalid)
}

func TestSendCodeDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.Err = errors.New("smtp down")

	err := f.verify.SendCode(ctx, "a@x.com", model.PurposeLogin)
	require.ErrorIs(t, err, appErr.ErrDeliveryFailed)
	// the issued code and its cooldown survive the failed delivery
	require.Len(t, f.codes.All(), 1)
	_, ok := appErr.AsThrottled(f.verify.SendCode(ctx, "a@x.com", model.PurposeLogin))
	require.True(t, ok)
	mail, found := f.sender.Last("a@x.com")
	require.True(t, found)
	require.NotContains(t, err.Error(), mail.Body)
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.verify.Issue(ctx, "a@x.com", model.PurposeLogin)
	require.NoError(t, err)
	_, err = f.verify.Issue(ctx, "b@x.com", model.PurposeLogin)
	require.NoError(t, err)
	n, err := f.verify.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(testCodeTTL)
	_, err = f.verify.Issue(ctx, "c@x.com", model.PurposeLogin)
	require.NoError(t, err)
	n, err = f.verify.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Len(t, f.codes.All(), 1)
}
