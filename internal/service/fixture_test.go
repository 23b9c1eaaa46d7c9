package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xxxsen/toolnav/internal/cooldown"
	"github.com/xxxsen/toolnav/internal/model"
	"github.com/xxxsen/toolnav/internal/pkg/password"
	"github.com/xxxsen/toolnav/internal/testutil"
)

var (
	_ CodeStore        = (*testutil.MemCodeStore)(nil)
	_ UserStore        = (*testutil.MemStore)(nil)
	_ EmailChangeStore = (*testutil.MemStore)(nil)
)

const (
	testCooldown = 60 * time.Second
	testCodeTTL  = 5 * time.Minute
	testWindow   = 48 * time.Hour
)

type fixture struct {
	clock   *testutil.FakeClock
	codes   *testutil.MemCodeStore
	store   *testutil.MemStore
	sender  *testutil.RecordingSender
	verify  *VerificationService
	auth    *AuthService
	changes *EmailChangeService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	codes := testutil.NewMemCodeStore()
	store := testutil.NewMemStore()
	sender := &testutil.RecordingSender{}
	codec := password.NewBcryptCodec(bcrypt.MinCost)
	throttle := NewSendThrottle(codes, cooldown.NewLRUWithClock(100, time.Hour, clock), clock, testCooldown)
	verify := NewVerificationService(codes, codec, clock, throttle, sender, VerificationOptions{CodeTTL: testCodeTTL})
	auth, err := NewAuthService(store, store, verify, codec, clock, AuthOptions{
		JWTSecret:     []byte("secret"),
		JWTTTL:        time.Hour,
		AllowRegister: true,
		Lockout:       NewLockoutPolicy(5, 30*time.Minute),
	})
	require.NoError(t, err)
	changes := NewEmailChangeService(store, store, verify, sender, clock, EmailChangeOptions{
		Window:    testWindow,
		RevokeURL: "https://tools.example.com/account/revoke",
	})
	return &fixture{clock: clock, codes: codes, store: store, sender: sender, verify: verify, auth: auth, changes: changes}
}

// fixCode makes the next issued codes come out of list in order.
func (f *fixture) fixCode(list ...string) {
	f.verify.generate = func() (string, error) {
		code := list[0]
		if len(list) > 1 {
			list = list[1:]
		}
		return code, nil
	}
}

// sendAndRead requests a code through the mail path and returns what was
// delivered.
func (f *fixture) sendAndRead(t *testing.T, email string, purpose model.Purpose) string {
	t.Helper()
	require.NoError(t, f.verify.SendCode(context.Background(), email, purpose))
	mail, ok := f.sender.Last(email)
	require.True(t, ok)
	code := testutil.CodeFrom(mail)
	require.NotEmpty(t, code)
	return code
}

func (f *fixture) register(t *testing.T, email, pass string) *model.User {
	t.Helper()
	code := f.sendAndRead(t, email, model.PurposeRegister)
	user, token, err := f.auth.Register(context.Background(), email, pass, code)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	return user
}
