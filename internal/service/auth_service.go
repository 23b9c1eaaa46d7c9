package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/toolnav/internal/ids"
	"github.com/xxxsen/toolnav/internal/metrics"
	"github.com/xxxsen/toolnav/internal/model"
	appErr "github.com/xxxsen/toolnav/internal/pkg/errors"
	"github.com/xxxsen/toolnav/internal/pkg/jwt"
	"github.com/xxxsen/toolnav/internal/pkg/password"
	"github.com/xxxsen/toolnav/internal/pkg/timeutil"
)

const minPasswordLength = 8

type ReservationChecker interface {
	IsReserved(ctx context.Context, email string, now int64) (bool, error)
}

type AuthOptions struct {
	JWTSecret     []byte
	JWTTTL        time.Duration
	AllowRegister bool
	Lockout       LockoutPolicy
}

type AuthService struct {
	users        UserStore
	reservations ReservationChecker
	verify       *VerificationService
	codec        password.Codec
	clock        timeutil.Clock
	lockout      LockoutPolicy
	signer       *jwt.Signer
	allowSignup  bool
	dummyHash    string
}

func NewAuthService(users UserStore, reservations ReservationChecker, verify *VerificationService, codec password.Codec, clock timeutil.Clock, opts AuthOptions) (*AuthService, error) {
	// compared against for unknown accounts so both paths pay for one hash check
	dummy, err := codec.Hash("toolnav-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("init dummy hash: %w", err)
	}
	return &AuthService{
		users:        users,
		reservations: reservations,
		verify:       verify,
		codec:        codec,
		clock:        clock,
		lockout:      opts.Lockout,
		signer:       jwt.NewSigner(opts.JWTSecret, opts.JWTTTL, clock),
		allowSignup:  opts.AllowRegister,
		dummyHash:    dummy,
	}, nil
}

// SendCode mails a code for purpose. Requests that must not reveal whether
// the address has an account get the same answer without any mail being
// sent.
func (s *AuthService) SendCode(ctx context.Context, email, purpose string) error {
	p, ok := model.ParsePurpose(purpose)
	if !ok {
		return appErr.ErrInvalid
	}
	email = normalizeEmail(email)
	if !validEmail(email) {
		return appErr.ErrInvalid
	}
	if p == model.PurposeRegister && !s.allowSignup {
		return appErr.ErrForbidden
	}
	deliver, err := s.shouldDeliver(ctx, email, p)
	if err != nil {
		return err
	}
	if !deliver {
		logutil.GetLogger(ctx).Info("code request suppressed", zap.String("email", email), zap.String("purpose", string(p)))
		return s.verify.Suppress(ctx, email, p)
	}
	return s.verify.SendCode(ctx, email, p)
}

func (s *AuthService) shouldDeliver(ctx context.Context, email string, purpose model.Purpose) (bool, error) {
	if purpose == model.PurposeFeedback {
		return true, nil
	}
	user, err := s.users.GetByEmail(ctx, email)
	exists := err == nil
	if err != nil && !errors.Is(err, appErr.ErrNotFound) {
		return false, err
	}
	switch purpose {
	case model.PurposeRegister, model.PurposeEmailChange:
		if exists {
			return false, nil
		}
		reserved, err := s.reservations.IsReserved(ctx, email, s.clock.Now().Unix())
		if err != nil {
			return false, err
		}
		return !reserved, nil
	default:
		return exists && user.Status == model.UserStatusActive, nil
	}
}

func (s *AuthService) Register(ctx context.Context, email, plainPassword, code string) (*model.User, string, error) {
	if !s.allowSignup {
		return nil, "", appErr.ErrForbidden
	}
	email = normalizeEmail(email)
	if !validEmail(email) || len(plainPassword) < minPasswordLength {
		return nil, "", appErr.ErrInvalid
	}
	now := s.clock.Now()
	reserved, err := s.reservations.IsReserved(ctx, email, now.Unix())
	if err != nil {
		return nil, "", err
	}
	if reserved {
		return nil, "", appErr.ErrConflict
	}
	if !s.verify.Verify(ctx, email, code, model.PurposeRegister) {
		return nil, "", appErr.ErrInvalid
	}
	hash, err := s.codec.Hash(plainPassword)
	if err != nil {
		return nil, "", err
	}
	user := &model.User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Status:       model.UserStatusActive,
		Ctime:        now.Unix(),
		Mtime:        now.Unix(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, "", err
	}
	if err := s.verify.Consume(ctx, email, code, model.PurposeRegister); err != nil {
		logutil.GetLogger(ctx).Error("consume register code failed", zap.String("user_id", user.ID), zap.Error(err))
	}
	token, err := s.issueToken(user)
	if err != nil {
		return nil, "", err
	}
	logutil.GetLogger(ctx).Info("user registered", zap.String("user_id", user.ID))
	return user, token, nil
}

// Authenticate checks a password. Unknown accounts and wrong passwords give
// the same ErrUnauthorized; a locked account gives *LockedError before the
// password is looked at.
func (s *AuthService) Authenticate(ctx context.Context, email, plainPassword string) (*model.User, string, error) {
	email = normalizeEmail(email)
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, appErr.ErrNotFound) {
			return nil, "", err
		}
		s.codec.Verify(plainPassword, s.dummyHash)
		metrics.LoginAttempts.WithLabelValues("unknown").Inc()
		return nil, "", appErr.ErrUnauthorized
	}
	if err := s.precheck(user); err != nil {
		return nil, "", err
	}
	ok := s.codec.Verify(plainPassword, user.PasswordHash)
	return s.finishAttempt(ctx, user, ok, appErr.ErrUnauthorized)
}

// LoginWithCode signs in with a login code. A wrong code counts as a failed
// attempt towards the lockout.
func (s *AuthService) LoginWithCode(ctx context.Context, email, code string) (*model.User, string, error) {
	email = normalizeEmail(email)
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, appErr.ErrNotFound) {
			return nil, "", appErr.ErrInvalid
		}
		return nil, "", err
	}
	if err := s.precheck(user); err != nil {
		return nil, "", err
	}
	ok, err := s.verify.VerifyAndConsume(ctx, email, code, model.PurposeLogin)
	if err != nil {
		return nil, "", err
	}
	return s.finishAttempt(ctx, user, ok, appErr.ErrInvalid)
}

func (s *AuthService) precheck(user *model.User) error {
	if user.Status == model.UserStatusDisabled {
		metrics.LoginAttempts.WithLabelValues("disabled").Inc()
		return appErr.ErrDisabled
	}
	if now := s.clock.Now(); s.lockout.IsLocked(user.LoginState, now) {
		metrics.LoginAttempts.WithLabelValues("locked").Inc()
		return s.lockedError(user.LoginState, now)
	}
	return nil
}

func (s *AuthService) lockedError(st model.LoginState, now time.Time) *appErr.LockedError {
	return &appErr.LockedError{
		Until:            st.LockedUntil,
		RemainingSeconds: timeutil.CeilSeconds(s.lockout.Remaining(st, now)),
	}
}

// finishAttempt records the outcome under the account row lock. The lock is
// checked again there so a late success cannot clear a lock set meanwhile.
func (s *AuthService) finishAttempt(ctx context.Context, user *model.User, success bool, failErr error) (*model.User, string, error) {
	now := s.clock.Now()
	locked := false
	updated, err := s.users.UpdateLoginState(ctx, user.ID, now.Unix(), func(u *model.User) error {
		if s.lockout.IsLocked(u.LoginState, now) {
			return s.lockedError(u.LoginState, now)
		}
		if success {
			s.lockout.RecordSuccess(&u.LoginState, now)
			return nil
		}
		locked = s.lockout.RecordFailure(&u.LoginState, now)
		return nil
	})
	if err != nil {
		if _, ok := appErr.AsLocked(err); ok {
			metrics.LoginAttempts.WithLabelValues("locked").Inc()
		}
		return nil, "", err
	}
	logger := logutil.GetLogger(ctx).With(zap.String("user_id", user.ID))
	if !success {
		metrics.LoginAttempts.WithLabelValues("failed").Inc()
		if locked {
			metrics.AccountLockouts.Inc()
			logger.Warn("account locked after repeated failures", zap.Int("failed_count", updated.FailedCount),
				zap.Int64("locked_until", updated.LockedUntil))
			return nil, "", s.lockedError(updated.LoginState, now)
		}
		return nil, "", failErr
	}
	token, err := s.issueToken(updated)
	if err != nil {
		return nil, "", err
	}
	metrics.LoginAttempts.WithLabelValues("success").Inc()
	logger.Info("user signed in")
	return updated, token, nil
}

// ChangePassword needs a password_change code sent to the account's current
// email. It ends every existing session, clears any lockout and returns a
// token for a fresh session.
func (s *AuthService) ChangePassword(ctx context.Context, userID, code, newPassword string) (string, error) {
	if len(newPassword) < minPasswordLength {
		return "", appErr.ErrInvalid
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	ok, err := s.verify.VerifyAndConsume(ctx, user.Email, code, model.PurposePasswordChange)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", appErr.ErrInvalid
	}
	hash, err := s.codec.Hash(newPassword)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	if err := s.users.UpdatePassword(ctx, userID, hash, now.Unix()); err != nil {
		return "", err
	}
	logger := logutil.GetLogger(ctx).With(zap.String("user_id", userID))
	updated, err := s.users.UpdateLoginState(ctx, userID, now.Unix(), func(u *model.User) error {
		u.FailedCount = 0
		u.LockedUntil = 0
		return nil
	})
	if err != nil {
		logger.Error("reset lockout after password change failed", zap.Error(err))
		if updated, err = s.users.GetByID(ctx, userID); err != nil {
			return "", err
		}
	}
	logger.Info("password changed, sessions revoked", zap.Int64("session_version", updated.SessionVersion))
	return s.issueToken(updated)
}

// VerifyFeedback gates anonymous feedback behind a feedback code.
func (s *AuthService) VerifyFeedback(ctx context.Context, email, code string) error {
	ok, err := s.verify.VerifyAndConsume(ctx, email, code, model.PurposeFeedback)
	if err != nil {
		return err
	}
	if !ok {
		return appErr.ErrInvalid
	}
	return nil
}

func (s *AuthService) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return s.users.GetByID(ctx, userID)
}

// VerifySession resolves a bearer token to its account. Tokens signed before
// the account's last session reset, or for accounts that are gone or
// disabled, give ErrUnauthorized.
func (s *AuthService) VerifySession(ctx context.Context, token string) (string, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return "", appErr.ErrUnauthorized
	}
	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, appErr.ErrNotFound) {
			return "", appErr.ErrUnauthorized
		}
		return "", err
	}
	if user.Status != model.UserStatusActive || user.SessionVersion != claims.SessionVersion {
		return "", appErr.ErrUnauthorized
	}
	return user.ID, nil
}

func (s *AuthService) issueToken(user *model.User) (string, error) {
	return s.signer.Sign(user.ID, user.SessionVersion)
}
