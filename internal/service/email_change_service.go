package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/toolnav/internal/ids"
	"github.com/xxxsen/toolnav/internal/metrics"
	"github.com/xxxsen/toolnav/internal/model"
	appErr "github.com/xxxsen/toolnav/internal/pkg/errors"
	"github.com/xxxsen/toolnav/internal/pkg/timeutil"
)

const (
	revokeTokenBytes     = 32
	defaultRevokeWindow  = 48 * time.Hour
	emailChangeListLimit = 20
)

type EmailChangeOptions struct {
	Window    time.Duration
	RevokeURL string
}

type BeginEmailChangeInput struct {
	UserID    string
	NewEmail  string
	Code      string
	ClientIP  string
	UserAgent string
}

// EmailChangeService applies email changes immediately and keeps them
// reversible from the old address for a fixed window.
type EmailChangeService struct {
	users     UserStore
	changes   EmailChangeStore
	verify    *VerificationService
	sender    EmailSender
	clock     timeutil.Clock
	window    time.Duration
	revokeURL string
}

func NewEmailChangeService(users UserStore, changes EmailChangeStore, verify *VerificationService, sender EmailSender, clock timeutil.Clock, opts EmailChangeOptions) *EmailChangeService {
	if opts.Window <= 0 {
		opts.Window = defaultRevokeWindow
	}
	return &EmailChangeService{
		users:     users,
		changes:   changes,
		verify:    verify,
		sender:    sender,
		clock:     clock,
		window:    opts.Window,
		revokeURL: opts.RevokeURL,
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func wellFormedToken(token string) bool {
	if len(token) != revokeTokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

// Begin switches the account to in.NewEmail and records a revocation entry in
// the same transaction. in.Code must be an email_change code sent to the new
// address.
func (s *EmailChangeService) Begin(ctx context.Context, in BeginEmailChangeInput) (*model.EmailChange, error) {
	newEmail := normalizeEmail(in.NewEmail)
	if !validEmail(newEmail) {
		return nil, appErr.ErrValidation
	}
	user, err := s.users.GetByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if user.Email == newEmail {
		return nil, appErr.ErrValidation
	}
	if _, err := s.users.GetByEmail(ctx, newEmail); err == nil {
		return nil, appErr.ErrValueInUse
	} else if !errors.Is(err, appErr.ErrNotFound) {
		return nil, err
	}
	now := s.clock.Now()
	reserved, err := s.changes.IsReserved(ctx, newEmail, now.Unix())
	if err != nil {
		return nil, err
	}
	if reserved {
		return nil, appErr.ErrValueInUse
	}
	// a second change would leave two tokens able to move the account
	pending, err := s.changes.HasPending(ctx, user.ID, now.Unix())
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, appErr.ErrChangePending
	}
	ok, err := s.verify.VerifyAndConsume(ctx, newEmail, in.Code, model.PurposeEmailChange)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErr.ErrInvalid
	}
	token, err := ids.Token(revokeTokenBytes)
	if err != nil {
		return nil, err
	}
	change := &model.EmailChange{
		ID:        ids.New(),
		UserID:    user.ID,
		OldEmail:  user.Email,
		NewEmail:  newEmail,
		Status:    model.EmailChangePending,
		TokenHash: hashToken(token),
		ExpiresAt: now.Add(s.window).Unix(),
		ClientIP:  in.ClientIP,
		UserAgent: in.UserAgent,
		Ctime:     now.Unix(),
		Mtime:     now.Unix(),
	}
	if err := s.changes.Apply(ctx, change); err != nil {
		return nil, err
	}
	metrics.EmailChanges.WithLabelValues("begun").Inc()
	logutil.GetLogger(ctx).Info("email change applied", zap.String("user_id", user.ID), zap.String("change_id", change.ID))
	subject, body := emailChangedNotice(change, revokeLink(s.revokeURL, token), s.window)
	s.notify(ctx, change.OldEmail, subject, body, "email_change_old")
	subject, body = emailAddedNotice(change)
	s.notify(ctx, change.NewEmail, subject, body, "email_change_new")
	return change, nil
}

// Revoke undoes the change identified by token if its window is still open,
// ending every session of the account. A token whose window has passed
// settles the change as confirmed and returns ErrWindowElapsed; a token that
// was already used, or never existed, returns ErrTokenNotFound.
func (s *EmailChangeService) Revoke(ctx context.Context, token string) (*model.EmailChange, error) {
	if !wellFormedToken(token) {
		return nil, appErr.ErrTokenNotFound
	}
	now := s.clock.Now().Unix()
	elapsed := false
	change, err := s.changes.UpdateByToken(ctx, hashToken(token), func(c *model.EmailChange) error {
		if c.Status != model.EmailChangePending {
			return appErr.ErrTokenNotFound
		}
		if c.Expired(now) {
			elapsed = true
			return c.Confirm(now)
		}
		return c.Revoke(now)
	})
	if err != nil {
		return nil, err
	}
	logger := logutil.GetLogger(ctx).With(zap.String("user_id", change.UserID), zap.String("change_id", change.ID))
	if elapsed {
		metrics.EmailChanges.WithLabelValues("confirmed").Inc()
		logger.Info("revoke attempted after window, change confirmed")
		return nil, appErr.ErrWindowElapsed
	}
	metrics.EmailChanges.WithLabelValues("revoked").Inc()
	logger.Info("email change revoked")
	subject, body := emailRevokedNotice(change)
	s.notify(ctx, change.OldEmail, subject, body, "email_change_revoked_old")
	subject, body = emailRemovedNotice(change)
	s.notify(ctx, change.NewEmail, subject, body, "email_change_revoked_new")
	return change, nil
}

// ListChanges returns the user's recent changes, settling any whose window
// has closed on the way.
func (s *EmailChangeService) ListChanges(ctx context.Context, userID string) ([]*model.EmailChange, error) {
	items, err := s.changes.ListByUser(ctx, userID, emailChangeListLimit)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().Unix()
	for _, item := range items {
		if item.Status != model.EmailChangePending || !item.Expired(now) {
			continue
		}
		ok, err := s.changes.ConfirmOne(ctx, item.ID, now)
		if err != nil {
			return nil, err
		}
		if ok {
			metrics.EmailChanges.WithLabelValues("confirmed").Inc()
		}
		// an expired pending change can only ever settle as confirmed
		_ = item.Confirm(now)
	}
	return items, nil
}

// SettleExpired confirms every pending change whose window has closed.
func (s *EmailChangeService) SettleExpired(ctx context.Context) (int64, error) {
	n, err := s.changes.ConfirmExpired(ctx, s.clock.Now().Unix())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.EmailChanges.WithLabelValues("confirmed").Add(float64(n))
	}
	return n, nil
}

func (s *EmailChangeService) notify(ctx context.Context, to, subject, body, kind string) {
	if err := s.sender.Send(ctx, to, subject, body); err != nil {
		metrics.MailFailures.WithLabelValues(kind).Inc()
		logutil.GetLogger(ctx).Error("send email change notice failed", zap.String("kind", kind), zap.Error(err))
	}
}
