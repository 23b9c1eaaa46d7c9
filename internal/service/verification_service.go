package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/toolnav/internal/ids"
	"github.com/xxxsen/toolnav/internal/metrics"
	"github.com/xxxsen/toolnav/internal/model"
	appErr "github.com/xxxsen/toolnav/internal/pkg/errors"
	"github.com/xxxsen/toolnav/internal/pkg/password"
	"github.com/xxxsen/toolnav/internal/pkg/timeutil"
	"github.com/xxxsen/toolnav/internal/repo"
)

const (
	defaultCodeTTL       = 5 * time.Minute
	defaultCodeRetention = 24 * time.Hour
)

type VerificationOptions struct {
	CodeTTL   time.Duration
	Retention time.Duration
}

// VerificationService issues and checks one-time email codes. Plaintext codes
// only ever leave this service through the mail sender.
type VerificationService struct {
	codes     CodeStore
	codec     password.Codec
	clock     timeutil.Clock
	throttle  *SendThrottle
	sender    EmailSender
	ttl       time.Duration
	retention time.Duration
	generate  func() (string, error)
}

func NewVerificationService(codes CodeStore, codec password.Codec, clock timeutil.Clock, throttle *SendThrottle, sender EmailSender, opts VerificationOptions) *VerificationService {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = defaultCodeTTL
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultCodeRetention
	}
	return &VerificationService{
		codes:     codes,
		codec:     codec,
		clock:     clock,
		throttle:  throttle,
		sender:    sender,
		ttl:       opts.CodeTTL,
		retention: opts.Retention,
		generate:  generateCode,
	}
}

// Issue creates a fresh code for (email, purpose) and returns its plaintext.
// Every earlier unused code of the pair stops verifying in the same
// transaction.
func (s *VerificationService) Issue(ctx context.Context, email string, purpose model.Purpose) (string, error) {
	return s.issue(ctx, email, purpose, false)
}

// issue does the work of Issue. A decoy is stored already used, so it can
// never verify, but it stamps the send history and costs the same hash as a
// real code.
func (s *VerificationService) issue(ctx context.Context, email string, purpose model.Purpose, decoy bool) (string, error) {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return "", appErr.ErrInvalid
	}
	code, err := s.generate()
	if err != nil {
		return "", err
	}
	hash, err := s.codec.Hash(code)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	record := &model.VerificationCode{
		ID:        ids.New(),
		Email:     email,
		Purpose:   string(purpose),
		CodeHash:  hash,
		Ctime:     now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
	}
	if decoy {
		record.Used = 1
		record.UsedAt = now.Unix()
	}
	err = s.codes.Atomic(ctx, email, string(purpose), func(ctx context.Context, w repo.CodeWriter) error {
		decision, err := s.throttle.checkLocked(ctx, w, email, purpose)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return &appErr.ThrottledError{RemainingSeconds: decision.RemainingSeconds}
		}
		if !decoy {
			if _, err := w.InvalidateUnused(ctx, email, string(purpose), now.Unix()); err != nil {
				return err
			}
		}
		if err := w.Create(ctx, record); err != nil {
			return err
		}
		return s.throttle.RecordSend(ctx, w, record.ID, now)
	})
	if err != nil {
		if _, ok := appErr.AsThrottled(err); ok {
			metrics.CodesThrottled.WithLabelValues(string(purpose)).Inc()
			return "", err
		}
		return "", fmt.Errorf("issue code: %w", err)
	}
	s.throttle.block(ctx, email, purpose)
	if decoy {
		return "", nil
	}
	metrics.CodesIssued.WithLabelValues(string(purpose)).Inc()
	return code, nil
}

// Verify reports whether code matches an active code for the pair. Storage
// failures count as a mismatch.
func (s *VerificationService) Verify(ctx context.Context, email, code string, purpose model.Purpose) bool {
	record, err := s.match(ctx, email, code, purpose)
	if err != nil {
		logutil.GetLogger(ctx).Error("verify code failed", zap.String("purpose", string(purpose)), zap.Error(err))
		return false
	}
	return record != nil
}

// Consume marks the matching code used. It is a no-op when nothing matches,
// so a repeated call is harmless.
func (s *VerificationService) Consume(ctx context.Context, email, code string, purpose model.Purpose) error {
	record, err := s.match(ctx, email, code, purpose)
	if err != nil || record == nil {
		return err
	}
	_, err = s.markUsed(ctx, record)
	return err
}

// VerifyAndConsume checks and consumes in one step. Of two concurrent callers
// holding the same code at most one gets true.
func (s *VerificationService) VerifyAndConsume(ctx context.Context, email, code string, purpose model.Purpose) (bool, error) {
	record, err := s.match(ctx, email, code, purpose)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}
	return s.markUsed(ctx, record)
}

func (s *VerificationService) markUsed(ctx context.Context, record *model.VerificationCode) (bool, error) {
	now := s.clock.Now().Unix()
	if err := record.MarkUsed(now); err != nil {
		return false, nil
	}
	ok, err := s.codes.MarkUsed(ctx, record.ID, now)
	if err != nil {
		return false, fmt.Errorf("consume code: %w", err)
	}
	return ok, nil
}

func (s *VerificationService) match(ctx context.Context, email, code string, purpose model.Purpose) (*model.VerificationCode, error) {
	email = normalizeEmail(email)
	normalized, ok := normalizeCode(code)
	if email == "" || !ok {
		metrics.CodeVerifications.WithLabelValues(string(purpose), "malformed").Inc()
		return nil, nil
	}
	now := s.clock.Now().Unix()
	records, err := s.codes.ListActive(ctx, email, string(purpose), now)
	if err != nil {
		metrics.CodeVerifications.WithLabelValues(string(purpose), "error").Inc()
		return nil, err
	}
	for _, record := range records {
		if record.State(now) != model.CodeActive {
			continue
		}
		if s.codec.Verify(normalized, record.CodeHash) {
			metrics.CodeVerifications.WithLabelValues(string(purpose), "match").Inc()
			return record, nil
		}
	}
	metrics.CodeVerifications.WithLabelValues(string(purpose), "mismatch").Inc()
	return nil, nil
}

// PurgeExpired drops expired codes and anything older than the retention
// window.
func (s *VerificationService) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	return s.codes.DeleteExpired(ctx, now.Unix(), now.Add(-s.retention).Unix())
}

// SendCode issues a code and mails it. A delivery failure is reported as
// ErrDeliveryFailed; the issued code and its cooldown stay in place.
func (s *VerificationService) SendCode(ctx context.Context, email string, purpose model.Purpose) error {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return appErr.ErrInvalid
	}
	decision, err := s.throttle.CheckLimit(ctx, email, purpose)
	if err != nil {
		return fmt.Errorf("check send limit: %w", err)
	}
	if !decision.Allowed {
		metrics.CodesThrottled.WithLabelValues(string(purpose)).Inc()
		return &appErr.ThrottledError{RemainingSeconds: decision.RemainingSeconds}
	}
	code, err := s.Issue(ctx, email, purpose)
	if err != nil {
		return err
	}
	subject, body := codeMessage(purpose, code, s.ttl)
	logger := logutil.GetLogger(ctx).With(zap.String("email", email), zap.String("purpose", string(purpose)))
	if err := s.sender.Send(ctx, email, subject, body); err != nil {
		metrics.MailFailures.WithLabelValues("verification_code").Inc()
		logger.Error("send verification code failed", zap.Error(err))
		return fmt.Errorf("%w: %v", appErr.ErrDeliveryFailed, err)
	}
	logger.Info("verification code sent")
	return nil
}

// Suppress answers a code request that must not send mail while keeping the
// observable behavior, cooldown included, identical to a real send. The
// cooldown is recorded in the store like a real send, so it survives
// restarts and is shared between instances.
func (s *VerificationService) Suppress(ctx context.Context, email string, purpose model.Purpose) error {
	email = normalizeEmail(email)
	decision, err := s.throttle.CheckLimit(ctx, email, purpose)
	if err != nil {
		return fmt.Errorf("check send limit: %w", err)
	}
	if !decision.Allowed {
		metrics.CodesThrottled.WithLabelValues(string(purpose)).Inc()
		return &appErr.ThrottledError{RemainingSeconds: decision.RemainingSeconds}
	}
	_, err = s.issue(ctx, email, purpose, true)
	return err
}
