package service

import (
	"context"

	"github.com/xxxsen/toolnav/internal/model"
	"github.com/xxxsen/toolnav/internal/repo"
)

type CodeStore interface {
	Atomic(ctx context.Context, email, purpose string, fn func(ctx context.Context, w repo.CodeWriter) error) error
	ListActive(ctx context.Context, email, purpose string, now int64) ([]*model.VerificationCode, error)
	LastSendAt(ctx context.Context, email, purpose string) (int64, error)
	MarkUsed(ctx context.Context, id string, usedAt int64) (bool, error)
	DeleteExpired(ctx context.Context, now, createdBefore int64) (int64, error)
}

type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	GetByID(ctx context.Context, userID string) (*model.User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string, mtime int64) error
	UpdateLoginState(ctx context.Context, userID string, mtime int64, fn func(user *model.User) error) (*model.User, error)
}

type EmailChangeStore interface {
	Apply(ctx context.Context, change *model.EmailChange) error
	UpdateByToken(ctx context.Context, tokenHash string, fn func(change *model.EmailChange) error) (*model.EmailChange, error)
	ListByUser(ctx context.Context, userID string, limit uint) ([]*model.EmailChange, error)
	IsReserved(ctx context.Context, email string, now int64) (bool, error)
	HasPending(ctx context.Context, userID string, now int64) (bool, error)
	ConfirmExpired(ctx context.Context, now int64) (int64, error)
	ConfirmOne(ctx context.Context, id string, now int64) (bool, error)
}

var (
	_ CodeStore        = (*repo.EmailVerificationRepo)(nil)
	_ UserStore        = (*repo.UserRepo)(nil)
	_ EmailChangeStore = (*repo.EmailChangeRepo)(nil)
)
