package model

import (
	appErr "github.com/xxxsen/toolnav/internal/pkg/errors"
)

type EmailChangeStatus int

const (
	EmailChangePending EmailChangeStatus = iota + 1
	EmailChangeConfirmed
	EmailChangeRevoked
)

func (s EmailChangeStatus) String() string {
	switch s {
	case EmailChangePending:
		return "pending"
	case EmailChangeConfirmed:
		return "confirmed"
	case EmailChangeRevoked:
		return "revoked"
	}
	return "unknown"
}

func (s EmailChangeStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EmailChange records an applied email change that may still be reverted by
// whoever holds the revoke token.
type EmailChange struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	OldEmail    string            `json:"old_email"`
	NewEmail    string            `json:"new_email"`
	Status      EmailChangeStatus `json:"status"`
	TokenHash   string            `json:"-"`
	ExpiresAt   int64             `json:"expires_at"`
	ConfirmedAt int64             `json:"confirmed_at"`
	RevokedAt   int64             `json:"revoked_at"`
	ClientIP    string            `json:"client_ip"`
	UserAgent   string            `json:"user_agent"`
	Ctime       int64             `json:"ctime"`
	Mtime       int64             `json:"mtime"`
}

func (c *EmailChange) Expired(now int64) bool {
	return now > c.ExpiresAt
}

func (c *EmailChange) Confirm(now int64) error {
	if c.Status != EmailChangePending {
		return appErr.ErrInvalidTransition
	}
	c.Status = EmailChangeConfirmed
	c.ConfirmedAt = now
	c.Mtime = now
	return nil
}

// Revoke is only legal while pending and inside the window.
func (c *EmailChange) Revoke(now int64) error {
	if c.Status != EmailChangePending || c.Expired(now) {
		return appErr.ErrInvalidTransition
	}
	c.Status = EmailChangeRevoked
	c.RevokedAt = now
	c.Mtime = now
	return nil
}
