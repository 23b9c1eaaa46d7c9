package model

import (
	appErr "github.com/xxxsen/toolnav/internal/pkg/errors"
)

type Purpose string

const (
	PurposeRegister       Purpose = "register"
	PurposeLogin          Purpose = "login"
	PurposePasswordChange Purpose = "password_change"
	PurposeEmailChange    Purpose = "email_change"
	PurposeFeedback       Purpose = "feedback"
)

func ParsePurpose(s string) (Purpose, bool) {
	switch p := Purpose(s); p {
	case PurposeRegister, PurposeLogin, PurposePasswordChange, PurposeEmailChange, PurposeFeedback:
		return p, true
	}
	return "", false
}

type CodeState int

const (
	CodeActive CodeState = iota + 1
	CodeUsed
	CodeExpired
)

type VerificationCode struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Purpose    string `json:"purpose"`
	CodeHash   string `json:"-"`
	Used       int    `json:"used"`
	UsedAt     int64  `json:"used_at"`
	SendCount  int    `json:"send_count"`
	LastSendAt int64  `json:"last_send_at"`
	Ctime      int64  `json:"ctime"`
	ExpiresAt  int64  `json:"expires_at"`
}

func (c *VerificationCode) State(now int64) CodeState {
	if c.Used != 0 {
		return CodeUsed
	}
	if c.ExpiresAt <= now {
		return CodeExpired
	}
	return CodeActive
}

// MarkUsed moves an active code to used. Used and expired codes are terminal.
func (c *VerificationCode) MarkUsed(now int64) error {
	if c.State(now) != CodeActive {
		return appErr.ErrInvalidTransition
	}
	c.Used = 1
	c.UsedAt = now
	return nil
}
