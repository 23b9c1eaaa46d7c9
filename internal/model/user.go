package model

const (
	UserStatusActive   = 1
	UserStatusDisabled = 2
)

// LoginState is the lockout bookkeeping stored on the account row.
type LoginState struct {
	FailedCount int   `json:"-"`
	LockedUntil int64 `json:"-"`
	LastLoginAt int64 `json:"last_login_at"`
}

type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Status       int    `json:"status"`
	LoginState
	// SessionVersion is embedded in issued tokens; bumping it ends every
	// outstanding session.
	SessionVersion int64 `json:"-"`
	Ctime          int64 `json:"ctime"`
	Mtime          int64 `json:"mtime"`
}
