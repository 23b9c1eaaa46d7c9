package errcode

const (
	ErrUnknown = 10000000 + iota
	ErrUnauthorized
	ErrForbidden
	ErrNotFound
	ErrInvalid
	ErrConflict
	ErrTooMany
	ErrInternal
	ErrAccountLocked
	ErrAccountDisabled
	ErrDeliveryFailed
	ErrTokenNotFound
	ErrWindowElapsed
	ErrValueInUse
	ErrValidation
	ErrChangePending
)
