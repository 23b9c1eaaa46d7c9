package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalid           = errors.New("invalid")
	ErrConflict          = errors.New("conflict")
	ErrTooMany           = errors.New("too many requests")
	ErrInternal          = errors.New("internal")
	ErrLocked            = errors.New("account locked")
	ErrDisabled          = errors.New("account disabled")
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrWindowElapsed     = errors.New("revocation window elapsed")
	ErrTokenNotFound     = errors.New("token not found")
	ErrValueInUse        = errors.New("value already in use")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrChangePending     = errors.New("email change pending")
)

// ThrottledError is returned when a code was requested inside the resend cooldown.
type ThrottledError struct {
	RemainingSeconds int64
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many requests, retry in %ds", e.RemainingSeconds)
}

func (e *ThrottledError) Is(target error) bool {
	return target == ErrTooMany
}

// LockedError carries the unix time the account lock ends and the seconds
// left until then, measured when the error was made.
type LockedError struct {
	Until            int64
	RemainingSeconds int64
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", time.Unix(e.Until, 0).UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func AsThrottled(err error) (*ThrottledError, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

func AsLocked(err error) (*LockedError, bool) {
	var le *LockedError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}
