package session

import "errors"

var (
	ErrCredentialRejected = errors.New("credential rejected")
	ErrNoRefreshToken     = errors.New("no refresh token")
	ErrSessionInvalid     = errors.New("session invalid")
	ErrNotAuthenticated   = errors.New("not authenticated")
)

// LoginError carries the message the server gave for a failed login.
type LoginError struct {
	Message string
	Err     error
}

func (e *LoginError) Error() string { return "login failed: " + e.Message }

func (e *LoginError) Unwrap() error { return e.Err }

func (e *LoginError) Is(target error) bool { return target == ErrCredentialRejected }
