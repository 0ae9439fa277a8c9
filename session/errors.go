package session

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when a request is rejected with 401 again
	// after its single refresh-and-replay.
	ErrUnauthorized = errors.New("unauthorized after credential refresh")

	// ErrSessionEnded matches every error caused by a failed refresh. The
	// session cannot continue without re-authentication.
	ErrSessionEnded = errors.New("session ended")

	// ErrRefreshTokenExpired indicates the identity server rejected the refresh
	// secret.
	ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")
)

// UnauthorizedError is the terminal 401 of a replayed request.
type UnauthorizedError struct {
	RequestID string
	Method    string
	Path      string
	Body      []byte
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, ErrUnauthorized)
}

func (e *UnauthorizedError) Unwrap() error {
	return ErrUnauthorized
}

// RefreshError is returned to the refresher and to every waiter when a
// refresh attempt fails or times out.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("%v: credential refresh failed: %v", ErrSessionEnded, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrSessionEnded) hold for every refresh failure.
func (e *RefreshError) Is(target error) bool {
	return target == ErrSessionEnded
}

// ErrorResponse is the OAuth2 error body returned by the identity server.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Detail           string `json:"detail"`
}

func (e ErrorResponse) message() string {
	switch {
	case e.Error != "" && e.ErrorDescription != "":
		return e.Error + ": " + e.ErrorDescription
	case e.Error != "":
		return e.Error
	default:
		return e.Detail
	}
}
