package mailbox

import (
	"errors"
	"fmt"
)

// AuthError indicates that the mail server rejected the account's
// credentials. It is terminal for a session: retrying cannot succeed until
// the credentials change.
type AuthError struct {
	Protocol string
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth failed for %s: %v", e.Protocol, e.Username, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError indicates a transient failure talking to the mail server.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsNetworkError reports whether err (or any error in its chain) is a
// NetworkError.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// SendError indicates that the SMTP server refused the message itself with a
// permanent (5xx) reply. Resending the same message cannot succeed.
type SendError struct {
	Code int
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("server rejected reply (%d): %v", e.Code, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
