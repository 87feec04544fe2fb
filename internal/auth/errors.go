package auth

import (
	"errors"
	"fmt"
)

// Messages shown to the user.
const (
	MsgUsernameRequired  = "Username is required"
	MsgPasswordsMismatch = "Passwords don't match"
	MsgEmailRequired     = "Email is required"
	MsgPasswordRequired  = "Password is required"
	MsgAuthFailed        = "Authentication failed"
	MsgNetwork           = "Unable to reach the server. Please check your connection."
)

// ValidationError is a precondition failure detected before any network call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "auth: " + e.Message }

// RejectedError is a request the server answered but refused.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("auth: rejected (status %d): %s", e.Status, e.Message)
}

// NetworkError is a transport-level failure talking to the auth endpoint.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "auth: network: " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// UserMessage returns the text to display for err.
func UserMessage(err error) string {
	var (
		ve *ValidationError
		re *RejectedError
		ne *NetworkError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Message
	case errors.As(err, &re):
		return re.Message
	case errors.As(err, &ne):
		return MsgNetwork
	default:
		return MsgAuthFailed
	}
}
