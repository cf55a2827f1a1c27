package commons

import (
	"errors"
	"fmt"
)

// DisconnectReason is the close code a terminated session reports to its transport.
type DisconnectReason int

const (
	ReasonOK               DisconnectReason = 1000
	ReasonInternalError    DisconnectReason = 4000
	ReasonUserNotPermitted DisconnectReason = 4001
	ReasonSessionNotFound  DisconnectReason = 4002
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonOK:
		return "OK"
	case ReasonInternalError:
		return "INTERNAL_ERROR"
	case ReasonUserNotPermitted:
		return "USER_NOT_PERMITTED"
	case ReasonSessionNotFound:
		return "SESSION_NOT_FOUND"
	}
	return fmt.Sprintf("DisconnectReason(%d)", int(r))
}

// Retryable reports whether a client should reconnect after this reason.
func (r DisconnectReason) Retryable() bool {
	return r == ReasonInternalError || r == ReasonSessionNotFound
}

var (
	// ErrNotPermitted is wrapped by any error caused by an operation the
	// session's capabilities do not allow.
	ErrNotPermitted = errors.New("user not permitted")

	// ErrSessionNotFound is wrapped by any error caused by a room or session
	// that no longer exists.
	ErrSessionNotFound = errors.New("session not found")
)

// ReasonFor maps an error to the disconnect reason that must be reported for it.
// Unrecognized errors, decode errors and engine errors map to ReasonInternalError.
func ReasonFor(err error) DisconnectReason {
	switch {
	case err == nil:
		return ReasonOK
	case errors.Is(err, ErrNotPermitted):
		return ReasonUserNotPermitted
	case errors.Is(err, ErrSessionNotFound):
		return ReasonSessionNotFound
	}
	return ReasonInternalError
}
