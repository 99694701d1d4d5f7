package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned when a call needs a session and there is
	// none, or when the cloud rejects the session token.
	ErrNotConnected = errors.New("neakasa: not connected")

	// ErrTransport wraps network failures and non-2xx HTTP responses.
	ErrTransport = errors.New("neakasa: transport error")
)

// Error is a failure reported in the response envelope.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("neakasa: api error %d", e.Code)
	}
	return fmt.Sprintf("neakasa: api error %d: %s", e.Code, e.Message)
}

// IsNotConnected reports whether err means the session is gone and a
// reconnect may help.
func IsNotConnected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "not connected")
}
