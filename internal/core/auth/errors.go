package auth

import "errors"

// ErrSessionDecode is returned when a login token cannot be decoded into
// credential material. The session is left unauthenticated.
var ErrSessionDecode = errors.New("auth: session decode failed")
