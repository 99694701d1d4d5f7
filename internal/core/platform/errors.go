package platform

import "errors"

var (
	// ErrCommunicationFailure wraps every failed write command.
	ErrCommunicationFailure = errors.New("platform: communication failure")

	// ErrUnknownDevice is returned for commands against an unbound iotId.
	ErrUnknownDevice = errors.New("platform: unknown device")

	// ErrAlreadyStarted is returned by Start on a running platform.
	ErrAlreadyStarted = errors.New("platform: already started")
)
