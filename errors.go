package obex

import "errors"

// Sentinel errors returned synchronously by profile command methods,
// grounded on the teacher's root errors.go (a flat var block of
// errors.New sentinels reused across every CANopen service).
var (
	ErrUnknownSession       = errors.New("obex: unknown session handle")
	ErrCommandDisallowed    = errors.New("obex: command not allowed in current state")
	ErrResourceExceeded     = errors.New("obex: response body exceeds available packet space")
	ErrNoSessionSlot        = errors.New("obex: no free session slot")
	ErrTransportUnavailable = errors.New("obex: GOEP session already closed")
)
