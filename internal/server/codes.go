package server

import (
	"errors"

	"voicegate/internal/gateway"
)

// Codes carried in the code field of error events.
const (
	CodeSequence          = "sequence-error"
	CodeOverflow          = "overflow"
	CodeEngineUnavailable = "engine-unavailable"
	CodeEngineTimeout     = "engine-timeout"
	CodeEngineFailure     = "engine-failure"
	CodeInvalidEvent      = "invalid-event"
	CodeUnknownEvent      = "unknown-event"
)

// errSessionOver ends a session without an error event: the peer is gone or
// the engine crashed.
var errSessionOver = errors.New("session over")

// engineCode maps a gateway error to its wire code; backend failures and
// anything unclassified are engine-failure. ok is false for errors that end
// the session instead.
func engineCode(err error) (code string, ok bool) {
	switch {
	case errors.Is(err, gateway.ErrUnavailable):
		return CodeEngineUnavailable, true
	case errors.Is(err, gateway.ErrTimeout):
		return CodeEngineTimeout, true
	case errors.Is(err, gateway.ErrCanceled), errors.Is(err, gateway.ErrEngineCrashed):
		return "", false
	default:
		return CodeEngineFailure, true
	}
}
