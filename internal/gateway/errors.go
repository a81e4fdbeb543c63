package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means the capability is disabled in this operating mode
	// or on this endpoint. No engine call was attempted.
	ErrUnavailable = errors.New("engine unavailable")
	// ErrTimeout means the request deadline elapsed while queued or while
	// the engine was still working.
	ErrTimeout = errors.New("engine request timed out")
	// ErrCanceled means the caller went away before a result was delivered.
	ErrCanceled = errors.New("engine request canceled")
	// ErrEngineCrashed wraps a panic recovered from inside an engine call.
	ErrEngineCrashed = errors.New("engine crashed")
)

// EngineError carries a failure reported by the backend itself.
type EngineError struct {
	Engine string
	Err    error
}

func (e *EngineError) Error() string { return fmt.Sprintf("%s engine: %v", e.Engine, e.Err) }

func (e *EngineError) Unwrap() error { return e.Err }

func crashed(engine string, v any) error {
	return fmt.Errorf("%w: %s: %v", ErrEngineCrashed, engine, v)
}
