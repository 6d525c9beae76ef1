package cpu

import (
	"errors"

	"github.com/tinyrange/tracejit/internal/backend"
)

var (
	// ErrUnsupportedPlatform is returned by New where no code generator or
	// native entry exists.
	ErrUnsupportedPlatform = errors.New("cpu: unsupported platform")
	// ErrExecuting is returned when the CPU is asked to compile, patch or
	// re-enter while compiled code is running.
	ErrExecuting = errors.New("cpu: compiled code is executing")
	// ErrBridgeAttached is returned when a guard already has a bridge.
	ErrBridgeAttached = errors.New("cpu: guard already has a bridge")
	// ErrKindMismatch is returned when a value is read or passed as the
	// wrong kind.
	ErrKindMismatch = errors.New("cpu: kind mismatch")
	ErrClosed       = errors.New("cpu: closed")

	ErrNotImplemented = backend.ErrNotImplemented
	ErrInternal       = backend.ErrInternal
)

// CompileError aborts the compilation of one trace. The interpreter is
// expected to keep interpreting that trace.
type CompileError = backend.CompileError
