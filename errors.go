package pybox

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sentinel errors for session and execution failures. Script-level failures
// (the executed code raised or failed to parse) are never returned as Go
// errors; they arrive in Result.Error and the session stays usable.
var (
	// ErrConnection means the worker process or its transport could not be
	// established, or the configuration handshake was rejected. Fatal: the
	// session is left disconnected and Connect must be retried.
	ErrConnection = errors.New("sandbox connection failed")

	// ErrTimeout means the worker aborted the in-flight script after the
	// configured deadline. Recoverable: the session stays ready.
	ErrTimeout = errors.New("sandbox execution timed out")

	// ErrPermission means the executed code hit a filesystem or network
	// policy violation. Recoverable: the session stays ready.
	ErrPermission = errors.New("sandbox permission denied")

	// ErrRuntime means the worker process died or the connection dropped
	// mid-call. Fatal: the session is crashed until reconnected.
	ErrRuntime = errors.New("sandbox crashed")

	// ErrProtocol means the worker answered with a malformed or unexpected
	// response shape. Fatal.
	ErrProtocol = errors.New("sandbox protocol error")

	// ErrNotConnected is returned by operations that require a ready session.
	ErrNotConnected = errors.New("sandbox is not connected")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("sandbox is closed")
)

// Structured error codes carried in worker responses.
const (
	errCodeTimeout          = "TIMEOUT"
	errCodePermissionDenied = "PERMISSION_DENIED"
)

// structuredError maps a worker error code to a typed error. Unrecognized
// codes default to ErrProtocol with the raw message preserved.
func structuredError(code, msg string) error {
	if msg == "" {
		msg = "unknown error"
	}
	switch code {
	case errCodeTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, msg)
	case errCodePermissionDenied:
		return fmt.Errorf("%w: %s", ErrPermission, msg)
	default:
		return fmt.Errorf("%w: %s (code %q)", ErrProtocol, msg, code)
	}
}

// isConnectionLost reports whether a transport error indicates the worker
// went away, as opposed to a malformed exchange over a live connection.
func isConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "process exited")
}
