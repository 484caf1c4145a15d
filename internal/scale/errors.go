package scale

import (
	"errors"
	"fmt"

	"go.bug.st/serial"
)

// ErrorKind classifies scale session failures for user display. Every kind
// maps to one human-readable message; raw driver errors stay wrapped inside
// for logs only.
type ErrorKind int

const (
	// DeviceNotFound means the configured port does not exist or the user
	// declined device selection.
	DeviceNotFound ErrorKind = iota
	// PermissionDenied means the port exists but the process may not open it.
	PermissionDenied
	// ConnectionFailed covers every other failure to establish a session.
	ConnectionFailed
	// DeviceLost is a mid-session termination (cable pulled); the session
	// has already returned to Disconnected when this is reported.
	DeviceLost
	// WriteFailed is a failed best-effort command send.
	WriteFailed
)

func (k ErrorKind) String() string {
	switch k {
	case DeviceNotFound:
		return "device_not_found"
	case PermissionDenied:
		return "permission_denied"
	case ConnectionFailed:
		return "connection_failed"
	case DeviceLost:
		return "device_lost"
	case WriteFailed:
		return "write_failed"
	}
	return "unknown"
}

// Message returns the text shown to the operator.
func (k ErrorKind) Message() string {
	switch k {
	case DeviceNotFound:
		return "Weighing scale not found. Check that it is plugged in and the port is correct."
	case PermissionDenied:
		return "No permission to open the scale port."
	case ConnectionFailed:
		return "Could not connect to the weighing scale."
	case DeviceLost:
		return "Connection to the weighing scale was lost. Reconnect to continue."
	case WriteFailed:
		return "Could not send the command to the scale."
	}
	return "Scale error."
}

// Failure is a typed scale error carrying its kind and the underlying cause.
type Failure struct {
	Kind ErrorKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func failure(kind ErrorKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from an error returned by this package.
func KindOf(err error) (ErrorKind, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return 0, false
}

// classifyOpenError maps driver-level open failures onto the taxonomy.
func classifyOpenError(err error) *Failure {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			return failure(DeviceNotFound, err)
		case serial.PermissionDenied:
			return failure(PermissionDenied, err)
		}
	}
	return failure(ConnectionFailed, err)
}
