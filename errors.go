package str

import (
	"errors"
	"syscall"
)

// errnoError pairs a Go sentinel with the POSIX errno spec.md names at
// the system boundary (§6), so callers that need the wire-level error
// code can still recover it with errors.Is against the Errno while
// everything in-process matches against the sentinel.
type errnoError struct {
	msg   string
	errno syscall.Errno
}

func (e *errnoError) Error() string {
	return e.msg
}

func (e *errnoError) Is(target error) bool {
	return target == e.errno
}

func newErrnoError(errno syscall.Errno, msg string) error {
	return &errnoError{msg: msg, errno: errno}
}

var (
	// ErrCanceled is returned when an SST is canceled by the user or
	// the coordinator closes the connection in response.
	ErrCanceled = newErrnoError(syscall.ECANCELED, "str: state transfer was canceled")

	// ErrNoData is returned when the donor's cache has drifted past
	// the joiner's requested range and no SST fallback was offered.
	ErrNoData = newErrnoError(syscall.ENODATA, "str: donor cache no longer has the requested range")

	// ErrPermission maps to -EPERM at the system boundary.
	ErrPermission = newErrnoError(syscall.EPERM, "str: operation not permitted")

	// ErrDeadlock maps to -EDEADLK.
	ErrDeadlock = newErrnoError(syscall.EDEADLK, "str: resource deadlock avoided")

	// ErrAgain maps to -EAGAIN: retry.
	ErrAgain = newErrnoError(syscall.EAGAIN, "str: try again")

	// ErrNotConnected maps to -ENOTCONN: retry once reconnected.
	ErrNotConnected = newErrnoError(syscall.ENOTCONN, "str: not connected")

	// ErrMsgSize maps to -EMSGSIZE.
	ErrMsgSize = newErrnoError(syscall.EMSGSIZE, "str: message too large")

	// ErrNoMemory maps to -ENOMEM.
	ErrNoMemory = newErrnoError(syscall.ENOMEM, "str: out of memory")

	// ErrInvalid maps to -EINVAL.
	ErrInvalid = newErrnoError(syscall.EINVAL, "str: invalid argument")
)

// ErrProtocolViolation is raised when sst_received observes the
// coordinator in a state other than CONNECTED or JOINING (§4.4's
// concurrency note).
var ErrProtocolViolation = errors.New("str: sst_received observed an unexpected coordinator state")

// ErrWrongDatabase is the fatal configuration error: the joiner's
// history uuid differs from the donor's after SST.
var ErrWrongDatabase = errors.New("str: donor shipped a database from a different history")
