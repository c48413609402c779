package pipealloc

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// IsTransient classifies an error from os.Pipe or (*exec.Cmd).Start as a
// transient resource-exhaustion condition (EMFILE, ENFILE, EAGAIN) that
// warrants a reap-and-retry rather than surfacing to the session.
//
// Grounded on the errno-classification idiom of the bassosimone/nop
// pack member's errclass package (platform errno constants switched on
// after unwrapping *os.PathError / *os.SyscallError), adapted from
// network errno classes to process/fd exhaustion classes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return isTransientErrno(errno)
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IsTransient(pathErr.Err)
	}

	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return IsTransient(sysErr.Err)
	}

	return false
}

func isTransientErrno(errno unix.Errno) bool {
	switch errno {
	case unix.EMFILE, unix.ENFILE, unix.EAGAIN:
		return true
	default:
		return false
	}
}
