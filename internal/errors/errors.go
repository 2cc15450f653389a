package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrInvalidInput - a request field failed validation (bad uid/gid, path, lengths)
	ErrInvalidInput = errors.New("invalid input")

	// ErrMalformedRequest - a datagram could not be decoded into a request
	ErrMalformedRequest = errors.New("malformed request")

	// ErrGuardLifecycle - the guard failed during setup or handshake
	ErrGuardLifecycle = errors.New("guard lifecycle failure")

	// ErrSystem - a kernel call failed (ioctl, mount, socket, open)
	ErrSystem = errors.New("system call failed")

	// ErrDuplicate - key already present in a registry
	ErrDuplicate = errors.New("duplicate")

	// ErrNotReady - value requested before it exists
	ErrNotReady = errors.New("not ready")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrTransient - timed out or temporarily unavailable, retry may succeed
	ErrTransient = errors.New("transient error")

	// ErrInternal - invariant broken inside the server
	ErrInternal = errors.New("internal error")
)

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
