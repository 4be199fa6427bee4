package filewatcher

import (
	"errors"
	"os"
)

var (
	// ErrSourceVanished is returned when the source disappeared between the
	// stability check and the copy. Callers treat it as benign.
	ErrSourceVanished = errors.New("source file vanished")

	// ErrPermissionDenied is returned when the source or destination cannot be
	// accessed. It is never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDestinationExists is returned when overwrite is disabled and the
	// destination file is already present.
	ErrDestinationExists = errors.New("destination already exists")

	// ErrSameFile is returned when the destination resolves to the source file.
	// It is never retried.
	ErrSameFile = errors.New("destination is the source file")

	// ErrRetriesExhausted wraps the last transient error after every copy
	// attempt failed.
	ErrRetriesExhausted = errors.New("copy retries exhausted")

	// ErrNoProcessor is returned when a rule names a processor that was not
	// registered.
	ErrNoProcessor = errors.New("processor not registered")
)

type ioErrorKind int

const (
	ioTransient ioErrorKind = iota
	ioVanished
	ioPermission
	ioExists
)

func (k ioErrorKind) String() string {
	switch k {
	case ioVanished:
		return "vanished"
	case ioPermission:
		return "permission"
	case ioExists:
		return "exists"
	default:
		return "transient"
	}
}

// IsTransientIOError reports whether err is worth retrying: not a missing
// file, a permission failure or an existing target.
func IsTransientIOError(err error) bool {
	return err != nil && classifyIOError(err) == ioTransient
}

// classifyIOError maps an OS error onto the copy retry policy. Anything that is
// not clearly permanent is considered transient.
func classifyIOError(err error) ioErrorKind {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ioVanished
	case errors.Is(err, os.ErrPermission) && !isSharingViolation(err):
		return ioPermission
	case errors.Is(err, os.ErrExist):
		return ioExists
	default:
		return ioTransient
	}
}
