package filewatcher

import (
	"errors"

	"golang.org/x/sys/windows"
)

// Sharing and lock violations are raised while the producing process still
// holds the file without FILE_SHARE_READ, or the destination is open elsewhere.
func isSharingViolation(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) ||
		errors.Is(err, windows.ERROR_LOCK_VIOLATION)
}
