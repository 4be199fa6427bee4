//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package filewatcher

import "os"

// On Windows an exclusive holder already makes os.Open fail with a sharing
// violation, so there is nothing more to probe.
func heldExclusively(f *os.File) bool {
	return false
}
