//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package filewatcher

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// heldExclusively reports whether another process holds an exclusive flock on
// f. A shared lock is taken and immediately released when it is free.
func heldExclusively(f *os.File) bool {
	fd := int(f.Fd())
	err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB)
	if err == nil {
		_ = unix.Flock(fd, unix.LOCK_UN)
		return false
	}
	return errors.Is(err, unix.EWOULDBLOCK)
}
