package filewatcher

import (
	"errors"
	"os"
	"time"
)

// Probe is the filesystem view used by the tracker and the recovery scanner.
type Probe interface {
	// Stat returns the size and modification time of a regular file.
	Stat(path string) (size int64, modTime time.Time, err error)
	// CanOpen reports whether the file can currently be opened for reading
	// while other processes keep it open for writing.
	CanOpen(path string) bool
}

var errNotRegular = errors.New("not a regular file")

// OSProbe inspects the real filesystem.
type OSProbe struct{}

func (OSProbe) Stat(path string) (int64, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	if !info.Mode().IsRegular() {
		return 0, time.Time{}, errNotRegular
	}
	return info.Size(), info.ModTime().UTC(), nil
}

func (OSProbe) CanOpen(path string) bool {
	f, err := openShared(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return !heldExclusively(f)
}

// openShared opens path read-only. The Go runtime opens files on Windows with
// FILE_SHARE_READ|FILE_SHARE_WRITE, so a producer may keep writing.
func openShared(path string) (*os.File, error) {
	return os.Open(path)
}
