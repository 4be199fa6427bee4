//go:build !unix && !windows

package filewatcher

func isSharingViolation(err error) bool {
	return false
}
