package filewatcher

import (
	"os"
	"path/filepath"
	"strings"
)

// ExcludeSet decides whether a changed folder lies under one of the configured
// exclude folders. Comparison is case-insensitive on normalized absolute paths.
type ExcludeSet struct {
	prefixes []string
}

// NewExcludeSet normalizes the exclude folders. Entries that cannot be
// normalized are skipped and returned so the caller can report them.
func NewExcludeSet(paths []string) (*ExcludeSet, []string) {
	s := &ExcludeSet{}
	var invalid []string
	for _, p := range paths {
		norm, ok := normalizeDir(p)
		if !ok {
			invalid = append(invalid, p)
			continue
		}
		s.prefixes = append(s.prefixes, norm)
	}
	return s, invalid
}

// IsExcluded reports whether dir equals or is nested under an exclude folder.
func (s *ExcludeSet) IsExcluded(dir string) bool {
	if s == nil || len(s.prefixes) == 0 {
		return false
	}
	norm, ok := normalizeDir(dir)
	if !ok {
		return false
	}
	for _, prefix := range s.prefixes {
		if norm == prefix {
			return true
		}
		if strings.HasPrefix(norm, prefix) {
			// Only a separator boundary counts: /data/out must not exclude /data/outgoing.
			rest := norm[len(prefix):]
			if os.IsPathSeparator(rest[0]) || os.IsPathSeparator(prefix[len(prefix)-1]) {
				return true
			}
		}
	}
	return false
}

// Len returns the number of usable exclude prefixes.
func (s *ExcludeSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes)
}

func normalizeDir(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" || strings.ContainsRune(p, 0) {
		return "", false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	trimmed := strings.TrimRight(abs, `/\`)
	if trimmed == "" || strings.HasSuffix(trimmed, ":") {
		// Keep the root itself ("/" or "C:\") intact.
		trimmed = abs
	}
	return strings.ToLower(trimmed), true
}

// pathKey is the map key for tracked files and dedup markers.
func pathKey(path string) string {
	return strings.ToLower(filepath.Clean(path))
}
