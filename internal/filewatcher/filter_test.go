package filewatcher

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExcludeSet_IsExcluded(t *testing.T) {
	base := t.TempDir()
	out := filepath.Join(base, "out")
	archive := filepath.Join(base, "Archive")

	set, invalid := NewExcludeSet([]string{out, archive + string(filepath.Separator)})
	require.Empty(t, invalid)
	require.Equal(t, 2, set.Len())

	tests := []struct {
		name string
		dir  string
		want bool
	}{
		{"exact match", out, true},
		{"nested folder", filepath.Join(out, "a", "b"), true},
		{"trailing separator on exclude", filepath.Join(archive, "2024"), true},
		{"case-insensitive", strings.ToUpper(filepath.Join(archive, "x")), true},
		{"sibling sharing a prefix", filepath.Join(base, "outgoing"), false},
		{"parent folder", base, false},
		{"unrelated folder", filepath.Join(base, "in"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, set.IsExcluded(tt.dir))
		})
	}
}

func TestExcludeSet_SkipsMalformedEntries(t *testing.T) {
	good := t.TempDir()
	set, invalid := NewExcludeSet([]string{"", "   ", "bad\x00path", good})

	assert.Equal(t, []string{"", "   ", "bad\x00path"}, invalid)
	assert.Equal(t, 1, set.Len())
	assert.True(t, set.IsExcluded(filepath.Join(good, "sub")))
}

func TestExcludeSet_Empty(t *testing.T) {
	var nilSet *ExcludeSet
	assert.False(t, nilSet.IsExcluded(t.TempDir()))

	set, _ := NewExcludeSet(nil)
	assert.False(t, set.IsExcluded(t.TempDir()))
	assert.False(t, set.IsExcluded(""))
}
