package baseline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = "Wafer: PSD276\r\nDate and Time: 03/15/2026 02:30:45 PM\r\nRecipe: THK\r\n"

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
}

func newTestService(t *testing.T, folder string, targets ...string) *Service {
	t.Helper()
	s, err := New(Options{
		Folder:        folder,
		TargetFolders: targets,
		RenameDelay:   -1,
	}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestNew_RequiresFolder(t *testing.T) {
	_, err := New(Options{Folder: "  "}, zerolog.Nop())
	require.Error(t, err)
}

func TestReadTimestamp(t *testing.T) {
	dir := t.TempDir()

	withHeader := filepath.Join(dir, "a.txt")
	writeFile(t, withHeader, header)
	stamp, ok, err := readTimestamp(withHeader)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "20260315_143045", stamp.Format(timestampLayout))

	morning := filepath.Join(dir, "b.txt")
	writeFile(t, morning, "Date and Time:12/01/2025 12:05:09 AM")
	stamp, ok, err = readTimestamp(morning)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "20251201_000509", stamp.Format(timestampLayout))

	for name, data := range map[string]string{
		"none.txt":    "Recipe: THK",
		"invalid.txt": "Date and Time: 13/45/2026 02:30:45 PM",
		"24h.txt":     "Date and Time: 03/15/2026 14:30:45",
	} {
		p := filepath.Join(dir, name)
		writeFile(t, p, data)
		_, ok, err := readTimestamp(p)
		require.NoError(t, err, name)
		assert.False(t, ok, name)
	}

	_, _, err = readTimestamp(filepath.Join(dir, "missing.txt"))
	require.Error(t, err)
}

func TestParseInfo(t *testing.T) {
	e, ok := parseInfo("20260315_143045_PSD276_C3W1_THK.info")
	require.True(t, ok)
	assert.Equal(t, entry{time: "20260315_143045", prefix: "PSD276", slot: "C3W1"}, e)

	_, ok = parseInfo("20260315_143045_PSD276_THK.info")
	assert.False(t, ok, "no slot")
	_, ok = parseInfo("PSD276_C3W1.info")
	assert.False(t, ok, "no timestamp")
}

func TestTargetName(t *testing.T) {
	entries := []entry{
		{time: "20260315_143045", prefix: "PSD275", slot: "C1W1"},
		{time: "20260315_143045", prefix: "PSD276", slot: "C3W1"},
	}

	got, ok := targetName("PSD276_20260315_143045_#1_.dat", entries)
	require.True(t, ok)
	assert.Equal(t, "PSD276_20260315_143045_C3W1_.dat", got)

	_, ok = targetName("PSD276_20260315_143045_C3W1_.dat", entries)
	assert.False(t, ok, "already renamed")
	_, ok = targetName("PSD276_20260316_090000_#1_.dat", entries)
	assert.False(t, ok, "other time")
	_, ok = targetName("PSD999_20260315_143045_#1_.dat", entries)
	assert.False(t, ok, "other prefix")
}

func TestHandle_WritesMarkerAndRenamesTargets(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	targets := filepath.Join(dir, "results")
	src := filepath.Join(dir, "in", "PSD276_C3W1_THK.txt")
	writeFile(t, src, header)

	pending := filepath.Join(targets, "PSD276_20260315_143045_#1_.dat")
	unrelated := filepath.Join(targets, "PSD276_20260101_000000_#1_.dat")
	writeFile(t, pending, "r1")
	writeFile(t, unrelated, "r2")

	s := newTestService(t, base, targets, filepath.Join(dir, "missing"))
	res, err := s.Handle(context.Background(), src)
	require.NoError(t, err)

	info := filepath.Join(base, Subfolder, "20260315_143045_PSD276_C3W1_THK.info")
	assert.FileExists(t, info)
	assert.Equal(t, ProcessorName, res.Processor)
	assert.Contains(t, res.Output, "1 renamed")

	assert.NoFileExists(t, pending)
	assert.FileExists(t, filepath.Join(targets, "PSD276_20260315_143045_C3W1_.dat"))
	assert.FileExists(t, unrelated)

	// A second delivery keeps the marker and renames nothing.
	res, err = s.Handle(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, info, res.Output)
	entries, err := os.ReadDir(filepath.Join(base, Subfolder))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHandle_WithoutHeaderIsSkipped(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plain.txt")
	writeFile(t, src, "no header here")

	s := newTestService(t, filepath.Join(dir, "base"))
	res, err := s.Handle(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "no Date and Time header", res.Output)
	assert.NoDirExists(t, filepath.Join(dir, "base", Subfolder))
}

func TestHandle_MissingSource(t *testing.T) {
	dir := t.TempDir()
	s := newTestService(t, filepath.Join(dir, "base"))
	_, err := s.Handle(context.Background(), filepath.Join(dir, "gone.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSweep_SkipsExistingTarget(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	targets := filepath.Join(dir, "results")
	writeFile(t, filepath.Join(base, Subfolder, "20260315_143045_PSD276_C3W1.info"), "")
	writeFile(t, filepath.Join(base, Subfolder, "notes.txt"), "")

	pending := filepath.Join(targets, "PSD276_20260315_143045_#1_.dat")
	taken := filepath.Join(targets, "PSD276_20260315_143045_C3W1_.dat")
	writeFile(t, pending, "new")
	writeFile(t, taken, "old")

	n, err := newTestService(t, base, targets).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.FileExists(t, pending)

	data, err := os.ReadFile(taken)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestSweep_NoBaselineFolder(t *testing.T) {
	n, err := newTestService(t, filepath.Join(t.TempDir(), "base")).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStart_SweepsPeriodically(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	targets := filepath.Join(dir, "results")

	clock := clockwork.NewFakeClock()
	s, err := New(Options{
		Folder:        base,
		TargetFolders: []string{targets},
		Interval:      time.Second,
		RenameDelay:   -1,
		Clock:         clock,
	}, zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	s.Start()
	t.Cleanup(s.Stop)

	writeFile(t, filepath.Join(base, Subfolder, "20260315_143045_PSD276_C3W1.info"), "")
	writeFile(t, filepath.Join(targets, "PSD276_20260315_143045_#1_.dat"), "r1")

	renamed := filepath.Join(targets, "PSD276_20260315_143045_C3W1_.dat")
	require.Eventually(t, func() bool {
		if _, err := os.Stat(renamed); err == nil {
			return true
		}
		clock.Advance(time.Second)
		return false
	}, 5*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}
