package filewatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCopier(opts CopyOptions) *Copier {
	if opts.RetryDelay == 0 {
		opts.RetryDelay = -1
	}
	return NewCopier(opts, nil, zerolog.Nop())
}

func TestCopier_CopiesAndCreatesDestinationDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in", "a.txt")
	dst := filepath.Join(dir, "out", "nested", "a.txt")
	writeFile(t, src, "hello")

	require.NoError(t, newTestCopier(CopyOptions{}).Copy(context.Background(), src, dst, true))
	assert.Equal(t, "hello", readFile(t, dst))
}

func TestCopier_OverwriteTruncates(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	dst := filepath.Join(dir, "out", "a.txt")
	writeFile(t, src, "new")
	writeFile(t, dst, "much longer old content")

	require.NoError(t, newTestCopier(CopyOptions{}).Copy(context.Background(), src, dst, true))
	assert.Equal(t, "new", readFile(t, dst))
}

func TestCopier_ExistingDestinationWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	dst := filepath.Join(dir, "out", "a.txt")
	writeFile(t, src, "new")
	writeFile(t, dst, "old")

	err := newTestCopier(CopyOptions{}).Copy(context.Background(), src, dst, false)
	require.ErrorIs(t, err, ErrDestinationExists)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, "old", readFile(t, dst))
}

func TestCopier_MissingSourceIsNotRetried(t *testing.T) {
	dir := t.TempDir()
	err := newTestCopier(CopyOptions{}).Copy(context.Background(), filepath.Join(dir, "missing.txt"), filepath.Join(dir, "out", "x"), true)

	require.ErrorIs(t, err, ErrSourceVanished)
	assert.NoFileExists(t, filepath.Join(dir, "out", "x"))
}

func TestCopier_SourceHeldOpenByWriter(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "live.log")
	dst := filepath.Join(dir, "out", "live.log")

	writer, err := os.OpenFile(src, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	defer writer.Close()
	_, err = writer.WriteString("line 1\n")
	require.NoError(t, err)

	require.NoError(t, newTestCopier(CopyOptions{}).Copy(context.Background(), src, dst, true))
	assert.Equal(t, "line 1\n", readFile(t, dst))

	_, err = writer.WriteString("line 2\n")
	require.NoError(t, err, "the producer keeps writing after the copy")
}

func TestCopier_RetriesExhausted(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	writeFile(t, src, "data")
	// A directory in place of the destination file fails every attempt.
	dst := filepath.Join(dir, "out", "a.txt")
	require.NoError(t, os.MkdirAll(dst, 0755))

	err := newTestCopier(CopyOptions{Retries: 3}).Copy(context.Background(), src, dst, true)
	require.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestCopier_CancelStopsRetries(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	writeFile(t, src, "data")
	dst := filepath.Join(dir, "out", "a.txt")
	require.NoError(t, os.MkdirAll(dst, 0755))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestCopier(CopyOptions{}).Copy(ctx, src, dst, true)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrRetriesExhausted))
}

func TestCopier_Verify(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.bin")
	dst := filepath.Join(dir, "out", "a.bin")
	writeFile(t, src, "checksummed payload")

	require.NoError(t, newTestCopier(CopyOptions{Verify: true}).Copy(context.Background(), src, dst, true))
	assert.Equal(t, "checksummed payload", readFile(t, dst))
}

func TestCopier_PermissionDenied(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("needs POSIX permissions enforced for the current user")
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	writeFile(t, src, "data")
	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.MkdirAll(locked, 0500))
	t.Cleanup(func() { os.Chmod(locked, 0755) })

	err := newTestCopier(CopyOptions{}).Copy(context.Background(), src, filepath.Join(locked, "a.txt"), true)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestCopier_SameFileIsRefused(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	writeFile(t, src, "keep me")

	c := newTestCopier(CopyOptions{})
	require.ErrorIs(t, c.Copy(context.Background(), src, src, true), ErrSameFile)

	alias := dir + string(filepath.Separator) + "." + string(filepath.Separator) + "a.txt"
	err := c.Copy(context.Background(), src, alias, true)
	require.ErrorIs(t, err, ErrSameFile)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, "keep me", readFile(t, src))
}

func TestCopier_DefaultRetryPolicy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	writeFile(t, src, "data")
	dst := filepath.Join(dir, "out", "a.txt")
	require.NoError(t, os.MkdirAll(dst, 0755))

	clock := clockwork.NewFakeClock()
	start := clock.Now()
	var logs syncBuffer
	c := NewCopier(CopyOptions{}, clock, zerolog.New(&logs).Level(zerolog.DebugLevel))

	done := make(chan error, 1)
	go func() { done <- c.Copy(context.Background(), src, dst, true) }()

	for attempt := 1; attempt < 5; attempt++ {
		clock.BlockUntil(1)
		assert.Equal(t, attempt, logs.count("IO error during copy, retrying"))

		clock.Advance(299 * time.Millisecond)
		select {
		case err := <-done:
			t.Fatalf("copy returned before the retry delay elapsed: %v", err)
		default:
		}
		clock.Advance(time.Millisecond)
	}

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrRetriesExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("copy did not give up")
	}
	assert.Equal(t, 5, logs.count("IO error during copy, retrying"))
	assert.Equal(t, 4*300*time.Millisecond, clock.Since(start))
}

func TestCopier_TransientFailureRecovers(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	writeFile(t, src, "data")
	dst := filepath.Join(dir, "out", "a.txt")
	require.NoError(t, os.MkdirAll(dst, 0755))

	clock := clockwork.NewFakeClock()
	c := NewCopier(CopyOptions{}, clock, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- c.Copy(context.Background(), src, dst, true) }()

	clock.BlockUntil(1)
	require.NoError(t, os.Remove(dst))
	clock.Advance(300 * time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("copy did not finish")
	}
	assert.Equal(t, "data", readFile(t, dst))
}
