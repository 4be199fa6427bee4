package logging

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/itm-agent/internal/config"
)

func TestLevel(t *testing.T) {
	lvl, err := Level("", false)
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	lvl, err = Level("WARN", false)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, lvl)

	lvl, err = Level("error", true)
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl, "debug mode wins over the level")

	_, err = Level("chatty", false)
	assert.Error(t, err)
}

func TestNew_WritesConsoleAndFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "agent.log")
	var console bytes.Buffer

	logger, closer, err := New(config.LogConfig{Level: "info", File: file}, &console)
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	logger.Info().Str("root", "/data/in").Msg("Watching folder")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "Watching folder")
	assert.NotContains(t, console.String(), "hidden")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"Watching folder"`)
	assert.Contains(t, string(data), `"root":"/data/in"`)
}

func TestNew_DebugFlag(t *testing.T) {
	var console bytes.Buffer
	logger, closer, err := New(config.LogConfig{Level: "error", Debug: true}, &console)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug().Msg("Duplicate event suppressed")
	assert.Contains(t, console.String(), "Duplicate event suppressed")
}

func TestRotatingWriter_RotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "agent.log")

	rw, err := NewRotatingWriter(file, 1, 30, 2, false)
	require.NoError(t, err)
	rw.maxSize = 10
	now := time.Now()
	rw.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		_, err := rw.Write([]byte("0123456789"))
		require.NoError(t, err)
	}
	require.NoError(t, rw.Close())

	backups := rw.backups()
	require.Len(t, backups, 2, "only the newest backups are kept")
	for _, b := range backups {
		assert.True(t, strings.HasPrefix(filepath.Base(b.path), "agent.log."+now.Format(backupTimeFormat)))
	}

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestRotatingWriter_Compresses(t *testing.T) {
	file := filepath.Join(t.TempDir(), "agent.log")

	rw, err := NewRotatingWriter(file, 1, 30, 5, true)
	require.NoError(t, err)
	rw.maxSize = 8

	_, err = rw.Write([]byte("first..."))
	require.NoError(t, err)
	_, err = rw.Write([]byte("second.."))
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	matches, err := filepath.Glob(file + ".*.gz")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "first...", string(data))
}

func TestRotatingWriter_AppendsToExisting(t *testing.T) {
	file := filepath.Join(t.TempDir(), "agent.log")
	require.NoError(t, os.WriteFile(file, []byte("old\n"), 0644))

	rw, err := NewRotatingWriter(file, 1, 30, 5, false)
	require.NoError(t, err)
	_, err = rw.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(data))

	_, err = rw.Write([]byte("late"))
	assert.True(t, errors.Is(err, os.ErrClosed))
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	l := CronLogger{Logger: zerolog.New(&buf).Level(zerolog.DebugLevel)}

	l.Info("schedule", "entry", 1)
	l.Error(errors.New("boom"), "job failed", "entry", 2)

	out := buf.String()
	assert.Contains(t, out, `"message":"schedule"`)
	assert.Contains(t, out, `"entry":1`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"level":"error"`)
}
