// Package logging builds the agent's zerolog logger: human-readable console
// output plus a size-rotated log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/your-org/itm-agent/internal/config"
)

// Level resolves the effective level. debug forces DebugLevel; an empty level
// means info.
func Level(level string, debug bool) (zerolog.Level, error) {
	if debug {
		return zerolog.DebugLevel, nil
	}
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// New creates a logger writing to console and, when cfg.File is set, to a
// rotating file. The returned closer releases the file.
func New(cfg config.LogConfig, console io.Writer) (zerolog.Logger, io.Closer, error) {
	lvl, err := Level(cfg.Level, cfg.Debug)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	if console == nil {
		console = os.Stdout
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rw, err := NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxAgeDays, cfg.MaxBackups, cfg.Compress)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, rw)
		closer = rw
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Logger().
		Level(lvl)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
