package filewatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultCopyRetries    = 5
	defaultCopyRetryDelay = 300 * time.Millisecond
)

var errChecksumMismatch = errors.New("destination checksum mismatch")

// CopyOptions tunes the Copier retry policy.
type CopyOptions struct {
	Retries int
	// RetryDelay is the pause between attempts. Zero selects 300ms and a
	// negative value disables the pause.
	RetryDelay time.Duration
	// Verify re-reads the destination and compares its xxhash64 with the
	// bytes streamed from the source.
	Verify bool
}

// Copier copies a file that another process may still hold open, retrying
// transient I/O failures.
type Copier struct {
	retries int
	delay   time.Duration
	verify  bool
	clock   clockwork.Clock
	logger  zerolog.Logger
}

// NewCopier returns a Copier, filling zero options with the defaults.
func NewCopier(opts CopyOptions, clock clockwork.Clock, logger zerolog.Logger) *Copier {
	if opts.Retries <= 0 {
		opts.Retries = defaultCopyRetries
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = defaultCopyRetryDelay
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Copier{
		retries: opts.Retries,
		delay:   opts.RetryDelay,
		verify:  opts.Verify,
		clock:   clock,
		logger:  logger,
	}
}

// Copy writes src to dst. With overwrite the destination is truncated,
// otherwise an existing destination fails with ErrDestinationExists.
// Cancelling ctx stops further attempts but never interrupts one in progress.
func (c *Copier) Copy(ctx context.Context, src, dst string, overwrite bool) error {
	if sameFile(src, dst) {
		return fmt.Errorf("copy %s to %s: %w", src, dst, ErrSameFile)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			if err := c.wait(ctx); err != nil {
				return fmt.Errorf("copy %s: stopped after %d attempts: %w", src, attempt-1, err)
			}
		}

		sourceSide, err := c.copyOnce(src, dst, overwrite)
		if err == nil {
			return nil
		}

		switch classifyIOError(err) {
		case ioVanished:
			if sourceSide {
				return fmt.Errorf("copy %s: %w", src, ErrSourceVanished)
			}
		case ioPermission:
			return fmt.Errorf("copy %s to %s: %w: %w", src, dst, ErrPermissionDenied, err)
		case ioExists:
			if !overwrite {
				return fmt.Errorf("copy %s to %s: %w", src, dst, ErrDestinationExists)
			}
		}

		lastErr = err
		c.logger.Debug().
			Err(err).
			Str("file", src).
			Int("attempt", attempt).
			Int("maxAttempts", c.retries).
			Msg("IO error during copy, retrying")
	}
	return fmt.Errorf("copy %s to %s: %w: %w", src, dst, ErrRetriesExhausted, lastErr)
}

// sameFile reports whether dst already exists and is src. Opening dst with
// O_TRUNC would empty the source before it is read.
func sameFile(src, dst string) bool {
	si, err := os.Stat(src)
	if err != nil {
		return false
	}
	di, err := os.Stat(dst)
	if err != nil {
		return false
	}
	return os.SameFile(si, di)
}

func (c *Copier) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(c.delay):
		return nil
	}
}

// copyOnce performs a single attempt. sourceSide reports whether err came from
// opening the source.
func (c *Copier) copyOnce(src, dst string, overwrite bool) (sourceSide bool, err error) {
	in, err := openShared(src)
	if err != nil {
		return true, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, err
	}

	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	out, err := os.OpenFile(dst, flags, 0644)
	if err != nil {
		return false, err
	}

	var reader io.Reader = in
	var digest *xxhash.Digest
	if c.verify {
		digest = xxhash.New()
		reader = io.TeeReader(in, digest)
	}

	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		os.Remove(dst)
		return false, err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return false, err
	}

	if c.verify {
		sum, err := fileChecksum(dst)
		if err != nil {
			return false, err
		}
		if sum != digest.Sum64() {
			os.Remove(dst)
			return false, errChecksumMismatch
		}
	}
	return false, nil
}

func fileChecksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
