package filewatcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultSettleDelay     = 10 * time.Second
	defaultRecoverySkipAge = 5 * time.Minute
)

// ScanResult summarizes one manual scan of a root.
type ScanResult struct {
	Root       string
	Scanned    int
	Dispatched int
	Skipped    int
	Failed     int
	Duration   time.Duration
}

// Scanner walks a root to pick up files whose notifications were lost. Files
// that are tracked, were handled recently or are locked are left alone.
type Scanner struct {
	excludes   *ExcludeSet
	tracker    *Tracker
	dedup      *Suppressor
	dispatcher *Dispatcher
	probe      Probe
	skipAge    time.Duration
	logger     zerolog.Logger
}

// NewScanner returns a Scanner that feeds pre-existing files through the tracker and dispatcher.
func NewScanner(excludes *ExcludeSet, tracker *Tracker, dedup *Suppressor, dispatcher *Dispatcher, probe Probe, skipAge time.Duration, logger zerolog.Logger) *Scanner {
	if probe == nil {
		probe = OSProbe{}
	}
	if skipAge <= 0 {
		skipAge = defaultRecoverySkipAge
	}
	return &Scanner{
		excludes:   excludes,
		tracker:    tracker,
		dedup:      dedup,
		dispatcher: dispatcher,
		probe:      probe,
		skipAge:    skipAge,
		logger:     logger,
	}
}

// Scan dispatches every eligible file under root synchronously. It stops early
// when ctx is cancelled and returns the partial result with ctx's error.
func (s *Scanner) Scan(ctx context.Context, root string) (ScanResult, error) {
	start := time.Now()
	res := ScanResult{Root: root}

	info, err := os.Stat(root)
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", root, err)
	}
	if !info.IsDir() {
		return res, fmt.Errorf("scan %s: not a directory", root)
	}

	s.logger.Info().Str("root", root).Msg("Starting manual scan")

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			s.logger.Debug().Err(walkErr).Str("path", path).Msg("Manual scan: skipping unreadable entry")
			return nil
		}

		if d.IsDir() {
			if s.excludes.IsExcluded(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		res.Scanned++

		if s.tracker.IsTracked(path) || s.dedup.SeenWithin(path, s.skipAge) {
			res.Skipped++
			return nil
		}
		if !s.probe.CanOpen(path) {
			res.Skipped++
			return nil
		}

		out, err := s.dispatcher.Dispatch(ctx, path)
		switch {
		case err == nil && (out.Outcome == OutcomeCopied || out.Outcome == OutcomeProcessed):
			res.Dispatched++
			s.dedup.Mark(path)
		case err == nil, errors.Is(err, ErrSourceVanished):
			res.Skipped++
		default:
			res.Failed++
		}
		return nil
	})
	res.Duration = time.Since(start)

	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			s.logger.Error().Err(err).Str("root", root).Msg("Manual scan: access denied")
		}
		return res, fmt.Errorf("scan %s: %w", root, err)
	}

	s.logger.Info().
		Str("root", root).
		Int("scanned", res.Scanned).
		Int("dispatched", res.Dispatched).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Dur("took", res.Duration).
		Msg("Manual scan finished")
	return res, nil
}

// signalOverflow starts recovery for root unless one is already running.
func (w *Watcher) signalOverflow(r *run, root *watchedRoot, cause error) {
	if !root.recovering.CompareAndSwap(false, true) {
		w.logger.Info().Str("root", root.path).Msg("Recovery process already in progress, skipping")
		return
	}
	root.enabled.Store(false)
	w.logger.Info().Str("root", root.path).AnErr("cause", cause).Msg("Event overflow detected, watcher temporarily disabled")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer w.finishRecovery(r, root)
		w.recoverRoot(r, root)
	}()
}

func (w *Watcher) recoverRoot(r *run, root *watchedRoot) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error().Interface("panic", p).Str("root", root.path).Msg("Error during overflow recovery")
		}
	}()

	select {
	case <-r.ctx.Done():
		return
	case <-w.clock.After(w.opts.SettleDelay):
	}

	w.logger.Info().Str("root", root.path).Msg("Manually scanning folder for missed changes")
	if _, err := r.scanner.Scan(r.ctx, root.path); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			w.logger.Info().Str("root", root.path).Msg("Manual scan skipped, folder no longer exists")
		case errors.Is(err, context.Canceled):
		default:
			w.logger.Error().Err(err).Str("root", root.path).Msg("Error during manual scan")
		}
	}
}

// finishRecovery clears the recovery flag and turns delivery back on if the
// root still belongs to the running watcher.
func (w *Watcher) finishRecovery(r *run, root *watchedRoot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	root.recovering.Store(false)
	if w.run != r || r.roots[root.key] != root || w.state != StateRunning {
		w.logger.Info().Str("root", root.path).Msg("Watcher removed during recovery, skipping re-enable")
		return
	}
	root.enabled.Store(true)
	w.logger.Info().Str("root", root.path).Msg("Watcher re-enabled")
}
