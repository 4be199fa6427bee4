// Package retention deletes dispatched files once the date embedded in their
// name falls outside the retention period.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/itm-agent/internal/logging"
)

const (
	defaultSchedule     = "@every 6h"
	defaultInitialDelay = 10 * time.Second
	defaultDeleteDelay  = 50 * time.Millisecond
	defaultBatchSize    = 100
	defaultBatchDelay   = 500 * time.Millisecond

	// folders swept at the same time
	sweepLimit = 2
)

type Options struct {
	Enabled      bool
	Days         int
	Schedule     string
	InitialDelay time.Duration
	Folders      []string

	// DeleteDelay is the pause after each deletion and BatchDelay the extra
	// pause after every BatchSize deletions. Zero selects the default and a
	// negative value disables the pause.
	DeleteDelay time.Duration
	BatchSize   int
	BatchDelay  time.Duration

	Clock clockwork.Clock
}

// Cleaner runs retention sweeps on a cron schedule.
type Cleaner struct {
	opts   Options
	clock  clockwork.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	folders []string
	cron    *cron.Cron
	initial clockwork.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	running atomic.Bool
}

func New(opts Options, logger zerolog.Logger) (*Cleaner, error) {
	if opts.Schedule == "" {
		opts.Schedule = defaultSchedule
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", opts.Schedule, err)
	}
	if opts.InitialDelay == 0 {
		opts.InitialDelay = defaultInitialDelay
	}
	if opts.DeleteDelay == 0 {
		opts.DeleteDelay = defaultDeleteDelay
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchDelay == 0 {
		opts.BatchDelay = defaultBatchDelay
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	c := &Cleaner{
		opts:   opts,
		clock:  opts.Clock,
		logger: logger.With().Str("component", "retention").Logger(),
	}
	c.SetFolders(opts.Folders)
	return c, nil
}

// SetFolders replaces the swept folders. Duplicates differing only in case
// are dropped.
func (c *Cleaner) SetFolders(folders []string) {
	seen := make(map[string]bool, len(folders))
	var out []string
	for _, f := range folders {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		key := strings.ToLower(filepath.Clean(f))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	c.mu.Lock()
	c.folders = out
	c.mu.Unlock()
}

func (c *Cleaner) Folders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.folders...)
}

// Start schedules the first sweep after the initial delay and the rest on the
// cron schedule. Calling Start on a started cleaner does nothing.
func (c *Cleaner) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched := cron.New(cron.WithLogger(logging.CronLogger{Logger: c.logger}))
	if _, err := sched.AddFunc(c.opts.Schedule, func() { c.runScheduled(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule retention: %w", err)
	}
	sched.Start()

	c.ctx, c.cancel, c.cron = ctx, cancel, sched
	c.initial = c.clock.AfterFunc(c.opts.InitialDelay, func() { c.runScheduled(ctx) })

	c.logger.Info().
		Str("schedule", c.opts.Schedule).
		Dur("initialDelay", c.opts.InitialDelay).
		Int("days", c.opts.Days).
		Msg("Retention cleaner started")
	return nil
}

// Stop cancels the schedule and waits for a running sweep to return.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	sched, cancel, initial := c.cron, c.cancel, c.initial
	c.cron, c.cancel, c.initial, c.ctx = nil, nil, nil, nil
	c.mu.Unlock()
	if sched == nil {
		return
	}

	initial.Stop()
	cancel()
	<-sched.Stop().Done()
	c.wg.Wait()
	c.logger.Info().Msg("Retention cleaner stopped")
}

func (c *Cleaner) runScheduled(ctx context.Context) {
	c.mu.Lock()
	if c.ctx != ctx {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Info().Msg("Previous cleanup still running, skipping")
		return
	}
	defer c.running.Store(false)

	if _, err := c.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error().Err(err).Msg("Periodic cleanup task failed")
	}
}

// RunOnce sweeps every folder and returns the number of files deleted.
func (c *Cleaner) RunOnce(ctx context.Context) (int, error) {
	c.logger.Info().Msg("Starting periodic cleanup task")

	if !c.opts.Enabled {
		c.logger.Info().Msg("Auto deletion is disabled, skipping cleanup")
		return 0, nil
	}
	if c.opts.Days <= 0 {
		c.logger.Info().Int("days", c.opts.Days).Msg("Invalid retention period, skipping cleanup")
		return 0, nil
	}

	folders := c.Folders()
	if len(folders) == 0 {
		c.logger.Debug().Msg("No retention folders configured")
		return 0, nil
	}

	today := civilDate(c.clock.Now())
	var total atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepLimit)
	for _, folder := range folders {
		g.Go(func() error {
			n, err := c.sweep(gctx, folder, today)
			total.Add(int64(n))
			return err
		})
	}
	err := g.Wait()

	c.logger.Info().Int64("deleted", total.Load()).Msg("Periodic cleanup task finished")
	return int(total.Load()), err
}

// sweep deletes expired files under folder. Only cancellation is returned as
// an error; other failures are logged and the walk goes on.
func (c *Cleaner) sweep(ctx context.Context, folder string, today time.Time) (int, error) {
	log := c.logger.With().Str("folder", folder).Logger()

	info, err := os.Stat(folder)
	if err != nil || !info.IsDir() {
		log.Info().Msg("Retention folder not found")
		return 0, nil
	}

	deleted, inBatch := 0, 0
	err = filepath.WalkDir(folder, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrPermission) {
				log.Error().Err(walkErr).Str("path", path).Msg("Access denied while scanning folder")
			} else {
				log.Debug().Err(walkErr).Str("path", path).Msg("Skipping unreadable entry")
			}
			if d != nil && d.IsDir() && path != folder {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		date, ok := dateFromName(d.Name())
		if !ok || ageInDays(today, date) < c.opts.Days {
			return nil
		}
		if !c.remove(log, path) {
			return nil
		}

		deleted++
		inBatch++
		if err := c.pause(ctx, c.opts.DeleteDelay); err != nil {
			return err
		}
		if inBatch >= c.opts.BatchSize {
			inBatch = 0
			if err := c.pause(ctx, c.opts.BatchDelay); err != nil {
				return err
			}
		}
		return nil
	})

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Info().Int("deleted", deleted).Msg("Cleanup cancelled")
		return deleted, err
	case err != nil:
		log.Error().Err(err).Msg("Failed to scan folder")
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Completed cleanup for folder")
	} else {
		log.Debug().Msg("No files deleted from folder")
	}
	return deleted, nil
}

// remove deletes path. A file that is already gone counts as deleted. When
// deletion is denied the write bit is restored once and deletion retried.
func (c *Cleaner) remove(log zerolog.Logger, path string) bool {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		log.Debug().Str("file", path).Msg("Deleted")
		return true
	}
	if !errors.Is(err, fs.ErrPermission) {
		log.Error().Err(err).Str("file", path).Msg("Delete failed")
		return false
	}

	if info, statErr := os.Stat(path); statErr == nil && info.Mode().Perm()&0200 == 0 {
		_ = os.Chmod(path, info.Mode().Perm()|0200)
	}
	err = os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		log.Debug().Str("file", path).Msg("Deleted (after attribute change)")
		return true
	}
	log.Error().Err(err).Str("file", path).Msg("Delete failed finally")
	return false
}

func (c *Cleaner) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}
