package filewatcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	defaultPollInterval  = time.Second
	defaultMaxConcurrent = 1
	defaultQueueSize     = 1024
	defaultBufferSize    = 128 * 1024
)

var (
	// ErrNotInitialized is returned by Rescan before Initialize or after Stop.
	ErrNotInitialized = errors.New("watcher not initialized")

	errInboxFull = errors.New("event inbox full")
)

// State is the lifecycle state of a Watcher.
type State int32

const (
	StateStopped State = iota
	// StateInitializing covers both the build of the watches and the period
	// after Initialize during which delivery stays off until Start.
	StateInitializing
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Settings is the watch configuration read at every Initialize.
type Settings struct {
	Roots    []string
	Excludes []string
	Rules    []Rule
}

// SettingsSource supplies the current watch configuration.
type SettingsSource interface {
	WatchSettings() (Settings, error)
}

// StaticSettings is a SettingsSource that never changes.
type StaticSettings Settings

func (s StaticSettings) WatchSettings() (Settings, error) {
	return Settings(s), nil
}

// SettingsFunc adapts a function to SettingsSource.
type SettingsFunc func() (Settings, error)

func (f SettingsFunc) WatchSettings() (Settings, error) {
	return f()
}

// Options tunes the watcher. Zero values select the defaults.
type Options struct {
	StabilityThreshold time.Duration
	PollInterval       time.Duration
	DedupWindow        time.Duration
	DedupLimit         int
	DedupMaxAge        time.Duration
	SettleDelay        time.Duration
	RecoverySkipAge    time.Duration
	PatternTimeout     time.Duration
	Copy               CopyOptions
	// NoOverwrite makes a dispatch fail when the destination file exists.
	NoOverwrite bool
	// MaxConcurrent bounds the number of dispatches running at once.
	MaxConcurrent int
	// QueueSize bounds the number of raw events waiting for the coordinator.
	// A full queue is handled like an event overflow.
	QueueSize int
	// BufferSize is the native notification buffer per root (Windows only).
	BufferSize int
	Processors map[string]Processor
	Probe      Probe
	Clock      clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.StabilityThreshold <= 0 {
		o.StabilityThreshold = defaultStabilityThreshold
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = defaultSettleDelay
	}
	if o.RecoverySkipAge <= 0 {
		o.RecoverySkipAge = defaultRecoverySkipAge
	}
	if o.PatternTimeout <= 0 {
		o.PatternTimeout = defaultPatternTimeout
	}
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = defaultMaxConcurrent
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.Probe == nil {
		o.Probe = OSProbe{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// watchedRoot is one configured root and its native watch.
type watchedRoot struct {
	path       string
	key        string
	fsw        *fsnotify.Watcher
	enabled    atomic.Bool
	recovering atomic.Bool
}

type rawEvent struct {
	root   *watchedRoot
	path   string
	change ChangeKind
}

// run holds everything built by one Initialize. Goroutines capture their run
// so a later Initialize never races with them.
type run struct {
	ctx        context.Context
	cancel     context.CancelFunc
	roots      map[string]*watchedRoot
	order      []*watchedRoot
	inbox      chan rawEvent
	excludes   *ExcludeSet
	dedup      *Suppressor
	tracker    *Tracker
	dispatcher *Dispatcher
	scanner    *Scanner
	sem        *semaphore.Weighted
	wg         sync.WaitGroup
}

// Watcher owns the native watches and drives events through exclusion,
// deduplication, stability tracking and dispatch.
type Watcher struct {
	lifeMu sync.Mutex // serializes Initialize, Start and Stop

	mu    sync.Mutex
	state State
	run   *run

	source SettingsSource
	opts   Options
	clock  clockwork.Clock
	logger zerolog.Logger
}

// New creates a stopped Watcher.
func New(source SettingsSource, opts Options, logger zerolog.Logger) *Watcher {
	opts = opts.withDefaults()
	return &Watcher{
		state:  StateStopped,
		source: source,
		opts:   opts,
		clock:  opts.Clock,
		logger: logger.With().Str("component", "filewatcher").Logger(),
	}
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Roots returns the roots that are currently watched.
func (w *Watcher) Roots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.run == nil {
		return nil
	}
	out := make([]string, 0, len(w.run.order))
	for _, root := range w.run.order {
		out = append(out, root.path)
	}
	return out
}

// Initialize stops any previous run, reads the settings once and builds the
// watches with event delivery disabled.
func (w *Watcher) Initialize() error {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	return w.initialize()
}

func (w *Watcher) initialize() error {
	w.stop()

	w.mu.Lock()
	w.state = StateInitializing
	w.mu.Unlock()

	settings, err := w.source.WatchSettings()
	if err != nil {
		w.mu.Lock()
		w.state = StateStopped
		w.mu.Unlock()
		return fmt.Errorf("read watch settings: %w", err)
	}

	r := w.newRun(settings)

	w.mu.Lock()
	w.run = r
	w.mu.Unlock()

	for _, root := range r.order {
		r.wg.Add(1)
		go w.pump(r, root)
	}
	r.wg.Add(1)
	go w.coordinate(r)

	if len(r.order) == 0 {
		w.logger.Warn().Msg("No folders are being watched")
	}
	w.logger.Info().
		Int("roots", len(r.order)).
		Int("excludes", r.excludes.Len()).
		Int("rules", len(settings.Rules)).
		Msg("File watcher initialized")
	return nil
}

func (w *Watcher) newRun(settings Settings) *run {
	ctx, cancel := context.WithCancel(context.Background())

	excludes, invalid := NewExcludeSet(settings.Excludes)
	for _, p := range invalid {
		w.logger.Warn().Str("path", p).Msg("Invalid exclude path, skipping")
	}

	tracker := NewTracker(w.opts.Probe, w.opts.StabilityThreshold, w.clock, w.logger)
	dedup := NewSuppressor(w.opts.DedupWindow, w.opts.DedupLimit, w.opts.DedupMaxAge, w.clock)
	engine := NewRuleEngine(settings.Rules, w.opts.PatternTimeout, w.logger)
	copier := NewCopier(w.opts.Copy, w.clock, w.logger)
	dispatcher := NewDispatcher(engine, copier, w.opts.Processors, !w.opts.NoOverwrite, w.logger)

	r := &run{
		ctx:        ctx,
		cancel:     cancel,
		roots:      make(map[string]*watchedRoot),
		inbox:      make(chan rawEvent, w.opts.QueueSize),
		excludes:   excludes,
		dedup:      dedup,
		tracker:    tracker,
		dispatcher: dispatcher,
		scanner:    NewScanner(excludes, tracker, dedup, dispatcher, w.opts.Probe, w.opts.RecoverySkipAge, w.logger),
		sem:        semaphore.NewWeighted(int64(w.opts.MaxConcurrent)),
	}

	for _, p := range settings.Roots {
		root, err := w.openRoot(r, p)
		if err != nil {
			w.logger.Error().Err(err).Str("folder", p).Msg("Failed to watch folder, skipping")
			continue
		}
		if _, dup := r.roots[root.key]; dup {
			root.fsw.Close()
			continue
		}
		r.roots[root.key] = root
		r.order = append(r.order, root)
		w.logger.Info().Str("folder", root.path).Msg("Watching folder")
	}
	w.checkDestinations(r, engine.Destinations())
	return r
}

// checkDestinations warns about rule destinations inside a watched root that
// no exclude covers. Copies landing there raise new events for the same file.
func (w *Watcher) checkDestinations(r *run, destinations []string) {
	for _, dest := range destinations {
		if r.excludes.IsExcluded(dest) {
			continue
		}
		for _, root := range r.order {
			within, _ := NewExcludeSet([]string{root.path})
			if within.IsExcluded(dest) {
				w.logger.Warn().
					Str("destination", dest).
					Str("root", root.path).
					Msg("Rule destination lies inside a watched folder and is not excluded")
				break
			}
		}
	}
}

func (w *Watcher) openRoot(r *run, p string) (*watchedRoot, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.AddWith(abs, fsnotify.WithBufferSize(w.opts.BufferSize)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}

	root := &watchedRoot{path: abs, key: pathKey(abs), fsw: fsw}
	w.addSubdirs(r, root, abs)
	return root, nil
}

// addSubdirs adds a watch for every non-excluded directory below dir.
func (w *Watcher) addSubdirs(r *run, root *watchedRoot, dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == dir {
			return nil
		}
		if r.excludes.IsExcluded(path) {
			return filepath.SkipDir
		}
		if err := root.fsw.Add(path); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("Failed to add subdirectory to watcher")
		}
		return nil
	})
}

// Start enables event delivery. It initializes first when stopped and does
// nothing when already running.
func (w *Watcher) Start() error {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	switch w.State() {
	case StateRunning:
		return nil
	case StateStopped:
		if err := w.initialize(); err != nil {
			return err
		}
	}

	w.mu.Lock()
	for _, root := range w.run.order {
		if !root.recovering.Load() {
			root.enabled.Store(true)
		}
	}
	w.state = StateRunning
	roots := len(w.run.order)
	w.mu.Unlock()

	w.logger.Info().Int("roots", roots).Msg("File watcher started")
	return nil
}

// Stop disables and closes every watch, then waits for in-flight work to
// finish. It is safe to call repeatedly and from any state.
func (w *Watcher) Stop() {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	w.stop()
}

func (w *Watcher) stop() {
	w.mu.Lock()
	r := w.run
	w.run = nil
	prev := w.state
	w.state = StateStopped
	w.mu.Unlock()

	if r == nil {
		if prev != StateStopped {
			w.logger.Debug().Msg("File watcher stopped")
		}
		return
	}

	for _, root := range r.order {
		root.enabled.Store(false)
	}
	r.cancel()
	for _, root := range r.order {
		root.fsw.Close()
	}

	// Copies already running finish on their own.
	r.wg.Wait()

	r.tracker.Reset()
	r.dedup.Reset()
	w.logger.Info().Msg("File watcher stopped")
}

// Rescan walks every watched root once and dispatches files whose events were
// missed. It runs synchronously on the caller's goroutine.
func (w *Watcher) Rescan(ctx context.Context) ([]ScanResult, error) {
	w.mu.Lock()
	r := w.run
	w.mu.Unlock()
	if r == nil {
		return nil, ErrNotInitialized
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	var results []ScanResult
	var errs []error
	for _, root := range r.order {
		res, err := r.scanner.Scan(ctx, root.path)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// pump forwards native events of one root into the shared inbox.
func (w *Watcher) pump(r *run, root *watchedRoot) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return

		case ev, ok := <-root.fsw.Events:
			if !ok {
				return
			}
			if !root.enabled.Load() {
				continue
			}
			var change ChangeKind
			switch {
			case ev.Has(fsnotify.Create):
				change = ChangeCreated
			case ev.Has(fsnotify.Write):
				change = ChangeModified
			default:
				continue
			}
			select {
			case r.inbox <- rawEvent{root: root, path: ev.Name, change: change}:
			default:
				w.signalOverflow(r, root, errInboxFull)
			}

		case err, ok := <-root.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				if root.enabled.Load() {
					w.signalOverflow(r, root, err)
				}
				continue
			}
			w.logger.Error().Err(err).Str("root", root.path).Msg("Watcher error")
		}
	}
}

// coordinate is the single consumer of the inbox and the only owner of the
// poll timer.
func (w *Watcher) coordinate(r *run) {
	defer r.wg.Done()

	var timer clockwork.Timer
	var pollC <-chan time.Time
	arm := func() {
		if timer == nil {
			timer = w.clock.NewTimer(w.opts.PollInterval)
		} else {
			timer.Reset(w.opts.PollInterval)
		}
		pollC = timer.Chan()
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-r.ctx.Done():
			return

		case ev := <-r.inbox:
			if w.handleEvent(r, ev) && pollC == nil {
				arm()
			}

		case <-pollC:
			pollC = nil
			if w.poll(r) {
				arm()
			}
		}
	}
}

// handleEvent returns true when the event left a file in tracking. A panic
// drops the event and keeps the coordinator alive.
func (w *Watcher) handleEvent(r *run, ev rawEvent) (tracked bool) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error().Interface("panic", p).Str("file", ev.path).Msg("Error handling file event")
			tracked = false
		}
	}()

	if !ev.root.enabled.Load() {
		return false
	}

	if ev.change == ChangeCreated {
		if info, err := os.Stat(ev.path); err == nil && info.IsDir() {
			return w.watchNewDir(r, ev.root, ev.path)
		}
	}

	if r.excludes.IsExcluded(filepath.Dir(ev.path)) {
		return false
	}
	if r.dedup.IsDuplicate(ev.path) {
		w.logger.Debug().Str("file", ev.path).Str("change", ev.change.String()).Msg("Duplicate event suppressed")
		return false
	}
	return r.tracker.Observe(ev.path, ev.change)
}

// watchNewDir adds watches for a directory created under a root and starts
// tracking files that already landed in it before the watch existed.
func (w *Watcher) watchNewDir(r *run, root *watchedRoot, dir string) bool {
	if r.excludes.IsExcluded(dir) {
		return false
	}
	if err := root.fsw.Add(dir); err != nil {
		w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to add new directory to watcher")
		return false
	}
	w.addSubdirs(r, root, dir)

	tracked := false
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && r.excludes.IsExcluded(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || r.dedup.IsDuplicate(path) {
			return nil
		}
		if r.tracker.Observe(path, ChangeCreated) {
			tracked = true
		}
		return nil
	})
	w.logger.Debug().Str("path", dir).Msg("Watching new directory")
	return tracked
}

// poll runs one stability check and reports whether files remain tracked.
// A panic disarms the timer until the next qualifying event.
func (w *Watcher) poll(r *run) (pending bool) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error().Interface("panic", p).Msg("Unhandled error in stability check, timer paused")
			pending = false
		}
	}()

	for _, path := range r.tracker.Poll() {
		w.dispatchAsync(r, path)
	}

	if r.tracker.Len() == 0 {
		w.logger.Debug().Msg("Tracking list empty, stability check timer paused")
		return false
	}
	return true
}

// dispatchAsync hands a stable file to the dispatcher behind the concurrency
// limit. Files already queued are still dispatched after Stop, and Stop waits
// for them, but their copies get a single attempt.
func (w *Watcher) dispatchAsync(r *run, path string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(context.WithoutCancel(r.ctx), 1); err != nil {
			w.logger.Info().Err(err).Str("file", path).Msg("Dispatch dropped")
			return
		}
		defer r.sem.Release(1)

		defer func() {
			if p := recover(); p != nil {
				w.logger.Error().Interface("panic", p).Str("file", path).Msg("Error processing stable file")
			}
		}()
		r.dispatcher.Dispatch(r.ctx, path)
	}()
}
