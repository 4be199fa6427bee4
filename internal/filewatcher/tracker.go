package filewatcher

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const defaultStabilityThreshold = 5 * time.Second

// ChangeKind is the kind of raw notification that touched a file.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota + 1
	ChangeModified
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeModified:
		return "modified"
	default:
		return "unknown"
	}
}

// TrackedFile is the stability snapshot of a file that is still being written.
type TrackedFile struct {
	Path          string
	LastEventTime time.Time
	LastSize      int64
	LastWriteTime time.Time
	LastChange    ChangeKind
}

// Tracker follows files from their first qualifying notification until their
// size and modification time stay unchanged for the stability threshold and
// the file can be opened. Keys are case-insensitive.
type Tracker struct {
	mu        sync.Mutex
	files     map[string]*TrackedFile
	probe     Probe
	threshold time.Duration
	clock     clockwork.Clock
	logger    zerolog.Logger
}

// NewTracker creates a Tracker. A zero threshold selects 5 seconds.
func NewTracker(probe Probe, threshold time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Tracker {
	if probe == nil {
		probe = OSProbe{}
	}
	if threshold <= 0 {
		threshold = defaultStabilityThreshold
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		files:     make(map[string]*TrackedFile),
		probe:     probe,
		threshold: threshold,
		clock:     clock,
		logger:    logger,
	}
}

// Observe records a raw notification for path. It returns true when the event
// started or reset tracking. Files that are gone or cannot be opened are
// dropped from tracking, and zero-size modifications are ignored.
func (t *Tracker) Observe(path string, change ChangeKind) bool {
	key := pathKey(path)

	size, modTime, err := t.probe.Stat(path)
	if err != nil || !t.probe.CanOpen(path) {
		t.mu.Lock()
		_, had := t.files[key]
		delete(t.files, key)
		t.mu.Unlock()
		if had {
			t.logger.Debug().Str("file", path).Msg("Stop tracking, file missing or unreadable")
		} else {
			t.logger.Debug().Str("file", path).Msg("Ignoring event, file missing or unreadable")
		}
		return false
	}

	if size == 0 && change == ChangeModified {
		t.logger.Debug().Str("file", path).Msg("Ignoring zero-byte modify event")
		return false
	}

	now := t.clock.Now()

	t.mu.Lock()
	entry, ok := t.files[key]
	if !ok {
		entry = &TrackedFile{Path: path}
		t.files[key] = entry
	}
	entry.LastEventTime = now
	entry.LastSize = size
	entry.LastWriteTime = modTime
	entry.LastChange = change
	t.mu.Unlock()

	if !ok {
		t.logger.Debug().Str("file", path).Str("change", change.String()).Msg("Start tracking")
	}
	return true
}

type pollItem struct {
	key   string
	entry *TrackedFile
	snap  TrackedFile
}

// Poll checks every tracked file once and returns, in order of their last
// change, the paths that became stable and readable. Those entries are removed.
func (t *Tracker) Poll() []string {
	t.mu.Lock()
	items := make([]pollItem, 0, len(t.files))
	for key, entry := range t.files {
		items = append(items, pollItem{key: key, entry: entry, snap: *entry})
	}
	t.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].snap.LastEventTime.Equal(items[j].snap.LastEventTime) {
			return items[i].snap.LastEventTime.Before(items[j].snap.LastEventTime)
		}
		return items[i].key < items[j].key
	})

	var ready []string
	for _, item := range items {
		path := item.snap.Path
		size, modTime, err := t.probe.Stat(path)
		now := t.clock.Now()

		switch {
		case err != nil:
			if t.apply(item, func() { delete(t.files, item.key) }) {
				t.logger.Debug().Str("file", path).Err(err).Msg("Stop tracking, file not accessible during stability check")
			}

		case size != item.snap.LastSize || !modTime.Equal(item.snap.LastWriteTime):
			if t.apply(item, func() {
				item.entry.LastEventTime = now
				item.entry.LastSize = size
				item.entry.LastWriteTime = modTime
			}) {
				t.logger.Debug().Str("file", path).Int64("size", size).Msg("File changed, resetting stability timer")
			}

		case now.Sub(item.snap.LastEventTime) >= t.threshold:
			if !t.probe.CanOpen(path) {
				t.logger.Debug().Str("file", path).Msg("File stable but locked, retrying next check")
				continue
			}
			if t.apply(item, func() { delete(t.files, item.key) }) {
				ready = append(ready, path)
				t.logger.Debug().Str("file", path).Msg("File stable and ready for processing")
			}
		}
	}
	return ready
}

// apply runs fn under the lock unless the entry was replaced or touched by a
// newer event since the snapshot was taken.
func (t *Tracker) apply(item pollItem, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.files[item.key]
	if !ok || current != item.entry || !current.LastEventTime.Equal(item.snap.LastEventTime) {
		return false
	}
	fn()
	return true
}

// IsTracked reports whether path currently has a tracking entry.
func (t *Tracker) IsTracked(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.files[pathKey(path)]
	return ok
}

// Get returns a copy of the tracking entry for path.
func (t *Tracker) Get(path string) (TrackedFile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.files[pathKey(path)]
	if !ok {
		return TrackedFile{}, false
	}
	return *entry, true
}

// Len returns the number of tracked files.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// Reset forgets every tracked file.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.files = make(map[string]*TrackedFile)
	t.mu.Unlock()
}
