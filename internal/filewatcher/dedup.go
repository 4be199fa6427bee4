package filewatcher

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultDedupWindow = 5 * time.Second
	defaultDedupLimit  = 1000
	defaultDedupMaxAge = 5 * time.Minute
)

// Suppressor drops raw notifications for a path that arrive within a fixed
// window of the first one. The window does not slide: a duplicate never
// refreshes the marker.
type Suppressor struct {
	mu      sync.Mutex
	markers map[string]time.Time
	window  time.Duration
	limit   int
	maxAge  time.Duration
	clock   clockwork.Clock
}

// NewSuppressor creates a Suppressor. Zero values select the defaults
// (5s window, eviction above 1000 markers for markers older than 5 minutes).
func NewSuppressor(window time.Duration, limit int, maxAge time.Duration, clock clockwork.Clock) *Suppressor {
	if window <= 0 {
		window = defaultDedupWindow
	}
	if limit <= 0 {
		limit = defaultDedupLimit
	}
	if maxAge <= 0 {
		maxAge = defaultDedupMaxAge
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Suppressor{
		markers: make(map[string]time.Time),
		window:  window,
		limit:   limit,
		maxAge:  maxAge,
		clock:   clock,
	}
}

// IsDuplicate reports whether path was seen less than the window ago. When it
// was not, the current time is recorded as its marker.
func (s *Suppressor) IsDuplicate(path string) bool {
	now := s.clock.Now()
	key := pathKey(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.markers) > s.limit {
		s.evictLocked(now)
	}
	if last, ok := s.markers[key]; ok && now.Sub(last) < s.window {
		return true
	}
	s.markers[key] = now
	return false
}

// Mark records path as just seen.
func (s *Suppressor) Mark(path string) {
	now := s.clock.Now()
	s.mu.Lock()
	s.markers[pathKey(path)] = now
	s.mu.Unlock()
}

// SeenWithin reports whether path has a marker younger than d.
func (s *Suppressor) SeenWithin(path string, d time.Duration) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.markers[pathKey(path)]
	return ok && now.Sub(last) < d
}

// Len returns the number of markers currently held.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.markers)
}

// Reset drops every marker.
func (s *Suppressor) Reset() {
	s.mu.Lock()
	s.markers = make(map[string]time.Time)
	s.mu.Unlock()
}

func (s *Suppressor) evictLocked(now time.Time) {
	for key, seen := range s.markers {
		if now.Sub(seen) > s.maxAge {
			delete(s.markers, key)
		}
	}
}
