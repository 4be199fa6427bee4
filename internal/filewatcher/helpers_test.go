package filewatcher

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFile struct {
	size    int64
	modTime time.Time
	locked  bool
}

// fakeProbe is an in-memory Probe.
type fakeProbe struct {
	mu    sync.Mutex
	files map[string]fakeFile
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{files: make(map[string]fakeFile)}
}

func (p *fakeProbe) set(path string, size int64, modTime time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.files[path]
	f.size = size
	f.modTime = modTime
	p.files[path] = f
}

func (p *fakeProbe) lock(path string, locked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.files[path]
	f.locked = locked
	p.files[path] = f
}

func (p *fakeProbe) remove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.files, path)
}

func (p *fakeProbe) Stat(path string) (int64, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[path]
	if !ok {
		return 0, time.Time{}, os.ErrNotExist
	}
	return f.size, f.modTime, nil
}

func (p *fakeProbe) CanOpen(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[path]
	return ok && !f.locked
}

// flakyStat wraps fakeProbe and panics from Stat while failing is set. It
// counts every Stat call.
type flakyStat struct {
	*fakeProbe
	failing atomic.Bool
	stats   atomic.Int64
}

func (p *flakyStat) Stat(path string) (int64, time.Time, error) {
	p.stats.Add(1)
	if p.failing.Load() {
		panic("stat: device not ready")
	}
	return p.fakeProbe.Stat(path)
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
