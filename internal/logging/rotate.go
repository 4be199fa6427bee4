package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102-150405"

// RotatingWriter is an io.Writer that rotates its file once it would grow past
// the size limit. Rotated files are renamed with a timestamp suffix, optionally
// gzipped, and pruned by age and count.
type RotatingWriter struct {
	filename   string
	maxSize    int64
	maxAge     time.Duration
	maxBackups int
	compress   bool
	now        func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64

	// background compression and pruning
	wg sync.WaitGroup
}

// NewRotatingWriter opens filename for appending, creating it and its
// directory if needed. Non-positive limits select 100MB, 30 days and 5 backups.
func NewRotatingWriter(filename string, maxSizeMB, maxAgeDays, maxBackups int, compress bool) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	rw := &RotatingWriter{
		filename:   filename,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
		maxBackups: maxBackups,
		compress:   compress,
		now:        time.Now,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxSize {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the current file and waits for pending compression.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	var err error
	if rw.file != nil {
		err = rw.file.Close()
		rw.file = nil
	}
	rw.mu.Unlock()
	rw.wg.Wait()
	return err
}

// Filename returns the path of the active log file.
func (rw *RotatingWriter) Filename() string {
	return rw.filename
}

func (rw *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(rw.filename), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(rw.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return err
	}
	rw.file = nil

	backup := rw.backupName()
	if err := os.Rename(rw.filename, backup); err != nil {
		return err
	}

	rw.wg.Add(1)
	go func() {
		defer rw.wg.Done()
		if rw.compress {
			// A failed compression leaves the plain backup in place.
			_ = compressFile(backup)
		}
		rw.prune()
	}()

	return rw.open()
}

// backupName picks a free name so two rotations within one second do not
// overwrite each other.
func (rw *RotatingWriter) backupName() string {
	base := fmt.Sprintf("%s.%s", rw.filename, rw.now().Format(backupTimeFormat))
	name := base
	for i := 1; ; i++ {
		_, errPlain := os.Stat(name)
		_, errGz := os.Stat(name + ".gz")
		if os.IsNotExist(errPlain) && os.IsNotExist(errGz) {
			return name
		}
		name = fmt.Sprintf("%s.%d", base, i)
	}
}

func compressFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(name + ".gz")
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(name + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(name + ".gz")
		return err
	}
	src.Close()
	return os.Remove(name)
}

// prune removes backups older than maxAge, then the oldest ones beyond
// maxBackups.
func (rw *RotatingWriter) prune() {
	backups := rw.backups()
	cutoff := rw.now().Add(-rw.maxAge)

	kept := backups[:0]
	for _, b := range backups {
		if b.modTime.Before(cutoff) {
			os.Remove(b.path)
			continue
		}
		kept = append(kept, b)
	}
	if extra := len(kept) - rw.maxBackups; extra > 0 {
		for _, b := range kept[:extra] {
			os.Remove(b.path)
		}
	}
}

type backupFile struct {
	path    string
	modTime time.Time
}

// backups lists rotated files, oldest first.
func (rw *RotatingWriter) backups() []backupFile {
	dir := filepath.Dir(rw.filename)
	prefix := filepath.Base(rw.filename) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []backupFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		// Skip a backup whose compression is still in flight.
		if !strings.HasSuffix(e.Name(), ".gz") && rw.compress {
			if _, err := os.Stat(filepath.Join(dir, e.Name()+".gz")); err == nil {
				continue
			}
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, backupFile{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].modTime.Equal(out[j].modTime) {
			return out[i].path < out[j].path
		}
		return out[i].modTime.Before(out[j].modTime)
	})
	return out
}
