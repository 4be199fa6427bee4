// Package baseline records baseline measurement files as empty .info markers
// and renames result files that carry a slot placeholder once their baseline
// is known.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/your-org/itm-agent/internal/filewatcher"
)

const (
	// ProcessorName is the name rules use to hand files to the Service.
	ProcessorName = "baseline"

	// Subfolder holds the .info markers below the configured folder.
	Subfolder = "Baseline"

	infoExt         = ".info"
	timestampLayout = "20060102_150405"
	headerLayout    = "01/02/2006 03:04:05 PM"

	defaultInterval      = time.Second
	defaultRenameRetries = 10
	defaultRenameDelay   = 500 * time.Millisecond
)

var headerPattern = regexp2.MustCompile(`Date and Time:\s*(?<stamp>\d{2}/\d{2}/\d{4} \d{2}:\d{2}:\d{2} (AM|PM))`, regexp2.None)

func init() {
	headerPattern.MatchTimeout = time.Second
	infoPattern.MatchTimeout = time.Second
}

type Options struct {
	// Folder is the base folder; markers are written to Folder/Baseline.
	Folder string
	// TargetFolders are scanned, without recursion, for files to rename.
	TargetFolders []string
	// Interval is the period of the background rename sweep.
	Interval time.Duration

	// RenameRetries bounds the attempts for a rename that fails transiently.
	// RenameDelay is the pause between them; zero selects 500ms and a
	// negative value disables the pause.
	RenameRetries int
	RenameDelay   time.Duration

	Clock clockwork.Clock
}

// Service is a filewatcher.Processor for baseline files and the owner of the
// background rename sweep.
type Service struct {
	opts   Options
	clock  clockwork.Clock
	logger zerolog.Logger

	sweepMu sync.Mutex // one rename pass at a time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped Service. The folder must be set.
func New(opts Options, logger zerolog.Logger) (*Service, error) {
	if strings.TrimSpace(opts.Folder) == "" {
		return nil, errors.New("baseline folder is not set")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.RenameRetries <= 0 {
		opts.RenameRetries = defaultRenameRetries
	}
	if opts.RenameDelay < 0 {
		opts.RenameDelay = 0
	} else if opts.RenameDelay == 0 {
		opts.RenameDelay = defaultRenameDelay
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Service{
		opts:   opts,
		clock:  opts.Clock,
		logger: logger.With().Str("component", "baseline").Logger(),
	}, nil
}

// Dir is the folder holding the .info markers.
func (s *Service) Dir() string {
	return filepath.Join(s.opts.Folder, Subfolder)
}

// Handle reads the "Date and Time:" header of a stable baseline file, writes
// its marker and renames the target files it applies to. A file without the
// header is left alone.
func (s *Service) Handle(ctx context.Context, path string) (res filewatcher.ProcessResult, err error) {
	start := s.clock.Now()
	res = filewatcher.ProcessResult{Processor: ProcessorName}
	defer func() { res.Duration = s.clock.Since(start) }()

	stamp, ok, err := readTimestamp(path)
	if err != nil {
		return res, fmt.Errorf("baseline %s: %w", path, err)
	}
	if !ok {
		s.logger.Debug().Str("file", path).Msg("No Date and Time header, baseline skipped")
		res.Output = "no Date and Time header"
		return res, nil
	}

	info, err := s.writeMarker(path, stamp)
	if err != nil {
		return res, fmt.Errorf("baseline %s: %w", path, err)
	}
	res.Output = info

	e, ok := parseInfo(filepath.Base(info))
	if !ok {
		s.logger.Debug().Str("info", info).Msg("Marker name carries no slot, nothing to rename")
		return res, nil
	}
	renamed, err := s.rename(ctx, []entry{e})
	if renamed > 0 {
		res.Output = fmt.Sprintf("%s (%d renamed)", info, renamed)
	}
	return res, err
}

// writeMarker creates Folder/Baseline/<yyyyMMdd_HHmmss>_<name>.info. An
// existing marker is kept.
func (s *Service) writeMarker(path string, stamp time.Time) (string, error) {
	dir := s.Dir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
		s.logger.Info().Str("folder", dir).Msg("Baseline folder created")
	}

	base := filepath.Base(path)
	name := stamp.Format(timestampLayout) + "_" + strings.TrimSuffix(base, filepath.Ext(base)) + infoExt
	info := filepath.Join(dir, name)

	f, err := os.OpenFile(info, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		s.logger.Debug().Str("info", info).Msg("Baseline info file already exists")
		return info, nil
	}
	if err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	s.logger.Info().Str("file", path).Str("info", info).Msg("Baseline info file created")
	return info, nil
}

// readTimestamp returns the time stamped in the file's "Date and Time:" header.
func readTimestamp(path string) (time.Time, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false, err
	}
	m, err := headerPattern.FindStringMatch(string(data))
	if err != nil || m == nil {
		return time.Time{}, false, nil
	}
	stamp, err := time.Parse(headerLayout, m.GroupByName("stamp").String())
	if err != nil {
		return time.Time{}, false, nil
	}
	return stamp, true, nil
}

// Start runs a rename sweep over every marker each interval. Calling Start on
// a started Service does nothing.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	ticker := s.clock.NewTicker(s.opts.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error().Err(err).Msg("Baseline rename sweep failed")
				}
			}
		}
	}()

	s.logger.Info().
		Str("folder", s.Dir()).
		Strs("targets", s.opts.TargetFolders).
		Dur("interval", s.opts.Interval).
		Msg("Baseline rename started")
}

// Stop ends the background sweep and waits for a pass in progress.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info().Msg("Baseline rename stopped")
}
