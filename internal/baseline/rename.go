package baseline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/your-org/itm-agent/internal/filewatcher"
)

const placeholder = "_#1_"

// Marker names read <yyyyMMdd_HHmmss>_<prefix>_<slot>..., the slot being
// C<digit>W<digits>.
var infoPattern = regexp2.MustCompile(`(?<time>\d{8}_\d{6})_(?<prefix>[^_]+?)_(?<slot>C\dW\d+)`, regexp2.None)

var (
	errTargetExists = errors.New("rename target exists")
	errVanished     = errors.New("file vanished")
)

type entry struct {
	time   string
	prefix string
	slot   string
}

func parseInfo(name string) (entry, bool) {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	m, err := infoPattern.FindStringMatch(name)
	if err != nil || m == nil {
		return entry{}, false
	}
	return entry{
		time:   m.GroupByName("time").String(),
		prefix: m.GroupByName("prefix").String(),
		slot:   m.GroupByName("slot").String(),
	}, true
}

// targetName returns the new name for a file that contains the time and
// prefix of a marker. The first marker that changes the name wins.
func targetName(name string, entries []entry) (string, bool) {
	for _, e := range entries {
		if !strings.Contains(name, e.time) || !strings.Contains(name, e.prefix) {
			continue
		}
		renamed := strings.ReplaceAll(name, placeholder, "_"+e.slot+"_")
		if renamed == name {
			continue
		}
		return renamed, true
	}
	return "", false
}

// markers lists the parsable .info files in name order.
func (s *Service) markers() ([]entry, error) {
	files, err := os.ReadDir(s.Dir())
	if err != nil {
		return nil, err
	}
	var out []entry
	for _, f := range files {
		if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), infoExt) {
			continue
		}
		if e, ok := parseInfo(f.Name()); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Sweep renames target files against every marker and returns the number of
// files renamed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	entries, err := s.markers()
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug().Str("folder", s.Dir()).Msg("Baseline folder not found")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		s.logger.Debug().Str("folder", s.Dir()).Msg("No valid .info files in baseline folder")
		return 0, nil
	}
	return s.rename(ctx, entries)
}

func (s *Service) rename(ctx context.Context, entries []entry) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	renamed := 0
	var errs []error
	for _, folder := range s.opts.TargetFolders {
		files, err := os.ReadDir(folder)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return renamed, err
			}
			if !f.Type().IsRegular() {
				continue
			}
			newName, ok := targetName(f.Name(), entries)
			if !ok {
				continue
			}
			err := s.move(ctx, filepath.Join(folder, f.Name()), filepath.Join(folder, newName))
			switch {
			case err == nil:
				renamed++
			case errors.Is(err, errTargetExists), errors.Is(err, errVanished):
			case errors.Is(err, context.Canceled):
				return renamed, err
			default:
				s.logger.Error().Err(err).Str("file", f.Name()).Msg("File rename failed")
				errs = append(errs, err)
			}
		}
	}
	return renamed, errors.Join(errs...)
}

// move renames src to dst, retrying transient failures. An existing dst is
// never replaced.
func (s *Service) move(ctx context.Context, src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		s.logger.Debug().Str("file", src).Str("target", dst).Msg("Rename target already exists, skipped")
		return errTargetExists
	}

	for attempt := 1; ; attempt++ {
		err := os.Rename(src, dst)
		if err == nil {
			s.logger.Info().Str("file", src).Str("renamed", filepath.Base(dst)).Msg("File renamed")
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug().Str("file", src).Msg("File vanished before rename")
			return errVanished
		}
		if !filewatcher.IsTransientIOError(err) || attempt >= s.opts.RenameRetries {
			return fmt.Errorf("rename %s after %d attempts: %w", src, attempt, err)
		}
		s.logger.Debug().
			Err(err).
			Str("file", src).
			Int("attempt", attempt).
			Int("maxAttempts", s.opts.RenameRetries).
			Msg("Rename conflict, retrying")
		if err := s.pause(ctx); err != nil {
			return err
		}
	}
}

func (s *Service) pause(ctx context.Context) error {
	if s.opts.RenameDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(s.opts.RenameDelay):
		return nil
	}
}
