package filewatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome is the result class of a dispatch.
type Outcome int

const (
	OutcomeNoMatch Outcome = iota
	OutcomeCopied
	OutcomeProcessed
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCopied:
		return "copied"
	case OutcomeProcessed:
		return "processed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "no-match"
	}
}

// DispatchResult describes what happened to one stable file.
type DispatchResult struct {
	ID          string
	Path        string
	Rule        Rule
	Destination string
	Outcome     Outcome
	Duration    time.Duration
}

// Dispatcher resolves the rule for a stable file and either copies it to the
// rule destination or hands it to the rule processor.
type Dispatcher struct {
	rules      *RuleEngine
	copier     *Copier
	processors map[string]Processor
	overwrite  bool
	logger     zerolog.Logger
}

// NewDispatcher returns a Dispatcher over rules. A nil processors map means no
// processor rules can be served.
func NewDispatcher(rules *RuleEngine, copier *Copier, processors map[string]Processor, overwrite bool, logger zerolog.Logger) *Dispatcher {
	if processors == nil {
		processors = map[string]Processor{}
	}
	return &Dispatcher{
		rules:      rules,
		copier:     copier,
		processors: processors,
		overwrite:  overwrite,
		logger:     logger,
	}
}

// Dispatch handles path once. A file that matches no rule is not an error.
// A source that vanished before the copy yields OutcomeSkipped together with
// an error wrapping ErrSourceVanished.
func (d *Dispatcher) Dispatch(ctx context.Context, path string) (DispatchResult, error) {
	res := DispatchResult{ID: uuid.NewString(), Path: path}

	fileName := filepath.Base(path)
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		d.logger.Warn().Str("file", path).Msg("Invalid file path, empty file name")
		res.Outcome = OutcomeSkipped
		return res, nil
	}

	rule, ok := d.rules.Resolve(fileName)
	if !ok {
		return res, nil
	}
	res.Rule = rule

	log := d.logger.With().Str("dispatch", res.ID).Str("file", path).Str("pattern", rule.Pattern).Logger()
	start := time.Now()

	if rule.Processor != "" {
		proc, ok := d.processors[rule.Processor]
		if !ok {
			res.Outcome = OutcomeFailed
			log.Error().Str("processor", rule.Processor).Msg("Rule references an unknown processor")
			return res, fmt.Errorf("dispatch %s: %w: %s", fileName, ErrNoProcessor, rule.Processor)
		}
		// A processor already started is not interrupted by a stop.
		out, err := proc.Handle(context.WithoutCancel(ctx), path)
		res.Duration = time.Since(start)
		if err != nil {
			res.Outcome = OutcomeFailed
			log.Error().Err(err).Str("processor", rule.Processor).Str("output", out.Output).Msg("Processor failed")
			return res, err
		}
		res.Outcome = OutcomeProcessed
		log.Info().Str("processor", rule.Processor).Dur("took", out.Duration).Msg("File processed (after stabilization)")
		return res, nil
	}

	res.Destination = filepath.Join(rule.Destination, fileName)
	err := d.copier.Copy(ctx, path, res.Destination, d.overwrite)
	res.Duration = time.Since(start)
	switch {
	case err == nil:
		res.Outcome = OutcomeCopied
		log.Info().Str("destination", rule.Destination).Msg("File copied (after stabilization)")
		return res, nil
	case errors.Is(err, ErrSourceVanished):
		res.Outcome = OutcomeSkipped
		log.Info().Msg("Copy skipped, source file not found")
	case errors.Is(err, ErrSameFile):
		res.Outcome = OutcomeSkipped
		log.Warn().Str("destination", rule.Destination).Msg("Destination is the source file, copy skipped")
	case errors.Is(err, ErrPermissionDenied):
		res.Outcome = OutcomeFailed
		log.Error().Err(err).Str("destination", rule.Destination).Msg("Access denied copying file")
	case errors.Is(err, ErrDestinationExists):
		res.Outcome = OutcomeFailed
		log.Error().Err(err).Str("destination", rule.Destination).Msg("Destination file already exists")
	case errors.Is(err, context.Canceled):
		res.Outcome = OutcomeFailed
		log.Info().Err(err).Msg("Copy abandoned, watcher stopping")
	case errors.Is(err, ErrRetriesExhausted):
		res.Outcome = OutcomeFailed
		log.Error().Err(err).Msg("Copy failed after retries (file likely locked)")
	default:
		res.Outcome = OutcomeFailed
		log.Error().Err(err).Msg("Error copying file")
	}
	return res, err
}

// Rules exposes the rule engine used by the dispatcher.
func (d *Dispatcher) Rules() *RuleEngine {
	return d.rules
}
