package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/your-org/itm-agent/internal/baseline"
	"github.com/your-org/itm-agent/internal/config"
	"github.com/your-org/itm-agent/internal/filewatcher"
	"github.com/your-org/itm-agent/internal/logging"
	"github.com/your-org/itm-agent/internal/retention"
)

// agent wires the watcher, the retention cleaner and the optional baseline
// service to one configuration file.
type agent struct {
	configPath string
	watcher    *filewatcher.Watcher
	cleaner    *retention.Cleaner
	baseline   *baseline.Service // nil unless a baseline folder is configured
	logger     zerolog.Logger
}

// startLogger builds the logger for cfg and tags it with a fresh instance id.
func (c *CLI) startLogger(cfg *config.Config, console io.Writer) (zerolog.Logger, func(), error) {
	logger, closer, err := logging.New(cfg.Log, console)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	logger = logger.With().Str("instance", uuid.NewString()).Logger()
	return logger, func() { _ = closer.Close() }, nil
}

func newAgent(configPath string, cfg *config.Config, logger zerolog.Logger) (*agent, error) {
	processors := cfg.BuildProcessors(logger)

	var svc *baseline.Service
	if cfg.Baseline.Enabled() {
		var err error
		if svc, err = baseline.New(cfg.BaselineOptions(), logger); err != nil {
			return nil, err
		}
		processors[baseline.ProcessorName] = svc
	}
	w := filewatcher.New(config.FileSource{Path: configPath}, cfg.WatcherOptions(processors), logger)

	cleaner, err := retention.New(retentionOptions(cfg), logger)
	if err != nil {
		return nil, err
	}
	return &agent{
		configPath: configPath,
		watcher:    w,
		cleaner:    cleaner,
		baseline:   svc,
		logger:     logger,
	}, nil
}

func retentionOptions(cfg *config.Config) retention.Options {
	return retention.Options{
		Enabled:      cfg.Retention.Enabled,
		Days:         cfg.Retention.Days,
		Schedule:     cfg.Retention.Schedule,
		InitialDelay: cfg.Retention.InitialDelay.Std(),
		Folders:      retentionFolders(cfg),
	}
}

// retentionFolders lists every rule destination, the baseline marker folder
// and the extra folders.
func retentionFolders(cfg *config.Config) []string {
	engine := filewatcher.NewRuleEngine(cfg.Rules, cfg.Watcher.PatternTimeout.Std(), zerolog.Nop())
	folders := engine.Destinations()
	if cfg.Baseline.Enabled() {
		folders = append(folders, filepath.Join(cfg.Baseline.Folder, baseline.Subfolder))
	}
	return append(folders, cfg.Retention.ExtraFolders...)
}

// run starts watching and cleaning, re-reads the configuration on every
// reload signal and stops when ctx is done.
func (a *agent) run(ctx context.Context, reload <-chan os.Signal) error {
	if err := a.watcher.Start(); err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}
	defer a.watcher.Stop()

	if err := a.cleaner.Start(); err != nil {
		return fmt.Errorf("start retention cleaner: %w", err)
	}
	defer a.cleaner.Stop()

	if a.baseline != nil {
		a.baseline.Start()
		defer a.baseline.Stop()
	}

	a.logger.Info().Str("config", a.configPath).Strs("roots", a.watcher.Roots()).Msg("Agent running")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Shutting down")
			return nil
		case <-reload:
			a.reload()
		}
	}
}

// reload re-initializes the watcher from the configuration file. An invalid
// file keeps the current run.
func (a *agent) reload() {
	a.logger.Info().Str("config", a.configPath).Msg("Reloading configuration")

	cfg, err := config.Load(a.configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("Configuration reload failed, keeping current settings")
		return
	}

	if err := a.watcher.Initialize(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to re-initialize file watcher")
		return
	}
	if err := a.watcher.Start(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to restart file watcher")
		return
	}
	a.cleaner.SetFolders(retentionFolders(cfg))
	a.logger.Info().Strs("roots", a.watcher.Roots()).Int("rules", len(cfg.Rules)).Msg("Configuration reloaded")
}
