package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/your-org/itm-agent/internal/baseline"
	"github.com/your-org/itm-agent/internal/filewatcher"
)

type Config struct {
	TargetFolders  []string           `json:"targetFolders" yaml:"targetFolders"`
	ExcludeFolders []string           `json:"excludeFolders,omitempty" yaml:"excludeFolders,omitempty"`
	Rules          []filewatcher.Rule `json:"rules" yaml:"rules"`
	Processors     []Processor        `json:"processors,omitempty" yaml:"processors,omitempty"`
	Watcher        WatcherConfig      `json:"watcher" yaml:"watcher"`
	Log            LogConfig          `json:"log" yaml:"log"`
	Retention      RetentionConfig    `json:"retention" yaml:"retention"`
	Baseline       BaselineConfig     `json:"baseline" yaml:"baseline"`
}

// Processor is an external command that rules can hand files to.
type Processor struct {
	Name    string   `json:"name" yaml:"name"`
	Command string   `json:"command" yaml:"command"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type WatcherConfig struct {
	StabilityThreshold Duration `json:"stabilityThreshold" yaml:"stabilityThreshold"`
	PollInterval       Duration `json:"pollInterval" yaml:"pollInterval"`
	DedupWindow        Duration `json:"dedupWindow" yaml:"dedupWindow"`
	SettleDelay        Duration `json:"settleDelay" yaml:"settleDelay"`
	PatternTimeout     Duration `json:"patternTimeout" yaml:"patternTimeout"`
	CopyRetries        int      `json:"copyRetries" yaml:"copyRetries"`
	CopyRetryDelay     Duration `json:"copyRetryDelay" yaml:"copyRetryDelay"`
	VerifyCopies       bool     `json:"verifyCopies" yaml:"verifyCopies"`
	Overwrite          bool     `json:"overwrite" yaml:"overwrite"`
	MaxConcurrent      int      `json:"maxConcurrent" yaml:"maxConcurrent"`
	QueueSize          int      `json:"queueSize" yaml:"queueSize"`
	BufferSize         int      `json:"bufferSize" yaml:"bufferSize"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	Debug      bool   `json:"debug" yaml:"debug"`
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"maxSizeMB" yaml:"maxSizeMB"`
	MaxAgeDays int    `json:"maxAgeDays" yaml:"maxAgeDays"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

type RetentionConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Days         int      `json:"days" yaml:"days"`
	Schedule     string   `json:"schedule" yaml:"schedule"`
	InitialDelay Duration `json:"initialDelay" yaml:"initialDelay"`
	ExtraFolders []string `json:"extraFolders,omitempty" yaml:"extraFolders,omitempty"`
}

// BaselineConfig enables the built-in "baseline" processor when Folder is set.
type BaselineConfig struct {
	Folder        string   `json:"folder,omitempty" yaml:"folder,omitempty"`
	TargetFolders []string `json:"targetFolders,omitempty" yaml:"targetFolders,omitempty"`
	Interval      Duration `json:"interval" yaml:"interval"`
}

func (b BaselineConfig) Enabled() bool {
	return strings.TrimSpace(b.Folder) != ""
}

// Default returns a configuration with every tunable set to its default.
func Default() *Config {
	return &Config{
		Watcher: WatcherConfig{
			StabilityThreshold: Duration(5 * time.Second),
			PollInterval:       Duration(time.Second),
			DedupWindow:        Duration(5 * time.Second),
			SettleDelay:        Duration(10 * time.Second),
			PatternTimeout:     Duration(2 * time.Second),
			CopyRetries:        5,
			CopyRetryDelay:     Duration(300 * time.Millisecond),
			Overwrite:          true,
			MaxConcurrent:      1,
			QueueSize:          1024,
			BufferSize:         128 * 1024,
		},
		Log: LogConfig{
			Level:      "info",
			File:       filepath.Join(getDataDir(), "agent.log"),
			MaxSizeMB:  100,
			MaxAgeDays: 30,
			MaxBackups: 5,
			Compress:   true,
		},
		Retention: RetentionConfig{
			Days:         30,
			Schedule:     "@every 6h",
			InitialDelay: Duration(10 * time.Second),
		},
		Baseline: BaselineConfig{
			Interval: Duration(time.Second),
		},
	}
}

// Load reads the configuration at path on top of the defaults. The format is
// chosen by extension: .json, .yaml/.yml or a legacy .ini settings file. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".ini" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
		if err := loadINI(cfg, path); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Save writes the configuration as JSON, YAML or legacy INI depending on the
// extension.
func (c *Config) Save(path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".ini":
		return ExportINI(c, path)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error

	if len(c.TargetFolders) == 0 {
		errs = append(errs, errors.New("no target folders configured"))
	}
	for i, f := range c.TargetFolders {
		if strings.TrimSpace(f) == "" {
			errs = append(errs, fmt.Errorf("target folder %d is empty", i))
		}
	}

	processors := make(map[string]bool, len(c.Processors)+1)
	if c.Baseline.Enabled() {
		processors[baseline.ProcessorName] = true
	}
	for i, p := range c.Processors {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("processor %d has no name", i))
		case processors[p.Name]:
			errs = append(errs, fmt.Errorf("processor %q is defined twice", p.Name))
		}
		if strings.TrimSpace(p.Command) == "" {
			errs = append(errs, fmt.Errorf("processor %q has no command", p.Name))
		}
		processors[p.Name] = true
	}

	for i, r := range c.Rules {
		switch {
		case r.Pattern == "":
			errs = append(errs, fmt.Errorf("rule %d has no pattern", i))
		case r.Destination == "" && r.Processor == "":
			errs = append(errs, fmt.Errorf("rule %d (%s) has neither a destination nor a processor", i, r.Pattern))
		case r.Destination != "" && r.Processor != "":
			errs = append(errs, fmt.Errorf("rule %d (%s) has both a destination and a processor", i, r.Pattern))
		case r.Processor != "" && !processors[r.Processor]:
			errs = append(errs, fmt.Errorf("rule %d (%s) references unknown processor %q", i, r.Pattern, r.Processor))
		}
	}

	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
			errs = append(errs, fmt.Errorf("log level: %w", err))
		}
	}
	if !c.Baseline.Enabled() && len(c.Baseline.TargetFolders) > 0 {
		errs = append(errs, errors.New("baseline target folders are set but the baseline folder is not"))
	}
	if c.Retention.Enabled && c.Retention.Days <= 0 {
		errs = append(errs, fmt.Errorf("retention days must be positive, got %d", c.Retention.Days))
	}

	return errors.Join(errs...)
}

// WatchSettings returns the roots, excludes and rules for the file watcher.
func (c *Config) WatchSettings() (filewatcher.Settings, error) {
	return filewatcher.Settings{
		Roots:    append([]string(nil), c.TargetFolders...),
		Excludes: append([]string(nil), c.ExcludeFolders...),
		Rules:    append([]filewatcher.Rule(nil), c.Rules...),
	}, nil
}

// WatcherOptions maps the watcher section onto filewatcher options.
func (c *Config) WatcherOptions(processors map[string]filewatcher.Processor) filewatcher.Options {
	w := c.Watcher
	return filewatcher.Options{
		StabilityThreshold: w.StabilityThreshold.Std(),
		PollInterval:       w.PollInterval.Std(),
		DedupWindow:        w.DedupWindow.Std(),
		SettleDelay:        w.SettleDelay.Std(),
		PatternTimeout:     w.PatternTimeout.Std(),
		Copy: filewatcher.CopyOptions{
			Retries:    w.CopyRetries,
			RetryDelay: w.CopyRetryDelay.Std(),
			Verify:     w.VerifyCopies,
		},
		NoOverwrite:   !w.Overwrite,
		MaxConcurrent: w.MaxConcurrent,
		QueueSize:     w.QueueSize,
		BufferSize:    w.BufferSize,
		Processors:    processors,
	}
}

// BuildProcessors creates an external-command processor for every entry.
func (c *Config) BuildProcessors(logger zerolog.Logger) map[string]filewatcher.Processor {
	out := make(map[string]filewatcher.Processor, len(c.Processors))
	for _, p := range c.Processors {
		out[p.Name] = filewatcher.NewExecProcessor(p.Name, p.Command, p.Timeout.Std(), logger)
	}
	return out
}

// BaselineOptions maps the baseline section onto baseline options.
func (c *Config) BaselineOptions() baseline.Options {
	return baseline.Options{
		Folder:        c.Baseline.Folder,
		TargetFolders: append([]string(nil), c.Baseline.TargetFolders...),
		Interval:      c.Baseline.Interval.Std(),
	}
}

// FileSource re-reads the configuration file every time the watcher
// initializes, so rule changes are picked up by a re-initialize.
type FileSource struct {
	Path string
}

func (s FileSource) WatchSettings() (filewatcher.Settings, error) {
	cfg, err := Load(s.Path)
	if err != nil {
		return filewatcher.Settings{}, err
	}
	return cfg.WatchSettings()
}

// DefaultPath is the configuration file used when none is given.
func DefaultPath() string {
	return filepath.Join(getDataDir(), "agent-config.json")
}

func getDataDir() string {
	dir := os.Getenv("ITM_AGENT_DATA_DIR")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".itm-agent")
	}
	return dir
}
