package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/your-org/itm-agent/internal/filewatcher"
)

// Legacy Settings.ini sections holding one entry per line.
const (
	sectionTargetFolders  = "TargetFolders"
	sectionExcludeFolders = "ExcludeFolders"
	sectionRegex          = "Regex"
	sectionOption         = "Option"
	sectionBaseFolder     = "BaseFolder"
	sectionTargetCompare  = "TargetComparePath"

	regexSeparator = "->"
)

// loadINI imports a legacy Settings.ini file. Folder sections list one path
// per line, and every [Regex] line reads "pattern -> destination folder".
func loadINI(cfg *Config, path string) error {
	f, err := ini.LoadSources(ini.LoadOptions{
		UnparseableSections: []string{sectionTargetFolders, sectionExcludeFolders, sectionRegex, sectionBaseFolder, sectionTargetCompare},
		IgnoreInlineComment: true,
	}, path)
	if err != nil {
		return fmt.Errorf("failed to load INI file: %w", err)
	}

	cfg.TargetFolders = rawLines(f.Section(sectionTargetFolders).Body())
	cfg.ExcludeFolders = rawLines(f.Section(sectionExcludeFolders).Body())

	cfg.Rules = nil
	for _, line := range rawLines(f.Section(sectionRegex).Body()) {
		idx := strings.LastIndex(line, regexSeparator)
		if idx < 0 {
			return fmt.Errorf("%s: [%s] line %q is not \"pattern %s folder\"", path, sectionRegex, line, regexSeparator)
		}
		pattern := strings.TrimSpace(line[:idx])
		folder := strings.TrimSpace(line[idx+len(regexSeparator):])
		cfg.Rules = append(cfg.Rules, filewatcher.Rule{Pattern: pattern, Destination: folder})
	}

	// Only the first base folder is used.
	if folders := rawLines(f.Section(sectionBaseFolder).Body()); len(folders) > 0 {
		cfg.Baseline.Folder = folders[0]
	}
	cfg.Baseline.TargetFolders = rawLines(f.Section(sectionTargetCompare).Body())

	opt := f.Section(sectionOption)
	cfg.Log.Debug = opt.Key("DebugMode").MustBool(cfg.Log.Debug)
	cfg.Retention.Enabled = opt.Key("EnableInfoDeletion").MustBool(cfg.Retention.Enabled)
	cfg.Retention.Days = opt.Key("InfoDeletionDays").MustInt(cfg.Retention.Days)
	return nil
}

// ExportINI writes the folders, rules and options that the legacy format can
// hold. Processor rules have no legacy form and are left out.
func ExportINI(cfg *Config, path string) error {
	f := ini.Empty()

	if _, err := f.NewRawSection(sectionTargetFolders, strings.Join(cfg.TargetFolders, "\n")); err != nil {
		return err
	}
	if _, err := f.NewRawSection(sectionExcludeFolders, strings.Join(cfg.ExcludeFolders, "\n")); err != nil {
		return err
	}

	var lines []string
	for _, r := range cfg.Rules {
		if r.Destination == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", r.Pattern, regexSeparator, r.Destination))
	}
	if _, err := f.NewRawSection(sectionRegex, strings.Join(lines, "\n")); err != nil {
		return err
	}

	if cfg.Baseline.Enabled() {
		if _, err := f.NewRawSection(sectionBaseFolder, cfg.Baseline.Folder); err != nil {
			return err
		}
		if _, err := f.NewRawSection(sectionTargetCompare, strings.Join(cfg.Baseline.TargetFolders, "\n")); err != nil {
			return err
		}
	}

	opt, err := f.NewSection(sectionOption)
	if err != nil {
		return err
	}
	opt.NewKey("DebugMode", strconv.Itoa(boolToInt(cfg.Log.Debug)))
	opt.NewKey("EnableInfoDeletion", strconv.Itoa(boolToInt(cfg.Retention.Enabled)))
	opt.NewKey("InfoDeletionDays", strconv.Itoa(cfg.Retention.Days))

	return f.SaveTo(path)
}

func rawLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
