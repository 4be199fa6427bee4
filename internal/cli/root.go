// Package cli implements the itm-agent command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/your-org/itm-agent/internal/config"
)

// Build information, set with -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// CLI is the itm-agent command tree.
type CLI struct {
	rootCmd *cobra.Command

	configPath string
	logLevel   string
	debug      bool
}

func New() *CLI {
	c := &CLI{}

	rootCmd := &cobra.Command{
		Use:           "itm-agent",
		Short:         "Watches equipment folders and dispatches stable files by rule",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"{{.Name}} version {{.Version}} (commit: %s, date: %s)\n", Commit, Date))

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Path to configuration file (.json, .yaml or legacy .ini)")
	flags.StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&c.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(c.newRunCmd())
	rootCmd.AddCommand(c.newScanCmd())
	rootCmd.AddCommand(c.newCheckCmd())
	rootCmd.AddCommand(c.newInitCmd())
	rootCmd.AddCommand(c.newVersionCmd())

	c.rootCmd = rootCmd
	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams for the root command. Used for testing.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

func (c *CLI) resolvedConfigPath() string {
	if c.configPath != "" {
		return c.configPath
	}
	return config.DefaultPath()
}

// loadConfig reads the configuration and applies the logging flags on top.
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.resolvedConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.debug {
		cfg.Log.Debug = true
	}
	return cfg, nil
}
