package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func (c *CLI) newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan every target folder once and dispatch the files found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, closeLog, err := c.startLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()

			a, err := newAgent(c.resolvedConfigPath(), cfg, logger)
			if err != nil {
				return err
			}
			if err := a.watcher.Initialize(); err != nil {
				return err
			}
			defer a.watcher.Stop()

			results, scanErr := a.watcher.Rescan(cmd.Context())

			out := cmd.OutOrStdout()
			for _, r := range results {
				_, _ = fmt.Fprintf(out, "%s: scanned %d, dispatched %d, skipped %d, failed %d (%s)\n",
					r.Root, r.Scanned, r.Dispatched, r.Skipped, r.Failed, r.Duration.Round(time.Millisecond))
			}
			return scanErr
		},
	}
}
