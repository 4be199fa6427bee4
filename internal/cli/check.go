package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *CLI) newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the dispatch rules in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration %s:\n%w", c.resolvedConfigPath(), err)
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Configuration %s is valid\n", c.resolvedConfigPath())
			_, _ = fmt.Fprintf(out, "Target folders: %d, excluded folders: %d\n", len(cfg.TargetFolders), len(cfg.ExcludeFolders))
			_, _ = fmt.Fprintln(out, "Rules (first match wins):")
			for i, r := range cfg.Rules {
				target := r.Destination
				if r.Processor != "" {
					target = "processor " + r.Processor
				}
				_, _ = fmt.Fprintf(out, "  %d. %s -> %s\n", i+1, r.Pattern, target)
			}
			return nil
		},
	}
}
