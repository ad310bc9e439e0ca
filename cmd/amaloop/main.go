// Command amaloop runs the closed-loop basal decision cycle against a
// Nightscout site and publishes every decision.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrcode/amaloop/internal/config"
	"github.com/mrcode/amaloop/internal/logging"
)

// options shared by every subcommand
type options struct {
	verbose    bool
	configPath string
	// resolved config file location
	path string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "amaloop",
		Short: "Safety-bounded closed-loop basal decision engine",
		Long: `amaloop reads glucose, treatments and the active profile from Nightscout,
validates them against hard limits and runs the AMA dosing algorithm once per
cycle. Decisions are published to MQTT, desktop notifications and a status
badge. No command is ever sent to a pump.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				var err error
				if path, err = config.DefaultPath(); err != nil {
					return fmt.Errorf("failed to locate config: %w", err)
				}
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, opts.verbose)
			if err != nil {
				return err
			}
			opts.cfg, opts.logger, opts.path = cfg, logger, path
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: user config dir)")

	rootCmd.AddCommand(newInitCmd(opts))
	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newOnceCmd(opts))
	rootCmd.AddCommand(newCheckCmd(opts))
	rootCmd.AddCommand(newNotifyTestCmd(opts))
	rootCmd.AddCommand(newLimitsCmd(opts))
	rootCmd.AddCommand(newServiceCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
