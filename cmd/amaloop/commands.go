package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrcode/amaloop/internal/autostart"
	"github.com/mrcode/amaloop/internal/config"
	"github.com/mrcode/amaloop/internal/hardlimits"
	"github.com/mrcode/amaloop/internal/history"
	"github.com/mrcode/amaloop/internal/loop"
	"github.com/mrcode/amaloop/internal/nightscout"
	"github.com/mrcode/amaloop/internal/notifications"
)

// newRunCmd runs the loop on a ticker until interrupted
func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the decision cycle every loop interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if w, err := config.NewWatcher(opts.path, opts.logger, a.apply); err != nil {
				opts.logger.Warn("Config reload disabled", zap.Error(err))
			} else if err := w.Start(ctx); err != nil {
				opts.logger.Warn("Config reload disabled", zap.String("path", opts.path), zap.Error(err))
				_ = w.Stop()
			} else {
				defer func() { _ = w.Stop() }()
			}

			// the loop still starts; the cache keeps retrying every cycle
			if err := a.preflight(ctx); err != nil {
				opts.logger.Warn("Nightscout preflight failed", zap.Error(err))
			}

			interval := opts.cfg.GetInterval()
			opts.logger.Info("Loop started", zap.Duration("interval", interval))

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			a.cycle(ctx, "startup")
			for {
				select {
				case <-ctx.Done():
					opts.logger.Info("Loop stopped")
					return nil
				case <-ticker.C:
					a.cycle(ctx, "timer")
				}
			}
		},
	}
}

// newOnceCmd runs a single cycle and prints its outcome as JSON
func newOnceCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run one decision cycle and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			a.cycle(ctx, "cli")

			event := a.LastEvent()
			if event == nil {
				return fmt.Errorf("cycle produced no event")
			}
			out, err := json.MarshalIndent(event, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall cycle timeout")
	return cmd
}

// newCheckCmd reports the Nightscout server and the latest reading
func newCheckCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the Nightscout connection and show the latest reading",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.cfg.Validate(); err != nil {
				return err
			}
			ns := opts.cfg.Nightscout
			client := nightscout.NewClient(ns.URL, ns.APISecret, ns.APIToken, ns.UseToken)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := client.GetStatus(ctx)
			if err != nil {
				return fmt.Errorf("nightscout unreachable: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server: %s %s (%s, units %s)\n",
				status.Name, status.Version, status.Status, status.Settings.Units)

			entry, err := client.GetCurrentEntry(ctx)
			if err != nil {
				return fmt.Errorf("latest reading: %w", err)
			}
			age := time.Since(entry.Time()).Round(time.Minute)
			_, err = fmt.Fprintf(out, "latest: %d mg/dL (%.1f mmol/L) %s, %s ago\n",
				entry.ValueMgDL(), entry.ValueMmolL(), entry.Direction, age)
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	return cmd
}

// testNotifier sends a single test notification
type testNotifier interface {
	SendTestNotification() error
}

var newTestNotifier = func(settings notifications.DesktopSettings) testNotifier {
	return notifications.NewDesktop(settings)
}

// newNotifyTestCmd sends a desktop notification to verify the setup
func newNotifyTestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "notify-test",
		Short: "Send a test desktop notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.cfg.Notifications.Desktop.Enabled {
				return fmt.Errorf("desktop notifications are disabled in %s", opts.path)
			}
			if err := newTestNotifier(desktopSettings(opts.cfg.Notifications.Desktop)).SendTestNotification(); err != nil {
				return fmt.Errorf("failed to send test notification: %w", err)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "test notification sent")
			return err
		},
	}
}

// newLimitsCmd prints the hard limits for an age group
func newLimitsCmd(opts *options) *cobra.Command {
	var ageFlag string

	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Print the hard limits enforced on every cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ageFlag == "" {
				ageFlag = opts.cfg.Safety.AgeGroup
			}
			age, err := hardlimits.ParseAgeGroup(ageFlag)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "LIMIT\tRANGE\tUNIT\n")
			rows := []struct {
				name string
				r    hardlimits.Range
				unit string
			}{
				{"min_bg", hardlimits.MinBG, "mg/dL"},
				{"max_bg", hardlimits.MaxBG, "mg/dL"},
				{"target_bg", hardlimits.TargetBG, "mg/dL"},
				{"temp_min_bg", hardlimits.TempMinBG, "mg/dL"},
				{"temp_max_bg", hardlimits.TempMaxBG, "mg/dL"},
				{"temp_target_bg", hardlimits.TempTargetBG, "mg/dL"},
				{"dia", hardlimits.DIA, "h"},
				{"ic", hardlimits.IC, "g/U"},
				{"isf", hardlimits.ISF, "mg/dL/U"},
				{"max_daily_basal", hardlimits.Range{Low: hardlimits.MinMaxDailyBasal, High: hardlimits.MaxBasal(age)}, "U/h"},
				{"current_basal", hardlimits.Range{Low: hardlimits.MinCurrentBasal, High: hardlimits.MaxBasal(age)}, "U/h"},
				{"max_iob", hardlimits.Range{Low: 0, High: hardlimits.MaxIobAMA(age)}, "U"},
			}
			for _, row := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\n", row.name, row.r, row.unit)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "age group: %s\ntemp target ranges within normal ranges: %t\n",
				age, hardlimits.TempRangesWithinNormal())
			return err
		},
	}
	cmd.Flags().StringVar(&ageFlag, "age", "", "Age group (default: safety.age_group)")
	return cmd
}

// newInitCmd writes a default config file
func newInitCmd(opts *options) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", opts.path)
			}
			if err := config.DefaultConfig().Save(opts.path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nset nightscout.url before running the loop\n", opts.path)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

// newServiceCmd installs or removes the per-user background service
func newServiceCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the per-user background service running 'amaloop run'",
	}

	service := func() (*autostart.Service, error) {
		args := []string{"run"}
		if opts.configPath != "" {
			abs, err := filepath.Abs(opts.configPath)
			if err != nil {
				return nil, err
			}
			args = append(args, "--config", abs)
		}
		return autostart.ForCurrentUser(args...)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Write the service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := service()
			if err != nil {
				return err
			}
			path, err := s.Enable()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "installed %s\nactivate with: %s\n", path, s.Hint())
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := service()
			if err != nil {
				return err
			}
			return s.Disable()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether the service file is installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := service()
			if err != nil {
				return err
			}
			enabled, err := s.IsEnabled()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "installed: %t\n", enabled)
			return err
		},
	})
	return cmd
}

// newHistoryCmd prints the most recent logged cycle outcomes
func newHistoryCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the most recent decisions and aborted cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.cfg.HistoryPath()
			if err != nil {
				return err
			}
			store, err := history.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "TIME\tEVENT\tRATE\tDURATION\tREASON\n")
			for _, r := range records {
				rate, duration := "-", "-"
				if r.Event == loop.EventDecision && r.TempBasalRequested {
					rate, duration = fmt.Sprintf("%.2f", r.Rate), fmt.Sprintf("%d", r.Duration)
				}
				event := string(r.Event)
				if r.Kind != "" {
					event += "/" + r.Kind
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.Timestamp.Local().Format("2006-01-02 15:04"), event, rate, duration, r.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records")
	return cmd
}
