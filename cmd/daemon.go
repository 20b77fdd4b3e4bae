package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/logging"
	"github.com/marcus/callsync/internal/recording"
	"github.com/marcus/callsync/internal/scheduler"
	csync "github.com/marcus/callsync/internal/sync"
	"github.com/marcus/callsync/internal/syncconfig"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync in the background until interrupted",
	Long: `Runs the sync scheduler: a cycle at start, every interval, and whenever a new
recording file settles in a watched folder. SIGHUP requests an immediate cycle.

When the platform reports a metered connection through CALLSYNC_METERED=1
and allow_metered is false, automatic cycles are skipped until it clears.`,
	GroupID: "core",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		logger, closer := logging.New(logging.Options{
			Level:  settings.LogLevel,
			Format: settings.LogFormat,
			File:   settings.LogFile,
		})
		defer closer.Close()
		if verbose {
			logger, _ = logging.New(logging.Options{Level: "debug", Format: settings.LogFormat})
		}
		slog.SetDefault(logger)

		engine, locator, err := newEngine(settings, store, logger)
		if err != nil {
			return err
		}

		cfg := scheduler.Config{
			Interval:          settings.Interval,
			BackgroundAllowed: backgroundAllowed(settings),
			Logger:            logger,
			OnCycle: func(rep *csync.CycleReport, err error) {
				if rep != nil && err == nil {
					logger.Debug("cycle report", "summary", rep.Summary())
				}
			},
		}
		if settings.WatchRecordings {
			w, err := recording.NewWatcher(locator, 0)
			if err != nil {
				logger.Warn("recording watcher unavailable", "err", err)
			} else {
				cfg.Watcher = w
				cfg.WatcherRoots = locator.Roots()
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sched := scheduler.New(engine, store, cfg)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		logger.Info("daemon started", "interval", settings.Interval, "data_dir", settings.DataDir)
		for {
			select {
			case <-ctx.Done():
				logger.Info("daemon stopping")
				return nil
			case <-hup:
				sched.Manual()
			}
		}
	},
}

// backgroundAllowed returns the capability check the scheduler consults
// before automatic cycles.
func backgroundAllowed(settings *syncconfig.Settings) func() bool {
	return func() bool {
		if settings.AllowMetered {
			return true
		}
		metered, _ := strconv.ParseBool(os.Getenv("CALLSYNC_METERED"))
		return !metered
	}
}

var callEndedCmd = &cobra.Command{
	Use:   "call-ended",
	Short: "Record a finished call and sync it immediately",
	Long: `Stores one call-log entry and runs a sync cycle for it. Intended to be
invoked by the platform's call-state hook.`,
	GroupID: "calls",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := callFromFlags(cmd)
		if err != nil {
			return err
		}

		settings, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		// An unpaired agent still records the call; the next cycle after
		// pairing sends it.
		var runner scheduler.Runner
		engine, _, engErr := newEngine(settings, store, slog.Default())
		if engErr == nil {
			runner = engine
		}
		sched := scheduler.New(runner, store, scheduler.Config{Logger: slog.Default()})
		if err := sched.CallEnded(cmd.Context(), *rec); err != nil {
			return err
		}

		fmt.Println(rec.CompositeID)

		if runner == nil {
			slog.Debug("call stored, sync skipped", "id", rec.CompositeID, "err", engErr)
			return nil
		}
		if !backgroundAllowed(settings)() {
			return nil
		}
		// A running daemon cycle or its next trigger picks the call up.
		if _, err := sched.RunNow(cmd.Context(), scheduler.TriggerCallEnded); err != nil {
			slog.Debug("call-ended cycle", "err", err)
		}
		return nil
	},
}

func init() {
	addCallFlags(callEndedCmd)
	rootCmd.AddCommand(daemonCmd, callEndedCmd)
}
