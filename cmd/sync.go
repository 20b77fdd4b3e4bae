package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/db"
	"github.com/marcus/callsync/internal/output"
	"github.com/marcus/callsync/internal/scheduler"
	csync "github.com/marcus/callsync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Pulls server changes, pushes new calls and local edits, then uploads pending
recordings. Recordings interrupted by an earlier crash are requeued first.
Fails without syncing when another process, such as the daemon, is mid-cycle.`,
	GroupID: "core",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		engine, _, err := newEngine(settings, store, slog.Default())
		if err != nil {
			return err
		}

		sched := scheduler.New(engine, store, scheduler.Config{Logger: slog.Default()})
		rep, cycleErr := sched.RunNow(cmd.Context(), scheduler.TriggerManual)
		if errors.Is(cycleErr, db.ErrCycleRunning) {
			return fmt.Errorf("another sync is already running (the daemon?); try again shortly: %w", cycleErr)
		}
		if rep == nil {
			return cycleErr
		}
		if ok, err := output.Structured(os.Stdout, currentFormat(), rep); ok {
			if err != nil {
				return err
			}
			return cycleErr
		}
		printReport(rep)
		return cycleErr
	},
}

func printReport(rep *csync.CycleReport) {
	fmt.Printf("Pulled:   %d calls, %d persons\n", rep.Pull.Calls, rep.Pull.Persons)
	fmt.Printf("Pushed:   %d new, %d updated calls, %d persons", rep.Push.Announced, rep.Push.Updated, rep.Push.Persons)
	if rep.Push.Conflicts > 0 {
		fmt.Printf(" (%d superseded by newer server edits)", rep.Push.Conflicts)
	}
	fmt.Println()
	if rep.Push.Deferred > 0 {
		fmt.Printf("Deferred: %d edits held until the next successful pull\n", rep.Push.Deferred)
	}
	fmt.Printf("Uploaded: %d recordings", rep.Uploads.Uploaded)
	if rep.Uploads.AlreadyOnServer > 0 {
		fmt.Printf(", %d already on server", rep.Uploads.AlreadyOnServer)
	}
	fmt.Println()
	if rep.Uploads.AwaitingRecording > 0 {
		fmt.Printf("Waiting:  %d calls with no recording file found yet\n", rep.Uploads.AwaitingRecording)
	}

	if failed := rep.Push.Failed + rep.Uploads.Failed; failed > 0 {
		output.Warning("%d item(s) failed; see `callsync status`", failed)
	}
	for _, e := range []string{rep.PullError, rep.PushError, rep.UploadError} {
		if e != "" {
			output.Warning("%s", e)
		}
	}
	output.Success("Sync finished in %s", rep.Duration.Round(time.Millisecond))
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
