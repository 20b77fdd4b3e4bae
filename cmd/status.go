package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/db"
	"github.com/marcus/callsync/internal/output"
	"github.com/marcus/callsync/internal/syncconfig"
)

// statusReport is the structured form of `callsync status`.
type statusReport struct {
	Paired     bool      `json:"paired" yaml:"paired"`
	Employee   string    `json:"employee,omitempty" yaml:"employee,omitempty"`
	Server     string    `json:"server" yaml:"server"`
	Reachable  *bool     `json:"reachable,omitempty" yaml:"reachable,omitempty"`
	Watermark  int64     `json:"watermark" yaml:"watermark"`
	LastCycle  time.Time `json:"last_cycle,omitempty" yaml:"last_cycle,omitempty"`
	LastResult string    `json:"last_result,omitempty" yaml:"last_result,omitempty"`
	Counts     db.Counts `json:"counts" yaml:"counts"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show pairing, last sync and queue sizes",
	GroupID: "core",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		check, _ := cmd.Flags().GetBool("check")

		settings, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		ctx := cmd.Context()

		rep := statusReport{Server: settings.ServerURL}
		pair, err := syncconfig.LoadAuth()
		if err != nil {
			return err
		}
		if pair.Paired() {
			rep.Paired = true
			rep.Employee = fmt.Sprintf("%s/%s", pair.OrgID, pair.UserID)
			if pair.EmployeeName != "" {
				rep.Employee = pair.EmployeeName + " (" + rep.Employee + ")"
			}
			if pair.ServerURL != "" {
				rep.Server = pair.ServerURL
			}
		}

		if rep.Watermark, err = store.GetWatermark(ctx); err != nil {
			return err
		}
		at, summary, err := store.LastCycle(ctx)
		if err != nil {
			return err
		}
		if at > 0 {
			rep.LastCycle = time.UnixMilli(at)
			rep.LastResult = summary
		}
		if rep.Counts, err = store.Counts(ctx); err != nil {
			return err
		}

		if check && rep.Paired {
			reachable := serverReachable(ctx, settings)
			rep.Reachable = &reachable
		}

		if ok, err := output.Structured(os.Stdout, currentFormat(), rep); ok {
			return err
		}
		printStatus(rep)
		return nil
	},
}

func serverReachable(ctx context.Context, settings *syncconfig.Settings) bool {
	client, err := newClient(settings)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = client.HealthCheck(ctx)
	return err == nil
}

func printStatus(rep statusReport) {
	if rep.Paired {
		fmt.Printf("Paired as: %s\n", rep.Employee)
	} else {
		output.Warning("not paired; run `callsync pair`")
	}
	fmt.Printf("Server:    %s", rep.Server)
	if rep.Reachable != nil {
		if *rep.Reachable {
			fmt.Print(" (reachable)")
		} else {
			fmt.Print(" (unreachable)")
		}
	}
	fmt.Println()
	if rep.LastCycle.IsZero() {
		fmt.Println("Last sync: never")
	} else {
		fmt.Printf("Last sync: %s, %s\n", output.FormatTimeAgo(rep.LastCycle), rep.LastResult)
	}

	c := rep.Counts
	fmt.Print(output.SectionHeader("calls"))
	fmt.Printf("  %d total\n", c.Calls)
	fmt.Printf("  metadata:   %d pending, %d edits pending, %d synced, %d failed\n",
		c.MetadataPending, c.MetadataUpdatePending, c.MetadataSynced, c.MetadataFailed)
	fmt.Printf("  recordings: %d pending (%d not found yet), %d in progress, %d completed, %d failed, %d n/a\n",
		c.RecordingPending, c.AwaitingRecording, c.RecordingActive, c.RecordingCompleted, c.RecordingFailed, c.RecordingNotApplicable)
	if c.PersonsDirty > 0 {
		fmt.Printf("  persons:    %d with unsynced edits\n", c.PersonsDirty)
	}
	if c.MetadataFailed+c.RecordingFailed > 0 {
		fmt.Println()
		output.Info("Run `callsync calls --status failed` to inspect and `callsync retry` to requeue.")
	}
}

func init() {
	statusCmd.Flags().Bool("check", false, "also check that the server is reachable")
	rootCmd.AddCommand(statusCmd)
}
