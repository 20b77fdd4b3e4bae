package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/output"
)

var retryCmd = &cobra.Command{
	Use:     "retry",
	Short:   "Requeue failed calls and recordings",
	Long:    `Moves every failed metadata row and recording back into the sync queue and resets attempt counts.`,
	GroupID: "core",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		meta, recs, err := store.RequeueFailed(cmd.Context())
		if err != nil {
			return err
		}
		if ok, err := output.Structured(os.Stdout, currentFormat(), map[string]int64{"metadata": meta, "recordings": recs}); ok {
			return err
		}
		output.Success("Requeued %d calls and %d recordings", meta, recs)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget sync state, or wipe local data",
	Long: `Without flags, forgets what the server acknowledged so the next sync
re-announces every call and pulls from the beginning. Notes, labels and
recordings stay.

With --data, deletes every call, person and staged upload from this device.`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wipe, _ := cmd.Flags().GetBool("data")
		yes, _ := cmd.Flags().GetBool("yes")

		if wipe && !yes {
			if !output.Interactive() {
				return fmt.Errorf("refusing to delete local data without --yes")
			}
			var confirmed bool
			err := huh.NewConfirm().
				Title("Delete every call, note and staged upload on this device?").
				Affirmative("Delete").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return nil
			}
		}

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if wipe {
			if err := store.ResetData(cmd.Context()); err != nil {
				return err
			}
			output.Success("Local call data deleted")
			return nil
		}
		if err := store.ResetSyncState(cmd.Context()); err != nil {
			return err
		}
		output.Success("Sync state cleared; the next sync starts over")
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("data", false, "delete all local call data")
	resetCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(retryCmd, resetCmd)
}
