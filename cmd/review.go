package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/db"
	"github.com/marcus/callsync/internal/output"
)

var reviewCmd = &cobra.Command{
	Use:     "review <call-id>...",
	Short:   "Mark calls as reviewed",
	GroupID: "calls",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		undo, _ := cmd.Flags().GetBool("undo")
		reviewed := !undo

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var done []string
		for _, id := range args {
			call, err := store.EditCall(cmd.Context(), id, db.CallEdit{Reviewed: &reviewed})
			if err != nil {
				output.Error("%s: %v", id, err)
				continue
			}
			done = append(done, call.CompositeID)
		}

		if ok, err := output.Structured(os.Stdout, currentFormat(), map[string]any{"reviewed": reviewed, "calls": done}); ok {
			return err
		}
		for _, id := range done {
			if reviewed {
				output.Success("Reviewed %s", id)
			} else {
				output.Success("Unmarked %s", id)
			}
		}
		if len(done) < len(args) {
			return errPartial
		}
		return nil
	},
}

func init() {
	reviewCmd.Flags().Bool("undo", false, "clear the reviewed flag instead")
	rootCmd.AddCommand(reviewCmd)
}
