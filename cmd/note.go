package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/db"
	"github.com/marcus/callsync/internal/output"
)

var noteCmd = &cobra.Command{
	Use:   "note <call-id> [text...]",
	Short: "Set or clear the note on a call",
	Long: `Sets the note on a call. With no text and --clear the note is removed.
The edit is stored locally and pushed on the next sync.`,
	Example: `  callsync note incoming-3f2a...-15550100200-1710513000000 "wants a quote by Friday"
  callsync note incoming-3f2a...-15550100200-1710513000000 --clear`,
	GroupID: "calls",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clearNote, _ := cmd.Flags().GetBool("clear")
		text := strings.TrimSpace(strings.Join(args[1:], " "))
		if text == "" && !clearNote {
			return fmt.Errorf("note text required (use --clear to remove the note)")
		}
		if clearNote {
			text = ""
		}

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		call, err := store.EditCall(cmd.Context(), args[0], db.CallEdit{Note: &text})
		if err != nil {
			return err
		}
		if ok, err := output.Structured(os.Stdout, currentFormat(), call); ok {
			return err
		}
		if text == "" {
			output.Success("Cleared note on %s", call.CompositeID)
		} else {
			output.Success("Noted %s", call.CompositeID)
		}
		return nil
	},
}

func init() {
	noteCmd.Flags().Bool("clear", false, "remove the note")
	rootCmd.AddCommand(noteCmd)
}
