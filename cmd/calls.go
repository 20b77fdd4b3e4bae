package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/dateparse"
	"github.com/marcus/callsync/internal/db"
	"github.com/marcus/callsync/internal/models"
	"github.com/marcus/callsync/internal/output"
)

var callsCmd = &cobra.Command{
	Use:     "calls",
	Aliases: []string{"ls"},
	Short:   "List recent calls",
	GroupID: "calls",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		phone, _ := cmd.Flags().GetString("number")
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")
		since, _ := cmd.Flags().GetString("since")

		var sinceMs int64
		if since != "" {
			t, err := dateparse.ParseSince(since)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			sinceMs = t.UnixMilli()
		}

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		calls, err := store.ListCalls(cmd.Context(), phone, limit)
		if err != nil {
			return err
		}
		calls = filterCalls(calls, status, sinceMs)

		if ok, err := output.Structured(os.Stdout, currentFormat(), calls); ok {
			return err
		}
		if len(calls) == 0 {
			fmt.Println("No calls")
			return nil
		}
		for i := range calls {
			fmt.Println(output.FormatCallShort(&calls[i]))
		}
		return nil
	},
}

// filterCalls keeps calls whose metadata or recording status matches and
// that started at or after sinceMs. Empty status and zero sinceMs match all.
func filterCalls(calls []models.CallRecord, status string, sinceMs int64) []models.CallRecord {
	var out []models.CallRecord
	for _, c := range calls {
		if status != "" && string(c.MetadataSyncStatus) != status && string(c.RecordingSyncStatus) != status {
			continue
		}
		if c.StartedAt < sinceMs {
			continue
		}
		out = append(out, c)
	}
	return out
}

var showCmd = &cobra.Command{
	Use:     "show <call-id>",
	Short:   "Show one call with its sync state",
	GroupID: "calls",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		call, err := store.GetCall(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if ok, err := output.Structured(os.Stdout, currentFormat(), call); ok {
			return err
		}
		fmt.Print(output.FormatCallLong(call))
		return nil
	},
}

var personCmd = &cobra.Command{
	Use:     "person",
	Short:   "Show or edit per-number notes and labels",
	GroupID: "calls",
}

var personShowCmd = &cobra.Command{
	Use:   "show [number]",
	Short: "Show one person, or list everyone called recently",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 0 {
			limit, _ := cmd.Flags().GetInt("limit")
			persons, err := store.ListPersons(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if ok, err := output.Structured(os.Stdout, currentFormat(), persons); ok {
				return err
			}
			for i := range persons {
				fmt.Print(output.FormatPerson(&persons[i]))
			}
			return nil
		}

		p, err := store.GetPerson(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if ok, err := output.Structured(os.Stdout, currentFormat(), p); ok {
			return err
		}
		fmt.Print(output.FormatPerson(p))
		return nil
	},
}

var personEditCmd = &cobra.Command{
	Use:   "edit <number>",
	Short: "Set the note, label or name for a number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var edit db.PersonEdit
		if cmd.Flags().Changed("note") {
			v, _ := cmd.Flags().GetString("note")
			edit.Note = &v
		}
		if cmd.Flags().Changed("label") {
			v, _ := cmd.Flags().GetString("label")
			edit.Label = &v
		}
		if cmd.Flags().Changed("name") {
			v, _ := cmd.Flags().GetString("name")
			edit.ContactName = &v
		}
		if edit.Note == nil && edit.Label == nil && edit.ContactName == nil {
			return fmt.Errorf("nothing to change: pass --note, --label or --name")
		}

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		p, err := store.EditPerson(cmd.Context(), args[0], edit)
		if err != nil {
			return err
		}
		if ok, err := output.Structured(os.Stdout, currentFormat(), p); ok {
			return err
		}
		output.Success("Updated %s", p.PhoneNumber)
		return nil
	},
}

func init() {
	callsCmd.Flags().String("number", "", "only calls with this number")
	callsCmd.Flags().IntP("limit", "n", 50, "maximum calls to list")
	callsCmd.Flags().String("status", "", "only calls in this metadata or recording status")
	callsCmd.Flags().String("since", "", "only calls since a date (2024-03-15, today, yesterday, 7d, monday)")

	personShowCmd.Flags().IntP("limit", "n", 50, "maximum persons to list")
	personEditCmd.Flags().String("note", "", "note about this number")
	personEditCmd.Flags().String("label", "", "label, e.g. customer or vendor")
	personEditCmd.Flags().String("name", "", "contact name")

	personCmd.AddCommand(personShowCmd, personEditCmd)
	rootCmd.AddCommand(callsCmd, showCmd, personCmd)
}
