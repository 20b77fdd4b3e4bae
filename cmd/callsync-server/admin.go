package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/api"
	"github.com/marcus/callsync/internal/serverdb"
)

var dbPath string

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage employees and organisation settings",
}

var addEmployeeCmd = &cobra.Command{
	Use:   "add-employee",
	Short: "Create an employee a device can pair as (renames if it exists)",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("org")
		user, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")

		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		e, err := store.AddEmployee(org, user, name)
		if err != nil {
			return err
		}
		fmt.Printf("employee %s/%s (%s) ready to pair\n", e.OrgID, e.UserID, e.Name)
		return nil
	},
}

var listEmployeesCmd = &cobra.Command{
	Use:   "list-employees",
	Short: "List an organisation's employees and their paired devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("org")

		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		employees, err := store.ListEmployees(org)
		if err != nil {
			return err
		}
		if len(employees) == 0 {
			fmt.Println("no employees")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tNAME\tDEVICE\tPAIRED")
		for _, e := range employees {
			device, paired := "-", "-"
			if e.DeviceID != "" {
				device = e.DeviceID
				if e.DeviceName != "" {
					device += " (" + e.DeviceName + ")"
				}
				paired = time.UnixMilli(e.PairedAt).Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.UserID, e.Name, device, paired)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		n, err := store.CallCount(org)
		if err != nil {
			return err
		}
		fmt.Printf("\n%d employees, %d calls\n", len(employees), n)
		return nil
	},
}

var setExcludedCmd = &cobra.Command{
	Use:   "set-excluded [phone...]",
	Short: "Replace the numbers whose calls are never synced",
	Long: `Replace the organisation's excluded numbers. Agents pick the list up on their
next cycle and stop sending calls with those numbers. Run with no numbers to
clear the list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("org")

		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		var phones []string
		for _, a := range args {
			phones = append(phones, strings.Split(a, ",")...)
		}
		if err := store.SetExcludedNumbers(org, phones); err != nil {
			return err
		}
		current, err := store.ExcludedNumbers(org)
		if err != nil {
			return err
		}
		fmt.Printf("%d excluded number(s) for %s\n", len(current), org)
		return nil
	},
}

func openDB() (*serverdb.ServerDB, error) {
	path := dbPath
	if path == "" {
		path = api.LoadConfig().ServerDBPath
	}
	store, err := serverdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func init() {
	adminCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to server.db (default: CALLSYNC_SERVER_DB_PATH or ./data/server.db)")
	adminCmd.PersistentFlags().String("org", "", "organisation id")
	_ = adminCmd.MarkPersistentFlagRequired("org")

	addEmployeeCmd.Flags().String("user", "", "employee user id")
	addEmployeeCmd.Flags().String("name", "", "display name")
	_ = addEmployeeCmd.MarkFlagRequired("user")

	adminCmd.AddCommand(addEmployeeCmd, listEmployeesCmd, setExcludedCmd)
}
