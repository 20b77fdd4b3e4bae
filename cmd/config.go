package cmd

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/output"
	"github.com/marcus/callsync/internal/suggest"
	"github.com/marcus/callsync/internal/syncconfig"
)

// boolConfigKeys are validated as booleans before they are stored.
var boolConfigKeys = map[string]bool{
	"auto_sync":           true,
	"watch_recordings":    true,
	"compress":            true,
	"delete_after_upload": true,
	"allow_metered":       true,
}

// intConfigKeys are validated as positive integers before they are stored.
var intConfigKeys = map[string]bool{
	"chunk_size":   true,
	"concurrency":  true,
	"max_attempts": true,
}

func parseBool(val string) (bool, error) {
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q (use true/false/1/0)", val)
	}
}

// validateConfigValue checks typed keys; syncconfig.Set checks the rest.
func validateConfigValue(key, val string) error {
	if boolConfigKeys[key] {
		_, err := parseBool(val)
		return err
	}
	if intConfigKeys[key] {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", key, val)
		}
	}
	return nil
}

// withKeyHint suggests close config keys when key is unknown.
func withKeyHint(key string, err error) error {
	if slices.Contains(syncconfig.Keys, key) {
		return err
	}
	if matches := suggest.Similar(key, syncconfig.Keys); len(matches) > 0 {
		return fmt.Errorf("%w (did you mean %s?)", err, strings.Join(matches, " or "))
	}
	return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(syncconfig.Keys, ", "))
}

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage callsync configuration",
	GroupID: "system",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]
		if err := validateConfigValue(key, val); err != nil {
			return err
		}
		if boolConfigKeys[key] {
			b, _ := parseBool(val)
			val = strconv.FormatBool(b)
		}
		if err := syncconfig.Set(key, val); err != nil {
			return withKeyHint(key, err)
		}
		output.Success("Set %s = %s", key, val)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get an effective config value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := syncconfig.Get(args[0])
		if err != nil {
			return withKeyHint(args[0], err)
		}
		fmt.Println(val)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every effective config value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values := make(map[string]string, len(syncconfig.Keys))
		for _, k := range syncconfig.Keys {
			v, err := syncconfig.Get(k)
			if err != nil {
				return err
			}
			values[k] = v
		}
		if ok, err := output.Structured(os.Stdout, currentFormat(), values); ok {
			return err
		}
		for _, k := range syncconfig.Keys {
			fmt.Printf("%-20s %s\n", k, values[k])
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd, configGetCmd, configListCmd)
	rootCmd.AddCommand(configCmd)
}
