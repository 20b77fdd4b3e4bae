package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcus/callsync/internal/db"
	"github.com/marcus/callsync/internal/logging"
	"github.com/marcus/callsync/internal/output"
	"github.com/marcus/callsync/internal/recording"
	"github.com/marcus/callsync/internal/suggest"
	csync "github.com/marcus/callsync/internal/sync"
	"github.com/marcus/callsync/internal/syncclient"
	"github.com/marcus/callsync/internal/syncconfig"
	"github.com/marcus/callsync/internal/syncerr"
)

var (
	formatFlag string
	verbose    bool
)

// SetVersion sets the version string
func SetVersion(v string) {
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "callsync",
	Short: "Offline-first call log and recording sync agent",
	Long: `callsync keeps this device's call log, notes and call recordings in sync with
the team server. Everything is stored locally first and delivered when the
server is reachable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := output.ParseFormat(formatFlag); err != nil {
			return err
		}
		level := "warn"
		if verbose {
			level = "debug"
		}
		logger, _ := logging.New(logging.Options{Level: level})
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if isMutatingCommand(commandPath(cmd)) {
			autoSyncAfterMutation(cmd.Context())
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if currentFormat() == output.FormatJSON {
			output.JSONError(errorCode(err), err.Error())
		} else {
			output.Error("%v", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "text", "output format: text, json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log sync activity to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Sync Commands:"},
		&cobra.Group{ID: "calls", Title: "Call Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)

	rootCmd.SetFlagErrorFunc(flagError)
	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")
}

func currentFormat() output.Format {
	f, err := output.ParseFormat(formatFlag)
	if err != nil {
		return output.FormatText
	}
	return f
}

// flagError adds a hint or close matches to unknown-flag errors.
func flagError(cmd *cobra.Command, err error) error {
	msg := err.Error()
	if !strings.HasPrefix(msg, "unknown flag: ") && !strings.HasPrefix(msg, "unknown shorthand flag: ") {
		return err
	}
	flag := strings.Fields(strings.TrimPrefix(strings.TrimPrefix(msg, "unknown shorthand flag: "), "unknown flag: "))[0]
	if hint := suggest.FlagHint(flag); hint != "" {
		return fmt.Errorf("%w (did you mean %s?)", err, hint)
	}
	var names []string
	cmd.Flags().VisitAll(func(f *pflag.Flag) { names = append(names, "--"+f.Name) })
	if matches := suggest.Similar(flag, names); len(matches) > 0 {
		return fmt.Errorf("%w (did you mean %s?)", err, strings.Join(matches, " or "))
	}
	return err
}

// errNotPaired is returned by commands that need a server binding.
var errNotPaired = errors.New("device is not paired; run `callsync pair` first")

// errPartial reports that a multi-item command failed for some items.
var errPartial = errors.New("some items could not be updated")

func errorCode(err error) string {
	switch {
	case errors.Is(err, errNotPaired):
		return output.ErrCodeNotPaired
	case errors.Is(err, db.ErrNotFound):
		return output.ErrCodeNotFound
	}
	switch syncerr.KindOf(err) {
	case syncerr.KindLocalIO:
		return output.ErrCodeDatabase
	case syncerr.KindTransientNetwork, syncerr.KindServerRejected:
		return output.ErrCodeServer
	}
	return output.ErrCodeInvalidInput
}

// openStore loads settings and opens the local record store.
func openStore() (*syncconfig.Settings, *db.DB, error) {
	settings, err := syncconfig.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := db.Open(settings.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return settings, store, nil
}

// newClient returns a client for the paired employee.
func newClient(settings *syncconfig.Settings) (*syncclient.Client, error) {
	pair, err := syncconfig.LoadAuth()
	if err != nil {
		return nil, err
	}
	if !pair.Paired() {
		return nil, errNotPaired
	}
	serverURL := pair.ServerURL
	if serverURL == "" {
		serverURL = settings.ServerURL
	}
	client := syncclient.New(serverURL, pair.OrgID, pair.UserID, pair.DeviceID)
	client.DevicePhone = settings.DevicePhone
	return client, nil
}

// newLocator builds the recording locator from settings.
func newLocator(settings *syncconfig.Settings) *recording.Locator {
	cfg := recording.DefaultLocatorConfig()
	cfg.Roots = settings.RecordingRoots
	if len(cfg.Roots) == 0 {
		cfg.StorageRoot = storageRoot()
	}
	if settings.MatchExactTolerance > 0 {
		cfg.ExactTolerance = settings.MatchExactTolerance
	}
	if len(settings.MatchWindows) > 0 {
		cfg.Windows = make([]recording.Window, 0, len(settings.MatchWindows))
		for _, w := range settings.MatchWindows {
			cfg.Windows = append(cfg.Windows, recording.Window{Time: w.Time, Duration: w.Duration})
		}
	}
	return recording.NewLocator(cfg)
}

// storageRoot is the shared storage mount dialers write recordings under.
func storageRoot() string {
	if v := os.Getenv("EXTERNAL_STORAGE"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return home
}

// newEngine wires a sync engine for the paired device.
func newEngine(settings *syncconfig.Settings, store *db.DB, logger *slog.Logger) (*csync.Engine, *recording.Locator, error) {
	client, err := newClient(settings)
	if err != nil {
		return nil, nil, err
	}
	locator := newLocator(settings)

	var compressor recording.Compressor
	if settings.Compress {
		if c := recording.NewExecCompressor(settings.Compressor); c.Available() {
			compressor = c
		} else {
			logger.Warn("compressor not found, uploading originals", "binary", settings.Compressor)
		}
	}
	pipeline := recording.NewPipeline(recording.PipelineConfig{
		WorkDir:                   db.CompressedDir(settings.DataDir),
		Compress:                  compressor != nil,
		DeleteOriginalAfterUpload: settings.DeleteAfterUpload,
	}, compressor, logger)

	engine := csync.NewEngine(store, client, locator, pipeline, csync.Config{
		ChunkSize:   settings.ChunkSize,
		Concurrency: settings.Concurrency,
		MaxAttempts: settings.MaxAttempts,
	}, logger)
	return engine, locator, nil
}
