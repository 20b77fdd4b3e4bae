// Command callsync-server accepts call metadata and recordings from paired
// device agents.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/api"
	"github.com/marcus/callsync/internal/logging"
	"github.com/marcus/callsync/internal/serverdb"
)

var rootCmd = &cobra.Command{
	Use:   "callsync-server",
	Short: "Call log and recording sync server",
	Long: `callsync-server receives call metadata, notes and chunked recordings from
device agents and serves finalized recordings under /recordings/.

Configuration comes from CALLSYNC_SERVER_* environment variables.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func main() {
	rootCmd.AddCommand(adminCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(parent context.Context) error {
	cfg := api.LoadConfig()

	logger, closer := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer closer.Close()
	slog.SetDefault(logger)

	store, err := serverdb.Open(cfg.ServerDBPath)
	if err != nil {
		return fmt.Errorf("open server db: %w", err)
	}
	defer store.Close()

	srv, err := api.NewServer(cfg, store)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	slog.Info("server started", "addr", cfg.ListenAddr, "data_dir", cfg.DataDir)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
	return nil
}
