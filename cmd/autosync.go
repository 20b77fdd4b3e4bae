package cmd

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/syncconfig"
)

// autoSyncTimeout bounds the sync run after an edit so the command returns promptly.
const autoSyncTimeout = 10 * time.Second

// mutatingCommands lists commands that change local data and should trigger auto-sync.
// Keys are command paths below the root.
var mutatingCommands = map[string]bool{
	"note":        true,
	"review":      true,
	"person edit": true,
	"import":      true,
	"retry":       true,
}

// isMutatingCommand checks if the given command path triggers auto-sync.
func isMutatingCommand(path string) bool {
	return mutatingCommands[path]
}

// commandPath returns cmd's path without the root name, e.g. "person edit".
func commandPath(cmd *cobra.Command) string {
	return strings.TrimPrefix(cmd.CommandPath(), cmd.Root().Name()+" ")
}

// autoSyncAfterMutation pulls and pushes metadata after a local edit.
// Recordings are left to the next full cycle. It is skipped while another
// cycle holds the cycle lock. Errors are logged, not returned; the edit is
// already stored and will go out on the next trigger.
func autoSyncAfterMutation(parent context.Context) {
	if !syncconfig.AutoSyncEnabled() {
		return
	}
	if p, err := syncconfig.LoadAuth(); err != nil || !p.Paired() {
		return
	}

	settings, store, err := openStore()
	if err != nil {
		slog.Debug("autosync: open store", "err", err)
		return
	}
	defer store.Close()

	engine, _, err := newEngine(settings, store, slog.Default())
	if err != nil {
		slog.Debug("autosync: engine", "err", err)
		return
	}

	lock, err := store.TryCycleLock()
	if err != nil {
		slog.Debug("autosync: skipped", "err", err)
		return
	}
	defer lock.Release()

	ctx, cancel := context.WithTimeout(parent, autoSyncTimeout)
	defer cancel()

	_, pullErr := engine.Pull(ctx)
	if pullErr != nil {
		slog.Debug("autosync: pull", "err", pullErr)
	}
	push, err := engine.Push(ctx, pullErr == nil)
	if err != nil {
		slog.Debug("autosync: push", "err", err)
		return
	}
	slog.Debug("autosync: pushed", "announced", push.Announced, "updated", push.Updated+push.Persons)
}
