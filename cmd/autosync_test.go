package cmd

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/marcus/callsync/internal/db"
	"github.com/marcus/callsync/internal/syncconfig"
)

func TestIsMutatingCommand(t *testing.T) {
	// Commands that should trigger auto-sync
	mutating := []string{"note", "review", "person edit", "import", "retry"}
	for _, name := range mutating {
		if !isMutatingCommand(name) {
			t.Errorf("expected %q to be mutating", name)
		}
	}

	// Commands that should NOT trigger auto-sync
	readOnly := []string{"calls", "show", "person", "person show", "sync", "daemon", "status", "pair", "config set", "reset", "help"}
	for _, name := range readOnly {
		if isMutatingCommand(name) {
			t.Errorf("expected %q to NOT be mutating", name)
		}
	}
}

func TestCommandPath(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"person", "edit"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got := commandPath(cmd); got != "person edit" {
		t.Errorf("commandPath = %q", got)
	}
}

func TestAutoSyncSkippedWhenUnpaired(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CALLSYNC_CONFIG_DIR", dir)
	t.Setenv("CALLSYNC_DATA_DIR", dir)

	// Must return without touching the network or creating a store.
	autoSyncAfterMutation(t.Context())
}

func TestAutoSyncSkippedWhileCycleRuns(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	t.Setenv("CALLSYNC_CONFIG_DIR", dir)
	t.Setenv("CALLSYNC_DATA_DIR", dataDir)
	if err := syncconfig.SaveAuth(&syncconfig.Pairing{
		ServerURL: srv.URL, OrgID: "org1", UserID: "u1", DeviceID: "dev1",
	}); err != nil {
		t.Fatalf("SaveAuth: %v", err)
	}

	store, err := db.Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	held, err := store.TryCycleLock()
	if err != nil {
		t.Fatalf("TryCycleLock: %v", err)
	}

	autoSyncAfterMutation(t.Context())
	if n := hits.Load(); n != 0 {
		t.Fatalf("autosync sent %d requests while a cycle held the lock", n)
	}

	held.Release()
	autoSyncAfterMutation(t.Context())
	if hits.Load() == 0 {
		t.Fatal("autosync sent nothing once the lock was free")
	}
}
