package recording

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReportsSettledAudio(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(testLocator(root), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start([]string{root, filepath.Join(root, "missing")}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if dirs := w.Dirs(); len(dirs) != 1 || dirs[0] != root {
		t.Errorf("Dirs = %v", dirs)
	}

	os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644)
	audio := filepath.Join(root, "Call_20240315_143000.mp3")
	if err := os.WriteFile(audio, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case batch := <-w.Batches():
		if len(batch) != 1 || batch[0] != audio {
			t.Errorf("batch = %v, want [%s]", batch, audio)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no batch received")
	}
}

func TestWatcherNoDirs(t *testing.T) {
	w, err := NewWatcher(testLocator(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if err := w.Start([]string{filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Error("Start with no existing roots should fail")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(testLocator(root), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start([]string{root}); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if _, ok := <-w.Batches(); ok {
		t.Error("Batches should be closed after Stop")
	}
}
