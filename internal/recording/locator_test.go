package recording

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/callsync/internal/models"
	"github.com/marcus/callsync/internal/syncerr"
)

var callStart = time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)

func testLocator(roots ...string) *Locator {
	cfg := DefaultLocatorConfig()
	cfg.Roots = roots
	cfg.Location = time.UTC
	return NewLocator(cfg)
}

func testCallRecord(phone, name string, duration int64) *models.CallRecord {
	return &models.CallRecord{
		CompositeID:     models.CompositeID(models.CallIncoming, "dev1", phone, callStart.UnixMilli()),
		PhoneNumber:     phone,
		ContactName:     name,
		CallType:        models.CallIncoming,
		StartedAt:       callStart.UnixMilli(),
		DurationSeconds: duration,
	}
}

// writeAudio creates a non-empty file with the given modification time.
func writeAudio(t *testing.T, dir, name string, mtime time.Time) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLocateExactNameTimestamp(t *testing.T) {
	dir := t.TempDir()
	call := testCallRecord("+91 98765 43210", "", 120)
	end := call.EndedTime()

	want := writeAudio(t, dir, "Call_20240315_143001.mp3", end)
	writeAudio(t, dir, "Call_20240315_142000.mp3", callStart.Add(-8*time.Minute))

	got, err := testLocator(dir).Locate(call, nil)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got != want {
		t.Errorf("Locate = %s, want %s", got, want)
	}
}

func TestLocatePhoneHintBeatsCloserFile(t *testing.T) {
	dir := t.TempDir()
	call := testCallRecord("+91 98765 43210", "", 60)
	end := call.EndedTime()

	writeAudio(t, dir, "rec_a.m4a", end.Add(10*time.Second))
	want := writeAudio(t, dir, "9876543210_rec.m4a", end.Add(30*time.Second))

	got, err := testLocator(dir).Locate(call, nil)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got != want {
		t.Errorf("Locate = %s, want %s", got, want)
	}
}

func TestLocateEqualHintsPicksSmallestDelta(t *testing.T) {
	dir := t.TempDir()
	call := testCallRecord("5550001111", "", 60)
	end := call.EndedTime()

	// Neither name carries a hint; the earlier name sorts first but is further off.
	writeAudio(t, dir, "rec_a.m4a", end.Add(40*time.Second))
	want := writeAudio(t, dir, "rec_z.m4a", end.Add(5*time.Second))

	got, err := testLocator(dir).Locate(call, nil)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got != want {
		t.Errorf("Locate = %s, want %s", got, want)
	}
}

func TestLocateWideWindowNeedsHint(t *testing.T) {
	dir := t.TempDir()
	call := testCallRecord("5550001111", "Alice Smith", 60)
	end := call.EndedTime()

	writeAudio(t, dir, "voice_001.mp3", end.Add(5*time.Minute))
	l := testLocator(dir)

	if _, err := l.Locate(call, nil); !errors.Is(err, ErrRecordingNotFound) {
		t.Fatalf("Locate without hint = %v, want ErrRecordingNotFound", err)
	}

	want := writeAudio(t, dir, "Alice_Smith.mp3", end.Add(5*time.Minute))
	got, err := l.Locate(call, nil)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got != want {
		t.Errorf("Locate = %s, want %s", got, want)
	}
}

func TestLocateSkipsClaimed(t *testing.T) {
	dir := t.TempDir()
	call := testCallRecord("5550001111", "", 120)
	end := call.EndedTime()

	first := writeAudio(t, dir, "Call_20240315_143000.mp3", end)
	second := writeAudio(t, dir, "Call_20240315_143002.mp3", end)
	l := testLocator(dir)

	got, err := l.Locate(call, nil)
	if err != nil || got != first {
		t.Fatalf("Locate = %s, %v; want %s", got, err, first)
	}
	got, err = l.Locate(call, map[string]bool{first: true})
	if err != nil || got != second {
		t.Fatalf("Locate with claim = %s, %v; want %s", got, err, second)
	}
}

func TestLocateRejectsDurationMismatch(t *testing.T) {
	dir := t.TempDir()
	call := testCallRecord("5550001111", "", 300)

	// Name says it started 10s after the call; mtime says it lasted 20s.
	nameTS := callStart.Add(10 * time.Second)
	writeAudio(t, dir, "Call_20240315_143010.mp3", nameTS.Add(20*time.Second))

	_, err := testLocator(dir).Locate(call, nil)
	if !errors.Is(err, ErrRecordingNotFound) {
		t.Fatalf("Locate = %v, want ErrRecordingNotFound", err)
	}
	if syncerr.KindOf(err) != syncerr.KindRecordingNotFound {
		t.Errorf("kind = %v", syncerr.KindOf(err))
	}
}

func TestLocateMissedCall(t *testing.T) {
	dir := t.TempDir()
	call := testCallRecord("5550001111", "", 0)
	call.CallType = models.CallMissed
	writeAudio(t, dir, "Call_20240315_143000.mp3", callStart)

	if _, err := testLocator(dir).Locate(call, nil); !errors.Is(err, ErrRecordingNotFound) {
		t.Errorf("Locate = %v, want ErrRecordingNotFound", err)
	}
}

func TestLocatePrefersDeviceFolders(t *testing.T) {
	storage := t.TempDir()
	call := testCallRecord("5550001111", "", 120)
	end := call.EndedTime()

	want := writeAudio(t, filepath.Join(storage, "Recordings"), "Call_20240315_143000.mp3", end)
	writeAudio(t, filepath.Join(storage, "ACRCalls"), "Call_20240315_143000.mp3", end)

	cfg := DefaultLocatorConfig()
	cfg.StorageRoot = storage
	cfg.Location = time.UTC
	got, err := NewLocator(cfg).Locate(call, nil)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got != want {
		t.Errorf("Locate = %s, want %s", got, want)
	}
}

func TestLocateIgnoresEmptyAndNonAudio(t *testing.T) {
	dir := t.TempDir()
	call := testCallRecord("5550001111", "", 120)

	empty := filepath.Join(dir, "Call_20240315_143000.mp3")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	writeAudio(t, dir, "Call_20240315_143000.txt", call.EndedTime())

	if _, err := testLocator(dir).Locate(call, nil); !errors.Is(err, ErrRecordingNotFound) {
		t.Errorf("Locate = %v, want ErrRecordingNotFound", err)
	}
}

func TestParseNameTimestamp(t *testing.T) {
	tests := []struct {
		name string
		want time.Time
	}{
		{"Call_20240315_143001.mp3", time.Date(2024, 3, 15, 14, 30, 1, 0, time.UTC)},
		{"recording 2024-03-15 14-30-01.m4a", time.Date(2024, 3, 15, 14, 30, 1, 0, time.UTC)},
		{"20240315143001.amr", time.Date(2024, 3, 15, 14, 30, 1, 0, time.UTC)},
		{"rec_1710513001000.wav", time.UnixMilli(1710513001000)},
		{"voice_001.mp3", time.Time{}},
		{"99991399_999999.mp3", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseNameTimestamp(tt.name, time.UTC)
			if !got.Equal(tt.want) {
				t.Errorf("parseNameTimestamp(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestIsAudio(t *testing.T) {
	l := testLocator()
	for path, want := range map[string]bool{
		"a.mp3": true,
		"a.M4A": true,
		"a.amr": true,
		"a.txt": false,
		"mp3":   false,
	} {
		if got := l.IsAudio(path); got != want {
			t.Errorf("IsAudio(%q) = %v, want %v", path, got, want)
		}
	}
}
