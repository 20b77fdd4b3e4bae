package serverdb

import (
	"database/sql"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *ServerDB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db, err := OpenConn(conn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fixedClock makes stamps deterministic: now() always returns ms, so stamps
// advance only through the monotonic last+1 rule or incoming values.
func fixedClock(db *ServerDB, ms int64) {
	db.SetClock(func() int64 { return ms })
}

func testCall(id string, duration int64) Call {
	return Call{
		UniqueID:     id,
		OrgID:        "org1",
		UserID:       "u1",
		DeviceID:     "dev1",
		CallerNumber: "+1 (555) 010-0200",
		CallType:     "incoming",
		CallTime:     1710513000000, // 2024-03-15 14:30:00 UTC
		Duration:     duration,
		UpdatedAt:    10,
	}
}

// --- Employees ---

func TestAddEmployeeValidation(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.AddEmployee("", "u1", "x"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	e, err := db.AddEmployee(" org1 ", "u1", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if e.OrgID != "org1" || e.Name != "Alice" {
		t.Fatalf("unexpected employee: %+v", e)
	}
	if _, err := db.AddEmployee("org1", "u1", "Alice B"); err != nil {
		t.Fatal(err)
	}
	all, err := db.ListEmployees("org1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Name != "Alice B" {
		t.Fatalf("expected one renamed employee, got %+v", all)
	}
}

func TestPairAndVerifyDevice(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.VerifyDevice("org1", "nobody", "dev1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	db.AddEmployee("org1", "u1", "Alice")
	if _, err := db.VerifyDevice("org1", "u1", "dev1"); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired, got %v", err)
	}
	if _, err := db.PairDevice("org1", "u1", "dev1", "Pixel"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.VerifyDevice("org1", "u1", "dev1"); err != nil {
		t.Fatalf("verify paired device: %v", err)
	}
	if _, err := db.VerifyDevice("org1", "u1", "dev2"); !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("expected ErrDeviceMismatch, got %v", err)
	}
}

func TestPairDeviceMovesDevice(t *testing.T) {
	db := newTestDB(t)
	db.AddEmployee("org1", "u1", "Alice")
	db.AddEmployee("org1", "u2", "Bob")
	db.PairDevice("org1", "u1", "dev1", "Pixel")
	if _, err := db.PairDevice("org1", "u2", "dev1", "Pixel"); err != nil {
		t.Fatal(err)
	}
	alice, _ := db.GetEmployee("org1", "u1")
	if alice.DeviceID != "" {
		t.Fatalf("device should be released from previous employee, got %q", alice.DeviceID)
	}
	bob, _ := db.GetEmployee("org1", "u2")
	if bob.DeviceID != "dev1" || bob.PairedAt == 0 {
		t.Fatalf("unexpected pairing: %+v", bob)
	}
}

func TestExcludedNumbers(t *testing.T) {
	db := newTestDB(t)
	if err := db.SetExcludedNumbers("org1", []string{"+1 555-0100", "", "15550100", "911"}); err != nil {
		t.Fatal(err)
	}
	got, err := db.ExcludedNumbers("org1")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "15550100,911" {
		t.Fatalf("unexpected excluded numbers: %v", got)
	}
	db.SetExcludedNumbers("org1", nil)
	got, _ = db.ExcludedNumbers("org1")
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
}

// --- Calls ---

func TestStartCallInsertDecidesUploadStatus(t *testing.T) {
	db := newTestDB(t)
	fixedClock(db, 1000)

	tests := []struct {
		id       string
		typ      string
		duration int64
		want     string
	}{
		{"answered", "incoming", 45, UploadPending},
		{"zero", "outgoing", 0, UploadCompleted},
		{"missed", "missed", 12, UploadCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			in := testCall(tt.id, tt.duration)
			in.CallType = tt.typ
			c, applied, err := db.StartCall(in)
			if err != nil {
				t.Fatal(err)
			}
			if !applied {
				t.Fatal("first announce must apply")
			}
			if c.UploadStatus != tt.want {
				t.Fatalf("upload_status = %q, want %q", c.UploadStatus, tt.want)
			}
		})
	}
}

func TestStartCallRejectsBadInput(t *testing.T) {
	db := newTestDB(t)
	in := testCall("c1", 10)
	in.CallType = "voicemail"
	if _, _, err := db.StartCall(in); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	in = testCall("", 10)
	if _, _, err := db.StartCall(in); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestStartCallNormalizesTypeAndKeepsDevicePhone(t *testing.T) {
	db := newTestDB(t)
	fixedClock(db, 1000)

	for typ, want := range map[string]string{"Incoming": "incoming", "Outgoing": "outgoing", "Missed": "missed"} {
		in := testCall("c-"+want, 30)
		in.CallType = typ
		in.DevicePhone = "919876543210"
		c, _, err := db.StartCall(in)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if c.CallType != want {
			t.Errorf("%s stored as %q, want %q", typ, c.CallType, want)
		}
	}

	missed, err := db.GetCall("c-missed")
	if err != nil {
		t.Fatal(err)
	}
	if missed.UploadStatus != UploadCompleted {
		t.Errorf("Missed call upload_status = %q, want completed", missed.UploadStatus)
	}
	if missed.DevicePhone != "919876543210" {
		t.Errorf("device_phone = %q", missed.DevicePhone)
	}

	// A re-announce without a device number keeps the stored one.
	again := testCall("c-missed", 30)
	again.CallType = "missed"
	if _, _, err := db.StartCall(again); err != nil {
		t.Fatal(err)
	}
	if c, _ := db.GetCall("c-missed"); c.DevicePhone != "919876543210" {
		t.Errorf("device_phone after re-announce = %q", c.DevicePhone)
	}
}

func TestStartCallIdempotentLWW(t *testing.T) {
	db := newTestDB(t)
	fixedClock(db, 1000)

	first, _, err := db.StartCall(testCall("c1", 45))
	if err != nil {
		t.Fatal(err)
	}
	if first.UpdatedAt != 1000 {
		t.Fatalf("stamp = %d, want 1000", first.UpdatedAt)
	}

	// Same announce again: nothing newer, nothing applied, same row.
	again, applied, err := db.StartCall(testCall("c1", 45))
	if err != nil {
		t.Fatal(err)
	}
	if applied || again.UpdatedAt != first.UpdatedAt {
		t.Fatalf("replay should be a no-op, applied=%v stamp=%d", applied, again.UpdatedAt)
	}

	// A newer local edit wins and gets a fresh stamp.
	in := testCall("c1", 45)
	in.Note = "call back"
	in.UpdatedAt = 5000
	got, applied, err := db.StartCall(in)
	if err != nil {
		t.Fatal(err)
	}
	if !applied || got.Note != "call back" || got.UpdatedAt != 5000 {
		t.Fatalf("expected newer edit to apply, got applied=%v %+v", applied, got)
	}
}

func TestStartCallOtherEmployeeRejected(t *testing.T) {
	db := newTestDB(t)
	db.StartCall(testCall("c1", 45))
	in := testCall("c1", 45)
	in.UserID = "u2"
	if _, _, err := db.StartCall(in); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestUpdateCallLWW(t *testing.T) {
	db := newTestDB(t)
	fixedClock(db, 100)
	db.StartCall(testCall("c1", 45))

	note := "older"
	applied, stamp, err := db.UpdateCall("org1", "u1", "c1", CallPatch{Note: &note}, 90)
	if err != nil {
		t.Fatal(err)
	}
	if applied || stamp != 100 {
		t.Fatalf("older edit must not apply: applied=%v stamp=%d", applied, stamp)
	}

	note = "newer"
	reviewed := true
	applied, stamp, err = db.UpdateCall("org1", "u1", "c1", CallPatch{Note: &note, Reviewed: &reviewed}, 150)
	if err != nil {
		t.Fatal(err)
	}
	if !applied || stamp != 150 {
		t.Fatalf("newer edit must apply: applied=%v stamp=%d", applied, stamp)
	}
	c, _ := db.GetCall("c1")
	if c.Note != "newer" || !c.Reviewed {
		t.Fatalf("row not updated: %+v", c)
	}

	if _, _, err := db.UpdateCall("org1", "u1", "missing", CallPatch{Note: &note}, 200); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := db.UpdateCall("org1", "u2", "c1", CallPatch{Note: &note}, 200); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other employee must not see the call, got %v", err)
	}
}

func TestStampsAreMonotonic(t *testing.T) {
	db := newTestDB(t)
	fixedClock(db, 100)
	c1, _, _ := db.StartCall(testCall("c1", 1))
	c2, _, _ := db.StartCall(testCall("c2", 1))
	_, p, _ := db.UpdatePerson(Person{OrgID: "org1", PhoneNumber: "555", UpdatedAt: 1})
	if !(c1.UpdatedAt < c2.UpdatedAt && c2.UpdatedAt < p) {
		t.Fatalf("stamps not strictly increasing: %d %d %d", c1.UpdatedAt, c2.UpdatedAt, p)
	}
}

func TestFetchUpdates(t *testing.T) {
	db := newTestDB(t)
	fixedClock(db, 100)
	db.StartCall(testCall("c1", 45))
	other := testCall("c2", 45)
	other.UserID = "u2"
	db.StartCall(other)
	db.UpdatePerson(Person{OrgID: "org1", PhoneNumber: "5550100", Note: "VIP", UpdatedAt: 1})
	db.UpdatePerson(Person{OrgID: "org2", PhoneNumber: "5550100", Note: "other org", UpdatedAt: 1})

	up, err := db.FetchUpdates("org1", "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(up.Calls) != 1 || up.Calls[0].UniqueID != "c1" {
		t.Fatalf("expected only own call, got %+v", up.Calls)
	}
	if len(up.Persons) != 1 || up.Persons[0].Note != "VIP" {
		t.Fatalf("expected org person, got %+v", up.Persons)
	}
	if up.SyncTime < up.Persons[0].UpdatedAt {
		t.Fatalf("sync time %d behind delivered row %d", up.SyncTime, up.Persons[0].UpdatedAt)
	}

	again, err := db.FetchUpdates("org1", "u1", up.SyncTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Calls) != 0 || len(again.Persons) != 0 {
		t.Fatalf("expected nothing after watermark, got %+v", again)
	}
	if again.SyncTime != up.SyncTime {
		t.Fatalf("sync time moved without writes: %d -> %d", up.SyncTime, again.SyncTime)
	}
}

func TestFetchUpdatesNeverGoesBackwards(t *testing.T) {
	db := newTestDB(t)
	up, err := db.FetchUpdates("org1", "u1", 500)
	if err != nil {
		t.Fatal(err)
	}
	if up.SyncTime != 500 {
		t.Fatalf("sync time = %d, want 500", up.SyncTime)
	}
}

// --- Persons ---

func TestUpdatePersonLWW(t *testing.T) {
	db := newTestDB(t)
	fixedClock(db, 50)

	applied, stamp, err := db.UpdatePerson(Person{OrgID: "org1", PhoneNumber: "+1 555 0100", Note: "server", UpdatedAt: 100})
	if err != nil {
		t.Fatal(err)
	}
	if !applied || stamp != 100 {
		t.Fatalf("insert: applied=%v stamp=%d", applied, stamp)
	}

	applied, stamp, err = db.UpdatePerson(Person{OrgID: "org1", PhoneNumber: "15550100", Note: "local", UpdatedAt: 90})
	if err != nil {
		t.Fatal(err)
	}
	if applied || stamp != 100 {
		t.Fatalf("older edit must lose: applied=%v stamp=%d", applied, stamp)
	}
	p, err := db.GetPerson("org1", "15550100")
	if err != nil {
		t.Fatal(err)
	}
	if p.Note != "server" {
		t.Fatalf("note = %q, want server", p.Note)
	}

	if _, _, err := db.UpdatePerson(Person{OrgID: "org1", PhoneNumber: "abc"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

// --- Chunks ---

func newTestChunks(t *testing.T) (*ServerDB, *ChunkStore) {
	t.Helper()
	db := newTestDB(t)
	cs, err := NewChunkStore(db, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return db, cs
}

func TestChunkUploadAndFinalize(t *testing.T) {
	db, cs := newTestChunks(t)
	before, _, err := db.StartCall(testCall("c1", 45))
	if err != nil {
		t.Fatal(err)
	}

	for i, part := range []string{"aa", "bb", "cc"} {
		status, err := cs.SaveChunk("org1", "u1", "c1", i, 3, strings.NewReader(part))
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if status != UploadUploading {
			t.Fatalf("status = %q", status)
		}
	}
	// Re-sending a chunk replaces it.
	if _, err := cs.SaveChunk("org1", "u1", "c1", 1, 3, strings.NewReader("BB")); err != nil {
		t.Fatal(err)
	}

	url, err := cs.Finalize("org1", "u1", "c1", 3, "m4a")
	if err != nil {
		t.Fatal(err)
	}
	want := URLPrefix + "org1/u1/2024_03/20240315/15550100200_143000_45s.m4a"
	if url != want {
		t.Fatalf("url = %q, want %q", url, want)
	}
	f, err := cs.Open(strings.TrimPrefix(url, URLPrefix))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "aaBBcc" {
		t.Fatalf("assembled %q", data)
	}
	if _, err := os.Stat(cs.stagingDir("c1")); !os.IsNotExist(err) {
		t.Fatal("staging dir should be removed after finalize")
	}

	c, _ := db.GetCall("c1")
	if c.UploadStatus != UploadCompleted || c.RecordingURL != url {
		t.Fatalf("call not completed: %+v", c)
	}
	if c.UpdatedAt != before.UpdatedAt {
		t.Fatalf("finalize must not restamp the call: %d -> %d", before.UpdatedAt, c.UpdatedAt)
	}

	// Finalize again is idempotent; later chunks are acknowledged as done.
	again, err := cs.Finalize("org1", "u1", "c1", 3, "m4a")
	if err != nil || again != url {
		t.Fatalf("second finalize: %q %v", again, err)
	}
	status, err := cs.SaveChunk("org1", "u1", "c1", 0, 3, strings.NewReader("zz"))
	if err != nil || status != UploadCompleted {
		t.Fatalf("chunk after completion: %q %v", status, err)
	}
}

func TestFinalizeRejectsGap(t *testing.T) {
	db, cs := newTestChunks(t)
	db.StartCall(testCall("c1", 45))
	cs.SaveChunk("org1", "u1", "c1", 0, 3, strings.NewReader("a"))
	cs.SaveChunk("org1", "u1", "c1", 2, 3, strings.NewReader("c"))

	_, err := cs.Finalize("org1", "u1", "c1", 3, "mp3")
	if !errors.Is(err, ErrMissingChunk) {
		t.Fatalf("expected ErrMissingChunk, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing chunk 1") {
		t.Fatalf("error should name the gap: %v", err)
	}
	c, _ := db.GetCall("c1")
	if c.UploadStatus == UploadCompleted || c.RecordingURL != "" {
		t.Fatalf("gap must not complete the call: %+v", c)
	}
	entries, _ := os.ReadDir(cs.FilesDir())
	if len(entries) != 0 {
		t.Fatal("no artifact may exist after a rejected finalize")
	}
}

func TestChunkForUnknownCall(t *testing.T) {
	_, cs := newTestChunks(t)
	if _, err := cs.SaveChunk("org1", "u1", "nope", 0, 1, strings.NewReader("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := cs.SaveChunk("org1", "u1", "nope", 5, 2, strings.NewReader("a")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestChunkForZeroDurationCallIsCompleted(t *testing.T) {
	db, cs := newTestChunks(t)
	db.StartCall(testCall("c0", 0))
	status, err := cs.SaveChunk("org1", "u1", "c0", 0, 1, strings.NewReader("a"))
	if err != nil || status != UploadCompleted {
		t.Fatalf("got %q %v", status, err)
	}
}

func TestCompletedRecordings(t *testing.T) {
	db, cs := newTestChunks(t)
	db.StartCall(testCall("c1", 45))
	db.StartCall(testCall("c2", 45))
	cs.SaveChunk("org1", "u1", "c1", 0, 1, strings.NewReader("a"))
	url, err := cs.Finalize("org1", "u1", "c1", 1, "mp3")
	if err != nil {
		t.Fatal(err)
	}

	got, err := db.CompletedRecordings("org1", "u1", []string{"c1", " c2", "", "c3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got["c1"] != url {
		t.Fatalf("unexpected completed set: %v", got)
	}
}

func TestRecordingPathSanitizes(t *testing.T) {
	c := &Call{OrgID: "../org", UserID: "u/1", CallerNumber: "private", CallTime: 0, Duration: 3}
	got := recordingPath(c, "../sh")
	want := ".._org/u_1/1970_01/19700101/unknown_000000_3s.mp3"
	if got != want {
		t.Fatalf("recordingPath = %q, want %q", got, want)
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db := newTestDB(t)
	n, err := db.RunMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no pending migrations, ran %d", n)
	}
}
