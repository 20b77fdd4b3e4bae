package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus/callsync/internal/serverdb"
)

// newTestServer creates a Server backed by temp directories for testing.
func newTestServer(t *testing.T) (*Server, *serverdb.ServerDB) {
	return newTestServerWithConfig(t, nil)
}

// newTestServerWithConfig creates a test server with a custom config modifier.
func newTestServerWithConfig(t *testing.T, modCfg func(*Config)) (*Server, *serverdb.ServerDB) {
	t.Helper()
	tmpDir := t.TempDir()

	dbPath := filepath.Join(tmpDir, "server.db")
	store, err := serverdb.Open(dbPath)
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		ListenAddr:    ":0",
		ServerDBPath:  dbPath,
		DataDir:       filepath.Join(tmpDir, "recordings"),
		MaxChunkBytes: 1 << 20,
		RateLimitSync: 100000,
		RateLimitPair: 100000,
	}
	if modCfg != nil {
		modCfg(&cfg)
	}

	srv, err := NewServer(cfg, store)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return srv, store
}

// pairTestDevice creates employee org1/u1 and pairs dev1 with it.
func pairTestDevice(t *testing.T, store *serverdb.ServerDB) {
	t.Helper()
	if _, err := store.AddEmployee("org1", "u1", "Alice"); err != nil {
		t.Fatalf("add employee: %v", err)
	}
	if _, err := store.PairDevice("org1", "u1", "dev1", "Pixel"); err != nil {
		t.Fatalf("pair device: %v", err)
	}
}

func doAction(srv *Server, action string, fields map[string]string) *httptest.ResponseRecorder {
	return doActionAt(srv, "/v1/sync", action, fields)
}

func doActionAt(srv *Server, path, action string, fields map[string]string) *httptest.ResponseRecorder {
	form := url.Values{
		"action":    {action},
		"org_id":    {"org1"},
		"user_id":   {"u1"},
		"device_id": {"dev1"},
	}
	for k, v := range fields {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func doChunk(srv *Server, id string, index, total int, data string) *httptest.ResponseRecorder {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range map[string]string{
		"action":       "upload_chunk",
		"org_id":       "org1",
		"user_id":      "u1",
		"device_id":    "dev1",
		"unique_id":    id,
		"chunk_index":  fmt.Sprint(index),
		"total_chunks": fmt.Sprint(total),
	} {
		mw.WriteField(k, v)
	}
	fw, _ := mw.CreateFormFile("chunk", "part")
	io.WriteString(fw, data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/sync", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func startTestCall(t *testing.T, srv *Server, id string, duration int) StartCallResponse {
	t.Helper()
	w := doAction(srv, "start_call", map[string]string{
		"unique_id":     id,
		"caller_number": "+1 555 010 0200",
		"call_type":     "incoming",
		"call_time":     "1710513000000",
		"duration":      fmt.Sprint(duration),
		"updated_at":    "10",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("start_call: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp StartCallResponse
	json.NewDecoder(w.Body).Decode(&resp)
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestActionValidation(t *testing.T) {
	srv, store := newTestServer(t)
	pairTestDevice(t, store)

	w := doAction(srv, "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing action: expected 400, got %d", w.Code)
	}
	w = doAction(srv, "drop_tables", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: expected 400, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Success || e.Code != ErrCodeUnknownAction {
		t.Fatalf("unexpected error body: %+v", e)
	}
}

func TestDeviceAuth(t *testing.T) {
	srv, store := newTestServer(t)

	w := doAction(srv, "fetch_config", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown employee: expected 401, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Error != "unknown employee" {
		t.Fatalf("unexpected message: %q", e.Error)
	}

	store.AddEmployee("org1", "u1", "Alice")
	w = doAction(srv, "fetch_config", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unpaired: expected 401, got %d", w.Code)
	}

	store.PairDevice("org1", "u1", "other-device", "")
	w = doAction(srv, "fetch_config", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("mismatch: expected 403, got %d", w.Code)
	}
}

func TestPairDevice(t *testing.T) {
	srv, store := newTestServer(t)

	w := doAction(srv, "pair_device", map[string]string{"device_name": "Pixel"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown employee: expected 401, got %d", w.Code)
	}

	store.AddEmployee("org1", "u1", "Alice")
	w = doAction(srv, "pair_device", map[string]string{"device_name": "Pixel"})
	if w.Code != http.StatusOK {
		t.Fatalf("pair: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp PairResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Success || resp.EmployeeName != "Alice" {
		t.Fatalf("unexpected pair response: %+v", resp)
	}

	w = doAction(srv, "fetch_config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("paired device should be accepted, got %d", w.Code)
	}
}

func TestStartCallUploadStatus(t *testing.T) {
	srv, store := newTestServer(t)
	pairTestDevice(t, store)

	first := startTestCall(t, srv, "c1", 45)
	if !first.Success || !first.Applied || first.UploadStatus != serverdb.UploadPending || first.UpdatedAt == 0 {
		t.Fatalf("unexpected response: %+v", first)
	}
	zero := startTestCall(t, srv, "c0", 0)
	if zero.UploadStatus != serverdb.UploadCompleted {
		t.Fatalf("zero duration call should need no recording: %+v", zero)
	}

	// Replaying the announce is harmless.
	again := startTestCall(t, srv, "c1", 45)
	if again.Applied || again.UpdatedAt != first.UpdatedAt {
		t.Fatalf("replay changed the row: %+v", again)
	}
}

func TestStartCallAppFieldNames(t *testing.T) {
	srv, store := newTestServer(t)
	pairTestDevice(t, store)

	w := doAction(srv, "start_call", map[string]string{
		"unique_id":    "c9",
		"device_phone": "+91 98765 43210",
		"caller":       "+1 555 010 0200",
		"type":         "Incoming",
		"call_time":    "1710513000000",
		"duration":     "45",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("start_call: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp StartCallResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.UniqueID != "c9" || resp.UploadStatus != serverdb.UploadPending {
		t.Fatalf("unexpected response: %+v", resp)
	}

	c, err := store.GetCall("c9")
	if err != nil {
		t.Fatal(err)
	}
	if c.CallerNumber != "+1 555 010 0200" || c.CallType != "incoming" || c.DevicePhone != "919876543210" {
		t.Fatalf("stored call = %+v", c)
	}

	var cr ChunkResponse
	json.NewDecoder(doChunk(srv, "c9", 0, 1, "RIFF").Body).Decode(&cr)
	if !cr.Success || !cr.ChunkSaved {
		t.Fatalf("chunk reply = %+v, want chunk_saved", cr)
	}

	// A missed call expects no audio, so nothing is saved.
	w = doAction(srv, "start_call", map[string]string{"unique_id": "m1", "caller": "5550100", "type": "Missed"})
	if w.Code != http.StatusOK {
		t.Fatalf("start_call missed: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	cr = ChunkResponse{}
	json.NewDecoder(doChunk(srv, "m1", 0, 1, "RIFF").Body).Decode(&cr)
	if cr.ChunkSaved || cr.UploadStatus != serverdb.UploadCompleted {
		t.Fatalf("chunk reply for missed call = %+v", cr)
	}
}

func TestStartCallBadInput(t *testing.T) {
	srv, store := newTestServer(t)
	pairTestDevice(t, store)

	w := doAction(srv, "start_call", map[string]string{"unique_id": "c1", "call_type": "incoming", "duration": "abc"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w = doAction(srv, "start_call", map[string]string{"unique_id": "c1", "call_type": "fax"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestChunkUploadFinalizeAndServe(t *testing.T) {
	srv, store := newTestServerWithConfig(t, func(cfg *Config) {
		cfg.BaseURL = "https://calls.example.com"
		cfg.CORSAllowedOrigins = []string{"https://crm.example.com"}
	})
	pairTestDevice(t, store)
	startTestCall(t, srv, "c1", 45)

	for i, part := range []string{"RIFF", "data", "tail"} {
		w := doChunk(srv, "c1", i, 3, part)
		if w.Code != http.StatusOK {
			t.Fatalf("chunk %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}
	// Same chunk twice is fine.
	if w := doChunk(srv, "c1", 1, 3, "data"); w.Code != http.StatusOK {
		t.Fatalf("resend chunk: expected 200, got %d", w.Code)
	}

	w := doAction(srv, "finalize_upload", map[string]string{"unique_id": "c1", "total_chunks": "3", "ext": "wav"})
	if w.Code != http.StatusOK {
		t.Fatalf("finalize: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var fin FinalizeResponse
	json.NewDecoder(w.Body).Decode(&fin)
	want := "https://calls.example.com/recordings/org1/u1/2024_03/20240315/15550100200_143000_45s.wav"
	if fin.RecordingURL != want {
		t.Fatalf("recording_url = %q, want %q", fin.RecordingURL, want)
	}

	req := httptest.NewRequest(http.MethodGet, strings.TrimPrefix(fin.RecordingURL, "https://calls.example.com"), nil)
	req.Header.Set("Origin", "https://crm.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get recording: expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "RIFFdatatail" {
		t.Fatalf("recording body = %q", rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://crm.example.com" {
		t.Fatal("expected CORS header on recording")
	}

	// Once completed, later chunks are acknowledged without work.
	w = doChunk(srv, "c1", 0, 3, "late")
	var cr ChunkResponse
	json.NewDecoder(w.Body).Decode(&cr)
	if cr.UploadStatus != serverdb.UploadCompleted {
		t.Fatalf("expected completed, got %+v", cr)
	}

	snap := srv.metrics.Snapshot()
	if snap.ChunksReceived != 4 || snap.RecordingsFinalized != 1 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
}

func TestFinalizeRejectsGap(t *testing.T) {
	srv, store := newTestServer(t)
	pairTestDevice(t, store)
	startTestCall(t, srv, "c1", 45)
	doChunk(srv, "c1", 0, 3, "a")
	doChunk(srv, "c1", 2, 3, "c")

	w := doAction(srv, "finalize_upload", map[string]string{"unique_id": "c1", "total_chunks": "3"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodeMissingChunk || !strings.Contains(e.Error, "chunk 1") {
		t.Fatalf("unexpected error: %+v", e)
	}
}

func TestChunkForUnknownCall(t *testing.T) {
	srv, store := newTestServer(t)
	pairTestDevice(t, store)

	w := doChunk(srv, "ghost", 0, 1, "a")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Error != "Call not found for this chunk" {
		t.Fatalf("unexpected message %q", e.Error)
	}
}

func TestChunkTooLarge(t *testing.T) {
	srv, store := newTestServerWithConfig(t, func(cfg *Config) { cfg.MaxChunkBytes = 8 })
	pairTestDevice(t, store)
	startTestCall(t, srv, "c1", 45)

	w := doChunk(srv, "c1", 0, 1, "0123456789abcdef")
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestUpdateCallConflict(t *testing.T) {
	srv, store := newTestServer(t)
	pairTestDevice(t, store)
	started := startTestCall(t, srv, "c1", 45)

	w := doAction(srv, "update_call", map[string]string{
		"unique_id": "c1", "note": "stale", "reviewed": "true",
		"updated_at": fmt.Sprint(started.UpdatedAt - 1),
	})
	var resp UpdateResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || resp.Applied || resp.UpdatedAt != started.UpdatedAt {
		t.Fatalf("stale edit: code=%d resp=%+v", w.Code, resp)
	}

	w = doAction(srv, "update_call", map[string]string{
		"unique_id": "c1", "note": "fresh", "reviewed": "1",
		"updated_at": fmt.Sprint(started.UpdatedAt + 1000),
	})
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Applied {
		t.Fatalf("fresh edit should apply: %+v", resp)
	}
	c, _ := store.GetCall("c1")
	if c.Note != "fresh" || !c.Reviewed {
		t.Fatalf("row not updated: %+v", c)
	}

	w = doAction(srv, "update_call", map[string]string{"unique_id": "nope", "updated_at": "1"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown call: expected 404, got %d", w.Code)
	}
}

func TestUpdateNoteAlsoUpdatesPerson(t *testing.T) {
	srv, store := newTestServer(t)
	pairTestDevice(t, store)
	startTestCall(t, srv, "c1", 45)
	store.UpdatePerson(serverdb.Person{OrgID: "org1", PhoneNumber: "15550100200", Label: "customer", UpdatedAt: 1})

	w := doAction(srv, "update_note", map[string]string{
		"unique_id":    "c1",
		"note":         "asked for quote",
		"phone_number": "+1 555 010 0200",
		"person_note":  "prefers mornings",
		"updated_at":   "999999999999999",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	c, _ := store.GetCall("c1")
	if c.Note != "asked for quote" {
		t.Fatalf("call note = %q", c.Note)
	}
	p, err := store.GetPerson("org1", "15550100200")
	if err != nil {
		t.Fatal(err)
	}
	if p.Note != "prefers mornings" || p.Label != "customer" {
		t.Fatalf("person = %+v", p)
	}
}

func TestFetchUpdatesAndPersonLWW(t *testing.T) {
	srv, store := newTestServer(t)
	pairTestDevice(t, store)
	startTestCall(t, srv, "c1", 45)

	w := doAction(srv, "update_person", map[string]string{
		"phone_number": "15550100200", "person_note": "server note", "updated_at": "100",
	})
	var up UpdateResponse
	json.NewDecoder(w.Body).Decode(&up)
	if !up.Applied {
		t.Fatalf("first person write should apply: %+v", up)
	}

	w = doAction(srv, "update_person", map[string]string{
		"phone_number": "15550100200", "person_note": "older local", "updated_at": "90",
	})
	json.NewDecoder(w.Body).Decode(&up)
	if up.Applied {
		t.Fatal("older person edit must be ignored")
	}

	w = doAction(srv, "fetch_updates", map[string]string{"last_sync_time": "0"})
	if w.Code != http.StatusOK {
		t.Fatalf("fetch: expected 200, got %d", w.Code)
	}
	var resp UpdatesResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Calls) != 1 || len(resp.Persons) != 1 || resp.Persons[0].Note != "server note" {
		t.Fatalf("unexpected updates: %+v", resp)
	}
	if resp.ServerSyncTime < resp.Persons[0].UpdatedAt || resp.ServerSyncTime < resp.Calls[0].UpdatedAt {
		t.Fatalf("server_sync_time %d behind rows", resp.ServerSyncTime)
	}

	w = doAction(srv, "fetch_updates", map[string]string{"last_sync_time": fmt.Sprint(resp.ServerSyncTime)})
	var next UpdatesResponse
	json.NewDecoder(w.Body).Decode(&next)
	if len(next.Calls) != 0 || len(next.Persons) != 0 {
		t.Fatalf("expected empty delta, got %+v", next)
	}
	if srv.metrics.Snapshot().PullRequests != 2 {
		t.Fatal("expected two pulls counted")
	}
}

func TestCheckRecordingsStatus(t *testing.T) {
	srv, store := newTestServer(t)
	pairTestDevice(t, store)
	startTestCall(t, srv, "c1", 45)
	startTestCall(t, srv, "c2", 45)
	doChunk(srv, "c1", 0, 1, "x")
	doAction(srv, "finalize_upload", map[string]string{"unique_id": "c1", "total_chunks": "1"})

	w := doAction(srv, "check_recordings_status", map[string]string{"unique_ids": "c1,c2"})
	var resp RecordingsStatusResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Completed) != 1 || !strings.HasPrefix(resp.Completed["c1"], serverdb.URLPrefix) {
		t.Fatalf("unexpected status: %+v", resp)
	}
}

func TestFetchConfig(t *testing.T) {
	srv, store := newTestServerWithConfig(t, func(cfg *Config) { cfg.MaxChunkBytes = 512 << 10 })
	pairTestDevice(t, store)
	store.SetExcludedNumbers("org1", []string{"911", "+1 555 000 0000"})

	w := doAction(srv, "fetch_config", nil)
	var resp ConfigResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.ExcludedNumbers) != 2 || resp.MaxChunkBytes != 512<<10 {
		t.Fatalf("unexpected config: %+v", resp)
	}
}

func TestLegacySyncPath(t *testing.T) {
	srv, store := newTestServer(t)
	pairTestDevice(t, store)
	w := doActionAt(srv, "/sync_app.php", "fetch_config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestDeviceRateLimit(t *testing.T) {
	srv, store := newTestServerWithConfig(t, func(cfg *Config) { cfg.RateLimitSync = 2 })
	pairTestDevice(t, store)

	for i := 0; i < 2; i++ {
		if w := doAction(srv, "fetch_config", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
	w := doAction(srv, "fetch_config", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestRecordingNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, p := range []string{"/recordings/org1/nothing.mp3", "/recordings/../../etc/passwd"} {
		req := httptest.NewRequest(http.MethodGet, p, nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code == http.StatusOK {
			t.Fatalf("%s: expected failure, got 200", p)
		}
	}
}
