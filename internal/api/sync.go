package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/marcus/callsync/internal/models"
	"github.com/marcus/callsync/internal/serverdb"
)

// StartCallResponse is the reply to start_call. Note, Reviewed and
// CallerName echo the stored row so a device whose edit lost can adopt the
// winning version.
type StartCallResponse struct {
	Success      bool   `json:"success"`
	UniqueID     string `json:"unique_id"`
	UploadStatus string `json:"upload_status"`
	Applied      bool   `json:"applied"`
	UpdatedAt    int64  `json:"updated_at"`
	Note         string `json:"note"`
	Reviewed     bool   `json:"reviewed"`
	CallerName   string `json:"caller_name"`
}

// ChunkResponse is the reply to upload_chunk.
type ChunkResponse struct {
	Success      bool   `json:"success"`
	ChunkSaved   bool   `json:"chunk_saved"`
	UploadStatus string `json:"upload_status"`
	Message      string `json:"message,omitempty"`
}

// FinalizeResponse is the reply to finalize_upload.
type FinalizeResponse struct {
	Success      bool   `json:"success"`
	RecordingURL string `json:"recording_url"`
}

// UpdateResponse is the reply to update_call, update_note and update_person.
type UpdateResponse struct {
	Success   bool  `json:"success"`
	Applied   bool  `json:"applied"`
	UpdatedAt int64 `json:"updated_at"`
}

// UpdatesResponse is the reply to fetch_updates.
type UpdatesResponse struct {
	Success        bool              `json:"success"`
	ServerSyncTime int64             `json:"server_sync_time"`
	Calls          []serverdb.Call   `json:"calls"`
	Persons        []serverdb.Person `json:"persons"`
}

// RecordingsStatusResponse is the reply to check_recordings_status.
type RecordingsStatusResponse struct {
	Success   bool              `json:"success"`
	Completed map[string]string `json:"completed"`
}

// ConfigResponse is the reply to fetch_config.
type ConfigResponse struct {
	Success         bool     `json:"success"`
	ExcludedNumbers []string `json:"excluded_numbers"`
	MaxChunkBytes   int64    `json:"max_chunk_bytes"`
}

// PairResponse is the reply to pair_device.
type PairResponse struct {
	Success      bool   `json:"success"`
	EmployeeName string `json:"employee_name"`
	Message      string `json:"message"`
}

// handleSync dispatches POST /v1/sync on the action field.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	action := r.FormValue("action")
	if action == "pair_device" {
		s.withIPRateLimit(s.handlePairDevice, s.config.RateLimitPair)(w, r)
		return
	}

	var h http.HandlerFunc
	switch action {
	case "start_call":
		h = s.handleStartCall
	case "upload_chunk":
		h = s.handleUploadChunk
	case "finalize_upload":
		h = s.handleFinalizeUpload
	case "update_call":
		h = s.handleUpdateCall
	case "update_note":
		h = s.handleUpdateNote
	case "update_person":
		h = s.handleUpdatePerson
	case "fetch_updates":
		h = s.handleFetchUpdates
	case "check_recordings_status":
		h = s.handleRecordingsStatus
	case "fetch_config":
		h = s.handleFetchConfig
	case "":
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "action is required")
		return
	default:
		writeError(w, http.StatusBadRequest, ErrCodeUnknownAction, "unknown action: "+action)
		return
	}
	s.requireDevice(s.withDeviceRateLimit(h))(w, r)
}

// handlePairDevice binds the sending device to an existing employee.
func (s *Server) handlePairDevice(w http.ResponseWriter, r *http.Request) {
	orgID, userID, deviceID := r.FormValue("org_id"), r.FormValue("user_id"), r.FormValue("device_id")
	if orgID == "" || userID == "" || deviceID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "org_id, user_id and device_id are required")
		return
	}
	e, err := s.store.PairDevice(orgID, userID, deviceID, r.FormValue("device_name"))
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "unknown employee")
			return
		}
		writeStoreError(w, r, err, "")
		return
	}
	logFor(r.Context()).Info("device paired", "org", orgID, "uid", userID, "device", deviceID)
	writeJSON(w, http.StatusOK, PairResponse{
		Success:      true,
		EmployeeName: e.Name,
		Message:      "device paired",
	})
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	d := getDevice(r.Context())
	in := serverdb.Call{
		UniqueID:     r.FormValue("unique_id"),
		OrgID:        d.OrgID,
		UserID:       d.UserID,
		DeviceID:     d.DeviceID,
		DevicePhone:  models.NormalizePhone(r.FormValue("device_phone")),
		CallerNumber: formFirst(r, "caller", "caller_number"),
		CallerName:   r.FormValue("caller_name"),
		CallType:     formFirst(r, "type", "call_type"),
		Note:         r.FormValue("note"),
		Reviewed:     formBool(r, "reviewed"),
	}
	var ok bool
	if in.CallTime, ok = formInt(w, r, "call_time"); !ok {
		return
	}
	if in.Duration, ok = formInt(w, r, "duration"); !ok {
		return
	}
	if in.UpdatedAt, ok = formInt(w, r, "updated_at"); !ok {
		return
	}

	c, applied, err := s.store.StartCall(in)
	if err != nil {
		writeStoreError(w, r, err, "call not found")
		return
	}
	s.metrics.RecordCall()
	writeJSON(w, http.StatusOK, StartCallResponse{
		Success:      true,
		UniqueID:     c.UniqueID,
		UploadStatus: c.UploadStatus,
		Applied:      applied,
		UpdatedAt:    c.UpdatedAt,
		Note:         c.Note,
		Reviewed:     c.Reviewed,
		CallerName:   c.CallerName,
	})
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	d := getDevice(r.Context())
	id := r.FormValue("unique_id")
	index, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid chunk_index")
		return
	}
	total, _ := strconv.Atoi(r.FormValue("total_chunks"))

	f, hdr, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "chunk file is required")
		return
	}
	defer f.Close()
	if hdr.Size > s.config.MaxChunkBytes {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "chunk too large")
		return
	}

	status, err := s.chunks.SaveChunk(d.OrgID, d.UserID, id, index, total, f)
	if err != nil {
		writeStoreError(w, r, err, "Call not found for this chunk")
		return
	}
	resp := ChunkResponse{Success: true, UploadStatus: status}
	if status == serverdb.UploadCompleted {
		resp.Message = "no recording expected"
	} else {
		resp.ChunkSaved = true
		s.metrics.RecordChunk(hdr.Size)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFinalizeUpload(w http.ResponseWriter, r *http.Request) {
	d := getDevice(r.Context())
	total, err := strconv.Atoi(r.FormValue("total_chunks"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid total_chunks")
		return
	}
	url, err := s.chunks.Finalize(d.OrgID, d.UserID, r.FormValue("unique_id"), total, r.FormValue("ext"))
	if err != nil {
		writeStoreError(w, r, err, "call not found")
		return
	}
	s.metrics.RecordFinalize()
	logFor(r.Context()).Info("recording finalized", "id", r.FormValue("unique_id"), "chunks", total)
	writeJSON(w, http.StatusOK, FinalizeResponse{Success: true, RecordingURL: s.absURL(url)})
}

func (s *Server) handleUpdateCall(w http.ResponseWriter, r *http.Request) {
	d := getDevice(r.Context())
	updatedAt, ok := formInt(w, r, "updated_at")
	if !ok {
		return
	}
	note, reviewed := r.FormValue("note"), formBool(r, "reviewed")
	p := serverdb.CallPatch{Note: &note, Reviewed: &reviewed}
	if r.Form.Has("caller_name") {
		name := r.FormValue("caller_name")
		p.CallerName = &name
	}
	applied, stamp, err := s.store.UpdateCall(d.OrgID, d.UserID, r.FormValue("unique_id"), p, updatedAt)
	if err != nil {
		writeStoreError(w, r, err, "call not found")
		return
	}
	s.metrics.RecordUpdate(applied)
	writeJSON(w, http.StatusOK, UpdateResponse{Success: true, Applied: applied, UpdatedAt: stamp})
}

// handleUpdateNote edits only the note of a call. When phone_number and
// person_note are present the person note is updated too, keeping its label
// and contact name.
func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	d := getDevice(r.Context())
	updatedAt, ok := formInt(w, r, "updated_at")
	if !ok {
		return
	}

	resp := UpdateResponse{Success: true}
	if id := r.FormValue("unique_id"); id != "" {
		note := r.FormValue("note")
		applied, stamp, err := s.store.UpdateCall(d.OrgID, d.UserID, id, serverdb.CallPatch{Note: &note}, updatedAt)
		if err != nil {
			writeStoreError(w, r, err, "call not found")
			return
		}
		s.metrics.RecordUpdate(applied)
		resp.Applied, resp.UpdatedAt = applied, stamp
	}

	if phone := r.FormValue("phone_number"); phone != "" && r.Form.Has("person_note") {
		p := serverdb.Person{OrgID: d.OrgID, PhoneNumber: phone, Note: r.FormValue("person_note"), UpdatedAt: updatedAt}
		if cur, err := s.store.GetPerson(d.OrgID, phone); err == nil {
			p.Label, p.ContactName = cur.Label, cur.ContactName
		}
		applied, stamp, err := s.store.UpdatePerson(p)
		if err != nil {
			writeStoreError(w, r, err, "")
			return
		}
		s.metrics.RecordUpdate(applied)
		if r.FormValue("unique_id") == "" {
			resp.Applied, resp.UpdatedAt = applied, stamp
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdatePerson(w http.ResponseWriter, r *http.Request) {
	d := getDevice(r.Context())
	updatedAt, ok := formInt(w, r, "updated_at")
	if !ok {
		return
	}
	applied, stamp, err := s.store.UpdatePerson(serverdb.Person{
		OrgID:       d.OrgID,
		PhoneNumber: r.FormValue("phone_number"),
		Note:        r.FormValue("person_note"),
		Label:       r.FormValue("label"),
		ContactName: r.FormValue("contact_name"),
		UpdatedAt:   updatedAt,
	})
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	s.metrics.RecordUpdate(applied)
	writeJSON(w, http.StatusOK, UpdateResponse{Success: true, Applied: applied, UpdatedAt: stamp})
}

func (s *Server) handleFetchUpdates(w http.ResponseWriter, r *http.Request) {
	d := getDevice(r.Context())
	since, ok := formInt(w, r, "last_sync_time")
	if !ok {
		return
	}
	up, err := s.store.FetchUpdates(d.OrgID, d.UserID, since)
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	for i := range up.Calls {
		up.Calls[i].RecordingURL = s.absURL(up.Calls[i].RecordingURL)
	}
	s.metrics.RecordPullRequest()
	writeJSON(w, http.StatusOK, UpdatesResponse{
		Success:        true,
		ServerSyncTime: up.SyncTime,
		Calls:          up.Calls,
		Persons:        up.Persons,
	})
}

func (s *Server) handleRecordingsStatus(w http.ResponseWriter, r *http.Request) {
	d := getDevice(r.Context())
	done, err := s.store.CompletedRecordings(d.OrgID, d.UserID, strings.Split(r.FormValue("unique_ids"), ","))
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	for id, u := range done {
		done[id] = s.absURL(u)
	}
	writeJSON(w, http.StatusOK, RecordingsStatusResponse{Success: true, Completed: done})
}

func (s *Server) handleFetchConfig(w http.ResponseWriter, r *http.Request) {
	d := getDevice(r.Context())
	excluded, err := s.store.ExcludedNumbers(d.OrgID)
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{
		Success:         true,
		ExcludedNumbers: excluded,
		MaxChunkBytes:   s.config.MaxChunkBytes,
	})
}

// absURL prefixes a stored recording path with the public base URL.
func (s *Server) absURL(u string) string {
	if u == "" || s.config.BaseURL == "" || !strings.HasPrefix(u, "/") {
		return u
	}
	return s.config.BaseURL + u
}

// formInt parses an integer form field; empty means 0. On a malformed value
// it writes a 400 and returns false.
func formInt(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid "+key)
		return 0, false
	}
	return n, true
}

// formFirst returns the first non-empty value among keys. Older agents send
// caller_number and call_type instead of caller and type.
func formFirst(r *http.Request, keys ...string) string {
	for _, k := range keys {
		if v := r.FormValue(k); v != "" {
			return v
		}
	}
	return ""
}

func formBool(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.FormValue(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
