package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/callsync/internal/syncerr"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// SyncPath is the single action endpoint.
const SyncPath = "/v1/sync"

// Timeouts bound each network call independently.
type Timeouts struct {
	Metadata time.Duration
	Chunk    time.Duration
	Finalize time.Duration
	Pull     time.Duration
}

// DefaultTimeouts returns the stock per-call timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Metadata: 15 * time.Second,
		Chunk:    60 * time.Second,
		Finalize: 60 * time.Second,
		Pull:     30 * time.Second,
	}
}

// Client is an HTTP client for the callsync server.
type Client struct {
	BaseURL  string
	OrgID    string
	UserID   string
	DeviceID string
	// DevicePhone is the SIM number of this device, sent with start_call.
	// Optional.
	DevicePhone string
	Timeouts    Timeouts
	HTTP        *http.Client
}

// New creates a new sync client.
func New(baseURL, orgID, userID, deviceID string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		OrgID:    orgID,
		UserID:   userID,
		DeviceID: deviceID,
		Timeouts: DefaultTimeouts(),
		HTTP:     &http.Client{},
	}
}

// --- Wire types (mirrors internal/api/sync.go, independently defined) ---

// CallMeta is the metadata sent with start_call.
type CallMeta struct {
	UniqueID    string
	PhoneNumber string
	ContactName string
	CallType    string
	StartedAt   int64
	Duration    int64
	Note        string
	Reviewed    bool
	UpdatedAt   int64
}

// StartCallResponse is the reply to start_call. Note, Reviewed and
// ContactName echo the server's row, which differs from the request when
// Applied is false.
type StartCallResponse struct {
	UniqueID     string `json:"unique_id"`
	UploadStatus string `json:"upload_status"`
	Applied      bool   `json:"applied"`
	UpdatedAt    int64  `json:"updated_at"`
	Note         string `json:"note"`
	Reviewed     bool   `json:"reviewed"`
	ContactName  string `json:"caller_name"`
	Message      string `json:"message,omitempty"`
}

// ChunkResponse is the reply to upload_chunk. UploadStatus is "completed"
// when the server expects no recording for the call or already has it.
type ChunkResponse struct {
	ChunkSaved   bool   `json:"chunk_saved"`
	UploadStatus string `json:"upload_status,omitempty"`
	Message      string `json:"message,omitempty"`
}

// FinalizeResponse is the reply to finalize_upload.
type FinalizeResponse struct {
	RecordingURL string `json:"recording_url"`
	Message      string `json:"message,omitempty"`
}

// UpdateResponse is the reply to update_call and update_person.
type UpdateResponse struct {
	Applied   bool  `json:"applied"`
	UpdatedAt int64 `json:"updated_at"`
}

// CallUpdate is the body of update_call.
type CallUpdate struct {
	UniqueID  string
	Note      string
	Reviewed  bool
	UpdatedAt int64
}

// PersonUpdate is the body of update_person.
type PersonUpdate struct {
	PhoneNumber string
	Note        string
	Label       string
	ContactName string
	UpdatedAt   int64
}

// RemoteCall is a call row delivered by fetch_updates.
type RemoteCall struct {
	UniqueID    string `json:"unique_id"`
	Note        string `json:"note"`
	Reviewed    bool   `json:"reviewed"`
	ContactName string `json:"caller_name"`
	UpdatedAt   int64  `json:"updated_at"`
}

// RemotePerson is a person row delivered by fetch_updates.
type RemotePerson struct {
	PhoneNumber string `json:"phone_number"`
	Note        string `json:"person_note"`
	Label       string `json:"label"`
	ContactName string `json:"contact_name"`
	UpdatedAt   int64  `json:"updated_at"`
}

// UpdatesResponse is the reply to fetch_updates.
type UpdatesResponse struct {
	ServerSyncTime int64          `json:"server_sync_time"`
	Calls          []RemoteCall   `json:"calls"`
	Persons        []RemotePerson `json:"persons"`
}

// ConfigResponse is the reply to fetch_config.
type ConfigResponse struct {
	ExcludedNumbers []string `json:"excluded_numbers"`
	MaxChunkBytes   int64    `json:"max_chunk_bytes,omitempty"`
}

// PairResponse is the reply to pair_device.
type PairResponse struct {
	EmployeeName string `json:"employee_name"`
	OrgName      string `json:"org_name,omitempty"`
	Message      string `json:"message,omitempty"`
}

// RecordingsStatusResponse is the reply to check_recordings_status.
type RecordingsStatusResponse struct {
	Completed map[string]string `json:"completed"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	ctx, cancel := withTimeout(ctx, c.Timeouts.Metadata)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	var resp HealthResponse
	if err := c.send(req, syncerr.OpConfig, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Actions ---

// PairDevice binds this device to the employee identified by OrgID/UserID.
func (c *Client) PairDevice(ctx context.Context, deviceName string) (*PairResponse, error) {
	form := url.Values{"device_name": {deviceName}}
	var resp PairResponse
	if err := c.action(ctx, "pair_device", form, syncerr.OpConfig, c.Timeouts.Metadata, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchConfig returns server-side agent settings.
func (c *Client) FetchConfig(ctx context.Context) (*ConfigResponse, error) {
	var resp ConfigResponse
	if err := c.action(ctx, "fetch_config", url.Values{}, syncerr.OpConfig, c.Timeouts.Metadata, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartCall announces a call. The server upserts by unique id and decides
// whether a recording is expected. caller_number and call_type repeat caller
// and type for servers that predate those names.
func (c *Client) StartCall(ctx context.Context, m CallMeta) (*StartCallResponse, error) {
	form := url.Values{
		"unique_id":     {m.UniqueID},
		"device_phone":  {c.DevicePhone},
		"caller":        {m.PhoneNumber},
		"caller_number": {m.PhoneNumber},
		"caller_name":   {m.ContactName},
		"type":          {m.CallType},
		"call_type":     {m.CallType},
		"call_time":     {strconv.FormatInt(m.StartedAt, 10)},
		"duration":      {strconv.FormatInt(m.Duration, 10)},
		"note":          {m.Note},
		"reviewed":      {strconv.FormatBool(m.Reviewed)},
		"updated_at":    {strconv.FormatInt(m.UpdatedAt, 10)},
	}
	var resp StartCallResponse
	if err := c.action(ctx, "start_call", form, syncerr.OpStart, c.Timeouts.Metadata, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadChunk sends chunk index of a recording. Re-sending an index
// overwrites it on the server.
func (c *Client) UploadChunk(ctx context.Context, uniqueID string, index, total int, data io.Reader) (*ChunkResponse, error) {
	ctx, cancel := withTimeout(ctx, c.Timeouts.Chunk)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"action":       "upload_chunk",
		"org_id":       c.OrgID,
		"user_id":      c.UserID,
		"device_id":    c.DeviceID,
		"unique_id":    uniqueID,
		"chunk_index":  strconv.Itoa(index),
		"total_chunks": strconv.Itoa(total),
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, syncerr.LocalIO(syncerr.OpChunk, err)
		}
	}
	fw, err := mw.CreateFormFile("chunk", fmt.Sprintf("%s.part%d", uniqueID, index))
	if err != nil {
		return nil, syncerr.LocalIO(syncerr.OpChunk, err)
	}
	if _, err := io.Copy(fw, data); err != nil {
		return nil, syncerr.LocalIO(syncerr.OpChunk, err)
	}
	if err := mw.Close(); err != nil {
		return nil, syncerr.LocalIO(syncerr.OpChunk, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+SyncPath, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp ChunkResponse
	if err := c.send(req, syncerr.OpChunk, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FinalizeUpload asks the server to assemble chunks [0, total). ext is the
// file extension of the uploaded audio, without the dot.
func (c *Client) FinalizeUpload(ctx context.Context, uniqueID string, total int, ext string) (*FinalizeResponse, error) {
	form := url.Values{
		"unique_id":    {uniqueID},
		"total_chunks": {strconv.Itoa(total)},
		"ext":          {ext},
	}
	var resp FinalizeResponse
	if err := c.action(ctx, "finalize_upload", form, syncerr.OpFinalize, c.Timeouts.Finalize, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateCall pushes a local edit of a call's note and reviewed flag.
func (c *Client) UpdateCall(ctx context.Context, u CallUpdate) (*UpdateResponse, error) {
	form := url.Values{
		"unique_id":  {u.UniqueID},
		"note":       {u.Note},
		"reviewed":   {strconv.FormatBool(u.Reviewed)},
		"updated_at": {strconv.FormatInt(u.UpdatedAt, 10)},
	}
	var resp UpdateResponse
	if err := c.action(ctx, "update_call", form, syncerr.OpPush, c.Timeouts.Metadata, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdatePerson pushes a local edit of a person.
func (c *Client) UpdatePerson(ctx context.Context, u PersonUpdate) (*UpdateResponse, error) {
	form := url.Values{
		"phone_number": {u.PhoneNumber},
		"person_note":  {u.Note},
		"label":        {u.Label},
		"contact_name": {u.ContactName},
		"updated_at":   {strconv.FormatInt(u.UpdatedAt, 10)},
	}
	var resp UpdateResponse
	if err := c.action(ctx, "update_person", form, syncerr.OpPush, c.Timeouts.Metadata, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchUpdates returns server rows changed after since (unix ms).
func (c *Client) FetchUpdates(ctx context.Context, since int64) (*UpdatesResponse, error) {
	form := url.Values{"last_sync_time": {strconv.FormatInt(since, 10)}}
	var resp UpdatesResponse
	if err := c.action(ctx, "fetch_updates", form, syncerr.OpPull, c.Timeouts.Pull, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckRecordingsStatus returns the subset of ids whose recording the server
// already finalized, mapped to their recording URL.
func (c *Client) CheckRecordingsStatus(ctx context.Context, ids []string) (*RecordingsStatusResponse, error) {
	form := url.Values{"unique_ids": {strings.Join(ids, ",")}}
	var resp RecordingsStatusResponse
	if err := c.action(ctx, "check_recordings_status", form, syncerr.OpFinalize, c.Timeouts.Metadata, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Success bool   `json:"success"`
	Message string `json:"error"`
	Code    string `json:"code,omitempty"`
	status  int
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.status, e.Message)
}

// Status returns the HTTP status the server answered with.
func (e *apiError) Status() int { return e.status }

func (c *Client) action(ctx context.Context, action string, form url.Values, op syncerr.Op, timeout time.Duration, result any) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	form.Set("action", action)
	form.Set("org_id", c.OrgID)
	form.Set("user_id", c.UserID)
	form.Set("device_id", c.DeviceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+SyncPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.send(req, op, result)
}

// send executes req and classifies failures: transport errors and 5xx/408/429
// are transient, any other 4xx or a success:false body is a rejection.
func (c *Client) send(req *http.Request, op syncerr.Op, result any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return syncerr.Transient(op, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return syncerr.Transient(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		apiErr := &apiError{status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return classify(op, resp.StatusCode, apiErr)
	}

	if len(respBody) == 0 {
		return nil
	}
	var envelope struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return syncerr.Transient(op, fmt.Errorf("unmarshal response: %w", err))
	}
	if envelope.Success != nil && !*envelope.Success {
		return syncerr.Rejected(op, &apiError{status: resp.StatusCode, Message: envelope.Error})
	}
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return syncerr.Transient(op, fmt.Errorf("unmarshal response: %w", err))
		}
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func classify(op syncerr.Op, status int, apiErr *apiError) error {
	switch status {
	case http.StatusUnauthorized:
		return syncerr.Rejected(op, fmt.Errorf("%w: %w", ErrUnauthorized, apiErr))
	case http.StatusForbidden:
		return syncerr.Rejected(op, fmt.Errorf("%w: %w", ErrForbidden, apiErr))
	case http.StatusNotFound:
		return syncerr.Rejected(op, fmt.Errorf("%w: %w", ErrNotFound, apiErr))
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return syncerr.Transient(op, apiErr)
	}
	if status >= 500 {
		return syncerr.Transient(op, apiErr)
	}
	return syncerr.Rejected(op, apiErr)
}
