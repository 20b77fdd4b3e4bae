package models

import (
	"fmt"
	"strings"
	"time"
)

// CallType represents the direction of a call
type CallType string

const (
	CallIncoming CallType = "incoming"
	CallOutgoing CallType = "outgoing"
	CallMissed   CallType = "missed"
)

// MetadataStatus tracks whether a call's metadata has reached the server
type MetadataStatus string

const (
	MetadataPending       MetadataStatus = "pending"        // never acknowledged
	MetadataSynced        MetadataStatus = "synced"         // server has the current version
	MetadataUpdatePending MetadataStatus = "update_pending" // acknowledged once, edited since
	MetadataFailed        MetadataStatus = "failed"         // server rejected it
)

// RecordingStatus tracks the audio artifact of a call through the upload pipeline
type RecordingStatus string

const (
	RecordingNotApplicable RecordingStatus = "not_applicable"
	RecordingPending       RecordingStatus = "pending"
	RecordingCompressing   RecordingStatus = "compressing"
	RecordingUploading     RecordingStatus = "uploading"
	RecordingCompleted     RecordingStatus = "completed"
	RecordingFailed        RecordingStatus = "failed"
)

// CallRecord is one call-log entry as the device agent stores it.
// Timestamps ending in At are unix milliseconds.
type CallRecord struct {
	CompositeID     string   `json:"composite_id"`
	PhoneNumber     string   `json:"phone_number"`
	ContactName     string   `json:"contact_name,omitempty"`
	CallType        CallType `json:"call_type"`
	StartedAt       int64    `json:"started_at"`
	DurationSeconds int64    `json:"duration_seconds"`

	Note     string `json:"note,omitempty"`
	Reviewed bool   `json:"reviewed"`

	MetadataSyncStatus  MetadataStatus  `json:"metadata_sync_status"`
	RecordingSyncStatus RecordingStatus `json:"recording_sync_status"`
	RecordingLocalPath  string          `json:"recording_local_path,omitempty"`
	RecordingRemoteURL  string          `json:"recording_remote_url,omitempty"`

	LocalUpdatedAt  int64 `json:"local_updated_at"`
	ServerUpdatedAt int64 `json:"server_updated_at"` // 0 = never acknowledged

	LastError         string `json:"last_error,omitempty"`
	RecordingAttempts int    `json:"recording_attempts,omitempty"`
	RecordingRejected bool   `json:"recording_rejected,omitempty"`
	RecordingSearches int    `json:"recording_searches,omitempty"`
}

// PersonAggregate is the per-phone-number summary derived from CallRecords
// plus the user-editable person fields.
type PersonAggregate struct {
	PhoneNumber string `json:"phone_number"`
	ContactName string `json:"contact_name,omitempty"`

	LastCallType        CallType `json:"last_call_type,omitempty"`
	LastCallDuration    int64    `json:"last_call_duration"`
	LastCallAt          int64    `json:"last_call_at"`
	LastCallCompositeID string   `json:"last_call_composite_id,omitempty"`

	TotalCalls    int   `json:"total_calls"`
	TotalIncoming int   `json:"total_incoming"`
	TotalOutgoing int   `json:"total_outgoing"`
	TotalMissed   int   `json:"total_missed"`
	TotalDuration int64 `json:"total_duration"`

	Note  string `json:"note,omitempty"`
	Label string `json:"label,omitempty"`

	NeedsSync       bool  `json:"needs_sync"`
	LocalUpdatedAt  int64 `json:"local_updated_at"`
	ServerUpdatedAt int64 `json:"server_updated_at"`
}

// StartedTime returns the call start as a time.Time
func (c *CallRecord) StartedTime() time.Time {
	return time.UnixMilli(c.StartedAt)
}

// EndedTime returns the call end (start + duration)
func (c *CallRecord) EndedTime() time.Time {
	return c.StartedTime().Add(time.Duration(c.DurationSeconds) * time.Second)
}

// ExpectsRecording reports whether a recording can ever exist for the call.
func (c *CallRecord) ExpectsRecording() bool {
	return c.DurationSeconds > 0 && c.CallType != CallMissed
}

// InitialRecordingStatus returns the recording status a freshly observed call starts in.
func (c *CallRecord) InitialRecordingStatus() RecordingStatus {
	if c.ExpectsRecording() {
		return RecordingPending
	}
	return RecordingNotApplicable
}

// IsValidCallType checks if a call type is valid
func IsValidCallType(t CallType) bool {
	switch t {
	case CallIncoming, CallOutgoing, CallMissed:
		return true
	}
	return false
}

// NormalizeCallType maps loose spellings ("Incoming", "in", "1") onto a CallType.
// Numeric codes follow the platform call-log convention.
func NormalizeCallType(s string) (CallType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "incoming", "in", "1":
		return CallIncoming, nil
	case "outgoing", "out", "2":
		return CallOutgoing, nil
	case "missed", "3", "rejected", "5", "blocked", "6":
		return CallMissed, nil
	}
	return "", fmt.Errorf("unknown call type %q", s)
}

// NormalizePhone reduces a phone number to its digits.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneVariants returns the forms a number may take in a recording file name:
// the full digits, the last 10 and last 9 digits, and the digits without
// leading zeros. Duplicates and short fragments are dropped.
func PhoneVariants(phone string) []string {
	digits := NormalizePhone(phone)
	if digits == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(v string) {
		if len(v) < 6 || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}
	add(digits)
	if len(digits) > 10 {
		add(digits[len(digits)-10:])
	}
	if len(digits) > 9 {
		add(digits[len(digits)-9:])
	}
	add(strings.TrimLeft(digits, "0"))
	return out
}

// CompositeID builds the stable per-device identity of a call.
func CompositeID(t CallType, deviceID, phone string, startedAt int64) string {
	return fmt.Sprintf("%s-%s-%s-%d", t, deviceID, NormalizePhone(phone), startedAt)
}

// recordingTransitions lists the legal moves of the recording state machine.
var recordingTransitions = map[RecordingStatus][]RecordingStatus{
	RecordingPending:     {RecordingCompressing, RecordingUploading, RecordingCompleted, RecordingFailed},
	RecordingCompressing: {RecordingUploading, RecordingFailed, RecordingPending},
	RecordingUploading:   {RecordingCompleted, RecordingFailed, RecordingPending},
	RecordingFailed:      {RecordingPending, RecordingCompleted},
}

// CanTransitionRecording reports whether from -> to is a legal recording move.
// not_applicable and completed are terminal.
func CanTransitionRecording(from, to RecordingStatus) bool {
	if from == to {
		return true
	}
	for _, s := range recordingTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NowMillis returns the current wall clock in unix milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
