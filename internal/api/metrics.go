package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime    time.Time
	requests     atomic.Int64
	serverErrors atomic.Int64
	clientErrors atomic.Int64
	calls        atomic.Int64
	chunks       atomic.Int64
	chunkBytes   atomic.Int64
	finalized    atomic.Int64
	pulls        atomic.Int64
	updates      atomic.Int64
	conflicts    atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds       float64 `json:"uptime_seconds"`
	Requests            int64   `json:"requests"`
	ServerErrors        int64   `json:"server_errors"`
	ClientErrors        int64   `json:"client_errors"`
	CallsStarted        int64   `json:"calls_started"`
	ChunksReceived      int64   `json:"chunks_received"`
	ChunkBytes          int64   `json:"chunk_bytes"`
	RecordingsFinalized int64   `json:"recordings_finalized"`
	PullRequests        int64   `json:"pull_requests"`
	UpdatesApplied      int64   `json:"updates_applied"`
	UpdatesIgnored      int64   `json:"updates_ignored"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

// RecordCall counts a start_call.
func (m *Metrics) RecordCall() {
	m.calls.Add(1)
}

// RecordChunk counts an accepted chunk of n bytes.
func (m *Metrics) RecordChunk(n int64) {
	m.chunks.Add(1)
	m.chunkBytes.Add(n)
}

// RecordFinalize counts an assembled recording.
func (m *Metrics) RecordFinalize() {
	m.finalized.Add(1)
}

// RecordPullRequest increments the pull request counter.
func (m *Metrics) RecordPullRequest() {
	m.pulls.Add(1)
}

// RecordUpdate counts a metadata edit by outcome.
func (m *Metrics) RecordUpdate(applied bool) {
	if applied {
		m.updates.Add(1)
	} else {
		m.conflicts.Add(1)
	}
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:       time.Since(m.startTime).Seconds(),
		Requests:            m.requests.Load(),
		ServerErrors:        m.serverErrors.Load(),
		ClientErrors:        m.clientErrors.Load(),
		CallsStarted:        m.calls.Load(),
		ChunksReceived:      m.chunks.Load(),
		ChunkBytes:          m.chunkBytes.Load(),
		RecordingsFinalized: m.finalized.Load(),
		PullRequests:        m.pulls.Load(),
		UpdatesApplied:      m.updates.Load(),
		UpdatesIgnored:      m.conflicts.Load(),
	}
}
