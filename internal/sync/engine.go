// Package sync moves call metadata and recordings between the local record
// store and the server: a delta pull and push for metadata, and a chunked
// upload for recordings.
package sync

import (
	"context"
	"io"
	"log/slog"

	"github.com/marcus/callsync/internal/db"
	"github.com/marcus/callsync/internal/recording"
	"github.com/marcus/callsync/internal/syncclient"
)

// Transport is the server API the engine talks to. *syncclient.Client
// implements it.
type Transport interface {
	FetchConfig(ctx context.Context) (*syncclient.ConfigResponse, error)
	FetchUpdates(ctx context.Context, since int64) (*syncclient.UpdatesResponse, error)
	StartCall(ctx context.Context, m syncclient.CallMeta) (*syncclient.StartCallResponse, error)
	UpdateCall(ctx context.Context, u syncclient.CallUpdate) (*syncclient.UpdateResponse, error)
	UpdatePerson(ctx context.Context, u syncclient.PersonUpdate) (*syncclient.UpdateResponse, error)
	UploadChunk(ctx context.Context, uniqueID string, index, total int, data io.Reader) (*syncclient.ChunkResponse, error)
	FinalizeUpload(ctx context.Context, uniqueID string, total int, ext string) (*syncclient.FinalizeResponse, error)
	CheckRecordingsStatus(ctx context.Context, ids []string) (*syncclient.RecordingsStatusResponse, error)
}

// Defaults for Config.
const (
	DefaultChunkSize   = 1 << 20
	DefaultConcurrency = 2
	DefaultMaxAttempts = 5
)

// Config tunes the engine.
type Config struct {
	// ChunkSize is the size of each upload chunk in bytes.
	ChunkSize int64
	// Concurrency bounds how many recordings upload at once.
	Concurrency int
	// MaxAttempts is how many transient recording failures are retried
	// automatically before the row waits for `callsync retry`.
	MaxAttempts int
	Retry       RetryPolicy
}

func (c *Config) setDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.Attempts == 0 {
		c.Retry = DefaultRetryPolicy()
	}
}

// Engine runs sync cycles against one store and one server.
type Engine struct {
	store    *db.DB
	client   Transport
	locator  *recording.Locator
	pipeline *recording.Pipeline
	cfg      Config
	logger   *slog.Logger
}

// NewEngine wires an engine. A nil pipeline uploads originals uncompressed.
func NewEngine(store *db.DB, client Transport, locator *recording.Locator, pipeline *recording.Pipeline, cfg Config, logger *slog.Logger) *Engine {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if pipeline == nil {
		pipeline = recording.NewPipeline(recording.PipelineConfig{WorkDir: db.CompressedDir(store.DataDir())}, nil, logger)
	}
	return &Engine{
		store:    store,
		client:   client,
		locator:  locator,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger,
	}
}

// Store returns the engine's record store.
func (e *Engine) Store() *db.DB {
	return e.store
}
