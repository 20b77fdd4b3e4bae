package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/callsync/internal/models"
)

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	Trigger  string        `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Pull    PullResult   `json:"pull"`
	Push    PushResult   `json:"push"`
	Uploads UploadResult `json:"uploads"`

	PullError   string `json:"pull_error,omitempty"`
	PushError   string `json:"push_error,omitempty"`
	UploadError string `json:"upload_error,omitempty"`
}

// Summary is a one-line description for logs and `callsync status`.
func (r *CycleReport) Summary() string {
	s := fmt.Sprintf("pulled %d, pushed %d, conflicts %d, uploaded %d, failed %d, awaiting %d",
		r.Pull.Calls+r.Pull.Persons,
		r.Push.Announced+r.Push.Updated+r.Push.Persons,
		r.Push.Conflicts,
		r.Uploads.Uploaded+r.Uploads.AlreadyOnServer,
		r.Push.Failed+r.Uploads.Failed,
		r.Uploads.AwaitingRecording)
	if r.PullError != "" || r.PushError != "" || r.UploadError != "" {
		s += " (errors)"
	}
	return s
}

// RunCycle performs one full sync: refresh server config, pull, push, then
// upload recordings. A failed pull still lets new calls be announced, but
// holds back pushes of edits. The report is always returned; the error
// joins every phase failure.
func (e *Engine) RunCycle(ctx context.Context, trigger string) (*CycleReport, error) {
	rep := &CycleReport{Trigger: trigger, Started: time.Now()}
	log := e.logger.With("trigger", trigger)

	e.refreshConfig(ctx)

	var errs []error
	pull, err := e.Pull(ctx)
	rep.Pull = pull
	if err != nil {
		rep.PullError = err.Error()
		errs = append(errs, fmt.Errorf("pull: %w", err))
		log.Warn("pull failed, holding back local edits", "err", err)
	}

	push, err := e.Push(ctx, err == nil)
	rep.Push = push
	if err != nil {
		rep.PushError = err.Error()
		errs = append(errs, fmt.Errorf("push: %w", err))
	}

	if ctx.Err() == nil {
		up, err := e.UploadRecordings(ctx)
		rep.Uploads = up
		if err != nil {
			rep.UploadError = err.Error()
			errs = append(errs, fmt.Errorf("upload: %w", err))
		}
	}

	rep.Duration = time.Since(rep.Started)
	if err := e.store.RecordCycle(context.WithoutCancel(ctx), models.NowMillis(), rep.Summary()); err != nil {
		log.Error("record cycle", "err", err)
	}
	log.Info("sync cycle finished",
		"duration", rep.Duration.Round(time.Millisecond),
		"pulled", rep.Pull.Calls+rep.Pull.Persons,
		"announced", rep.Push.Announced,
		"updated", rep.Push.Updated+rep.Push.Persons,
		"conflicts", rep.Push.Conflicts,
		"uploaded", rep.Uploads.Uploaded,
		"failed", rep.Push.Failed+rep.Uploads.Failed,
		"awaiting_recording", rep.Uploads.AwaitingRecording,
	)
	return rep, errors.Join(errs...)
}

// refreshConfig pulls server-side settings. Failures keep the last known
// values.
func (e *Engine) refreshConfig(ctx context.Context) {
	cfg, err := e.client.FetchConfig(ctx)
	if err != nil {
		e.logger.Debug("fetch_config failed", "err", err)
		return
	}
	if err := e.store.SetExcludedNumbers(ctx, cfg.ExcludedNumbers); err != nil {
		e.logger.Warn("store excluded numbers", "err", err)
	}
	if cfg.MaxChunkBytes > 0 && e.cfg.ChunkSize > cfg.MaxChunkBytes {
		e.cfg.ChunkSize = cfg.MaxChunkBytes
	}
}
