package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/callsync/internal/db"
	"github.com/marcus/callsync/internal/models"
	"github.com/marcus/callsync/internal/recording"
	"github.com/marcus/callsync/internal/syncerr"
)

// chunkGrace bounds how long an in-flight chunk may run after cancellation.
const chunkGrace = 2 * time.Minute

// UploadResult counts the outcome of one recording pass.
type UploadResult struct {
	Uploaded          int `json:"uploaded"`
	AlreadyOnServer   int `json:"already_on_server"`
	Failed            int `json:"failed"`
	AwaitingRecording int `json:"awaiting_recording"`
	Skipped           int `json:"skipped"`
}

// claims tracks recording files bound to a call during one pass.
type claims struct {
	mu    stdsync.Mutex
	paths map[string]bool
}

func (c *claims) snapshot() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.paths))
	for p := range c.paths {
		out[p] = true
	}
	return out
}

// claim binds path unless another call got it first.
func (c *claims) claim(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paths[path] {
		return false
	}
	c.paths[path] = true
	return true
}

// UploadRecordings runs every eligible recording through locate, prepare,
// chunked upload and finalize, Concurrency at a time. Per-recording failures
// are recorded on the row and counted; only store failures and cancellation
// are returned.
func (e *Engine) UploadRecordings(ctx context.Context) (UploadResult, error) {
	var res UploadResult

	calls, err := e.store.ListPendingRecordings(ctx, e.cfg.MaxAttempts)
	if err != nil {
		return res, syncerr.LocalIO(syncerr.OpStore, err)
	}
	if len(calls) == 0 {
		return res, nil
	}

	calls, n, err := e.skipFinalized(ctx, calls)
	if err != nil {
		return res, err
	}
	res.AlreadyOnServer = n

	attached, err := e.store.AttachedPaths(ctx)
	if err != nil {
		return res, syncerr.LocalIO(syncerr.OpStore, err)
	}
	cl := &claims{paths: attached}

	var mu stdsync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i := range calls {
		call := calls[i]
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := e.uploadOne(gctx, &call, cl)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeUploaded:
				res.Uploaded++
			case outcomeFailed:
				res.Failed++
			case outcomeAwaiting:
				res.AwaitingRecording++
			case outcomeSkipped:
				res.Skipped++
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, ctx.Err()
}

// skipFinalized asks the server which recordings it already finalized and
// completes them locally without uploading again.
func (e *Engine) skipFinalized(ctx context.Context, calls []models.CallRecord) ([]models.CallRecord, int, error) {
	ids := make([]string, len(calls))
	for i := range calls {
		ids[i] = calls[i].CompositeID
	}
	status, err := e.client.CheckRecordingsStatus(ctx, ids)
	if err != nil {
		// Only an optimization; finalize is idempotent on the server.
		e.logger.Debug("check_recordings_status failed", "err", err)
		return calls, 0, nil
	}
	if len(status.Completed) == 0 {
		return calls, 0, nil
	}
	n, err := e.store.MarkRecordingsCompleted(ctx, status.Completed)
	if err != nil {
		return nil, 0, syncerr.LocalIO(syncerr.OpStore, err)
	}
	rest := calls[:0]
	for _, c := range calls {
		if _, done := status.Completed[c.CompositeID]; !done {
			rest = append(rest, c)
		}
	}
	return rest, int(n), nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeUploaded
	outcomeFailed
	outcomeAwaiting
)

// uploadOne moves a single recording through the state machine. The returned
// error is non-nil only for store failures, which abort the pass.
func (e *Engine) uploadOne(ctx context.Context, call *models.CallRecord, cl *claims) (outcome, error) {
	unlock, ok := e.store.Keys().TryLock("upload:" + call.CompositeID)
	if !ok {
		return outcomeSkipped, nil
	}
	defer unlock()

	// Store writes must land even when the cycle is being cancelled.
	wctx := context.WithoutCancel(ctx)
	id := call.CompositeID

	if call.RecordingLocalPath == "" {
		if e.locator == nil {
			return outcomeAwaiting, e.store.NoteRecordingSearch(wctx, id)
		}
		path, err := e.locator.Locate(call, cl.snapshot())
		if err != nil || !cl.claim(path) {
			e.logger.Debug("recording not found yet", "id", id, "err", err)
			return outcomeAwaiting, e.store.NoteRecordingSearch(wctx, id)
		}
		if err := e.store.AttachRecording(wctx, id, path); err != nil {
			return outcomeSkipped, err
		}
		call.RecordingLocalPath = path
		e.logger.Debug("recording located", "id", id, "path", path)
	}

	if call.RecordingSyncStatus == models.RecordingFailed {
		if err := e.store.SetRecordingStatus(wctx, id, models.RecordingPending); err != nil {
			return outcomeSkipped, err
		}
	}
	if err := e.store.SetRecordingStatus(wctx, id, models.RecordingCompressing); err != nil {
		return outcomeSkipped, err
	}

	prep, err := e.pipeline.Prepare(ctx, call)
	if errors.Is(err, recording.ErrRecordingNotFound) {
		// The file vanished since it was located; look again next time.
		if err := e.store.AttachRecording(wctx, id, ""); err != nil {
			return outcomeSkipped, err
		}
		if err := e.store.SetRecordingStatus(wctx, id, models.RecordingPending); err != nil {
			return outcomeSkipped, err
		}
		return outcomeAwaiting, e.store.NoteRecordingSearch(wctx, id)
	}
	if err != nil {
		return e.fail(wctx, id, syncerr.LocalIO(syncerr.OpCompress, err))
	}

	if err := e.store.SetRecordingStatus(wctx, id, models.RecordingUploading); err != nil {
		e.pipeline.Release(prep)
		return outcomeSkipped, err
	}

	url, err := e.sendRecording(ctx, id, prep.Path)
	if err != nil {
		e.pipeline.Release(prep)
		return e.fail(wctx, id, err)
	}

	if err := e.store.CompleteRecording(wctx, id, url); err != nil {
		e.pipeline.Release(prep)
		return outcomeSkipped, err
	}
	if err := e.pipeline.Finish(prep); err != nil {
		e.logger.Warn("post-upload cleanup", "id", id, "err", err)
	}
	e.logger.Info("recording uploaded", "id", id, "bytes", prep.Size, "compressed", prep.Compressed)
	return outcomeUploaded, nil
}

func (e *Engine) fail(ctx context.Context, id string, cause error) (outcome, error) {
	rejected := syncerr.KindOf(cause) == syncerr.KindServerRejected
	e.logger.Warn("recording upload failed", "id", id, "rejected", rejected, "err", cause)
	if err := e.store.FailRecording(ctx, id, cause.Error(), rejected); err != nil {
		return outcomeFailed, err
	}
	return outcomeFailed, nil
}

// sendRecording splits path into chunk files, uploads them in order and
// finalizes. Any chunk failure aborts; the next attempt starts again at
// chunk 0 with a freshly built staging directory. Finalize is retried on
// transient errors.
func (e *Engine) sendRecording(ctx context.Context, id, path string) (string, error) {
	dir := filepath.Join(db.ChunkDir(e.store.DataDir()), safeDirName(id))
	total, err := splitChunks(path, dir, e.cfg.ChunkSize)
	defer os.RemoveAll(dir)
	if err != nil {
		return "", syncerr.LocalIO(syncerr.OpChunk, err)
	}

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return "", syncerr.Transient(syncerr.OpChunk, fmt.Errorf("cancelled before chunk %d: %w", i, err))
		}
		done, err := e.sendChunk(ctx, id, dir, i, total)
		if err != nil {
			return "", err
		}
		if done {
			e.logger.Debug("server already has recording", "id", id, "chunk", i)
			break
		}
	}

	// Every chunk is on the server, so finalize is worth retrying in place.
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	var url string
	err = retry(ctx, e.cfg.Retry, func() error {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), chunkGrace)
		defer cancel()
		resp, ferr := e.client.FinalizeUpload(fctx, id, total, ext)
		if ferr != nil {
			return ferr
		}
		url = resp.RecordingURL
		return nil
	})
	if err != nil {
		return "", err
	}
	return url, nil
}

// sendChunk uploads one chunk. An in-flight chunk is allowed to finish after
// cancellation so the server never holds a torn chunk file.
func (e *Engine) sendChunk(ctx context.Context, id, dir string, index, total int) (bool, error) {
	f, err := os.Open(chunkPath(dir, index))
	if err != nil {
		return false, syncerr.LocalIO(syncerr.OpChunk, err)
	}
	defer f.Close()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), chunkGrace)
	defer cancel()
	resp, err := e.client.UploadChunk(cctx, id, index, total, f)
	if err != nil {
		return false, err
	}
	return resp.UploadStatus == string(models.RecordingCompleted), nil
}

// splitChunks writes src into dir as fixed-size chunk files and returns how
// many were written. dir is rebuilt from scratch.
func splitChunks(src, dir string, size int64) (int, error) {
	if err := os.RemoveAll(dir); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	n := 0
	for {
		out, err := os.Create(chunkPath(dir, n))
		if err != nil {
			return 0, err
		}
		written, copyErr := io.CopyN(out, in, size)
		closeErr := out.Close()
		if copyErr != nil && copyErr != io.EOF {
			return 0, copyErr
		}
		if closeErr != nil {
			return 0, closeErr
		}
		if written == 0 {
			os.Remove(chunkPath(dir, n))
			break
		}
		n++
		if copyErr == io.EOF {
			break
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("recording %s is empty", src)
	}
	return n, nil
}

func chunkPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.part", index))
}

func safeDirName(id string) string {
	out := []rune(id)
	for i, r := range out {
		if r == '/' || r == '\\' || r == ':' || r == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}
