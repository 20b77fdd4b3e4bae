package recording

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcus/callsync/internal/models"
	"github.com/marcus/callsync/internal/syncerr"
)

// Compression thresholds.
const (
	MinCompressBytes = 50 * 1024
	MaxCompressBytes = 100 * 1024 * 1024
	MinSavings       = 0.10
)

// PipelineConfig controls how recordings are staged for upload.
type PipelineConfig struct {
	// WorkDir receives compressed copies. The original is never modified.
	WorkDir string

	Compress         bool
	MinCompressBytes int64
	MaxCompressBytes int64
	MinSavings       float64

	// DeleteOriginalAfterUpload removes the device's file once the server
	// has confirmed the recording.
	DeleteOriginalAfterUpload bool
}

// Prepared is the file that will actually be uploaded.
type Prepared struct {
	Path       string
	Size       int64
	Original   string
	Compressed bool
}

// Pipeline turns a located recording into an uploadable file.
type Pipeline struct {
	cfg        PipelineConfig
	compressor Compressor
	logger     *slog.Logger
}

// NewPipeline creates a pipeline. A nil compressor disables compression.
func NewPipeline(cfg PipelineConfig, c Compressor, logger *slog.Logger) *Pipeline {
	if cfg.MinCompressBytes == 0 {
		cfg.MinCompressBytes = MinCompressBytes
	}
	if cfg.MaxCompressBytes == 0 {
		cfg.MaxCompressBytes = MaxCompressBytes
	}
	if cfg.MinSavings == 0 {
		cfg.MinSavings = MinSavings
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, compressor: c, logger: logger}
}

// Prepare returns the file to upload for call. When compression is enabled
// and worthwhile a compressed copy is written to WorkDir; any compression
// failure falls back to the original. A missing original returns
// ErrRecordingNotFound.
func (p *Pipeline) Prepare(ctx context.Context, call *models.CallRecord) (*Prepared, error) {
	src := call.RecordingLocalPath
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrRecordingNotFound
	}
	if err != nil {
		return nil, syncerr.LocalIO(syncerr.OpCompress, err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return nil, ErrRecordingNotFound
	}

	orig := &Prepared{Path: src, Size: info.Size(), Original: src}
	if !p.worthCompressing(call, info.Size()) {
		return orig, nil
	}

	if err := os.MkdirAll(p.cfg.WorkDir, 0o755); err != nil {
		return nil, syncerr.LocalIO(syncerr.OpCompress, err)
	}
	dst := filepath.Join(p.cfg.WorkDir, safeName(call.CompositeID)+".mp3")

	if err := p.compressor.Compress(ctx, src, dst); err != nil {
		_ = os.Remove(dst)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("compression failed, uploading original", "call", call.CompositeID, "err", err)
		return orig, nil
	}

	out, err := os.Stat(dst)
	if err != nil || out.Size() == 0 {
		_ = os.Remove(dst)
		p.logger.Warn("compression produced no output, uploading original", "call", call.CompositeID)
		return orig, nil
	}
	if float64(out.Size()) > float64(info.Size())*(1-p.cfg.MinSavings) {
		_ = os.Remove(dst)
		p.logger.Debug("compression saved too little", "call", call.CompositeID,
			"original", info.Size(), "compressed", out.Size())
		return orig, nil
	}

	p.logger.Debug("compressed recording", "call", call.CompositeID,
		"original", info.Size(), "compressed", out.Size())
	return &Prepared{Path: dst, Size: out.Size(), Original: src, Compressed: true}, nil
}

func (p *Pipeline) worthCompressing(call *models.CallRecord, size int64) bool {
	if !p.cfg.Compress || p.compressor == nil {
		return false
	}
	if size < p.cfg.MinCompressBytes || size > p.cfg.MaxCompressBytes {
		return false
	}
	est := p.compressor.EstimatedSize(time.Duration(call.DurationSeconds) * time.Second)
	if est <= 0 {
		return true
	}
	return float64(est) <= float64(size)*(1-p.cfg.MinSavings)
}

// Release removes the compressed copy, if any. The original is untouched.
func (p *Pipeline) Release(prep *Prepared) {
	if prep == nil || !prep.Compressed {
		return
	}
	if err := os.Remove(prep.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("remove compressed copy", "path", prep.Path, "err", err)
	}
}

// Finish runs after the server confirmed the upload: the staged copy is
// released and, if configured, the device's original is deleted.
func (p *Pipeline) Finish(prep *Prepared) error {
	p.Release(prep)
	if prep == nil || !p.cfg.DeleteOriginalAfterUpload {
		return nil
	}
	if err := os.Remove(prep.Original); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete original %s: %w", prep.Original, err)
	}
	return nil
}

// CleanWorkDir removes compressed copies left by an interrupted run.
func (p *Pipeline) CleanWorkDir() error {
	if p.cfg.WorkDir == "" {
		return nil
	}
	entries, err := os.ReadDir(p.cfg.WorkDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			_ = os.Remove(filepath.Join(p.cfg.WorkDir, e.Name()))
		}
	}
	return nil
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
