package recording

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Compressor re-encodes a recording into a smaller file.
type Compressor interface {
	// EstimatedSize predicts the output size in bytes for a recording of the
	// given length, or 0 when it cannot tell.
	EstimatedSize(duration time.Duration) int64
	Compress(ctx context.Context, src, dst string) error
}

// ExecCompressor shells out to ffmpeg for a low bitrate mono voice encode.
type ExecCompressor struct {
	Binary      string
	BitrateKbps int
	SampleRate  int
	Timeout     time.Duration
}

// NewExecCompressor returns an ffmpeg compressor at 48kbps, 16kHz mono.
func NewExecCompressor(binary string) *ExecCompressor {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &ExecCompressor{
		Binary:      binary,
		BitrateKbps: 48,
		SampleRate:  16000,
		Timeout:     60 * time.Second,
	}
}

// Available reports whether the ffmpeg binary can be found on PATH.
func (c *ExecCompressor) Available() bool {
	_, err := exec.LookPath(c.Binary)
	return err == nil
}

func (c *ExecCompressor) EstimatedSize(duration time.Duration) int64 {
	if duration <= 0 || c.BitrateKbps <= 0 {
		return 0
	}
	return int64(duration.Seconds() * float64(c.BitrateKbps) * 1000 / 8)
}

func (c *ExecCompressor) Compress(ctx context.Context, src, dst string) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Binary,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-vn", "-ac", "1",
		"-ar", strconv.Itoa(c.SampleRate),
		"-b:a", strconv.Itoa(c.BitrateKbps)+"k",
		dst,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg: %w", ctx.Err())
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
