// Package frames extracts still frames from video files with ffprobe and ffmpeg.
package frames

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-stream/pkg/simplestream"
)

// Config locates the external tools.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	// Timeout bounds a single tool invocation; zero means no limit
	Timeout time.Duration
}

// FFmpeg implements simplestream.FrameExtractor by running ffprobe and ffmpeg.
type FFmpeg struct {
	cfg Config
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New creates an extractor. Empty paths resolve "ffmpeg" and "ffprobe" from PATH.
func New(cfg Config) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	return &FFmpeg{cfg: cfg, run: runCommand}
}

// Probe returns the container duration reported by ffprobe.
func (f *FFmpeg) Probe(ctx context.Context, path string) (time.Duration, error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	out, err := f.run(ctx, f.cfg.FFprobePath, ProbeArgs(path)...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return ParseDuration(out)
}

// Capture writes one JPEG frame taken at offset into outPath.
func (f *FFmpeg) Capture(ctx context.Context, path string, offset time.Duration, outPath string) error {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	if _, err := f.run(ctx, f.cfg.FFmpegPath, CaptureArgs(path, offset, outPath)...); err != nil {
		return fmt.Errorf("ffmpeg capture at %s: %w", offset, err)
	}
	return nil
}

func (f *FFmpeg) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.cfg.Timeout)
}

// ProbeArgs returns the ffprobe arguments that print only the duration in seconds.
func ProbeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}

// CaptureArgs returns the ffmpeg arguments for a single high-quality frame.
// Seeking before the input keeps the capture fast on long files.
func CaptureArgs(path string, offset time.Duration, outPath string) []string {
	return []string{
		"-ss", FormatTimestamp(offset),
		"-i", path,
		"-frames:v", "1",
		"-q:v", "2",
		"-y", outPath,
	}
}

// FormatTimestamp renders d as HH:MM:SS.mmm.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}

// ParseDuration parses ffprobe's duration output, in seconds.
func ParseDuration(out []byte) (time.Duration, error) {
	s := strings.TrimSpace(string(out))
	if s == "" || s == "N/A" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("non-positive duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

var _ simplestream.FrameExtractor = (*FFmpeg)(nil)
