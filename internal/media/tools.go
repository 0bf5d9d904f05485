package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chaptercast/chaptercast-backend/internal/config"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

// Tools wraps the system binaries the synthesis pipeline shells out to.
//
// REQUIRED BINARIES in worker runtime:
// - ffmpeg / ffprobe for clip synthesis, concat, and duration probing
// - libreoffice (soffice) for DOCX/EPUB -> plain text on upload
//
// Synchronous and deterministic; call from worker jobs, not request
// handlers.
type Tools interface {
	AssertReady(ctx context.Context) error
	ProbeDuration(ctx context.Context, mediaPath string) (float64, error)
	ConvertOfficeToText(ctx context.Context, inputPath string, outDir string) (txtPath string, err error)
	RunFFmpeg(ctx context.Context, timeout time.Duration, args ...string) error
}

type tools struct {
	log *logger.Logger

	ffmpegPath  string
	ffprobePath string
	sofficePath string

	defaultTimeout time.Duration
}

func NewTools(cfg config.Config, logg *logger.Logger) Tools {
	ffmpeg := cfg.FFmpegBin
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ffprobe := cfg.FFprobeBin
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	soffice := cfg.SofficeBin
	if soffice == "" {
		soffice = "soffice"
	}
	return &tools{
		log:            logg.With("component", "MediaTools"),
		ffmpegPath:     ffmpeg,
		ffprobePath:    ffprobe,
		sofficePath:    soffice,
		defaultTimeout: 10 * time.Minute,
	}
}

func (m *tools) AssertReady(ctx context.Context) error {
	for _, bin := range []string{m.ffmpegPath, m.ffprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing required binary %q in PATH: %w", bin, err)
		}
	}
	return nil
}

func (m *tools) ProbeDuration(ctx context.Context, mediaPath string) (float64, error) {
	if mediaPath == "" {
		return 0, fmt.Errorf("mediaPath required")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		mediaPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w; out=%s", err, string(out))
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || dur <= 0 {
		return 0, fmt.Errorf("ffprobe returned no usable duration for %s: %q", mediaPath, strings.TrimSpace(string(out)))
	}
	return dur, nil
}

func (m *tools) ConvertOfficeToText(ctx context.Context, inputPath string, outDir string) (string, error) {
	if inputPath == "" {
		return "", fmt.Errorf("inputPath required")
	}
	if outDir == "" {
		return "", fmt.Errorf("outDir required")
	}
	if _, err := exec.LookPath(m.sofficePath); err != nil {
		return "", fmt.Errorf("missing required binary %q in PATH: %w", m.sofficePath, err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir outDir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.sofficePath,
		"--headless",
		"--nologo",
		"--nolockcheck",
		"--nodefault",
		"--norestore",
		"--convert-to", "txt:Text",
		"--outdir", outDir,
		inputPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("soffice convert failed: %w; out=%s", err, string(out))
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	txtPath := filepath.Join(outDir, base+".txt")
	if _, statErr := os.Stat(txtPath); statErr != nil {
		return "", fmt.Errorf("text output not found at %s; soffice out=%s", txtPath, string(out))
	}
	return txtPath, nil
}

func (m *tools) RunFFmpeg(ctx context.Context, timeout time.Duration, args ...string) error {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w; out=%s", err, tailOf(string(out), 2000))
	}
	return nil
}

// tailOf keeps the end of ffmpeg's output, which is where the actual
// error lands after the banner and progress lines.
func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
