package media

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/subtitle"
)

// ClipSpec is everything needed to render one sentence clip.
type ClipSpec struct {
	ImagePath     string
	AudioPath     string
	AudioDuration float64
	Overlays      []subtitle.Overlay
	Settings      domain.GenerationSettings
	OutPath       string
}

// Compositor drives ffmpeg for the two video-producing steps: one clip
// per sentence, then a stream-copy concat of the chapter.
type Compositor interface {
	ComposeClip(ctx context.Context, spec ClipSpec) error
	Concat(ctx context.Context, clipPaths []string, outPath string) error
}

type compositor struct {
	log           *logger.Logger
	tools         Tools
	fontFile      string
	clipTimeout   time.Duration
	concatTimeout time.Duration
}

func NewCompositor(tools Tools, fontFile string, clipTimeout, concatTimeout time.Duration, logg *logger.Logger) Compositor {
	if clipTimeout <= 0 {
		clipTimeout = 5 * time.Minute
	}
	if concatTimeout <= 0 {
		concatTimeout = 10 * time.Minute
	}
	return &compositor{
		log:           logg.With("component", "Compositor"),
		tools:         tools,
		fontFile:      fontFile,
		clipTimeout:   clipTimeout,
		concatTimeout: concatTimeout,
	}
}

// ComposeClip renders one still image into a slow-zoom video track,
// draws the subtitle overlays, and muxes the narration audio. The clip
// ends with the audio (-shortest).
func (c *compositor) ComposeClip(ctx context.Context, spec ClipSpec) error {
	if spec.ImagePath == "" || spec.AudioPath == "" || spec.OutPath == "" {
		return apierr.Validation("media.compose", "image, audio, and output paths required")
	}
	if spec.AudioDuration <= 0 {
		return apierr.Validation("media.compose", "audio duration required")
	}
	w, h, err := spec.Settings.Size()
	if err != nil {
		return apierr.Validation("media.compose", err.Error())
	}

	filter := c.buildClipFilter(spec, w, h)
	args := []string{
		"-y",
		"-loop", "1",
		"-i", spec.ImagePath,
		"-i", spec.AudioPath,
		"-filter_complex", filter,
		"-map", "[vout]",
		"-map", "1:a",
		"-c:v", spec.Settings.VideoCodec,
		"-pix_fmt", "yuv420p",
		"-c:a", spec.Settings.AudioCodec,
		"-b:a", spec.Settings.AudioBitrate,
		"-shortest",
		spec.OutPath,
	}
	if err := c.tools.RunFFmpeg(ctx, c.clipTimeout, args...); err != nil {
		return apierr.Internal("media.compose", err)
	}
	if _, err := os.Stat(spec.OutPath); err != nil {
		return apierr.Internal("media.compose", fmt.Errorf("clip output missing at %s", spec.OutPath))
	}
	return nil
}

func (c *compositor) buildClipFilter(spec ClipSpec, w, h int) string {
	// Epsilon keeps fps*duration products that land a hair above an
	// integer from ceiling into an extra frame.
	frames := int(math.Ceil(float64(spec.Settings.FPS)*spec.AudioDuration - 1e-9))
	if frames < 1 {
		frames = 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[0:v]scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d", w, h, w, h)
	fmt.Fprintf(&b,
		",zoompan=z='min(zoom+%s,1.5)':x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':d=%d:s=%dx%d:fps=%d",
		strconv.FormatFloat(spec.Settings.ZoomSpeed, 'f', -1, 64), frames, w, h, spec.Settings.FPS,
	)
	for _, o := range spec.Overlays {
		fmt.Fprintf(&b,
			",drawtext=%stext='%s':fontsize=%d:fontcolor=%s:x=%s:y=%s:enable='between(t\\,%s\\,%s)'",
			c.fontArg(),
			escapeDrawtext(o.Text),
			spec.Settings.Subtitle.FontSize,
			spec.Settings.Subtitle.Color,
			o.XExpr,
			o.YExpr,
			fmtSeconds(o.Start),
			fmtSeconds(o.End),
		)
	}
	b.WriteString("[vout]")
	return b.String()
}

func (c *compositor) fontArg() string {
	if c.fontFile != "" {
		return fmt.Sprintf("fontfile='%s':", escapeDrawtext(c.fontFile))
	}
	return ""
}

// Concat stitches finished clips with stream copy. All clips share the
// codec and resolution by construction, so no re-encode happens here.
func (c *compositor) Concat(ctx context.Context, clipPaths []string, outPath string) error {
	if len(clipPaths) == 0 {
		return apierr.Validation("media.concat", "no clips to concatenate")
	}
	if outPath == "" {
		return apierr.Validation("media.concat", "output path required")
	}

	manifest := filepath.Join(filepath.Dir(outPath), "concat_list.txt")
	var b strings.Builder
	for _, p := range clipPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return apierr.Internal("media.concat", err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(manifest, []byte(b.String()), 0o644); err != nil {
		return apierr.Internal("media.concat", err)
	}
	defer os.Remove(manifest)

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifest,
		"-c", "copy",
		outPath,
	}
	if err := c.tools.RunFFmpeg(ctx, c.concatTimeout, args...); err != nil {
		return apierr.Internal("media.concat", err)
	}
	if _, err := os.Stat(outPath); err != nil {
		return apierr.Internal("media.concat", fmt.Errorf("concat output missing at %s", outPath))
	}
	return nil
}

// escapeDrawtext quotes the characters the drawtext filter parser treats
// specially. Rendered subtitle text is already punctuation-stripped, so
// this mostly matters for font paths and stray apostrophes.
func escapeDrawtext(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`%`, `\%`,
		`,`, `\,`,
	)
	return r.Replace(s)
}

// fmtSeconds formats a timestamp at millisecond precision without
// trailing zeros so filter strings stay stable across runs.
func fmtSeconds(f float64) string {
	s := fmt.Sprintf("%.3f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
