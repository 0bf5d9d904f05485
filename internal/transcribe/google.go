package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/chaptercast/chaptercast-backend/internal/config"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/subtitle"
)

// googleTranscriber wraps Cloud Speech-to-Text. LongRunningRecognize is
// used even for short clips because it is the only path that returns
// word time offsets reliably for zh models.
type googleTranscriber struct {
	log        *logger.Logger
	client     *speech.Client
	language   string
	maxRetries int
}

func NewGoogle(cfg config.Config, logg *logger.Logger) (Transcriber, error) {
	c, err := speech.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	lang := cfg.TranscriberLanguage
	if lang == "" {
		lang = "cmn-Hans-CN"
	}
	return &googleTranscriber{
		log:        logg.With("component", "Transcriber", "provider", "google"),
		client:     c,
		language:   lang,
		maxRetries: 4,
	}, nil
}

func (g *googleTranscriber) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *googleTranscriber) Transcribe(ctx context.Context, audioPath string) (subtitle.Transcript, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return subtitle.Transcript{}, apierr.Internal("transcribe.read", err)
	}
	if len(audio) == 0 {
		return subtitle.Transcript{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	req := &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			LanguageCode:          g.language,
			EnableWordTimeOffsets: true,
			Encoding:              encodingForPath(audioPath),
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	}

	resp, err := g.retryLR(ctx, func() (*speechpb.LongRunningRecognizeResponse, error) {
		op, err := g.client.LongRunningRecognize(ctx, req)
		if err != nil {
			return nil, err
		}
		return op.Wait(ctx)
	})
	if err != nil {
		return subtitle.Transcript{}, apierr.External("transcribe.google", fmt.Errorf("longrunningrecognize: %w", err))
	}

	return NormalizeSimplified(transcriptFromRecognize(resp)), nil
}

// transcriptFromRecognize maps each recognize result to one segment,
// spanning its first and last word.
func transcriptFromRecognize(resp *speechpb.LongRunningRecognizeResponse) subtitle.Transcript {
	var t subtitle.Transcript
	if resp == nil {
		return t
	}
	for _, r := range resp.Results {
		if r == nil || len(r.Alternatives) == 0 || r.Alternatives[0] == nil {
			continue
		}
		alt := r.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}
		seg := subtitle.Segment{Text: text}
		for _, w := range alt.Words {
			if w == nil || strings.TrimSpace(w.Word) == "" {
				continue
			}
			seg.Words = append(seg.Words, subtitle.Word{
				Text:  w.Word,
				Start: durToSec(w.StartTime),
				End:   durToSec(w.EndTime),
			})
		}
		if len(seg.Words) > 0 {
			seg.Start = seg.Words[0].Start
			seg.End = seg.Words[len(seg.Words)-1].End
		}
		if seg.End > t.Duration {
			t.Duration = seg.End
		}
		t.Segments = append(t.Segments, seg)
	}
	return t
}

func encodingForPath(path string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return speechpb.RecognitionConfig_LINEAR16
	case ".flac":
		return speechpb.RecognitionConfig_FLAC
	case ".mp3":
		return speechpb.RecognitionConfig_MP3
	case ".ogg", ".opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

func durToSec(d *durationpb.Duration) float64 {
	if d == nil {
		return 0
	}
	return float64(d.Seconds) + float64(d.Nanos)/1e9
}

func (g *googleTranscriber) retryLR(ctx context.Context, fn func() (*speechpb.LongRunningRecognizeResponse, error)) (*speechpb.LongRunningRecognizeResponse, error) {
	backoff := 750 * time.Millisecond
	var last error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		last = err

		code := status.Code(err)
		if code != codes.Unavailable && code != codes.ResourceExhausted && code != codes.DeadlineExceeded {
			return nil, err
		}
		if attempt == g.maxRetries {
			break
		}
		g.log.Warn("speech recognize retrying", "attempt", attempt+1, "code", code.String())
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
	return nil, last
}
