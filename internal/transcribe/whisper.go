package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chaptercast/chaptercast-backend/internal/config"
	"github.com/chaptercast/chaptercast-backend/internal/pkg/httpx"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/subtitle"
)

// whisperTranscriber talks to any Whisper-compatible HTTP endpoint
// (OpenAI or a self-hosted server exposing the same API).
type whisperTranscriber struct {
	log        *logger.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	language   string
	maxRetries int
}

func NewWhisper(cfg config.Config, logg *logger.Logger) (Transcriber, error) {
	if cfg.WhisperAPIKey == "" {
		return nil, fmt.Errorf("WHISPER_API_KEY required for whisper transcriber")
	}
	base := strings.TrimRight(cfg.WhisperBaseURL, "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	model := cfg.WhisperModel
	if model == "" {
		model = "whisper-1"
	}
	return &whisperTranscriber{
		log:        logg.With("component", "Transcriber", "provider", "whisper"),
		httpClient: &http.Client{Timeout: 3 * time.Minute},
		baseURL:    base,
		apiKey:     cfg.WhisperAPIKey,
		model:      model,
		language:   whisperLanguage(cfg.TranscriberLanguage),
		maxRetries: 4,
	}, nil
}

func (w *whisperTranscriber) Close() error { return nil }

type whisperHTTPError struct {
	StatusCode int
	Body       string
}

func (e *whisperHTTPError) Error() string {
	return fmt.Sprintf("whisper http %d: %s", e.StatusCode, e.Body)
}

func (e *whisperHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

type whisperWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type whisperResponse struct {
	Text     string           `json:"text"`
	Duration float64          `json:"duration"`
	Segments []whisperSegment `json:"segments"`
	Words    []whisperWord    `json:"words"`
}

func (w *whisperTranscriber) Transcribe(ctx context.Context, audioPath string) (subtitle.Transcript, error) {
	body, contentType, err := w.buildForm(audioPath)
	if err != nil {
		return subtitle.Transcript{}, err
	}

	backoff := 1 * time.Second
	var raw []byte
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return subtitle.Transcript{}, apierr.Cancelled("transcribe.whisper")
		}
		resp, data, err := w.doOnce(ctx, body, contentType)
		if err == nil {
			raw = data
			break
		}
		if !httpx.IsRetryableError(err) || attempt == w.maxRetries {
			return subtitle.Transcript{}, apierr.External("transcribe.whisper", err)
		}
		sleepFor := httpx.JitterScale(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		w.log.Warn("whisper request retrying",
			"attempt", attempt+1,
			"max_retries", w.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		if err := httpx.Sleep(ctx, sleepFor); err != nil {
			return subtitle.Transcript{}, apierr.Cancelled("transcribe.whisper")
		}
		backoff *= 2
	}

	var parsed whisperResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return subtitle.Transcript{}, apierr.External("transcribe.whisper",
			fmt.Errorf("decode verbose_json: %w; raw=%s", err, string(raw)))
	}
	return NormalizeSimplified(transcriptFromWhisper(parsed)), nil
}

func (w *whisperTranscriber) buildForm(audioPath string) ([]byte, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", apierr.Internal("transcribe.read", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", apierr.Internal("transcribe.whisper", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", apierr.Internal("transcribe.whisper", err)
	}
	_ = mw.WriteField("model", w.model)
	if w.language != "" {
		_ = mw.WriteField("language", w.language)
	}
	_ = mw.WriteField("response_format", "verbose_json")
	_ = mw.WriteField("timestamp_granularities[]", "word")
	_ = mw.WriteField("timestamp_granularities[]", "segment")
	if err := mw.Close(); err != nil {
		return nil, "", apierr.Internal("transcribe.whisper", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func (w *whisperTranscriber) doOnce(ctx context.Context, body []byte, contentType string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/v1/audio/transcriptions", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &whisperHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

// transcriptFromWhisper attaches the flat word list back onto segments
// by start time; words landing past the last segment stay on it.
func transcriptFromWhisper(resp whisperResponse) subtitle.Transcript {
	t := subtitle.Transcript{Duration: resp.Duration}

	words := make([]whisperWord, len(resp.Words))
	copy(words, resp.Words)
	sort.SliceStable(words, func(i, j int) bool { return words[i].Start < words[j].Start })

	if len(resp.Segments) == 0 {
		if len(words) == 0 {
			if text := strings.TrimSpace(resp.Text); text != "" {
				t.Segments = []subtitle.Segment{{Start: 0, End: resp.Duration, Text: text}}
			}
			return t
		}
		seg := subtitle.Segment{
			Start: words[0].Start,
			End:   words[len(words)-1].End,
			Text:  strings.TrimSpace(resp.Text),
		}
		for _, w := range words {
			seg.Words = append(seg.Words, subtitle.Word{Text: strings.TrimSpace(w.Word), Start: w.Start, End: w.End})
		}
		t.Segments = []subtitle.Segment{seg}
		return t
	}

	wi := 0
	for i, s := range resp.Segments {
		seg := subtitle.Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)}
		last := i == len(resp.Segments)-1
		for wi < len(words) && (last || words[wi].Start < s.End) {
			seg.Words = append(seg.Words, subtitle.Word{
				Text:  strings.TrimSpace(words[wi].Word),
				Start: words[wi].Start,
				End:   words[wi].End,
			})
			wi++
		}
		t.Segments = append(t.Segments, seg)
	}
	if t.Duration == 0 && len(t.Segments) > 0 {
		t.Duration = t.Segments[len(t.Segments)-1].End
	}
	return t
}

// whisperLanguage reduces a BCP-47 recognizer language to the ISO code
// whisper expects.
func whisperLanguage(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if l == "" || strings.HasPrefix(l, "cmn") || strings.HasPrefix(l, "zh") {
		return "zh"
	}
	if i := strings.Index(l, "-"); i > 0 {
		return l[:i]
	}
	return l
}
