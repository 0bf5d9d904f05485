package transcribe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaptercast/chaptercast-backend/internal/config"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

func writeTempAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentence.mp3")
	require.NoError(t, os.WriteFile(path, []byte("fake-mp3-bytes"), 0o644))
	return path
}

func newWhisperForTest(t *testing.T, baseURL string) Transcriber {
	t.Helper()
	tr, err := NewWhisper(config.Config{
		TranscriberProvider: "whisper",
		TranscriberLanguage: "cmn-Hans-CN",
		WhisperBaseURL:      baseURL,
		WhisperAPIKey:       "test-key",
	}, logger.NewNop())
	require.NoError(t, err)
	return tr
}

func TestWhisperTranscribeParsesVerboseJSON(t *testing.T) {
	var gotAuth, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1 << 20))
		gotFormat = r.FormValue("response_format")
		assert.Equal(t, "zh", r.FormValue("language"))

		_, _, err := r.FormFile("file")
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		// 聽→听 must be normalized on the way out.
		_, _ = w.Write([]byte(`{
			"text": "今天聽天气",
			"duration": 2.0,
			"segments": [
				{"start": 0.0, "end": 1.2, "text": "今天聽"},
				{"start": 1.2, "end": 2.0, "text": "天气"}
			],
			"words": [
				{"word": "今天", "start": 0.0, "end": 0.8},
				{"word": "聽", "start": 0.8, "end": 1.2},
				{"word": "天气", "start": 1.2, "end": 2.0}
			]
		}`))
	}))
	defer srv.Close()

	tr := newWhisperForTest(t, srv.URL)
	got, err := tr.Transcribe(context.Background(), writeTempAudio(t))
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "verbose_json", gotFormat)
	assert.Equal(t, 2.0, got.Duration)

	require.Len(t, got.Segments, 2)
	assert.Equal(t, "今天听", got.Segments[0].Text, "traditional char normalized")
	require.Len(t, got.Segments[0].Words, 2)
	assert.Equal(t, "听", got.Segments[0].Words[1].Text)
	assert.Equal(t, 0.8, got.Segments[0].Words[1].Start)

	require.Len(t, got.Segments[1].Words, 1)
	assert.Equal(t, "天气", got.Segments[1].Words[0].Text)
}

func TestWhisperTranscribeRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"好","duration":0.5,"segments":[{"start":0,"end":0.5,"text":"好"}]}`))
	}))
	defer srv.Close()

	tr := newWhisperForTest(t, srv.URL)
	got, err := tr.Transcribe(context.Background(), writeTempAudio(t))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, got.Segments, 1)
	assert.Equal(t, "好", got.Segments[0].Text)
}

func TestWhisperTranscribeGivesUpOn401(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := newWhisperForTest(t, srv.URL)
	_, err := tr.Transcribe(context.Background(), writeTempAudio(t))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "auth failures are not retried")
}

func TestTranscriptFromWhisperWithoutSegments(t *testing.T) {
	got := transcriptFromWhisper(whisperResponse{
		Text:     "一二三",
		Duration: 1.5,
		Words: []whisperWord{
			{Word: "一", Start: 0, End: 0.5},
			{Word: "二", Start: 0.5, End: 1.0},
			{Word: "三", Start: 1.0, End: 1.5},
		},
	})
	require.Len(t, got.Segments, 1)
	assert.Equal(t, 0.0, got.Segments[0].Start)
	assert.Equal(t, 1.5, got.Segments[0].End)
	assert.Len(t, got.Segments[0].Words, 3)
}

func TestWhisperLanguage(t *testing.T) {
	assert.Equal(t, "zh", whisperLanguage("cmn-Hans-CN"))
	assert.Equal(t, "zh", whisperLanguage("zh-CN"))
	assert.Equal(t, "zh", whisperLanguage(""))
	assert.Equal(t, "en", whisperLanguage("en-US"))
	assert.Equal(t, "ja", whisperLanguage("ja"))
}

func TestToSimplified(t *testing.T) {
	assert.Equal(t, "这是一个好机会", toSimplified("這是一個好機會"))
	assert.Equal(t, "已经简体", toSimplified("已经简体"), "simplified text passes through untouched")
	assert.Equal(t, "mixed 学 text", toSimplified("mixed 學 text"))
}
