package stage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/gateway"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/keycipher"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
)

// blobStore records PutBytes calls; the material stages never read back.
type blobStore struct {
	storage.ObjectStore
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *blobStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *blobStore) object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

// startProvider wires the fixture's gateway at a stub provider endpoint
// and seeds an active key whose secret decrypts against it.
func (f *stageFixture) startProvider(t *testing.T, handler http.HandlerFunc) (*domain.APIKey, *blobStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cipher, err := keycipher.New("stage-test-secret")
	require.NoError(t, err)
	secret, err := cipher.Encrypt("sk-test")
	require.NoError(t, err)

	now := time.Now().UTC()
	key := &domain.APIKey{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		Name:         "provider-" + uuid.NewString()[:8],
		Provider:     domain.ProviderOpenAI,
		SecretCipher: secret,
		BaseURL:      srv.URL,
		Status:       domain.APIKeyStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = f.apiKeys.Create(context.Background(), nil, []*domain.APIKey{key})
	require.NoError(t, err)

	store := &blobStore{objects: map[string][]byte{}}
	f.deps.Gateway = gateway.New(f.apiKeys, cipher, 2, logger.NewNop())
	f.deps.Store = store
	return key, store
}

func (f *stageFixture) reloadKey(t *testing.T, id uuid.UUID) *domain.APIKey {
	t.Helper()
	key, err := f.apiKeys.GetByID(context.Background(), nil, id)
	require.NoError(t, err)
	return key
}

func (f *stageFixture) reloadSentence(t *testing.T, id uuid.UUID) *domain.Sentence {
	t.Helper()
	s, err := f.sentences.GetByID(context.Background(), nil, id)
	require.NoError(t, err)
	return s
}

type chatCall struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func chatCompletion(text string) []byte {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": text}}},
	})
	return body
}

func TestGeneratePromptsWritesPromptsAndAdvancesChapter(t *testing.T) {
	f := newStageFixture(t)
	ch := f.seedChapter(t, domain.ChapterStatusConfirmed)
	p := f.seedParagraph(t, ch.ID, 0, domain.ParagraphActionKeep)
	sents := f.seedSentences(t, p.ID, 3, nil)

	var calls int32
	key, _ := f.startProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_, _ = w.Write(chatCompletion("a lighthouse on a stormy cliff"))
	})

	out, err := GeneratePrompts(context.Background(), f.deps, PromptInput{
		ChapterID: ch.ID,
		APIKeyID:  key.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Total: 3, Succeeded: 3}, out.Outcome)
	assert.True(t, out.ChapterAdvanced)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	for _, s := range sents {
		got := f.reloadSentence(t, s.ID)
		assert.True(t, strings.HasPrefix(got.ImagePrompt, "a lighthouse on a stormy cliff"), got.ImagePrompt)
		// The default style's negative terms ride along in the prompt
		// text for providers without a negative parameter.
		assert.Contains(t, got.ImagePrompt, "Negative prompt:")
		assert.Equal(t, domain.SentenceStatusGeneratedPrompts, got.Status)
	}
	assert.Equal(t, domain.ChapterStatusGeneratedPrompts, f.reloadChapter(t, ch.ID).Status)
	assert.Equal(t, int64(3), f.reloadKey(t, key.ID).UsageCount)
}

func TestGeneratePromptsNeedsConfirmedChapter(t *testing.T) {
	f := newStageFixture(t)
	ch := f.seedChapter(t, domain.ChapterStatusPending)
	p := f.seedParagraph(t, ch.ID, 0, domain.ParagraphActionKeep)
	f.seedSentences(t, p.ID, 1, nil)
	key, _ := f.startProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no provider call expected")
	})

	_, err := GeneratePrompts(context.Background(), f.deps, PromptInput{ChapterID: ch.ID, APIKeyID: key.ID})
	assert.True(t, apierr.IsKind(err, apierr.KindBusinessRule), "got %v", err)
}

func TestGeneratePromptsContinuesPastSentenceFailure(t *testing.T) {
	f := newStageFixture(t)
	ch := f.seedChapter(t, domain.ChapterStatusConfirmed)
	p := f.seedParagraph(t, ch.ID, 0, domain.ParagraphActionKeep)
	sents := f.seedSentences(t, p.ID, 3, nil)
	poison := sents[1].Content

	key, _ := f.startProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var call chatCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		require.Len(t, call.Messages, 2)
		if call.Messages[1].Content == poison {
			http.Error(w, `{"error":{"message":"content rejected"}}`, http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(chatCompletion("a quiet harbor at dawn"))
	})

	out, err := GeneratePrompts(context.Background(), f.deps, PromptInput{ChapterID: ch.ID, APIKeyID: key.ID})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Total: 3, Succeeded: 2, Failed: 1}, out.Outcome)
	assert.False(t, out.ChapterAdvanced, "a sentence without a prompt blocks the advance")

	failed := f.reloadSentence(t, sents[1].ID)
	assert.Equal(t, domain.SentenceStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "content rejected")
	assert.Empty(t, failed.ImagePrompt)

	assert.Equal(t, domain.ChapterStatusConfirmed, f.reloadChapter(t, ch.ID).Status)
	assert.Equal(t, int64(2), f.reloadKey(t, key.ID).UsageCount)
}

func TestGenerateImagesStoresStillsAndTracksCompletion(t *testing.T) {
	f := newStageFixture(t)
	ch := f.seedChapter(t, domain.ChapterStatusGeneratedPrompts)
	p := f.seedParagraph(t, ch.ID, 0, domain.ParagraphActionKeep)
	sents := f.seedSentences(t, p.ID, 2, func(i int, s *domain.Sentence) {
		s.ImagePrompt = fmt.Sprintf("prompt %d", i)
		s.Status = domain.SentenceStatusGeneratedPrompts
		if i == 0 {
			// Audio already generated; the image completes this one.
			s.AudioURL = "audio/u/20250101/s0.mp3"
		}
	})

	png := []byte("png-bytes")
	key, store := f.startProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		body, _ := json.Marshal(map[string]any{
			"data": []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
		_, _ = w.Write(body)
	})

	userID := uuid.New()
	out, err := GenerateImages(context.Background(), f.deps, ImageInput{
		SentenceIDs: []uuid.UUID{sents[0].ID, sents[1].ID},
		APIKeyID:    key.ID,
		UserID:      userID,
	})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Total: 2, Succeeded: 2}, out.Outcome)
	assert.False(t, out.ChapterAdvanced, "second sentence still lacks audio")

	s0 := f.reloadSentence(t, sents[0].ID)
	assert.True(t, strings.HasPrefix(s0.ImageURL, "images/"+userID.String()+"/"), s0.ImageURL)
	assert.Equal(t, domain.SentenceStatusCompleted, s0.Status)
	data, ok := store.object(s0.ImageURL)
	require.True(t, ok, "image bytes must land in the bucket")
	assert.Equal(t, png, data)

	s1 := f.reloadSentence(t, sents[1].ID)
	assert.NotEmpty(t, s1.ImageURL)
	assert.Equal(t, domain.SentenceStatusGeneratedPrompts, s1.Status)
}

func TestGenerateImagesRejectsMissingPromptUpfront(t *testing.T) {
	f := newStageFixture(t)
	ch := f.seedChapter(t, domain.ChapterStatusGeneratedPrompts)
	p := f.seedParagraph(t, ch.ID, 0, domain.ParagraphActionKeep)
	sents := f.seedSentences(t, p.ID, 2, func(i int, s *domain.Sentence) {
		if i == 0 {
			s.ImagePrompt = "prompt"
		}
	})

	var calls int32
	key, _ := f.startProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	_, err := GenerateImages(context.Background(), f.deps, ImageInput{
		SentenceIDs: []uuid.UUID{sents[0].ID, sents[1].ID},
		APIKeyID:    key.ID,
		UserID:      uuid.New(),
	})
	assert.True(t, apierr.IsKind(err, apierr.KindBusinessRule), "got %v", err)
	assert.Zero(t, atomic.LoadInt32(&calls), "no provider spend before validation passes")
}

func TestGenerateAudioNarratesWithSentenceVoice(t *testing.T) {
	f := newStageFixture(t)
	ch := f.seedChapter(t, domain.ChapterStatusGeneratedPrompts)
	p := f.seedParagraph(t, ch.ID, 0, domain.ParagraphActionKeep)
	sents := f.seedSentences(t, p.ID, 2, func(i int, s *domain.Sentence) {
		s.ImagePrompt = "prompt"
		s.ImageURL = fmt.Sprintf("images/u/20250101/s%d.png", i)
		s.Voice = "nova"
		s.VoiceSpeed = 1.25
	})

	type ttsCall struct {
		Input string  `json:"input"`
		Voice string  `json:"voice"`
		Speed float64 `json:"speed"`
	}
	var mu sync.Mutex
	voices := map[string]ttsCall{}
	key, store := f.startProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		var call ttsCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		mu.Lock()
		voices[call.Input] = call
		mu.Unlock()
		_, _ = w.Write([]byte("mp3-bytes"))
	})

	userID := uuid.New()
	out, err := GenerateAudio(context.Background(), f.deps, AudioInput{
		SentenceIDs: []uuid.UUID{sents[0].ID, sents[1].ID},
		APIKeyID:    key.ID,
		UserID:      userID,
	})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Total: 2, Succeeded: 2}, out.Outcome)
	assert.True(t, out.ChapterAdvanced, "both assets present on every sentence")

	for _, s := range sents {
		got := f.reloadSentence(t, s.ID)
		assert.True(t, strings.HasPrefix(got.AudioURL, "audio/"+userID.String()+"/"), got.AudioURL)
		assert.Equal(t, domain.SentenceStatusCompleted, got.Status)
		data, ok := store.object(got.AudioURL)
		require.True(t, ok)
		assert.Equal(t, []byte("mp3-bytes"), data)

		mu.Lock()
		call, seen := voices[s.Content]
		mu.Unlock()
		require.True(t, seen, "sentence %s never reached the provider", s.ID)
		assert.Equal(t, "nova", call.Voice)
		assert.InDelta(t, 1.25, call.Speed, 0.0001)
	}
	assert.Equal(t, domain.ChapterStatusMaterialsPrepared, f.reloadChapter(t, ch.ID).Status)
}

func TestGenerateAudioVoiceOverrideWins(t *testing.T) {
	f := newStageFixture(t)
	ch := f.seedChapter(t, domain.ChapterStatusGeneratedPrompts)
	p := f.seedParagraph(t, ch.ID, 0, domain.ParagraphActionKeep)
	sents := f.seedSentences(t, p.ID, 1, func(i int, s *domain.Sentence) {
		s.Voice = "nova"
	})

	var got struct {
		Voice string  `json:"voice"`
		Speed float64 `json:"speed"`
	}
	key, _ := f.startProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("mp3-bytes"))
	})

	_, err := GenerateAudio(context.Background(), f.deps, AudioInput{
		SentenceIDs: []uuid.UUID{sents[0].ID},
		APIKeyID:    key.ID,
		UserID:      uuid.New(),
		Voice:       "onyx",
		Speed:       0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, "onyx", got.Voice)
	assert.InDelta(t, 0.9, got.Speed, 0.0001)
}
