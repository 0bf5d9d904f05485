package media

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/materials"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
	"github.com/chaptercast/chaptercast-backend/internal/subtitle"
)

// memStore keeps objects in a map; enough for resolver round-trips.
type memStore struct {
	objects map[string][]byte
}

func (m *memStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	m.objects[key] = data
	return nil
}

func (m *memStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, apierr.NotFound("storage.get", "object "+key+" does not exist")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Delete(ctx context.Context, key string) error { delete(m.objects, key); return nil }

func (m *memStore) PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://cdn.test/" + key, nil
}

func (m *memStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	return nil, nil
}

func (m *memStore) Attrs(ctx context.Context, key string) (*storage.ObjectAttrs, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, apierr.NotFound("storage.attrs", "object "+key+" does not exist")
	}
	return &storage.ObjectAttrs{Size: int64(len(data))}, nil
}

func (m *memStore) Bucket() string { return "test-bucket" }

type fakeTools struct {
	duration float64
}

func (f *fakeTools) AssertReady(ctx context.Context) error { return nil }
func (f *fakeTools) ProbeDuration(ctx context.Context, mediaPath string) (float64, error) {
	return f.duration, nil
}
func (f *fakeTools) ConvertOfficeToText(ctx context.Context, inputPath, outDir string) (string, error) {
	return "", nil
}
func (f *fakeTools) RunFFmpeg(ctx context.Context, timeout time.Duration, args ...string) error {
	return nil
}

type fakeTranscriber struct {
	transcript subtitle.Transcript
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string) (subtitle.Transcript, error) {
	return f.transcript, nil
}
func (f *fakeTranscriber) Close() error { return nil }

type captureCompositor struct {
	spec ClipSpec
}

func (c *captureCompositor) ComposeClip(ctx context.Context, spec ClipSpec) error {
	c.spec = spec
	return os.WriteFile(spec.OutPath, []byte("mp4"), 0o644)
}

func (c *captureCompositor) Concat(ctx context.Context, clipPaths []string, outPath string) error {
	return nil
}

func TestSynthesizeProducesClip(t *testing.T) {
	store := &memStore{objects: map[string][]byte{
		"images/u/20250101/a.png": []byte("png-bytes"),
		"audio/u/20250101/a.mp3":  []byte("mp3-bytes"),
	}}
	resolver := materials.NewResolver(store, logger.NewNop())
	comp := &captureCompositor{}

	syn := NewSentenceSynthesizer(
		resolver,
		&fakeTranscriber{transcript: subtitle.Transcript{Segments: []subtitle.Segment{{Start: 0, End: 2, Text: "你好世界"}}}},
		&fakeTools{duration: 2.0},
		comp,
		logger.NewNop(),
	)

	workDir := t.TempDir()
	clip, err := syn.Synthesize(context.Background(), SynthesisInput{
		Sentence: &domain.Sentence{
			ID:         uuid.New(),
			OrderIndex: 3,
			Content:    "你好世界",
			ImageURL:   "images/u/20250101/a.png",
			AudioURL:   "audio/u/20250101/a.mp3",
		},
		WorkDir:  workDir,
		Settings: testSettings(),
	})
	require.NoError(t, err)
	assert.Contains(t, clip, "clip_0003.mp4")

	_, statErr := os.Stat(clip)
	assert.NoError(t, statErr)

	assert.Equal(t, 2.0, comp.spec.AudioDuration)
	require.NotEmpty(t, comp.spec.Overlays)
	assert.Equal(t, "你好世界", comp.spec.Overlays[0].Text)

	// Materials landed in the working directory before composing.
	assert.Contains(t, comp.spec.ImagePath, workDir)
	assert.Contains(t, comp.spec.AudioPath, workDir)
}

func TestSynthesizeMissingMaterialsIsBusinessRule(t *testing.T) {
	syn := NewSentenceSynthesizer(
		materials.NewResolver(&memStore{objects: map[string][]byte{}}, logger.NewNop()),
		&fakeTranscriber{},
		&fakeTools{duration: 1},
		&captureCompositor{},
		logger.NewNop(),
	)

	_, err := syn.Synthesize(context.Background(), SynthesisInput{
		Sentence: &domain.Sentence{ID: uuid.New(), Content: "x"},
		WorkDir:  t.TempDir(),
		Settings: testSettings(),
	})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindBusinessRule))
}

func TestSynthesizeMissingObjectIsNotFound(t *testing.T) {
	syn := NewSentenceSynthesizer(
		materials.NewResolver(&memStore{objects: map[string][]byte{}}, logger.NewNop()),
		&fakeTranscriber{},
		&fakeTools{duration: 1},
		&captureCompositor{},
		logger.NewNop(),
	)

	_, err := syn.Synthesize(context.Background(), SynthesisInput{
		Sentence: &domain.Sentence{
			ID:       uuid.New(),
			ImageURL: "images/u/20250101/missing.png",
			AudioURL: "audio/u/20250101/missing.mp3",
		},
		WorkDir:  t.TempDir(),
		Settings: testSettings(),
	})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}
