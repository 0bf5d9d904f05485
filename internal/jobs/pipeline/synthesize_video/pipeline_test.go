package synthesize_video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/data/db"
	"github.com/chaptercast/chaptercast-backend/internal/domain"
	jobrt "github.com/chaptercast/chaptercast-backend/internal/jobs/runtime"
	"github.com/chaptercast/chaptercast-backend/internal/materials"
	"github.com/chaptercast/chaptercast-backend/internal/media"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, apierr.NotFound("storage.get", "object "+key+" does not exist")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://cdn.test/" + key, nil
}

func (m *memStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	return nil, nil
}

func (m *memStore) Attrs(ctx context.Context, key string) (*storage.ObjectAttrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, apierr.NotFound("storage.attrs", "object "+key+" does not exist")
	}
	return &storage.ObjectAttrs{Size: int64(len(data))}, nil
}

func (m *memStore) Bucket() string { return "test-bucket" }

func (m *memStore) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// fakeSynth writes one clip per call and can be told to fail a
// specific sentence.
type fakeSynth struct {
	mu       sync.Mutex
	calls    []uuid.UUID
	dirs     []string
	failID   uuid.UUID
	failWith error
}

func (f *fakeSynth) Synthesize(ctx context.Context, in media.SynthesisInput) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in.Sentence.ID)
	f.dirs = append(f.dirs, in.WorkDir)
	f.mu.Unlock()
	if f.failID != uuid.Nil && in.Sentence.ID == f.failID {
		return "", f.failWith
	}
	clip := filepath.Join(in.WorkDir, "clip.mp4")
	if err := os.WriteFile(clip, []byte("clip"), 0o644); err != nil {
		return "", err
	}
	return clip, nil
}

func (f *fakeSynth) called() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uuid.UUID, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeCompositor struct {
	mu          sync.Mutex
	concatClips []string
}

func (c *fakeCompositor) ComposeClip(ctx context.Context, spec media.ClipSpec) error {
	return os.WriteFile(spec.OutPath, []byte("mp4"), 0o644)
}

func (c *fakeCompositor) Concat(ctx context.Context, clipPaths []string, outPath string) error {
	c.mu.Lock()
	c.concatClips = append([]string(nil), clipPaths...)
	c.mu.Unlock()
	return os.WriteFile(outPath, []byte("final"), 0o644)
}

// fakeMediaTools records ffmpeg invocations and materializes the
// output path so the upload step has a file to read.
type fakeMediaTools struct {
	mu       sync.Mutex
	duration float64
	ffmpeg   [][]string
}

func (f *fakeMediaTools) AssertReady(ctx context.Context) error { return nil }

func (f *fakeMediaTools) ProbeDuration(ctx context.Context, mediaPath string) (float64, error) {
	return f.duration, nil
}

func (f *fakeMediaTools) ConvertOfficeToText(ctx context.Context, inputPath, outDir string) (string, error) {
	return "", nil
}

func (f *fakeMediaTools) RunFFmpeg(ctx context.Context, timeout time.Duration, args ...string) error {
	f.mu.Lock()
	f.ffmpeg = append(f.ffmpeg, append([]string(nil), args...))
	f.mu.Unlock()
	if len(args) > 0 {
		return os.WriteFile(args[len(args)-1], []byte("mixed"), 0o644)
	}
	return nil
}

func (f *fakeMediaTools) ffmpegCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.ffmpeg))
	copy(out, f.ffmpeg)
	return out
}

type progressRecorder struct {
	mu        sync.Mutex
	pcts      []int
	cancelled int
	done      int
}

func (n *progressRecorder) TaskQueued(*domain.TaskRun) {}

func (n *progressRecorder) TaskProgress(_ *domain.TaskRun, _ string, pct int, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pcts = append(n.pcts, pct)
}

func (n *progressRecorder) TaskFailed(*domain.TaskRun, string, string) {}

func (n *progressRecorder) TaskDone(*domain.TaskRun) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done++
}

func (n *progressRecorder) TaskCancelled(*domain.TaskRun) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled++
}

func (n *progressRecorder) progress() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int, len(n.pcts))
	copy(out, n.pcts)
	return out
}

type runnerFixture struct {
	db          *gorm.DB
	runs        repos.TaskRunRepo
	videoTasks  repos.VideoTaskRepo
	chapters    repos.ChapterRepo
	paragraphs  repos.ParagraphRepo
	sentences   repos.SentenceRepo
	apiKeys     repos.APIKeyRepo
	backgrounds repos.BackgroundRepo

	store  *memStore
	synth  *fakeSynth
	tools  *fakeMediaTools
	comp   *fakeCompositor
	notify *progressRecorder
	pipe   *Pipeline
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	gdb, err := db.OpenTest()
	require.NoError(t, err)
	log := logger.NewNop()

	f := &runnerFixture{
		db:          gdb,
		runs:        repos.NewTaskRunRepo(gdb, log),
		videoTasks:  repos.NewVideoTaskRepo(gdb, log),
		chapters:    repos.NewChapterRepo(gdb, log),
		paragraphs:  repos.NewParagraphRepo(gdb, log),
		sentences:   repos.NewSentenceRepo(gdb, log),
		apiKeys:     repos.NewAPIKeyRepo(gdb, log),
		backgrounds: repos.NewBackgroundRepo(gdb, log),
		store:       &memStore{objects: map[string][]byte{}},
		synth:       &fakeSynth{},
		tools:       &fakeMediaTools{duration: 42.5},
		comp:        &fakeCompositor{},
		notify:      &progressRecorder{},
	}
	resolver := materials.NewResolver(f.store, log)
	f.pipe = New(gdb, log, f.videoTasks, f.chapters, f.paragraphs, f.sentences,
		f.apiKeys, f.backgrounds, nil, f.synth, f.tools, f.comp, resolver, f.store, 2)
	return f
}

// seedChapter creates a chapter with one kept paragraph and n sentences
// that already carry generated image and audio references.
func (f *runnerFixture) seedChapter(t *testing.T, status domain.ChapterStatus, n int) (*domain.Chapter, []*domain.Sentence) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	chapter := &domain.Chapter{
		ID:            uuid.New(),
		ProjectID:     uuid.New(),
		Title:         "The Lighthouse",
		ChapterNumber: 1,
		Status:        status,
		IsConfirmed:   true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := f.chapters.Create(ctx, nil, []*domain.Chapter{chapter})
	require.NoError(t, err)

	para := &domain.Paragraph{
		ID:         uuid.New(),
		ChapterID:  chapter.ID,
		OrderIndex: 0,
		Content:    "Paragraph content.",
		Action:     domain.ParagraphActionKeep,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = f.paragraphs.Create(ctx, nil, []*domain.Paragraph{para})
	require.NoError(t, err)

	sentences := make([]*domain.Sentence, 0, n)
	for i := 0; i < n; i++ {
		sentences = append(sentences, &domain.Sentence{
			ID:          uuid.New(),
			ParagraphID: para.ID,
			OrderIndex:  i,
			Content:     fmt.Sprintf("Sentence %d.", i),
			ImageURL:    fmt.Sprintf("images/u/20250101/s%d.png", i),
			AudioURL:    fmt.Sprintf("audio/u/20250101/s%d.mp3", i),
			VoiceSpeed:  1,
			Status:      domain.SentenceStatusCompleted,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	_, err = f.sentences.Create(ctx, nil, sentences)
	require.NoError(t, err)
	return chapter, sentences
}

func (f *runnerFixture) seedTask(t *testing.T, chapter *domain.Chapter, mutate func(*domain.VideoTask)) *domain.VideoTask {
	t.Helper()
	now := time.Now().UTC()
	task := &domain.VideoTask{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		ProjectID: chapter.ProjectID,
		ChapterID: chapter.ID,
		Status:    domain.VideoTaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if mutate != nil {
		mutate(task)
	}
	created, err := f.videoTasks.Create(context.Background(), nil, []*domain.VideoTask{task})
	require.NoError(t, err)
	return created[0]
}

func (f *runnerFixture) seedRun(t *testing.T, task *domain.VideoTask, mutate func(*domain.TaskRun)) *domain.TaskRun {
	t.Helper()
	now := time.Now().UTC()
	locked := now
	run := &domain.TaskRun{
		ID:          uuid.New(),
		UserID:      task.UserID,
		Type:        domain.TaskTypeSynthesizeVideo,
		EntityType:  "video_task",
		Status:      domain.TaskRunStatusRunning,
		Attempts:    1,
		MaxAttempts: 3,
		LockedAt:    &locked,
		HeartbeatAt: &locked,
		Payload:     datatypes.JSON([]byte(fmt.Sprintf(`{"video_task_id":%q}`, task.ID))),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if mutate != nil {
		mutate(run)
	}
	created, err := f.runs.Create(context.Background(), nil, []*domain.TaskRun{run})
	require.NoError(t, err)
	return created[0]
}

func (f *runnerFixture) execute(t *testing.T, run *domain.TaskRun) *domain.TaskRun {
	t.Helper()
	jc := jobrt.NewContext(context.Background(), f.db, run, f.runs, f.notify)
	require.NoError(t, f.pipe.Run(jc))
	got, err := f.runs.GetByID(context.Background(), nil, run.ID)
	require.NoError(t, err)
	return got
}

func (f *runnerFixture) reloadTask(t *testing.T, id uuid.UUID) *domain.VideoTask {
	t.Helper()
	task, err := f.videoTasks.GetByID(context.Background(), nil, id)
	require.NoError(t, err)
	return task
}

func (f *runnerFixture) reloadChapter(t *testing.T, id uuid.UUID) *domain.Chapter {
	t.Helper()
	ch, err := f.chapters.GetByID(context.Background(), nil, id)
	require.NoError(t, err)
	return ch
}

func TestRunProducesChapterVideo(t *testing.T) {
	f := newRunnerFixture(t)
	chapter, sentences := f.seedChapter(t, domain.ChapterStatusMaterialsPrepared, 3)
	task := f.seedTask(t, chapter, nil)
	run := f.execute(t, f.seedRun(t, task, nil))

	assert.Equal(t, domain.TaskRunStatusSucceeded, run.Status)

	got := f.reloadTask(t, task.ID)
	assert.Equal(t, domain.VideoTaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotEmpty(t, got.VideoKey)
	assert.InDelta(t, 42.5, got.VideoDuration, 0.001)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.ErrorSentenceID)
	require.NotNil(t, got.TotalSentences)
	assert.Equal(t, 3, *got.TotalSentences)
	require.NotNil(t, got.CurrentSentenceIndex)
	assert.Equal(t, 2, *got.CurrentSentenceIndex)

	ch := f.reloadChapter(t, chapter.ID)
	assert.Equal(t, domain.ChapterStatusCompleted, ch.Status)
	assert.Equal(t, got.VideoKey, ch.VideoKey)
	assert.InDelta(t, 42.5, ch.VideoDuration, 0.001)

	data, ok := f.store.get(got.VideoKey)
	require.True(t, ok, "final video uploaded")
	assert.Equal(t, "final", string(data))
	assert.True(t, strings.HasPrefix(got.VideoKey, "videos/"+task.UserID.String()+"/"))

	// Clips concatenate in sentence order even if workers finished out
	// of order.
	require.Len(t, f.comp.concatClips, 3)
	for i, clip := range f.comp.concatClips {
		assert.Contains(t, clip, fmt.Sprintf("sent_%04d", i))
	}
	assert.Len(t, f.synth.called(), len(sentences))

	pcts := f.notify.progress()
	require.NotEmpty(t, pcts)
	for i := 1; i < len(pcts); i++ {
		assert.GreaterOrEqual(t, pcts[i], pcts[i-1], "progress must not regress")
	}
}

func TestRunSkipsCompletedTask(t *testing.T) {
	f := newRunnerFixture(t)
	chapter, _ := f.seedChapter(t, domain.ChapterStatusCompleted, 2)
	task := f.seedTask(t, chapter, func(vt *domain.VideoTask) {
		vt.Status = domain.VideoTaskStatusCompleted
		vt.Progress = 100
		vt.VideoKey = "videos/u/20250101/existing.mp4"
	})
	run := f.execute(t, f.seedRun(t, task, nil))

	assert.Equal(t, domain.TaskRunStatusSucceeded, run.Status)
	assert.Contains(t, string(run.Result), `"skipped":true`)
	assert.Empty(t, f.synth.called())

	got := f.reloadTask(t, task.ID)
	assert.Equal(t, "videos/u/20250101/existing.mp4", got.VideoKey)
}

func TestRunFailsWhenSentenceMaterialsMissing(t *testing.T) {
	f := newRunnerFixture(t)
	chapter, sentences := f.seedChapter(t, domain.ChapterStatusMaterialsPrepared, 3)
	require.NoError(t, f.sentences.UpdateFields(context.Background(), nil, sentences[1].ID,
		map[string]interface{}{"audio_url": ""}))
	task := f.seedTask(t, chapter, nil)
	run := f.execute(t, f.seedRun(t, task, nil))

	assert.Equal(t, domain.TaskRunStatusFailed, run.Status)
	assert.Equal(t, run.Attempts, run.MaxAttempts, "business-rule failures do not retry")
	assert.Nil(t, run.RetryAt)

	got := f.reloadTask(t, task.ID)
	assert.Equal(t, domain.VideoTaskStatusFailed, got.Status)
	require.NotNil(t, got.ErrorSentenceID)
	assert.Equal(t, sentences[1].ID, *got.ErrorSentenceID)
	assert.Contains(t, got.ErrorMessage, "missing generated image or audio")

	// Validation failed before the chapter entered production.
	assert.Equal(t, domain.ChapterStatusMaterialsPrepared, f.reloadChapter(t, chapter.ID).Status)
	assert.Empty(t, f.synth.called())
}

func TestRunRejectsUnpreparedChapter(t *testing.T) {
	f := newRunnerFixture(t)
	chapter, _ := f.seedChapter(t, domain.ChapterStatusConfirmed, 2)
	task := f.seedTask(t, chapter, nil)
	run := f.execute(t, f.seedRun(t, task, nil))

	assert.Equal(t, domain.TaskRunStatusFailed, run.Status)
	got := f.reloadTask(t, task.ID)
	assert.Equal(t, domain.VideoTaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "materials are not prepared")
}

func TestRunRedeliveryWithoutCheckpointFailsForGood(t *testing.T) {
	f := newRunnerFixture(t)
	chapter, _ := f.seedChapter(t, domain.ChapterStatusMaterialsPrepared, 2)
	task := f.seedTask(t, chapter, nil)
	run := f.execute(t, f.seedRun(t, task, func(r *domain.TaskRun) {
		r.Attempts = 2
	}))

	assert.Equal(t, domain.TaskRunStatusFailed, run.Status)
	assert.Equal(t, 2, run.MaxAttempts, "retry budget forfeited")
	assert.Nil(t, run.RetryAt)
	assert.Empty(t, f.synth.called())

	got := f.reloadTask(t, task.ID)
	assert.Equal(t, domain.VideoTaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "without a sentence checkpoint")
}

func TestRunRedeliveryWithCheckpointRegeneratesEverything(t *testing.T) {
	f := newRunnerFixture(t)
	chapter, sentences := f.seedChapter(t, domain.ChapterStatusMaterialsPrepared, 3)
	idx := 1
	total := 3
	task := f.seedTask(t, chapter, func(vt *domain.VideoTask) {
		vt.Status = domain.VideoTaskStatusFailed
		vt.CurrentSentenceIndex = &idx
		vt.TotalSentences = &total
		vt.ErrorMessage = "worker lost"
	})
	run := f.execute(t, f.seedRun(t, task, func(r *domain.TaskRun) {
		r.Attempts = 2
	}))

	assert.Equal(t, domain.TaskRunStatusSucceeded, run.Status)

	// Prior clips lived in a temp dir that is gone; every sentence is
	// synthesized again.
	assert.Len(t, f.synth.called(), len(sentences))

	got := f.reloadTask(t, task.ID)
	assert.Equal(t, domain.VideoTaskStatusCompleted, got.Status)
	require.NotNil(t, got.CurrentSentenceIndex)
	assert.Equal(t, 2, *got.CurrentSentenceIndex)
	assert.Empty(t, got.ErrorMessage)
}

func TestRunRecordsFailingSentence(t *testing.T) {
	f := newRunnerFixture(t)
	chapter, sentences := f.seedChapter(t, domain.ChapterStatusMaterialsPrepared, 3)
	f.synth.failID = sentences[1].ID
	f.synth.failWith = apierr.External("provider.tts", errors.New("voice model rejected input"))
	task := f.seedTask(t, chapter, nil)
	run := f.execute(t, f.seedRun(t, task, nil))

	assert.Equal(t, domain.TaskRunStatusFailed, run.Status)
	assert.Equal(t, run.Attempts, run.MaxAttempts)

	got := f.reloadTask(t, task.ID)
	assert.Equal(t, domain.VideoTaskStatusFailed, got.Status)
	require.NotNil(t, got.ErrorSentenceID)
	assert.Equal(t, sentences[1].ID, *got.ErrorSentenceID)
	assert.Contains(t, got.ErrorMessage, "voice model rejected input")

	// Terminal failure takes the chapter out of production.
	assert.Equal(t, domain.ChapterStatusFailed, f.reloadChapter(t, chapter.ID).Status)
}

func TestRunTransportFailureKeepsRetryBudget(t *testing.T) {
	f := newRunnerFixture(t)
	chapter, sentences := f.seedChapter(t, domain.ChapterStatusMaterialsPrepared, 2)
	f.synth.failID = sentences[0].ID
	f.synth.failWith = apierr.Transport("provider.tts", errors.New("connection reset"))
	task := f.seedTask(t, chapter, nil)
	run := f.execute(t, f.seedRun(t, task, nil))

	assert.Equal(t, domain.TaskRunStatusFailed, run.Status)
	assert.Equal(t, 3, run.MaxAttempts)
	assert.NotNil(t, run.RetryAt, "transport errors are redelivered")

	// The chapter stays in production while the run still has retries.
	assert.Equal(t, domain.ChapterStatusGeneratingVideo, f.reloadChapter(t, chapter.ID).Status)

	got := f.reloadTask(t, task.ID)
	assert.Equal(t, domain.VideoTaskStatusFailed, got.Status)
	// Entering synthesizing_videos sets the checkpoint column; the
	// first sentence never finished, so no prefix was recorded.
	require.NotNil(t, got.CurrentSentenceIndex)
	assert.Equal(t, -1, *got.CurrentSentenceIndex)
}

func TestRunCancelRequestedMarksTaskCancelled(t *testing.T) {
	f := newRunnerFixture(t)
	chapter, _ := f.seedChapter(t, domain.ChapterStatusMaterialsPrepared, 2)
	task := f.seedTask(t, chapter, nil)
	run := f.seedRun(t, task, nil)
	_, err := f.runs.RequestCancel(context.Background(), nil, run.ID)
	require.NoError(t, err)

	got := f.execute(t, run)
	assert.Equal(t, domain.TaskRunStatusCancelled, got.Status)
	assert.Equal(t, 1, f.notify.cancelled)

	reloaded := f.reloadTask(t, task.ID)
	assert.Equal(t, domain.VideoTaskStatusFailed, reloaded.Status)
	assert.Equal(t, "cancelled", reloaded.ErrorMessage)
	assert.Empty(t, f.synth.called())
}

func TestRunMixesBackgroundTrack(t *testing.T) {
	f := newRunnerFixture(t)
	chapter, _ := f.seedChapter(t, domain.ChapterStatusMaterialsPrepared, 2)

	userID := uuid.New()
	bgKey := "bgm/" + userID.String() + "/track.mp3"
	f.store.objects[bgKey] = []byte("mp3-bytes")
	bg := &domain.Background{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      "calm piano",
		ObjectKey: bgKey,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := f.backgrounds.Create(context.Background(), nil, []*domain.Background{bg})
	require.NoError(t, err)

	task := f.seedTask(t, chapter, func(vt *domain.VideoTask) {
		vt.UserID = userID
		vt.BackgroundID = &bg.ID
	})
	run := f.execute(t, f.seedRun(t, task, nil))
	assert.Equal(t, domain.TaskRunStatusSucceeded, run.Status)

	calls := f.tools.ffmpegCalls()
	require.Len(t, calls, 1, "one mix pass after concat")
	joined := strings.Join(calls[0], " ")
	assert.Contains(t, joined, "-stream_loop")
	assert.Contains(t, joined, "amix=inputs=2")

	// The uploaded object is the mixed output, not the bare concat.
	got := f.reloadTask(t, task.ID)
	data, ok := f.store.get(got.VideoKey)
	require.True(t, ok)
	assert.Equal(t, "mixed", string(data))
}
