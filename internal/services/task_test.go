package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/data/db"
	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/ctxutil"
	"github.com/chaptercast/chaptercast-backend/internal/platform/keycipher"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
)

// recordingNotifier counts transitions so service tests can assert which
// events fired without a live bus.
type recordingNotifier struct {
	mu        sync.Mutex
	queued    []uuid.UUID
	cancelled []uuid.UUID
	done      []uuid.UUID
}

func (n *recordingNotifier) TaskQueued(task *domain.TaskRun) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queued = append(n.queued, task.ID)
}
func (n *recordingNotifier) TaskProgress(*domain.TaskRun, string, int, string) {}
func (n *recordingNotifier) TaskFailed(*domain.TaskRun, string, string)        {}
func (n *recordingNotifier) TaskDone(task *domain.TaskRun) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done = append(n.done, task.ID)
}
func (n *recordingNotifier) TaskCancelled(task *domain.TaskRun) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, task.ID)
}

func (n *recordingNotifier) queuedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queued)
}

func (n *recordingNotifier) cancelledCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.cancelled)
}

type svcFixture struct {
	db          *gorm.DB
	log         *logger.Logger
	users       repos.UserRepo
	projects    repos.ProjectRepo
	chapters    repos.ChapterRepo
	paragraphs  repos.ParagraphRepo
	sentences   repos.SentenceRepo
	videoTasks  repos.VideoTaskRepo
	apiKeys     repos.APIKeyRepo
	backgrounds repos.BackgroundRepo
	runs        repos.TaskRunRepo
	notify      *recordingNotifier
	tasks       TaskService
	cipher      *keycipher.Cipher
}

func newSvcFixture(t *testing.T) *svcFixture {
	t.Helper()
	gdb, err := db.OpenTest()
	require.NoError(t, err)
	log := logger.NewNop()
	cipher, err := keycipher.New("service-test-secret")
	require.NoError(t, err)
	f := &svcFixture{
		db:          gdb,
		log:         log,
		users:       repos.NewUserRepo(gdb, log),
		projects:    repos.NewProjectRepo(gdb, log),
		chapters:    repos.NewChapterRepo(gdb, log),
		paragraphs:  repos.NewParagraphRepo(gdb, log),
		sentences:   repos.NewSentenceRepo(gdb, log),
		videoTasks:  repos.NewVideoTaskRepo(gdb, log),
		apiKeys:     repos.NewAPIKeyRepo(gdb, log),
		backgrounds: repos.NewBackgroundRepo(gdb, log),
		runs:        repos.NewTaskRunRepo(gdb, log),
		notify:      &recordingNotifier{},
		cipher:      cipher,
	}
	f.tasks = NewTaskService(gdb, log, f.runs, f.notify)
	return f
}

func (f *svcFixture) seedUser(t *testing.T) *domain.User {
	t.Helper()
	now := time.Now().UTC()
	u := &domain.User{
		ID:        uuid.New(),
		Email:     uuid.NewString()[:8] + "@example.com",
		Password:  "$2a$10$not.a.real.hash",
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := f.users.Create(context.Background(), nil, []*domain.User{u})
	require.NoError(t, err)
	return u
}

func (f *svcFixture) seedProject(t *testing.T, ownerID uuid.UUID, status domain.ProjectStatus) *domain.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &domain.Project{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Title:     "Sample Book",
		FileName:  "sample.txt",
		FileSize:  512,
		FileType:  "txt",
		FilePath:  "uploads/" + ownerID.String() + "/sample.txt",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := f.projects.Create(context.Background(), nil, []*domain.Project{p})
	require.NoError(t, err)
	return p
}

func (f *svcFixture) seedChapter(t *testing.T, projectID uuid.UUID, number int, status domain.ChapterStatus) *domain.Chapter {
	t.Helper()
	now := time.Now().UTC()
	ch := &domain.Chapter{
		ID:            uuid.New(),
		ProjectID:     projectID,
		Title:         "Chapter",
		ChapterNumber: number,
		Status:        status,
		IsConfirmed:   status != domain.ChapterStatusPending && status != domain.ChapterStatusFailed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := f.chapters.Create(context.Background(), nil, []*domain.Chapter{ch})
	require.NoError(t, err)
	return ch
}

func (f *svcFixture) seedAPIKey(t *testing.T, userID uuid.UUID, status domain.APIKeyStatus) *domain.APIKey {
	t.Helper()
	secret, err := f.cipher.Encrypt("sk-test")
	require.NoError(t, err)
	now := time.Now().UTC()
	key := &domain.APIKey{
		ID:           uuid.New(),
		UserID:       userID,
		Name:         "key-" + uuid.NewString()[:8],
		Provider:     domain.ProviderOpenAI,
		SecretCipher: secret,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = f.apiKeys.Create(context.Background(), nil, []*domain.APIKey{key})
	require.NoError(t, err)
	return key
}

func TestEnqueueCreatesQueuedRunWithTracePayload(t *testing.T) {
	f := newSvcFixture(t)
	user := f.seedUser(t)
	entityID := uuid.New()

	ctx := ctxutil.WithTraceData(context.Background(), &ctxutil.TraceData{
		TraceID:   "trace-abc",
		RequestID: "req-xyz",
	})
	run, err := f.tasks.Enqueue(ctx, nil, user.ID, domain.TaskTypeParseDocument, "project", &entityID, map[string]any{
		"project_id": entityID.String(),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TaskRunStatusQueued, run.Status)
	assert.Equal(t, user.ID, run.UserID)
	assert.Equal(t, "project", run.EntityType)
	require.NotNil(t, run.EntityID)
	assert.Equal(t, entityID, *run.EntityID)

	payload := string(run.Payload)
	assert.Contains(t, payload, entityID.String())
	assert.Contains(t, payload, "trace-abc")
	assert.Contains(t, payload, "req-xyz")
	assert.Equal(t, 1, f.notify.queuedCount())
}

func TestEnqueueRejectsMissingFields(t *testing.T) {
	f := newSvcFixture(t)
	user := f.seedUser(t)

	_, err := f.tasks.Enqueue(context.Background(), nil, uuid.Nil, domain.TaskTypeParseDocument, "project", nil, nil)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation), "got %v", err)

	_, err = f.tasks.Enqueue(context.Background(), nil, user.ID, "  ", "project", nil, nil)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation), "got %v", err)
}

func TestGetForUserHidesForeignTasks(t *testing.T) {
	f := newSvcFixture(t)
	owner := f.seedUser(t)
	stranger := f.seedUser(t)

	run, err := f.tasks.Enqueue(context.Background(), nil, owner.ID, domain.TaskTypeGeneratePrompts, "chapter", nil, nil)
	require.NoError(t, err)

	got, err := f.tasks.GetForUser(context.Background(), owner.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = f.tasks.GetForUser(context.Background(), stranger.ID, run.ID)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound), "got %v", err)
}

func TestCancelQueuedRunIsImmediate(t *testing.T) {
	f := newSvcFixture(t)
	user := f.seedUser(t)
	run, err := f.tasks.Enqueue(context.Background(), nil, user.ID, domain.TaskTypeGenerateImages, "chapter", nil, nil)
	require.NoError(t, err)

	got, err := f.tasks.Cancel(context.Background(), user.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunStatusCancelled, got.Status)
	assert.Equal(t, 1, f.notify.cancelledCount())
}

func TestCancelRunningRunOnlyRaisesFlag(t *testing.T) {
	f := newSvcFixture(t)
	user := f.seedUser(t)
	run, err := f.tasks.Enqueue(context.Background(), nil, user.ID, domain.TaskTypeSynthesizeVideo, "video_task", nil, nil)
	require.NoError(t, err)

	claimed, err := f.runs.ClaimNextRunnable(context.Background(), nil, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, run.ID, claimed.ID)

	got, err := f.tasks.Cancel(context.Background(), user.ID, run.ID)
	require.NoError(t, err)
	// Still running; the handler observes the flag at its next checkpoint.
	assert.Equal(t, domain.TaskRunStatusRunning, got.Status)
	assert.True(t, got.CancelRequested)
	assert.Zero(t, f.notify.cancelledCount())
}

func TestCancelFinishedRunIsRejected(t *testing.T) {
	f := newSvcFixture(t)
	user := f.seedUser(t)
	run, err := f.tasks.Enqueue(context.Background(), nil, user.ID, domain.TaskTypeGenerateAudio, "chapter", nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.runs.UpdateFields(context.Background(), nil, run.ID, map[string]interface{}{
		"status": domain.TaskRunStatusSucceeded,
	}))

	_, err = f.tasks.Cancel(context.Background(), user.ID, run.ID)
	assert.True(t, apierr.IsKind(err, apierr.KindBusinessRule), "got %v", err)
}

func TestLatestForEntityPicksNewestRun(t *testing.T) {
	f := newSvcFixture(t)
	user := f.seedUser(t)
	entityID := uuid.New()

	first, err := f.tasks.Enqueue(context.Background(), nil, user.ID, domain.TaskTypeSynthesizeVideo, "video_task", &entityID, nil)
	require.NoError(t, err)
	require.NoError(t, f.runs.UpdateFields(context.Background(), nil, first.ID, map[string]interface{}{
		"status":     domain.TaskRunStatusFailed,
		"created_at": time.Now().Add(-time.Hour),
	}))
	second, err := f.tasks.Enqueue(context.Background(), nil, user.ID, domain.TaskTypeSynthesizeVideo, "video_task", &entityID, nil)
	require.NoError(t, err)

	got, err := f.tasks.LatestForEntity(context.Background(), user.ID, "video_task", entityID, domain.TaskTypeSynthesizeVideo)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}
