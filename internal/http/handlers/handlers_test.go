package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/data/db"
	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

// apiFixture drives the HTTP surface end to end: real services over an
// in-memory database, real auth middleware, bare engine.
type apiFixture struct {
	db         *gorm.DB
	engine     *gin.Engine
	users      repos.UserRepo
	projects   repos.ProjectRepo
	chapters   repos.ChapterRepo
	paragraphs repos.ParagraphRepo
	sentences  repos.SentenceRepo
	apiKeys    repos.APIKeyRepo
	runs       repos.TaskRunRepo
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.OpenTest()
	require.NoError(t, err)
	log := logger.NewNop()

	f := &apiFixture{
		db:         gdb,
		users:      repos.NewUserRepo(gdb, log),
		projects:   repos.NewProjectRepo(gdb, log),
		chapters:   repos.NewChapterRepo(gdb, log),
		paragraphs: repos.NewParagraphRepo(gdb, log),
		sentences:  repos.NewSentenceRepo(gdb, log),
		apiKeys:    repos.NewAPIKeyRepo(gdb, log),
		runs:       repos.NewTaskRunRepo(gdb, log),
	}

	auth := services.NewAuthService(gdb, log, f.users, "handler-test-secret", time.Hour)
	tasks := services.NewTaskService(gdb, log, f.runs, nil)
	generation := services.NewGenerationService(gdb, log, f.projects, f.chapters, f.paragraphs, f.sentences, f.apiKeys, tasks)
	chapterSvc := services.NewChapterService(gdb, log, f.projects, f.chapters, f.paragraphs, f.sentences)
	videoTasks := services.NewVideoTaskService(gdb, log, f.projects, f.chapters,
		repos.NewVideoTaskRepo(gdb, log), f.apiKeys, repos.NewBackgroundRepo(gdb, log), tasks)

	authH := NewAuthHandler(auth)
	taskH := NewTaskHandler(tasks)
	generationH := NewGenerationHandler(generation)
	chapterH := NewChapterHandler(chapterSvc, videoTasks)

	am := middleware.NewAuthMiddleware(log, auth)
	r := gin.New()
	api := r.Group("/api")
	api.POST("/auth/register", authH.Register)
	api.POST("/auth/login", authH.Login)

	protected := api.Group("/")
	protected.Use(am.RequireAuth())
	protected.GET("/tasks", taskH.List)
	protected.GET("/tasks/:id", taskH.Get)
	protected.POST("/tasks/:id/cancel", taskH.Cancel)
	protected.GET("/chapters/:id/detail", chapterH.Detail)
	protected.POST("/chapters/:id/confirm", chapterH.Confirm)
	protected.POST("/prompt/generate-prompts", generationH.GeneratePrompts)
	protected.POST("/prompt/generate-prompts-ids", generationH.GeneratePromptsByIDs)
	protected.POST("/generate-images", generationH.GenerateImages)
	protected.POST("/generate-audio", generationH.GenerateAudio)

	f.engine = r
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

// register signs a user up over HTTP and returns their id and token.
func (f *apiFixture) register(t *testing.T, email string) (uuid.UUID, string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    email,
		"password": "password-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	var out struct {
		User struct {
			ID uuid.UUID `json:"id"`
		} `json:"user"`
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.AccessToken)
	return out.User.ID, out.AccessToken
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (code, message string) {
	t.Helper()
	var envelope struct {
		Error   bool   `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.True(t, envelope.Error)
	return envelope.Code, envelope.Message
}

func (f *apiFixture) seedChapter(t *testing.T, userID uuid.UUID, status domain.ChapterStatus, sentenceCount int) (*domain.Chapter, []*domain.Sentence) {
	t.Helper()
	project := &domain.Project{
		ID:      uuid.New(),
		OwnerID: userID,
		Title:   "Handler Fixture",
		Status:  domain.ProjectStatusParsed,
	}
	_, err := f.projects.Create(context.Background(), nil, []*domain.Project{project})
	require.NoError(t, err)

	chapter := &domain.Chapter{
		ID:            uuid.New(),
		ProjectID:     project.ID,
		Title:         "Chapter",
		ChapterNumber: 1,
		Status:        status,
	}
	if status != domain.ChapterStatusPending && status != domain.ChapterStatusFailed {
		now := time.Now().UTC()
		chapter.IsConfirmed = true
		chapter.ConfirmedAt = &now
	}
	_, err = f.chapters.Create(context.Background(), nil, []*domain.Chapter{chapter})
	require.NoError(t, err)

	paragraph := &domain.Paragraph{
		ID:         uuid.New(),
		ChapterID:  chapter.ID,
		OrderIndex: 0,
		Content:    "Paragraph content.",
		Action:     domain.ParagraphActionKeep,
	}
	_, err = f.paragraphs.Create(context.Background(), nil, []*domain.Paragraph{paragraph})
	require.NoError(t, err)

	sentences := make([]*domain.Sentence, 0, sentenceCount)
	for i := 0; i < sentenceCount; i++ {
		sentences = append(sentences, &domain.Sentence{
			ID:          uuid.New(),
			ParagraphID: paragraph.ID,
			OrderIndex:  i,
			Content:     "A sentence to narrate.",
			Status:      domain.SentenceStatusPending,
			VoiceSpeed:  1,
		})
	}
	_, err = f.sentences.Create(context.Background(), nil, sentences)
	require.NoError(t, err)
	return chapter, sentences
}

func (f *apiFixture) seedActiveKey(t *testing.T, userID uuid.UUID) *domain.APIKey {
	t.Helper()
	key := &domain.APIKey{
		ID:           uuid.New(),
		UserID:       userID,
		Name:         "key-" + uuid.NewString()[:8],
		Provider:     domain.ProviderOpenAI,
		SecretCipher: "cipher:opaque",
		Status:       domain.APIKeyStatusActive,
	}
	_, err := f.apiKeys.Create(context.Background(), nil, []*domain.APIKey{key})
	require.NoError(t, err)
	return key
}
