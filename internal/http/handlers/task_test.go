package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
)

func (f *apiFixture) seedRun(t *testing.T, userID uuid.UUID, run domain.TaskRun) *domain.TaskRun {
	t.Helper()
	run.ID = uuid.New()
	run.UserID = userID
	if run.Type == "" {
		run.Type = domain.TaskTypeGeneratePrompts
	}
	if run.Status == "" {
		run.Status = domain.TaskRunStatusQueued
	}
	if run.MaxAttempts == 0 {
		run.MaxAttempts = 3
	}
	_, err := f.runs.Create(context.Background(), nil, []*domain.TaskRun{&run})
	require.NoError(t, err)
	return &run
}

func TestGetTaskDecodesResultObject(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	uid, tok := f.register(t, "viewer-"+uuid.NewString()[:8]+"@example.com")
	run := f.seedRun(t, uid, domain.TaskRun{
		Type:     domain.TaskTypeSynthesizeVideo,
		Status:   domain.TaskRunStatusSucceeded,
		Stage:    "finalize",
		Progress: 100,
		Result:   datatypes.JSON([]byte(`{"video_url":"https://cdn.example.com/final.mp4"}`)),
	})

	rec := f.do(t, http.MethodGet, "/api/tasks/"+run.ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, run.ID.String(), body["task_id"])
	require.Equal(t, domain.TaskTypeSynthesizeVideo, body["type"])
	require.Equal(t, "succeeded", body["status"])
	require.Equal(t, "finalize", body["stage"])
	require.EqualValues(t, 100, body["progress"])
	require.NotContains(t, body, "error")

	result, ok := body["result"].(map[string]any)
	require.True(t, ok, "result must arrive as an object, not a string")
	require.Equal(t, "https://cdn.example.com/final.mp4", result["video_url"])
}

func TestGetTaskSurfacesFailureError(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	uid, tok := f.register(t, "failed-"+uuid.NewString()[:8]+"@example.com")
	run := f.seedRun(t, uid, domain.TaskRun{
		Status: domain.TaskRunStatusFailed,
		Error:  "image provider: rate limited",
	})

	rec := f.do(t, http.MethodGet, "/api/tasks/"+run.ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "failed", body["status"])
	require.Equal(t, "image provider: rate limited", body["error"])
}

func TestGetTaskBoundaries(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	uid, _ := f.register(t, "runowner-"+uuid.NewString()[:8]+"@example.com")
	_, strangerTok := f.register(t, "stranger-"+uuid.NewString()[:8]+"@example.com")
	run := f.seedRun(t, uid, domain.TaskRun{})

	t.Run("foreign run is invisible", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/tasks/"+run.ID.String(), strangerTok, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		code, _ := decodeEnvelope(t, rec)
		require.Equal(t, "not_found", code)
	})

	t.Run("malformed id", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/tasks/not-a-uuid", strangerTok, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		_, message := decodeEnvelope(t, rec)
		require.Contains(t, message, "invalid id")
	})

	t.Run("missing token", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/tasks/"+run.ID.String(), "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestListTasksIsScopedToCaller(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	uid, tok := f.register(t, "lister-"+uuid.NewString()[:8]+"@example.com")
	otherID, _ := f.register(t, "other-"+uuid.NewString()[:8]+"@example.com")

	f.seedRun(t, uid, domain.TaskRun{Type: domain.TaskTypeParseDocument})
	f.seedRun(t, uid, domain.TaskRun{Type: domain.TaskTypeGenerateAudio})
	f.seedRun(t, otherID, domain.TaskRun{Type: domain.TaskTypeGenerateImages})

	rec := f.do(t, http.MethodGet, "/api/tasks", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tasks []map[string]any `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 2)
	types := map[any]bool{}
	for _, view := range body.Tasks {
		types[view["type"]] = true
	}
	require.True(t, types[domain.TaskTypeParseDocument])
	require.True(t, types[domain.TaskTypeGenerateAudio])
}

func TestCancelQueuedTaskOverWire(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	uid, tok := f.register(t, "canceller-"+uuid.NewString()[:8]+"@example.com")
	run := f.seedRun(t, uid, domain.TaskRun{Status: domain.TaskRunStatusQueued})

	rec := f.do(t, http.MethodPost, "/api/tasks/"+run.ID.String()+"/cancel", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "cancelled", body["status"])

	rec = f.do(t, http.MethodPost, "/api/tasks/"+run.ID.String()+"/cancel", tok, nil)
	require.Equal(t, http.StatusConflict, rec.Code, "a finished run cannot be cancelled again")
}
