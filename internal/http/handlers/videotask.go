package handlers

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chaptercast/chaptercast-backend/internal/http/response"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

type VideoTaskHandler struct {
	videoTasks services.VideoTaskService
}

func NewVideoTaskHandler(videoTasks services.VideoTaskService) *VideoTaskHandler {
	return &VideoTaskHandler{videoTasks: videoTasks}
}

// Create enqueues video synthesis for a chapter whose materials are
// prepared. Settings arrive as raw JSON and are validated against the
// defaults by the service.
func (h *VideoTaskHandler) Create(c *gin.Context) {
	var req struct {
		ProjectID          string          `json:"project_id"`
		ChapterID          string          `json:"chapter_id"`
		APIKeyID           *string         `json:"api_key_id"`
		BackgroundID       *string         `json:"background_id"`
		GenerationSettings json.RawMessage `json:"generation_settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, apierr.Validation("http.videotask", "invalid request body"))
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		response.RespondError(c, apierr.Validation("http.videotask", "invalid project_id"))
		return
	}
	chapterID, err := uuid.Parse(req.ChapterID)
	if err != nil {
		response.RespondError(c, apierr.Validation("http.videotask", "invalid chapter_id"))
		return
	}
	in := services.CreateVideoTaskInput{
		ProjectID:          projectID,
		ChapterID:          chapterID,
		GenerationSettings: req.GenerationSettings,
	}
	if req.APIKeyID != nil && *req.APIKeyID != "" {
		id, err := uuid.Parse(*req.APIKeyID)
		if err != nil {
			response.RespondError(c, apierr.Validation("http.videotask", "invalid api_key_id"))
			return
		}
		in.APIKeyID = &id
	}
	if req.BackgroundID != nil && *req.BackgroundID != "" {
		id, err := uuid.Parse(*req.BackgroundID)
		if err != nil {
			response.RespondError(c, apierr.Validation("http.videotask", "invalid background_id"))
			return
		}
		in.BackgroundID = &id
	}

	task, run, err := h.videoTasks.Create(c.Request.Context(), middleware.UserID(c), in)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"video_task": task, "task": run})
}

func (h *VideoTaskHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	task, err := h.videoTasks.Get(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"video_task": task})
}

func (h *VideoTaskHandler) Cancel(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	task, err := h.videoTasks.Cancel(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"video_task": task})
}

// Reset reopens a failed task and enqueues a fresh run; the sentence
// checkpoint survives so the scheduler accepts the re-delivery.
func (h *VideoTaskHandler) Reset(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	task, run, err := h.videoTasks.ResetForRetry(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"video_task": task, "task": run})
}
