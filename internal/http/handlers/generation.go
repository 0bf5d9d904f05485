package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chaptercast/chaptercast-backend/internal/http/response"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

// GenerationHandler fronts the material-stage endpoints. Each one only
// validates and enqueues; progress flows back over the task channel.
type GenerationHandler struct {
	generation services.GenerationService
}

func NewGenerationHandler(generation services.GenerationService) *GenerationHandler {
	return &GenerationHandler{generation: generation}
}

// GeneratePrompts targets every sentence of a confirmed chapter.
func (h *GenerationHandler) GeneratePrompts(c *gin.Context) {
	var req struct {
		ChapterID string `json:"chapter_id"`
		APIKeyID  string `json:"api_key_id"`
		Style     string `json:"style"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, apierr.Validation("http.generation", "invalid request body"))
		return
	}
	chapterID, err := uuid.Parse(req.ChapterID)
	if err != nil {
		response.RespondError(c, apierr.Validation("http.generation", "invalid chapter_id"))
		return
	}
	apiKeyID, err := uuid.Parse(req.APIKeyID)
	if err != nil {
		response.RespondError(c, apierr.Validation("http.generation", "invalid api_key_id"))
		return
	}
	task, err := h.generation.GeneratePrompts(c.Request.Context(), middleware.UserID(c), chapterID, apiKeyID, req.Style)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"success": true,
		"message": "prompt generation queued",
		"task_id": task.ID.String(),
	})
}

// GeneratePromptsByIDs regenerates prompts for a subset of sentences.
func (h *GenerationHandler) GeneratePromptsByIDs(c *gin.Context) {
	var req struct {
		SentenceIDs []string `json:"sentence_ids"`
		APIKeyID    string   `json:"api_key_id"`
		Style       string   `json:"style"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, apierr.Validation("http.generation", "invalid request body"))
		return
	}
	sentenceIDs, err := parseUUIDList("sentence_ids", req.SentenceIDs)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	apiKeyID, err := uuid.Parse(req.APIKeyID)
	if err != nil {
		response.RespondError(c, apierr.Validation("http.generation", "invalid api_key_id"))
		return
	}
	task, err := h.generation.GeneratePromptsByIDs(c.Request.Context(), middleware.UserID(c), sentenceIDs, apiKeyID, req.Style)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"success": true,
		"message": fmt.Sprintf("prompt generation queued for %d sentences", len(sentenceIDs)),
		"task_id": task.ID.String(),
	})
}

// GenerateImages requires every listed sentence to already carry an
// image prompt.
func (h *GenerationHandler) GenerateImages(c *gin.Context) {
	var req struct {
		SentenceIDs []string `json:"sentence_ids"`
		APIKeyID    string   `json:"api_key_id"`
		Model       string   `json:"model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, apierr.Validation("http.generation", "invalid request body"))
		return
	}
	sentenceIDs, err := parseUUIDList("sentence_ids", req.SentenceIDs)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	apiKeyID, err := uuid.Parse(req.APIKeyID)
	if err != nil {
		response.RespondError(c, apierr.Validation("http.generation", "invalid api_key_id"))
		return
	}
	task, err := h.generation.GenerateImages(c.Request.Context(), middleware.UserID(c), sentenceIDs, apiKeyID, req.Model)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"success": true,
		"message": fmt.Sprintf("image generation queued for %d sentences", len(sentenceIDs)),
		"task_id": task.ID.String(),
	})
}

func (h *GenerationHandler) GenerateAudio(c *gin.Context) {
	var req struct {
		SentenceIDs []string `json:"sentence_ids"`
		APIKeyID    string   `json:"api_key_id"`
		Voice       string   `json:"voice"`
		Speed       float64  `json:"speed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, apierr.Validation("http.generation", "invalid request body"))
		return
	}
	sentenceIDs, err := parseUUIDList("sentence_ids", req.SentenceIDs)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	apiKeyID, err := uuid.Parse(req.APIKeyID)
	if err != nil {
		response.RespondError(c, apierr.Validation("http.generation", "invalid api_key_id"))
		return
	}
	task, err := h.generation.GenerateAudio(c.Request.Context(), middleware.UserID(c), sentenceIDs, apiKeyID, req.Voice, req.Speed)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"success": true,
		"message": fmt.Sprintf("audio generation queued for %d sentences", len(sentenceIDs)),
		"task_id": task.ID.String(),
	})
}
