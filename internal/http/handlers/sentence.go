package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/chaptercast/chaptercast-backend/internal/http/response"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

type SentenceHandler struct {
	sentences services.SentenceService
}

func NewSentenceHandler(sentences services.SentenceService) *SentenceHandler {
	return &SentenceHandler{sentences: sentences}
}

func (h *SentenceHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	sentence, err := h.sentences.Get(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"sentence": sentence})
}

// UpdateContent edits the narration text. Marks the sentence manually
// edited; only legal while the owning chapter is unconfirmed.
func (h *SentenceHandler) UpdateContent(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, apierr.Validation("http.sentence", "invalid request body"))
		return
	}
	sentence, err := h.sentences.UpdateContent(c.Request.Context(), middleware.UserID(c), id, req.Content)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"sentence": sentence})
}
