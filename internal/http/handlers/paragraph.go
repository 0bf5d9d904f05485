package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/http/response"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

type ParagraphHandler struct {
	paragraphs services.ParagraphService
}

func NewParagraphHandler(paragraphs services.ParagraphService) *ParagraphHandler {
	return &ParagraphHandler{paragraphs: paragraphs}
}

// SetAction flips how a paragraph participates in generation:
// keep, edit, delete or ignore.
func (h *ParagraphHandler) SetAction(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, apierr.Validation("http.paragraph", "invalid request body"))
		return
	}
	paragraph, err := h.paragraphs.SetAction(c.Request.Context(), middleware.UserID(c), id, domain.ParagraphAction(req.Action))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"paragraph": paragraph})
}

// UpdateContent rewrites the paragraph text and re-splits its sentences.
// Only legal while the owning chapter is still unconfirmed.
func (h *ParagraphHandler) UpdateContent(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, apierr.Validation("http.paragraph", "invalid request body"))
		return
	}
	detail, err := h.paragraphs.UpdateContent(c.Request.Context(), middleware.UserID(c), id, req.Content)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, detail)
}
