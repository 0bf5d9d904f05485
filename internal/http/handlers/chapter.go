package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/chaptercast/chaptercast-backend/internal/http/response"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

type ChapterHandler struct {
	chapters   services.ChapterService
	videoTasks services.VideoTaskService
}

func NewChapterHandler(chapters services.ChapterService, videoTasks services.VideoTaskService) *ChapterHandler {
	return &ChapterHandler{chapters: chapters, videoTasks: videoTasks}
}

// ListByProject serves GET /projects/:id/chapters.
func (h *ChapterHandler) ListByProject(c *gin.Context) {
	projectID, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	chapters, err := h.chapters.List(c.Request.Context(), middleware.UserID(c), projectID)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"chapters": chapters})
}

func (h *ChapterHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	chapter, err := h.chapters.Get(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"chapter": chapter})
}

// Detail returns the chapter with its paragraph and sentence tree, the
// editing view the client renders before confirmation.
func (h *ChapterHandler) Detail(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	detail, err := h.chapters.Detail(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, detail)
}

func (h *ChapterHandler) Confirm(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	chapter, err := h.chapters.Confirm(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"chapter": chapter})
}

func (h *ChapterHandler) Reset(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	chapter, err := h.chapters.Reset(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"chapter": chapter})
}

// ListVideoTasks serves GET /chapters/:id/video-tasks.
func (h *ChapterHandler) ListVideoTasks(c *gin.Context) {
	chapterID, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	tasks, err := h.videoTasks.ListByChapter(c.Request.Context(), middleware.UserID(c), chapterID)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"video_tasks": tasks})
}
