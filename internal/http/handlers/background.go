package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chaptercast/chaptercast-backend/internal/http/response"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

type BackgroundHandler struct {
	backgrounds services.BackgroundService
}

func NewBackgroundHandler(backgrounds services.BackgroundService) *BackgroundHandler {
	return &BackgroundHandler{backgrounds: backgrounds}
}

// Upload takes a multipart form: the audio file under "file" plus an
// optional display "name".
func (h *BackgroundHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.RespondError(c, apierr.Validation("http.background", "multipart field \"file\" is required"))
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		response.RespondError(c, apierr.Internal("http.background", err))
		return
	}
	defer f.Close()

	bg, err := h.backgrounds.Upload(c.Request.Context(), middleware.UserID(c), services.UploadBackgroundInput{
		Name:     strings.TrimSpace(c.PostForm("name")),
		FileName: fileHeader.Filename,
		FileSize: fileHeader.Size,
		File:     f,
	})
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"background": bg})
}

func (h *BackgroundHandler) List(c *gin.Context) {
	backgrounds, err := h.backgrounds.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"backgrounds": backgrounds})
}

func (h *BackgroundHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	bg, err := h.backgrounds.Get(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"background": bg})
}

func (h *BackgroundHandler) Delete(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	if err := h.backgrounds.Delete(c.Request.Context(), middleware.UserID(c), id); err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true})
}
