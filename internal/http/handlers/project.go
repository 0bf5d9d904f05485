package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chaptercast/chaptercast-backend/internal/http/response"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

type ProjectHandler struct {
	projects services.ProjectService
}

func NewProjectHandler(projects services.ProjectService) *ProjectHandler {
	return &ProjectHandler{projects: projects}
}

// Create takes a multipart form: the source document under "file" plus
// optional "title" and "description" fields. Parsing is enqueued before
// the response returns.
func (h *ProjectHandler) Create(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.RespondError(c, apierr.Validation("http.project", "multipart field \"file\" is required"))
		return
	}
	title := strings.TrimSpace(c.PostForm("title"))
	if title == "" {
		title = strings.TrimSuffix(fileHeader.Filename, pathExt(fileHeader.Filename))
	}

	f, err := fileHeader.Open()
	if err != nil {
		response.RespondError(c, apierr.Internal("http.project", err))
		return
	}
	defer f.Close()

	project, task, err := h.projects.Create(c.Request.Context(), middleware.UserID(c), services.CreateProjectInput{
		Title:       title,
		Description: strings.TrimSpace(c.PostForm("description")),
		FileName:    fileHeader.Filename,
		FileSize:    fileHeader.Size,
		File:        f,
	})
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"project": project, "task": task})
}

func (h *ProjectHandler) List(c *gin.Context) {
	projects, err := h.projects.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"projects": projects})
}

func (h *ProjectHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	project, err := h.projects.Get(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"project": project})
}

func (h *ProjectHandler) Archive(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	project, err := h.projects.Archive(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"project": project})
}

// Retry re-enqueues parsing for a failed project.
func (h *ProjectHandler) Retry(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	task, err := h.projects.RetryParse(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"task": task})
}

func pathExt(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}
