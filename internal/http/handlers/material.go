package handlers

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chaptercast/chaptercast-backend/internal/http/response"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
)

// MaterialHandler serves read access to stored objects. Catalog rows
// persist bare keys; clients exchange them here for short-lived URLs.
type MaterialHandler struct {
	cell       *storage.ConfigCell
	presignTTL time.Duration
}

func NewMaterialHandler(cell *storage.ConfigCell, presignTTL time.Duration) *MaterialHandler {
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &MaterialHandler{cell: cell, presignTTL: presignTTL}
}

// Presign serves GET /materials/presign?key=…. The key's owner segment
// must match the caller; users cannot mint URLs for other users' blobs.
func (h *MaterialHandler) Presign(c *gin.Context) {
	key := strings.TrimSpace(c.Query("key"))
	if key == "" {
		response.RespondError(c, apierr.Validation("http.material", "query parameter \"key\" is required"))
		return
	}
	if !keyOwnedBy(key, middleware.UserID(c)) {
		response.RespondError(c, apierr.NotFound("http.material", "object not found"))
		return
	}
	store, _ := h.cell.Current()
	url, err := store.PresignRead(c.Request.Context(), key, h.presignTTL)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"url":        url,
		"expires_in": int64(h.presignTTL.Seconds()),
	})
}

// keyOwnedBy checks the <purpose>/<user>/… layout's owner segment.
func keyOwnedBy(key string, userID uuid.UUID) bool {
	parts := strings.Split(key, "/")
	if len(parts) < 3 {
		return false
	}
	owner, err := uuid.Parse(parts[1])
	if err != nil {
		return false
	}
	return owner == userID
}
