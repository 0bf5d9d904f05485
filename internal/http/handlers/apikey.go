package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/http/response"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

type APIKeyHandler struct {
	keys services.APIKeyService
}

func NewAPIKeyHandler(keys services.APIKeyService) *APIKeyHandler {
	return &APIKeyHandler{keys: keys}
}

// Create accepts the provider secret in plaintext exactly once. The
// model's json tags keep the stored ciphertext out of every response.
func (h *APIKeyHandler) Create(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		Provider string `json:"provider"`
		Secret   string `json:"secret"`
		BaseURL  string `json:"base_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, apierr.Validation("http.apikey", "invalid request body"))
		return
	}
	key, err := h.keys.Create(c.Request.Context(), middleware.UserID(c), services.CreateAPIKeyInput{
		Name:     req.Name,
		Provider: domain.Provider(req.Provider),
		Secret:   req.Secret,
		BaseURL:  req.BaseURL,
	})
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"api_key": key})
}

func (h *APIKeyHandler) List(c *gin.Context) {
	keys, err := h.keys.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"api_keys": keys})
}

func (h *APIKeyHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	key, err := h.keys.Get(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"api_key": key})
}

func (h *APIKeyHandler) Update(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	var req struct {
		Name    *string `json:"name"`
		Secret  *string `json:"secret"`
		BaseURL *string `json:"base_url"`
		Status  *string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, apierr.Validation("http.apikey", "invalid request body"))
		return
	}
	in := services.UpdateAPIKeyInput{
		Name:    req.Name,
		Secret:  req.Secret,
		BaseURL: req.BaseURL,
	}
	if req.Status != nil {
		st := domain.APIKeyStatus(*req.Status)
		in.Status = &st
	}
	key, err := h.keys.Update(c.Request.Context(), middleware.UserID(c), id, in)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"api_key": key})
}

func (h *APIKeyHandler) Delete(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	if err := h.keys.Delete(c.Request.Context(), middleware.UserID(c), id); err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true})
}
