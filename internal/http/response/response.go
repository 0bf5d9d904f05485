package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
)

// ErrorEnvelope is the canonical failure shape on every endpoint.
type ErrorEnvelope struct {
	Error     bool   `json:"error"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// RespondError renders err through the apierr kind table. Untyped errors
// render as internal without leaking their message.
func RespondError(c *gin.Context, err error) {
	RespondErrorDetails(c, err, nil)
}

func RespondErrorDetails(c *gin.Context, err error, details any) {
	kind := apierr.KindOf(err)
	msg := "internal error"
	if err != nil && kind != apierr.KindInternal {
		msg = err.Error()
	}
	c.JSON(apierr.HTTPStatus(kind), ErrorEnvelope{
		Error:     true,
		Code:      string(kind),
		Message:   msg,
		Details:   details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}
