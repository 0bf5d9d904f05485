package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
)

// pathUUID parses a :param path segment as a uuid.
func pathUUID(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apierr.Validation("http.params", fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

// parseUUIDList converts request-body string ids, rejecting bad entries
// with the offending value in the message.
func parseUUIDList(field string, raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, apierr.Validation("http.params", fmt.Sprintf("%s must not be empty", field))
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, apierr.Validation("http.params", fmt.Sprintf("%s contains invalid id %q", field, s))
		}
		out = append(out, id)
	}
	return out, nil
}
