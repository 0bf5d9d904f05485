package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLoginOverHTTP(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":      "reader@example.com",
		"password":   "password-1",
		"first_name": "Ada",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var registered struct {
		User struct {
			Email     string `json:"email"`
			FirstName string `json:"first_name"`
		} `json:"user"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &registered))
	require.Equal(t, "reader@example.com", registered.User.Email)
	require.Equal(t, "Ada", registered.User.FirstName)
	require.NotEmpty(t, registered.AccessToken)
	require.Equal(t, int64(3600), registered.ExpiresIn)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.NotContains(t, string(raw["user"]), "password",
		"credentials must never appear in the response")

	rec = f.do(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"email":    "reader@example.com",
		"password": "password-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	var loggedIn struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loggedIn))
	require.NotEmpty(t, loggedIn.AccessToken)
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.register(t, "taken@example.com")

	rec := f.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    "taken@example.com",
		"password": "password-2",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	code, _ := decodeEnvelope(t, rec)
	require.Equal(t, "business_rule", code)
}

func TestLoginWrongPasswordIsUnauthorized(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.register(t, "careful@example.com")

	rec := f.do(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"email":    "careful@example.com",
		"password": "not-the-password",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	code, _ := decodeEnvelope(t, rec)
	require.Equal(t, "auth", code)
}

func TestAuthRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, message := decodeEnvelope(t, rec)
	require.Equal(t, "validation", code)
	require.Contains(t, message, "invalid request body")
}
