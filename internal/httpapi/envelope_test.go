package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remembr/remembr/internal/apperrors"
)

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	return r
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	r := newEngine()
	r.GET("/ping", func(c *gin.Context) { OK(c, http.StatusOK, gin.H{"pong": true}) })

	// Inbound id is preserved.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(HeaderRequestID))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "req-123", body["request_id"])
	assert.NotEmpty(t, body["timestamp"])
	assert.NotNil(t, body["data"])

	// Missing inbound id gets a generated one.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestErrorEnvelope(t *testing.T) {
	r := newEngine()
	r.GET("/missing", func(c *gin.Context) {
		Error(c, apperrors.NotFound(apperrors.DetailSessionNotFound, "session %s not found", "abc"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body struct {
		Error struct {
			Code      string         `json:"code"`
			Message   string         `json:"message"`
			Details   map[string]any `json:"details"`
			RequestID string         `json:"request_id"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apperrors.CodeNotFound, body.Error.Code)
	assert.Equal(t, apperrors.DetailSessionNotFound, body.Error.Details["code"])
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	r := newEngine()
	r.GET("/boom", func(c *gin.Context) {
		Error(c, assert.AnError)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apperrors.CodeInternal, body["error"]["code"])
	assert.Equal(t, "internal error", body["error"]["message"])
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}
