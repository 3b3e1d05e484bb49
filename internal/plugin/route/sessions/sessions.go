// Package sessions mounts session lifecycle routes and the short-term
// window operations scoped to a session.
package sessions

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/httpapi"
	"github.com/remembr/remembr/internal/model"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/scope"
	"github.com/remembr/remembr/internal/security"
	"github.com/remembr/remembr/internal/shortterm"
)

// MountRoutes mounts session routes. Called after store initialization
// so the store and window engine are available.
func MountRoutes(r *gin.Engine, store registrystore.Store, windows *shortterm.Engine, auth gin.HandlerFunc) {
	g := r.Group("/v1/sessions", auth)

	g.POST("", func(c *gin.Context) {
		createSession(c, store)
	})
	g.GET("", func(c *gin.Context) {
		listSessions(c, store)
	})
	g.GET("/:sessionId", func(c *gin.Context) {
		getSession(c, store, windows)
	})
	g.GET("/:sessionId/history", func(c *gin.Context) {
		sessionHistory(c, store)
	})
	g.GET("/:sessionId/replay", func(c *gin.Context) {
		replaySession(c, store)
	})

	// Short-term window operations.
	g.POST("/:sessionId/messages", func(c *gin.Context) {
		addMessage(c, store, windows)
	})
	g.GET("/:sessionId/context", func(c *gin.Context) {
		getContext(c, store, windows)
	})
	g.GET("/:sessionId/token-usage", func(c *gin.Context) {
		tokenUsage(c, store, windows)
	})
	g.POST("/:sessionId/checkpoint", func(c *gin.Context) {
		checkpoint(c, store, windows)
	})
	g.POST("/:sessionId/restore", func(c *gin.Context) {
		restore(c, store, windows)
	})
	g.GET("/:sessionId/checkpoints", func(c *gin.Context) {
		listCheckpoints(c, store, windows)
	})
}

func callerScope(c *gin.Context) (scope.Scope, bool) {
	ident := security.GetIdentity(c)
	sc, err := ident.Scope()
	if err != nil {
		httpapi.Error(c, apperrors.Internal(err))
		return scope.Scope{}, false
	}
	return sc, true
}

func sessionParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		httpapi.Error(c, apperrors.NotFound(apperrors.DetailSessionNotFound, "session not found"))
		return uuid.Nil, false
	}
	return id, true
}

// requireSession verifies the session exists and is visible before any
// window operation touches the cache.
func requireSession(c *gin.Context, store registrystore.Store, sc scope.Scope, sessionID uuid.UUID) bool {
	if _, err := store.GetSession(c.Request.Context(), sc, sessionID); err != nil {
		httpapi.Error(c, err)
		return false
	}
	return true
}

func createSession(c *gin.Context, store registrystore.Store) {
	sc, ok := callerScope(c)
	if !ok {
		return
	}
	var req struct {
		Metadata  map[string]any `json:"metadata"`
		ExpiresAt *time.Time     `json:"expires_at"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpapi.Error(c, apperrors.Validation("", "invalid request body: %v", err))
			return
		}
	}

	session, err := store.CreateSession(c.Request.Context(), sc, req.Metadata, req.ExpiresAt)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusCreated, session)
}

func listSessions(c *gin.Context, store registrystore.Store) {
	sc, ok := callerScope(c)
	if !ok {
		return
	}
	sessions, err := store.ListSessions(c.Request.Context(), sc, queryInt(c, "limit", 50), queryInt(c, "offset", 0))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, sessions)
}

func getSession(c *gin.Context, store registrystore.Store, windows *shortterm.Engine) {
	sc, ok := callerScope(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	session, err := store.GetSession(c.Request.Context(), sc, sessionID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	messages, err := windows.GetContext(c.Request.Context(), sc, sessionID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	usage, err := windows.TokenUsage(c.Request.Context(), sc, sessionID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, gin.H{
		"session":     session,
		"window":      messages,
		"token_usage": usage,
	})
}

func sessionHistory(c *gin.Context, store registrystore.Store) {
	sc, ok := callerScope(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	episodes, err := store.SessionHistory(c.Request.Context(), sc, sessionID, queryInt(c, "limit", 100), queryInt(c, "offset", 0))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, episodes)
}

func replaySession(c *gin.Context, store registrystore.Store) {
	sc, ok := callerScope(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	until := time.Now()
	if v := c.Query("until"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpapi.Error(c, apperrors.Validation("", "invalid until timestamp, expected RFC3339"))
			return
		}
		until = parsed
	}
	episodes, err := store.ReplaySession(c.Request.Context(), sc, sessionID, until)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, episodes)
}

func addMessage(c *gin.Context, store registrystore.Store, windows *shortterm.Engine) {
	sc, ok := callerScope(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if !requireSession(c, store, sc, sessionID) {
		return
	}

	var req struct {
		Role    model.Role `json:"role"`
		Content string     `json:"content"`
		Tokens  int        `json:"tokens"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.Validation("", "invalid request body: %v", err))
		return
	}

	window, cp, err := windows.AddMessage(c.Request.Context(), sc, sessionID, shortterm.Message{
		Role:    req.Role,
		Content: req.Content,
		Tokens:  req.Tokens,
	})
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	resp := gin.H{
		"message_count": len(window.Messages),
		"tokens":        window.TokenUsage(),
	}
	if cp != nil {
		resp["checkpoint_id"] = cp.ID
	}
	httpapi.OK(c, http.StatusOK, resp)
}

func getContext(c *gin.Context, store registrystore.Store, windows *shortterm.Engine) {
	sc, ok := callerScope(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if !requireSession(c, store, sc, sessionID) {
		return
	}
	messages, err := windows.GetContext(c.Request.Context(), sc, sessionID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, messages)
}

func tokenUsage(c *gin.Context, store registrystore.Store, windows *shortterm.Engine) {
	sc, ok := callerScope(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if !requireSession(c, store, sc, sessionID) {
		return
	}
	usage, err := windows.TokenUsage(c.Request.Context(), sc, sessionID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, usage)
}

func checkpoint(c *gin.Context, store registrystore.Store, windows *shortterm.Engine) {
	sc, ok := callerScope(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if !requireSession(c, store, sc, sessionID) {
		return
	}
	cp, err := windows.Checkpoint(c.Request.Context(), sc, sessionID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusCreated, gin.H{
		"checkpoint_id": cp.ID,
		"message_count": cp.Metadata["message_count"],
		"created_at":    cp.CreatedAt,
	})
}

func restore(c *gin.Context, store registrystore.Store, windows *shortterm.Engine) {
	sc, ok := callerScope(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if !requireSession(c, store, sc, sessionID) {
		return
	}
	var req struct {
		CheckpointID uuid.UUID `json:"checkpoint_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.CheckpointID == uuid.Nil {
		httpapi.Error(c, apperrors.Validation("", "checkpoint_id is required"))
		return
	}

	window, err := windows.Restore(c.Request.Context(), sc, sessionID, req.CheckpointID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, gin.H{
		"restored": len(window.Messages),
		"tokens":   window.TokenUsage(),
	})
}

func listCheckpoints(c *gin.Context, store registrystore.Store, windows *shortterm.Engine) {
	sc, ok := callerScope(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if !requireSession(c, store, sc, sessionID) {
		return
	}
	checkpoints, err := windows.ListCheckpoints(c.Request.Context(), sc, sessionID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, checkpoints)
}

// --- Helpers ---

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return def
	}
	return i
}
