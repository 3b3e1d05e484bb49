// Package memories mounts the episodic memory routes: logging,
// retrieval, filtered listing, counting and time-window diffs.
package memories

import (
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/httpapi"
	"github.com/remembr/remembr/internal/model"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/security"
	"github.com/remembr/remembr/internal/service"
	"github.com/remembr/remembr/internal/shortterm"
)

func MountRoutes(r *gin.Engine, store registrystore.Store, windows *shortterm.Engine, enricher *service.Enricher, auth gin.HandlerFunc) {
	g := r.Group("/v1/memories", auth)

	g.POST("", func(c *gin.Context) {
		logMemory(c, store, windows, enricher)
	})
	g.GET("", func(c *gin.Context) {
		listMemories(c, store)
	})
	g.GET("/count", func(c *gin.Context) {
		countMemories(c, store)
	})
	g.GET("/diff", func(c *gin.Context) {
		diffMemories(c, store)
	})
	g.GET("/:episodeId", func(c *gin.Context) {
		getMemory(c, store)
	})
}

func logMemory(c *gin.Context, store registrystore.Store, windows *shortterm.Engine, enricher *service.Enricher) {
	ident := security.GetIdentity(c)
	sc, err := ident.Scope()
	if err != nil {
		httpapi.Error(c, apperrors.Internal(err))
		return
	}

	var req struct {
		Role      model.Role     `json:"role"`
		Content   string         `json:"content"`
		SessionID *uuid.UUID     `json:"session_id"`
		Tags      []string       `json:"tags"`
		Metadata  map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.Validation("", "invalid request body: %v", err))
		return
	}
	if req.Content == "" {
		httpapi.Error(c, apperrors.Validation("", "content is required"))
		return
	}
	if req.Role == "" {
		req.Role = model.RoleUser
	}

	episode, err := store.LogEpisode(c.Request.Context(), registrystore.LogEpisodeRequest{
		Scope:     sc,
		SessionID: req.SessionID,
		Role:      req.Role,
		Content:   req.Content,
		Tags:      req.Tags,
		Metadata:  req.Metadata,
	})
	if err != nil {
		httpapi.Error(c, err)
		return
	}

	// Checkpoints are internal snapshots, not retrievable content.
	if enricher != nil && episode.Role != model.RoleCheckpoint {
		enricher.Submit(service.EnrichTask{EpisodeID: episode.ID, OrgID: episode.OrgID})
	}

	// A session-bound memory also lands in the session's short-term
	// window, same as a message posted to the session directly. The
	// episodic row is already durable; a window fault is not fatal.
	if windows != nil && req.SessionID != nil && episode.Role != model.RoleCheckpoint {
		if _, _, err := windows.AddMessage(c.Request.Context(), sc, *req.SessionID, shortterm.Message{
			Role:      episode.Role,
			Content:   episode.Content,
			Timestamp: episode.CreatedAt,
		}); err != nil {
			log.Warn("Memory logged but window append failed", "sessionId", req.SessionID, "err", err)
		}
	}

	httpapi.OK(c, http.StatusCreated, gin.H{
		"episode_id":  episode.ID,
		"session_id":  episode.SessionID,
		"created_at":  episode.CreatedAt,
		"token_count": shortterm.TokenCount(episode.Content),
	})
}

func getMemory(c *gin.Context, store registrystore.Store) {
	ident := security.GetIdentity(c)
	sc, err := ident.Scope()
	if err != nil {
		httpapi.Error(c, apperrors.Internal(err))
		return
	}
	episodeID, err := uuid.Parse(c.Param("episodeId"))
	if err != nil {
		httpapi.Error(c, apperrors.NotFound(apperrors.DetailEpisodeNotFound, "episode not found"))
		return
	}

	episode, err := store.GetEpisode(c.Request.Context(), sc, episodeID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, episode)
}

func listMemories(c *gin.Context, store registrystore.Store) {
	ident := security.GetIdentity(c)
	sc, err := ident.Scope()
	if err != nil {
		httpapi.Error(c, apperrors.Internal(err))
		return
	}
	filter, err := filterFromQuery(c)
	if err != nil {
		httpapi.Error(c, err)
		return
	}

	episodes, err := store.ListEpisodes(c.Request.Context(), sc, filter)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, gin.H{
		"episodes": episodes,
		"count":    len(episodes),
	})
}

func countMemories(c *gin.Context, store registrystore.Store) {
	ident := security.GetIdentity(c)
	sc, err := ident.Scope()
	if err != nil {
		httpapi.Error(c, apperrors.Internal(err))
		return
	}
	filter, err := filterFromQuery(c)
	if err != nil {
		httpapi.Error(c, err)
		return
	}

	count, err := store.CountEpisodes(c.Request.Context(), sc, filter)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, gin.H{"count": count})
}

// diffMemories returns the episodes that appeared inside a required
// time window, oldest first, so agents can catch up after an absence.
func diffMemories(c *gin.Context, store registrystore.Store) {
	ident := security.GetIdentity(c)
	sc, err := ident.Scope()
	if err != nil {
		httpapi.Error(c, apperrors.Internal(err))
		return
	}
	filter, err := filterFromQuery(c)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	if filter.Since == nil {
		httpapi.Error(c, apperrors.Validation("", "from_time is required"))
		return
	}
	if filter.Until == nil {
		now := time.Now()
		filter.Until = &now
	}

	episodes, err := store.ListEpisodes(c.Request.Context(), sc, filter)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	// ListEpisodes returns newest first; a diff reads forward.
	for i, j := 0, len(episodes)-1; i < j; i, j = i+1, j-1 {
		episodes[i], episodes[j] = episodes[j], episodes[i]
	}
	httpapi.OK(c, http.StatusOK, gin.H{
		"episodes":  episodes,
		"count":     len(episodes),
		"from_time": filter.Since,
		"to_time":   filter.Until,
	})
}

func filterFromQuery(c *gin.Context) (registrystore.EpisodeFilter, error) {
	var filter registrystore.EpisodeFilter

	if v := c.Query("session_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, apperrors.Validation("", "invalid session_id")
		}
		filter.SessionID = &id
	}
	for _, role := range c.QueryArray("role") {
		filter.Roles = append(filter.Roles, model.Role(role))
	}
	filter.Tags = c.QueryArray("tag")

	var err error
	if filter.Since, err = timeQuery(c, "from_time"); err != nil {
		return filter, err
	}
	if filter.Until, err = timeQuery(c, "to_time"); err != nil {
		return filter, err
	}
	if filter.Since != nil && filter.Until != nil && filter.Until.Before(*filter.Since) {
		return filter, apperrors.Validation(apperrors.DetailInvalidTimeRange, "to_time precedes from_time")
	}

	filter.Limit = intQuery(c, "limit", 50)
	filter.Offset = intQuery(c, "offset", 0)
	return filter, nil
}

func timeQuery(c *gin.Context, key string) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperrors.Validation("", "invalid %s, expected RFC3339", key)
	}
	return &t, nil
}

func intQuery(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
