// Package forget mounts the deletion routes. Every call lands in the
// audit log whether it succeeds or not.
package forget

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/forget"
	"github.com/remembr/remembr/internal/httpapi"
	"github.com/remembr/remembr/internal/security"
)

func MountRoutes(r *gin.Engine, svc *forget.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.DELETE("/memories/:episodeId", func(c *gin.Context) {
		forgetEpisode(c, svc)
	})
	g.DELETE("/sessions/:sessionId/memories", func(c *gin.Context) {
		forgetSession(c, svc)
	})
	g.DELETE("/users/:userId/memories", func(c *gin.Context) {
		forgetUser(c, svc)
	})
}

func forgetEpisode(c *gin.Context, svc *forget.Service) {
	ident := security.GetIdentity(c)
	episodeID, err := uuid.Parse(c.Param("episodeId"))
	if err != nil {
		httpapi.Error(c, apperrors.NotFound(apperrors.DetailEpisodeNotFound, "episode not found"))
		return
	}

	found, err := svc.Episode(c.Request.Context(), ident, httpapi.RequestID(c), episodeID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	if !found {
		httpapi.Error(c, apperrors.NotFound(apperrors.DetailEpisodeNotFound, "episode %s not found", episodeID))
		return
	}
	httpapi.OK(c, http.StatusOK, gin.H{"forgotten": true, "episode_id": episodeID})
}

func forgetSession(c *gin.Context, svc *forget.Service) {
	ident := security.GetIdentity(c)
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		httpapi.Error(c, apperrors.NotFound(apperrors.DetailSessionNotFound, "session not found"))
		return
	}

	deleted, err := svc.Session(c.Request.Context(), ident, httpapi.RequestID(c), sessionID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, gin.H{
		"forgotten":        true,
		"session_id":       sessionID,
		"episodes_deleted": deleted,
	})
}

func forgetUser(c *gin.Context, svc *forget.Service) {
	ident := security.GetIdentity(c)
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		httpapi.Error(c, apperrors.Validation("", "invalid user id"))
		return
	}

	result, err := svc.User(c.Request.Context(), ident, httpapi.RequestID(c), userID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, gin.H{
		"forgotten": true,
		"user_id":   userID,
		"deleted":   result,
	})
}
