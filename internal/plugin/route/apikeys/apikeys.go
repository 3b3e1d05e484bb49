// Package apikeys mounts API key management routes. The raw key is
// returned exactly once, at creation; only its hash is stored.
package apikeys

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/httpapi"
	"github.com/remembr/remembr/internal/model"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/security"
)

func MountRoutes(r *gin.Engine, store registrystore.Store, resolver *security.TokenResolver, auth gin.HandlerFunc) {
	g := r.Group("/v1/api-keys", auth)

	g.POST("", func(c *gin.Context) {
		createKey(c, store)
	})
	g.GET("", func(c *gin.Context) {
		listKeys(c, store)
	})
	g.DELETE("/:keyId", func(c *gin.Context) {
		revokeKey(c, store, resolver)
	})
}

func createKey(c *gin.Context, store registrystore.Store) {
	ident := security.GetIdentity(c)
	var req struct {
		Name      string     `json:"name"`
		AgentID   *uuid.UUID `json:"agent_id"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.Validation("", "invalid request body: %v", err))
		return
	}
	if req.Name == "" {
		httpapi.Error(c, apperrors.Validation("", "name is required"))
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		httpapi.Error(c, apperrors.Validation("", "expires_at must be in the future"))
		return
	}

	raw, hash, err := security.GenerateAPIKey()
	if err != nil {
		httpapi.Error(c, apperrors.Internal(err))
		return
	}

	key, err := store.CreateAPIKey(c.Request.Context(), &model.APIKey{
		OrgID:     ident.OrgID,
		UserID:    ident.UserID,
		AgentID:   req.AgentID,
		KeyHash:   hash,
		Name:      req.Name,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		httpapi.Error(c, err)
		return
	}

	// The raw key leaves the service only here.
	httpapi.OK(c, http.StatusCreated, gin.H{
		"id":         key.ID,
		"name":       key.Name,
		"key":        raw,
		"created_at": key.CreatedAt,
		"expires_at": key.ExpiresAt,
	})
}

func listKeys(c *gin.Context, store registrystore.Store) {
	ident := security.GetIdentity(c)
	keys, err := store.ListAPIKeys(c.Request.Context(), ident.OrgID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, keys)
}

func revokeKey(c *gin.Context, store registrystore.Store, resolver *security.TokenResolver) {
	ident := security.GetIdentity(c)
	keyID, err := uuid.Parse(c.Param("keyId"))
	if err != nil {
		httpapi.Error(c, apperrors.NotFound(apperrors.DetailAPIKeyNotFound, "api key not found"))
		return
	}

	key, err := store.DeleteAPIKey(c.Request.Context(), ident.OrgID, keyID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	// Drop the auth-cache entry so the revocation is immediate.
	resolver.InvalidateAPIKey(c.Request.Context(), key.KeyHash)
	httpapi.OK(c, http.StatusOK, gin.H{"revoked": true, "id": key.ID})
}
