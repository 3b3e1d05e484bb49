// Package auth mounts the registration, login and token lifecycle
// routes. Refresh tokens are revoked by caching their hash until the
// token would have expired anyway.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/httpapi"
	"github.com/remembr/remembr/internal/model"
	registrycache "github.com/remembr/remembr/internal/registry/cache"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/security"
)

// MountRoutes mounts the auth routes. Register, login and refresh are
// unauthenticated; logout requires the caller to present the refresh
// token being revoked.
func MountRoutes(r *gin.Engine, store registrystore.Store, tokens *security.TokenManager, resolver *security.TokenResolver, cache registrycache.Cache) {
	g := r.Group("/v1/auth")

	g.POST("/register", func(c *gin.Context) {
		register(c, store, tokens, resolver)
	})
	g.POST("/login", func(c *gin.Context) {
		login(c, store, tokens)
	})
	g.POST("/refresh", func(c *gin.Context) {
		refresh(c, tokens, cache)
	})
	g.POST("/logout", func(c *gin.Context) {
		logout(c, tokens, cache)
	})
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func issuePair(tokens *security.TokenManager, id *security.Identity) (*tokenPair, error) {
	access, err := tokens.IssueAccess(id)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	refresh, err := tokens.IssueRefresh(id)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &tokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}

func register(c *gin.Context, store registrystore.Store, tokens *security.TokenManager, resolver *security.TokenResolver) {
	var req struct {
		OrgName  string `json:"org_name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.Validation("", "invalid request body: %v", err))
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		httpapi.Error(c, apperrors.Validation("", "email and password are required"))
		return
	}
	if len(req.Password) < 8 {
		httpapi.Error(c, apperrors.Validation("", "password must be at least 8 characters"))
		return
	}

	ctx := c.Request.Context()

	// An org-scoped credential registers the user inside its own org;
	// otherwise a fresh organization is created.
	var orgID uuid.UUID
	if ident := optionalIdentity(c, resolver); ident != nil {
		if !ident.IsOrgLevel() {
			httpapi.Error(c, apperrors.Authorization(apperrors.DetailOrgLevelRequired, "registering users requires an org-level credential"))
			return
		}
		orgID = ident.OrgID
	} else {
		if req.OrgName == "" {
			httpapi.Error(c, apperrors.Validation("", "org_name is required"))
			return
		}
		org, err := store.CreateOrganization(ctx, req.OrgName)
		if err != nil {
			httpapi.Error(c, err)
			return
		}
		orgID = org.ID
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		httpapi.Error(c, apperrors.Internal(err))
		return
	}
	user, err := store.CreateUser(ctx, &model.User{
		OrgID:        orgID,
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: string(hash),
	})
	if err != nil {
		httpapi.Error(c, err)
		return
	}

	pair, err := issuePair(tokens, &security.Identity{OrgID: orgID, UserID: &user.ID})
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusCreated, gin.H{
		"user":          user,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    pair.TokenType,
	})
}

// optionalIdentity resolves credentials when any were presented;
// register works without them.
func optionalIdentity(c *gin.Context, resolver *security.TokenResolver) *security.Identity {
	apiKey := c.GetHeader("X-API-Key")
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if apiKey == "" && (token == "" || token == c.GetHeader("Authorization")) {
		return nil
	}
	ident, err := resolver.Resolve(c.Request.Context(), token, apiKey)
	if err != nil {
		return nil
	}
	return ident
}

func login(c *gin.Context, store registrystore.Store, tokens *security.TokenManager) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.Validation("", "invalid request body: %v", err))
		return
	}

	user, err := store.GetUserByEmail(c.Request.Context(), strings.TrimSpace(strings.ToLower(req.Email)))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	// Absent user and wrong password are indistinguishable.
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		httpapi.Error(c, apperrors.Authentication("invalid email or password"))
		return
	}

	pair, err := issuePair(tokens, &security.Identity{OrgID: user.OrgID, UserID: &user.ID, TeamID: user.TeamID})
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	httpapi.OK(c, http.StatusOK, pair)
}

func refresh(c *gin.Context, tokens *security.TokenManager, cache registrycache.Cache) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		httpapi.Error(c, apperrors.Validation("", "refresh_token is required"))
		return
	}

	claims, err := tokens.Verify(req.RefreshToken, security.TokenTypeRefresh)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	ctx := c.Request.Context()
	if isRevoked(ctx, cache, req.RefreshToken) {
		httpapi.Error(c, apperrors.Authentication("refresh token revoked"))
		return
	}

	ident, err := security.IdentityFromClaims(claims, req.RefreshToken)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	pair, err := issuePair(tokens, ident)
	if err != nil {
		httpapi.Error(c, err)
		return
	}

	// Rotation: the presented token cannot be replayed.
	revoke(ctx, cache, req.RefreshToken, claims)
	httpapi.OK(c, http.StatusOK, pair)
}

func logout(c *gin.Context, tokens *security.TokenManager, cache registrycache.Cache) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		httpapi.Error(c, apperrors.Validation("", "refresh_token is required"))
		return
	}

	claims, err := tokens.Verify(req.RefreshToken, security.TokenTypeRefresh)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	revoke(c.Request.Context(), cache, req.RefreshToken, claims)
	httpapi.OK(c, http.StatusOK, gin.H{"status": "logged out"})
}

func revocationKey(token string) string {
	return registrycache.Key("auth", "revoked", security.HashAPIKey(token))
}

func isRevoked(ctx context.Context, cache registrycache.Cache, token string) bool {
	if cache == nil || !cache.Available() {
		return false
	}
	data, err := cache.Get(ctx, revocationKey(token))
	if err != nil {
		log.Warn("Revocation lookup failed, treating token as valid", "err", err)
		return false
	}
	return data != nil
}

func revoke(ctx context.Context, cache registrycache.Cache, token string, claims *security.TokenClaims) {
	if cache == nil || !cache.Available() {
		log.Warn("No cache available, refresh token revocation is best-effort only")
		return
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return
	}
	if err := cache.Set(ctx, revocationKey(token), []byte("1"), ttl); err != nil {
		log.Warn("Failed to record refresh token revocation", "err", err)
	}
}
