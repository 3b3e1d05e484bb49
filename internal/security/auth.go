package security

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/config"
	"github.com/remembr/remembr/internal/httpapi"
	registrycache "github.com/remembr/remembr/internal/registry/cache"
	registrystore "github.com/remembr/remembr/internal/registry/store"
)

const apiKeyCacheTTL = time.Minute

// TokenResolver resolves bearer tokens and API keys to caller
// identities. It is initialized once at startup and shared by the HTTP
// middleware.
type TokenResolver struct {
	tokens   *TokenManager
	verifier *oidc.IDTokenVerifier
	store    registrystore.Store
	cache    registrycache.Cache
}

// NewTokenResolver creates a TokenResolver from the application config.
// It performs one-time OIDC provider discovery if OIDCIssuer is
// configured; OIDC tokens then verify alongside the service's own
// HS256 tokens.
func NewTokenResolver(cfg *config.Config, tokens *TokenManager, st registrystore.Store, ca registrycache.Cache) *TokenResolver {
	var verifier *oidc.IDTokenVerifier
	oidcIssuer := cfg.OIDCIssuer

	if oidcIssuer != "" {
		ctx := context.Background()
		expectedIssuer := oidcIssuer
		discoveryURL := cfg.OIDCDiscoveryURL
		if discoveryURL != "" && discoveryURL != oidcIssuer {
			// Discovery URL differs from issuer (e.g. internal Docker
			// hostname vs external URL). NewProvider fetches from its
			// issuer arg, so pass the discovery URL there.
			ctx = oidc.InsecureIssuerURLContext(ctx, oidcIssuer)
			oidcIssuer = discoveryURL
		}
		provider, err := oidc.NewProvider(ctx, oidcIssuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider; continuing with local tokens only", "issuer", oidcIssuer, "err", err)
		} else {
			if expectedIssuer != oidcIssuer {
				var providerClaims struct {
					JWKSURI string `json:"jwks_uri"`
				}
				if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
					keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
					verifier = oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{
						SkipClientIDCheck: true,
					})
				}
			}
			if verifier == nil {
				verifier = provider.Verifier(&oidc.Config{
					SkipClientIDCheck: true,
				})
			}
			log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		}
	}

	return &TokenResolver{
		tokens:   tokens,
		verifier: verifier,
		store:    st,
		cache:    ca,
	}
}

// Resolve resolves a bearer token (without the "Bearer " prefix) or an
// X-API-Key value into a caller Identity. The API key wins when both
// are present.
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken, apiKey string) (*Identity, error) {
	if key := strings.TrimSpace(apiKey); key != "" {
		return r.resolveAPIKey(ctx, key)
	}
	token := strings.TrimSpace(bearerToken)
	if token == "" {
		return nil, apperrors.Authentication("missing credentials")
	}
	if LooksLikeAPIKey(token) {
		return r.resolveAPIKey(ctx, token)
	}

	claims, err := r.tokens.Verify(token, TokenTypeAccess)
	if err == nil {
		return IdentityFromClaims(claims, token)
	}
	if r.verifier != nil && strings.Count(token, ".") >= 2 {
		if id, oidcErr := r.resolveOIDC(ctx, token); oidcErr == nil {
			return id, nil
		}
	}
	return nil, err
}

// cachedAPIKey is the auth-cache representation of a resolved key.
type cachedAPIKey struct {
	KeyID   uuid.UUID  `json:"keyId"`
	OrgID   uuid.UUID  `json:"orgId"`
	UserID  *uuid.UUID `json:"userId,omitempty"`
	AgentID *uuid.UUID `json:"agentId,omitempty"`
	Expires *time.Time `json:"expires,omitempty"`
}

func (r *TokenResolver) resolveAPIKey(ctx context.Context, raw string) (*Identity, error) {
	if !LooksLikeAPIKey(raw) {
		return nil, apperrors.Authentication("invalid API key")
	}
	hash := HashAPIKey(raw)
	cacheKey := registrycache.Key("auth", "apikey", hash)

	var rec cachedAPIKey
	hit := false
	if r.cache != nil && r.cache.Available() {
		if data, err := r.cache.Get(ctx, cacheKey); err == nil && data != nil {
			hit = json.Unmarshal(data, &rec) == nil
		}
	}
	if !hit {
		key, err := r.store.GetAPIKeyByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if key == nil || !HashEqual(key.KeyHash, hash) {
			return nil, apperrors.Authentication("invalid API key")
		}
		rec = cachedAPIKey{
			KeyID:   key.ID,
			OrgID:   key.OrgID,
			UserID:  key.UserID,
			AgentID: key.AgentID,
			Expires: key.ExpiresAt,
		}
		if r.cache != nil && r.cache.Available() {
			if data, err := json.Marshal(rec); err == nil {
				if err := r.cache.Set(ctx, cacheKey, data, apiKeyCacheTTL); err != nil {
					log.Warn("Failed to cache API key lookup", "err", err)
				}
			}
		}
	}

	if rec.Expires != nil && !rec.Expires.After(time.Now()) {
		return nil, apperrors.Authentication("API key expired")
	}
	if err := r.store.TouchAPIKey(ctx, rec.OrgID, rec.KeyID, time.Now()); err != nil {
		log.Warn("Failed to record API key use", "keyID", rec.KeyID, "err", err)
	}

	return &Identity{
		OrgID:      rec.OrgID,
		UserID:     rec.UserID,
		AgentID:    rec.AgentID,
		Method:     AuthMethodAPIKey,
		Credential: raw,
	}, nil
}

// InvalidateAPIKey drops a revoked key from the auth cache so the
// revocation takes effect immediately rather than after the cache TTL.
func (r *TokenResolver) InvalidateAPIKey(ctx context.Context, keyHash string) {
	if r.cache == nil || !r.cache.Available() {
		return
	}
	if err := r.cache.Delete(ctx, registrycache.Key("auth", "apikey", keyHash)); err != nil {
		log.Warn("Failed to invalidate API key cache entry", "err", err)
	}
}

func (r *TokenResolver) resolveOIDC(ctx context.Context, token string) (*Identity, error) {
	idToken, err := r.verifier.Verify(ctx, token)
	if err != nil {
		return nil, apperrors.Authentication("invalid token")
	}
	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, apperrors.Authentication("invalid token")
	}
	email := claims.Email
	if email == "" {
		email = claims.PreferredUsername
	}
	if email == "" {
		return nil, apperrors.Authentication("token missing identity claims")
	}
	user, err := r.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperrors.Authentication("unknown user")
	}
	return &Identity{
		OrgID:      user.OrgID,
		UserID:     &user.ID,
		TeamID:     user.TeamID,
		Method:     AuthMethodOIDC,
		Credential: token,
	}, nil
}

// AuthMiddleware returns a gin middleware that resolves the caller
// identity from the Authorization header or X-API-Key header and
// stores it on both the gin context and the request context.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		auth := c.GetHeader("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if auth != "" && token == auth {
			httpapi.Error(c, apperrors.Authentication("invalid Authorization header; expected Bearer token"))
			return
		}

		id, err := resolver.Resolve(c.Request.Context(), token, apiKey)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			httpapi.Error(c, err)
			return
		}

		c.Set(ContextKeyIdentity, id)
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}
