package security

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/scope"
)

const (
	// ContextKeyIdentity is the gin context key for the resolved caller identity.
	ContextKeyIdentity = "identity"
)

const (
	AuthMethodToken  = "token"
	AuthMethodAPIKey = "api_key"
	AuthMethodOIDC   = "oidc"
)

// Identity holds the resolved caller identity from a bearer token or
// API key. UserID is nil only for org-level API keys.
type Identity struct {
	OrgID   uuid.UUID
	UserID  *uuid.UUID
	TeamID  *uuid.UUID
	AgentID *uuid.UUID
	Method  string
	// Credential is the raw presented secret. It never leaves the
	// process; the rate limiter uses it as the bucket key.
	Credential string
}

// Scope returns the memory scope the identity reads and writes at.
func (id *Identity) Scope() (scope.Scope, error) {
	return scope.New(id.OrgID, id.TeamID, id.UserID, id.AgentID)
}

// IsOrgLevel reports whether the identity is an org-level credential.
func (id *Identity) IsOrgLevel() bool {
	return id.UserID == nil && id.AgentID == nil
}

type identityKey struct{}

// WithIdentity returns a new context carrying the given Identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the Identity stored in a request context.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// GetIdentity returns the authenticated identity from the gin context.
func GetIdentity(c *gin.Context) *Identity {
	v, _ := c.Get(ContextKeyIdentity)
	id, _ := v.(*Identity)
	return id
}
