package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/config"
)

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// TokenClaims is the JWT payload. Subject carries the user id.
type TokenClaims struct {
	Org     string `json:"org"`
	Team    string `json:"team,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Type    string `json:"type"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256-signed access and refresh
// tokens. It is initialized once at startup from the service secret.
type TokenManager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenManager creates a TokenManager from the application config.
func NewTokenManager(cfg *config.Config) (*TokenManager, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("token manager: secret key is required")
	}
	if cfg.Environment == config.EnvProduction && cfg.SecretKey == config.DefaultConfig().SecretKey {
		return nil, fmt.Errorf("token manager: default secret key is not allowed in production")
	}
	return &TokenManager{
		secret:     []byte(cfg.SecretKey),
		accessTTL:  cfg.AccessTokenTTL(),
		refreshTTL: cfg.RefreshTokenTTL(),
		now:        time.Now,
	}, nil
}

// IssueAccess signs a short-lived access token for the identity.
func (m *TokenManager) IssueAccess(id *Identity) (string, error) {
	return m.issue(id, TokenTypeAccess, m.accessTTL)
}

// IssueRefresh signs a long-lived refresh token for the identity.
func (m *TokenManager) IssueRefresh(id *Identity) (string, error) {
	return m.issue(id, TokenTypeRefresh, m.refreshTTL)
}

func (m *TokenManager) issue(id *Identity, typ TokenType, ttl time.Duration) (string, error) {
	if id.UserID == nil {
		return "", fmt.Errorf("issue token: identity has no user")
	}
	now := m.now()
	claims := TokenClaims{
		Org:  id.OrgID.String(),
		Type: string(typ),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if id.TeamID != nil {
		claims.Team = id.TeamID.String()
	}
	if id.AgentID != nil {
		claims.AgentID = id.AgentID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses and validates a token of the expected type and returns
// its claims. Expired, malformed, mis-signed and mistyped tokens all
// surface as authentication errors.
func (m *TokenManager) Verify(token string, expected TokenType) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Authentication("token expired")
		}
		return nil, apperrors.Authentication("invalid token")
	}
	if claims.Type != string(expected) {
		return nil, apperrors.Authentication("wrong token type")
	}
	return claims, nil
}

// IdentityFromClaims converts verified token claims into an Identity.
func IdentityFromClaims(claims *TokenClaims, credential string) (*Identity, error) {
	orgID, err := uuid.Parse(claims.Org)
	if err != nil {
		return nil, apperrors.Authentication("invalid token")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, apperrors.Authentication("invalid token")
	}
	id := &Identity{
		OrgID:      orgID,
		UserID:     &userID,
		Method:     AuthMethodToken,
		Credential: credential,
	}
	if claims.Team != "" {
		teamID, err := uuid.Parse(claims.Team)
		if err != nil {
			return nil, apperrors.Authentication("invalid token")
		}
		id.TeamID = &teamID
	}
	if claims.AgentID != "" {
		agentID, err := uuid.Parse(claims.AgentID)
		if err != nil {
			return nil, apperrors.Authentication("invalid token")
		}
		id.AgentID = &agentID
	}
	return id, nil
}
