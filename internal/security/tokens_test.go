package security

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/config"
)

func newManager(t *testing.T) *TokenManager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SecretKey = "test-secret"
	m, err := NewTokenManager(&cfg)
	require.NoError(t, err)
	return m
}

func testIdentity() *Identity {
	userID := uuid.New()
	agentID := uuid.New()
	return &Identity{
		OrgID:   uuid.New(),
		UserID:  &userID,
		AgentID: &agentID,
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	m := newManager(t)
	id := testIdentity()

	token, err := m.IssueAccess(id)
	require.NoError(t, err)

	claims, err := m.Verify(token, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, id.OrgID.String(), claims.Org)
	assert.Equal(t, id.UserID.String(), claims.Subject)
	assert.Equal(t, id.AgentID.String(), claims.AgentID)

	got, err := IdentityFromClaims(claims, token)
	require.NoError(t, err)
	assert.Equal(t, id.OrgID, got.OrgID)
	assert.Equal(t, *id.UserID, *got.UserID)
	assert.Equal(t, *id.AgentID, *got.AgentID)
	assert.Nil(t, got.TeamID)
}

func TestVerifyRejectsWrongType(t *testing.T) {
	m := newManager(t)
	refresh, err := m.IssueRefresh(testIdentity())
	require.NoError(t, err)

	_, err = m.Verify(refresh, TokenTypeAccess)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindAuthentication, apperrors.KindOf(err))
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := newManager(t)
	token, err := m.IssueAccess(testIdentity())
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	_, err = m.Verify(token, TokenTypeAccess)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindAuthentication, apperrors.KindOf(err))
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	m := newManager(t)
	cfg := config.DefaultConfig()
	cfg.SecretKey = "other-secret"
	other, err := NewTokenManager(&cfg)
	require.NoError(t, err)

	token, err := other.IssueAccess(testIdentity())
	require.NoError(t, err)

	_, err = m.Verify(token, TokenTypeAccess)
	require.Error(t, err)
}

func TestIssueRequiresUser(t *testing.T) {
	m := newManager(t)
	_, err := m.IssueAccess(&Identity{OrgID: uuid.New()})
	require.Error(t, err)
}

func TestProductionRefusesDefaultSecret(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Environment = config.EnvProduction
	_, err := NewTokenManager(&cfg)
	require.Error(t, err)

	cfg.SecretKey = "real-secret"
	_, err = NewTokenManager(&cfg)
	require.NoError(t, err)
}
