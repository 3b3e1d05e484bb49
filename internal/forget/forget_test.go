package forget

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/audit"
	"github.com/remembr/remembr/internal/config"
	"github.com/remembr/remembr/internal/model"
	redisplugin "github.com/remembr/remembr/internal/plugin/cache/redis"
	registrycache "github.com/remembr/remembr/internal/registry/cache"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/scope"
	"github.com/remembr/remembr/internal/security"
	"github.com/remembr/remembr/internal/shortterm"
)

type fakeForgetStore struct {
	registrystore.Store

	failing  bool
	sessions []model.Session
	episodes map[uuid.UUID]bool
	auditLog []model.AuditLog
}

func newFakeForgetStore() *fakeForgetStore {
	return &fakeForgetStore{episodes: map[uuid.UUID]bool{}}
}

func (f *fakeForgetStore) ForgetEpisode(_ context.Context, _ scope.Scope, episodeID uuid.UUID) error {
	if f.failing {
		return apperrors.Internal(errors.New("storage down"))
	}
	if !f.episodes[episodeID] {
		return apperrors.NotFound(apperrors.DetailEpisodeNotFound, "episode %s not found", episodeID)
	}
	delete(f.episodes, episodeID)
	return nil
}

func (f *fakeForgetStore) ForgetSessionMemories(_ context.Context, _ scope.Scope, _ uuid.UUID) (int64, error) {
	if f.failing {
		return 0, apperrors.Internal(errors.New("storage down"))
	}
	return 3, nil
}

func (f *fakeForgetStore) ForgetUserMemories(_ context.Context, _, _ uuid.UUID) (*registrystore.ForgetUserResult, error) {
	if f.failing {
		return nil, apperrors.Internal(errors.New("storage down"))
	}
	return &registrystore.ForgetUserResult{EpisodesDeleted: 2, SessionsDeleted: 1}, nil
}

func (f *fakeForgetStore) ListSessions(_ context.Context, _ scope.Scope, _, _ int) ([]model.Session, error) {
	return f.sessions, nil
}

func (f *fakeForgetStore) AppendAudit(_ context.Context, entry *model.AuditLog) error {
	f.auditLog = append(f.auditLog, *entry)
	return nil
}

func (f *fakeForgetStore) statuses() []model.AuditStatus {
	out := make([]model.AuditStatus, len(f.auditLog))
	for i, e := range f.auditLog {
		out[i] = e.Status
	}
	return out
}

func testService(t *testing.T, st *fakeForgetStore) (*Service, registrycache.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	ca, err := redisplugin.LoadFromURL(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	windows := shortterm.NewEngine(ca, nil, &cfg)
	return NewService(st, windows, audit.NewRecorder(st)), ca
}

func orgIdentity(orgID uuid.UUID) *security.Identity {
	return &security.Identity{OrgID: orgID, Method: security.AuthMethodAPIKey}
}

func userIdentity(orgID, userID uuid.UUID) *security.Identity {
	return &security.Identity{OrgID: orgID, UserID: &userID, Method: security.AuthMethodToken}
}

func TestForgetEpisodeAudits(t *testing.T) {
	st := newFakeForgetStore()
	svc, _ := testService(t, st)
	epID := uuid.New()
	st.episodes[epID] = true
	orgID, userID := uuid.New(), uuid.New()

	found, err := svc.Episode(context.Background(), userIdentity(orgID, userID), "req-1", epID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []model.AuditStatus{model.AuditAttempt, model.AuditSuccess}, st.statuses())
	assert.False(t, st.episodes[epID])
	assert.Equal(t, "req-1", st.auditLog[0].RequestID)
}

func TestForgetEpisodeMissingIsFalseNotFailure(t *testing.T) {
	st := newFakeForgetStore()
	svc, _ := testService(t, st)
	orgID, userID := uuid.New(), uuid.New()

	found, err := svc.Episode(context.Background(), userIdentity(orgID, userID), "req-6", uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
	// Absence is an ordinary outcome; the trail records it without a
	// failure row.
	require.Equal(t, []model.AuditStatus{model.AuditAttempt, model.AuditSuccess}, st.statuses())
	assert.Equal(t, false, st.auditLog[1].Details["found"])
	assert.Nil(t, st.auditLog[1].ErrorMessage)
}

func TestForgetEpisodeStorageFailureLeavesTrail(t *testing.T) {
	st := newFakeForgetStore()
	st.failing = true
	svc, _ := testService(t, st)
	orgID, userID := uuid.New(), uuid.New()

	_, err := svc.Episode(context.Background(), userIdentity(orgID, userID), "req-7", uuid.New())
	require.Error(t, err)
	assert.Equal(t, []model.AuditStatus{model.AuditAttempt, model.AuditFailed}, st.statuses())
}

func TestForgetSessionClearsWindow(t *testing.T) {
	st := newFakeForgetStore()
	svc, ca := testService(t, st)
	orgID, userID, sessionID := uuid.New(), uuid.New(), uuid.New()

	key := shortterm.WindowKey(orgID, sessionID)
	require.NoError(t, ca.Set(context.Background(), key, []byte(`{"messages":[]}`), 0))

	deleted, err := svc.Session(context.Background(), userIdentity(orgID, userID), "req-2", sessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)

	data, err := ca.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestForgetUserRequiresOrgLevel(t *testing.T) {
	st := newFakeForgetStore()
	svc, _ := testService(t, st)
	orgID, userID := uuid.New(), uuid.New()

	_, err := svc.User(context.Background(), userIdentity(orgID, userID), "req-3", uuid.New())
	require.Error(t, err)
	ae := apperrors.As(err)
	assert.Equal(t, apperrors.KindAuthorization, ae.Kind)
	assert.Equal(t, apperrors.DetailOrgLevelRequired, ae.Detail)
	// Refused callers still leave a trail.
	assert.Equal(t, []model.AuditStatus{model.AuditAttempt, model.AuditFailed}, st.statuses())
}

func TestForgetUserSuccess(t *testing.T) {
	st := newFakeForgetStore()
	svc, ca := testService(t, st)
	orgID, userID, sessionID := uuid.New(), uuid.New(), uuid.New()
	st.sessions = []model.Session{{ID: sessionID, OrgID: orgID, UserID: &userID}}

	key := shortterm.WindowKey(orgID, sessionID)
	require.NoError(t, ca.Set(context.Background(), key, []byte(`{"messages":[]}`), 0))

	result, err := svc.User(context.Background(), orgIdentity(orgID), "req-4", userID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.EpisodesDeleted)
	assert.Equal(t, []model.AuditStatus{model.AuditAttempt, model.AuditSuccess}, st.statuses())
	assert.EqualValues(t, 2, st.auditLog[1].Details["episodes_deleted"])

	data, err := ca.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestForgetUserStorageFailureLeavesTrail(t *testing.T) {
	st := newFakeForgetStore()
	st.failing = true
	svc, _ := testService(t, st)
	orgID := uuid.New()

	_, err := svc.User(context.Background(), orgIdentity(orgID), "req-5", uuid.New())
	require.Error(t, err)

	require.Equal(t, []model.AuditStatus{model.AuditAttempt, model.AuditFailed}, st.statuses())
	require.NotNil(t, st.auditLog[1].ErrorMessage)
	assert.Contains(t, *st.auditLog[1].ErrorMessage, "internal error")
}
