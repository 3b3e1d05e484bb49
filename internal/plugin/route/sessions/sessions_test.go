package sessions_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/config"
	"github.com/remembr/remembr/internal/model"
	redisplugin "github.com/remembr/remembr/internal/plugin/cache/redis"
	"github.com/remembr/remembr/internal/plugin/route/sessions"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/scope"
	"github.com/remembr/remembr/internal/security"
	"github.com/remembr/remembr/internal/shortterm"
)

type fakeSessionStore struct {
	registrystore.Store

	orgID    uuid.UUID
	sessions map[uuid.UUID]*model.Session
	episodes map[uuid.UUID]*model.Episode
}

func newFakeSessionStore(orgID uuid.UUID) *fakeSessionStore {
	return &fakeSessionStore{
		orgID:    orgID,
		sessions: map[uuid.UUID]*model.Session{},
		episodes: map[uuid.UUID]*model.Episode{},
	}
}

func (f *fakeSessionStore) CreateSession(_ context.Context, sc scope.Scope, metadata map[string]any, expiresAt *time.Time) (*model.Session, error) {
	s := &model.Session{
		ID:        uuid.New(),
		OrgID:     sc.OrgID,
		UserID:    sc.UserID,
		Metadata:  metadata,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeSessionStore) GetSession(_ context.Context, _ scope.Scope, sessionID uuid.UUID) (*model.Session, error) {
	if s, ok := f.sessions[sessionID]; ok {
		return s, nil
	}
	return nil, apperrors.NotFound(apperrors.DetailSessionNotFound, "session not found")
}

func (f *fakeSessionStore) ListSessions(_ context.Context, _ scope.Scope, _, _ int) ([]model.Session, error) {
	out := make([]model.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeSessionStore) LogEpisode(_ context.Context, req registrystore.LogEpisodeRequest) (*model.Episode, error) {
	ep := &model.Episode{
		ID:        uuid.New(),
		OrgID:     req.Scope.OrgID,
		SessionID: req.SessionID,
		Role:      req.Role,
		Content:   req.Content,
		Metadata:  req.Metadata,
		CreatedAt: time.Now(),
	}
	f.episodes[ep.ID] = ep
	return ep, nil
}

func (f *fakeSessionStore) GetEpisode(_ context.Context, _ scope.Scope, episodeID uuid.UUID) (*model.Episode, error) {
	if ep, ok := f.episodes[episodeID]; ok {
		return ep, nil
	}
	return nil, apperrors.NotFound(apperrors.DetailEpisodeNotFound, "episode not found")
}

func (f *fakeSessionStore) ListEpisodes(_ context.Context, _ scope.Scope, filter registrystore.EpisodeFilter) ([]model.Episode, error) {
	var out []model.Episode
	for _, ep := range f.episodes {
		if filter.SessionID != nil && (ep.SessionID == nil || *ep.SessionID != *filter.SessionID) {
			continue
		}
		out = append(out, *ep)
	}
	return out, nil
}

func testRouter(t *testing.T) (*gin.Engine, *fakeSessionStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	orgID := uuid.New()
	userID := uuid.New()
	st := newFakeSessionStore(orgID)

	mr := miniredis.RunT(t)
	ca, err := redisplugin.LoadFromURL(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	windows := shortterm.NewEngine(ca, st, &cfg)

	r := gin.New()
	auth := func(c *gin.Context) {
		c.Set(security.ContextKeyIdentity, &security.Identity{OrgID: orgID, UserID: &userID})
	}
	sessions.MountRoutes(r, st, windows, auth)
	return r, st
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, r *gin.Engine) uuid.UUID {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/v1/sessions", gin.H{"metadata": gin.H{"topic": "test"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Data model.Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEqual(t, uuid.Nil, body.Data.ID)
	return body.Data.ID
}

func TestCreateAndListSessions(t *testing.T) {
	r, _ := testRouter(t)
	id := createSession(t, r)

	w := doJSON(t, r, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data []model.Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, id, body.Data[0].ID)
}

func TestAddMessageGrowsWindow(t *testing.T) {
	r, _ := testRouter(t)
	id := createSession(t, r)

	for i, content := range []string{"first message", "second message"} {
		w := doJSON(t, r, http.MethodPost, "/v1/sessions/"+id.String()+"/messages", gin.H{
			"role":    "user",
			"content": content,
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var body struct {
			Data struct {
				MessageCount int `json:"message_count"`
				Tokens       int `json:"tokens"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, i+1, body.Data.MessageCount)
		assert.Greater(t, body.Data.Tokens, 0)
	}

	w := doJSON(t, r, http.MethodGet, "/v1/sessions/"+id.String()+"/context", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ctxBody struct {
		Data []shortterm.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ctxBody))
	require.Len(t, ctxBody.Data, 2)
	assert.Equal(t, "first message", ctxBody.Data[0].Content)
}

func TestAddMessageUnknownSessionIs404(t *testing.T) {
	r, _ := testRouter(t)
	w := doJSON(t, r, http.MethodPost, "/v1/sessions/"+uuid.NewString()+"/messages", gin.H{
		"role":    "user",
		"content": "orphan",
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", body.Error.Details["code"])
}

func TestCheckpointAndRestoreRoundTrip(t *testing.T) {
	r, _ := testRouter(t)
	id := createSession(t, r)

	for _, content := range []string{"alpha", "beta", "gamma"} {
		w := doJSON(t, r, http.MethodPost, "/v1/sessions/"+id.String()+"/messages", gin.H{
			"role": "user", "content": content,
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doJSON(t, r, http.MethodPost, "/v1/sessions/"+id.String()+"/checkpoint", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var cpBody struct {
		Data struct {
			CheckpointID uuid.UUID `json:"checkpoint_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cpBody))
	require.NotEqual(t, uuid.Nil, cpBody.Data.CheckpointID)

	// Add one more message, then roll back to the snapshot.
	w = doJSON(t, r, http.MethodPost, "/v1/sessions/"+id.String()+"/messages", gin.H{
		"role": "user", "content": "delta",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/sessions/"+id.String()+"/restore", gin.H{
		"checkpoint_id": cpBody.Data.CheckpointID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var restoreBody struct {
		Data struct {
			Restored int `json:"restored"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &restoreBody))
	assert.Equal(t, 3, restoreBody.Data.Restored)
}

func TestTokenUsageReflectsWindow(t *testing.T) {
	r, _ := testRouter(t)
	id := createSession(t, r)

	w := doJSON(t, r, http.MethodPost, "/v1/sessions/"+id.String()+"/messages", gin.H{
		"role": "user", "content": "twelve chars",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/sessions/"+id.String()+"/token-usage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Data)
}
