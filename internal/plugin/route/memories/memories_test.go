package memories_test

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
	"github.com/remembr/remembr/internal/plugin/route/memories"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/scope"
	"github.com/remembr/remembr/internal/security"
	"github.com/remembr/remembr/internal/shortterm"
)

type fakeMemoryStore struct {
	registrystore.Store

	logged   []registrystore.LogEpisodeRequest
	episodes []model.Episode
}

func (f *fakeMemoryStore) LogEpisode(_ context.Context, req registrystore.LogEpisodeRequest) (*model.Episode, error) {
	f.logged = append(f.logged, req)
	ep := model.Episode{
		ID:        uuid.New(),
		OrgID:     req.Scope.OrgID,
		SessionID: req.SessionID,
		Role:      req.Role,
		Content:   req.Content,
		CreatedAt: time.Now(),
	}
	f.episodes = append(f.episodes, ep)
	return &ep, nil
}

func (f *fakeMemoryStore) GetEpisode(_ context.Context, _ scope.Scope, episodeID uuid.UUID) (*model.Episode, error) {
	for _, ep := range f.episodes {
		if ep.ID == episodeID {
			return &ep, nil
		}
	}
	return nil, apperrors.NotFound(apperrors.DetailEpisodeNotFound, "episode not found")
}

func (f *fakeMemoryStore) ListEpisodes(_ context.Context, _ scope.Scope, _ registrystore.EpisodeFilter) ([]model.Episode, error) {
	return f.episodes, nil
}

func (f *fakeMemoryStore) CountEpisodes(_ context.Context, _ scope.Scope, _ registrystore.EpisodeFilter) (int64, error) {
	return int64(len(f.episodes)), nil
}

func testRouter(t *testing.T, st *fakeMemoryStore) (*gin.Engine, *shortterm.Engine, scope.Scope) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	orgID := uuid.New()
	userID := uuid.New()
	auth := func(c *gin.Context) {
		c.Set(security.ContextKeyIdentity, &security.Identity{OrgID: orgID, UserID: &userID})
	}

	mr := miniredis.RunT(t)
	ca, err := redisplugin.LoadFromURL(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	windows := shortterm.NewEngine(ca, nil, &cfg)

	sc, err := scope.New(orgID, nil, &userID, nil)
	require.NoError(t, err)

	memories.MountRoutes(r, st, windows, nil, auth)
	return r, windows, sc
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

func errorCode(t *testing.T, w *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	detail, _ := body.Error.Details["code"].(string)
	return body.Error.Code, detail
}

func TestLogMemoryReturnsTokenCount(t *testing.T) {
	st := &fakeMemoryStore{}
	r, _, _ := testRouter(t, st)

	w := doJSON(t, r, http.MethodPost, "/v1/memories", gin.H{
		"role":    "user",
		"content": "remember that I like coffee",
		"tags":    []string{"preference"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Data struct {
			EpisodeID  uuid.UUID `json:"episode_id"`
			TokenCount int       `json:"token_count"`
		} `json:"data"`
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEqual(t, uuid.Nil, body.Data.EpisodeID)
	assert.Greater(t, body.Data.TokenCount, 0)

	require.Len(t, st.logged, 1)
	assert.Equal(t, []string{"preference"}, st.logged[0].Tags)
}

func TestLogMemoryWithSessionFeedsWindow(t *testing.T) {
	st := &fakeMemoryStore{}
	r, windows, sc := testRouter(t, st)
	sessionID := uuid.New()

	w := doJSON(t, r, http.MethodPost, "/v1/memories", gin.H{
		"role":       "user",
		"content":    "note the standing meeting moved to ten",
		"session_id": sessionID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// The episodic write also lands in the session window.
	msgs, err := windows.GetContext(context.Background(), sc, sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "note the standing meeting moved to ten", msgs[0].Content)

	// A sessionless memory stays out of every window.
	w = doJSON(t, r, http.MethodPost, "/v1/memories", gin.H{
		"role":    "user",
		"content": "global fact",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	msgs, err = windows.GetContext(context.Background(), sc, sessionID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestLogMemoryRequiresContent(t *testing.T) {
	r, _, _ := testRouter(t, &fakeMemoryStore{})
	w := doJSON(t, r, http.MethodPost, "/v1/memories", gin.H{"role": "user"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	code, _ := errorCode(t, w)
	assert.Equal(t, "VALIDATION_ERROR", code)
}

func TestGetMemoryUnknownIDIs404(t *testing.T) {
	r, _, _ := testRouter(t, &fakeMemoryStore{})
	w := doJSON(t, r, http.MethodGet, "/v1/memories/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	code, detail := errorCode(t, w)
	assert.Equal(t, "NOT_FOUND", code)
	assert.Equal(t, "EPISODE_NOT_FOUND", detail)
}

func TestGetMemoryMalformedIDIs404(t *testing.T) {
	r, _, _ := testRouter(t, &fakeMemoryStore{})
	w := doJSON(t, r, http.MethodGet, "/v1/memories/not-a-uuid", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDiffRequiresFromTime(t *testing.T) {
	r, _, _ := testRouter(t, &fakeMemoryStore{})
	w := doJSON(t, r, http.MethodGet, "/v1/memories/diff", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	code, _ := errorCode(t, w)
	assert.Equal(t, "VALIDATION_ERROR", code)
}

func TestListRejectsInvertedTimeRange(t *testing.T) {
	r, _, _ := testRouter(t, &fakeMemoryStore{})
	from := time.Now().UTC().Format(time.RFC3339)
	to := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	w := doJSON(t, r, http.MethodGet, "/v1/memories?from_time="+from+"&to_time="+to, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	code, detail := errorCode(t, w)
	assert.Equal(t, "VALIDATION_ERROR", code)
	assert.Equal(t, "INVALID_TIME_RANGE", detail)
}

func TestCountMemories(t *testing.T) {
	st := &fakeMemoryStore{episodes: []model.Episode{{ID: uuid.New()}, {ID: uuid.New()}}}
	r, _, _ := testRouter(t, st)
	w := doJSON(t, r, http.MethodGet, "/v1/memories/count", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			Count int64 `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body.Data.Count)
}
