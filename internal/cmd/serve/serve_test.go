package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remembr/remembr/internal/config"
	"github.com/remembr/remembr/internal/testutil/testpg"
)

// startTestServer boots the full stack: real Postgres via
// testcontainers, miniredis for the cache, and the local hash embedder
// so semantic search works without network access.
func startTestServer(t *testing.T) (string, *Server) {
	t.Helper()

	dsn := testpg.StartPostgres(t)
	mr := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dsn
	cfg.CacheType = "redis"
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.EmbedType = "local"
	cfg.EmbedSweepEvery = 500 * time.Millisecond
	cfg.Listener.Port = 0
	cfg.Listener.ReadHeaderTimeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	})

	return fmt.Sprintf("http://127.0.0.1:%d", srv.Port), srv
}

type apiClient struct {
	t     *testing.T
	base  string
	token string
}

func (c *apiClient) do(method, path string, body any) (int, map[string]any) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "expected data envelope, got %v", body)
	return d
}

func TestServerEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	base, _ := startTestServer(t)
	c := &apiClient{t: t, base: base}

	// Liveness and readiness.
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Register a fresh org and user.
	status, body := c.do(http.MethodPost, "/v1/auth/register", map[string]any{
		"org_name": "acme",
		"email":    "e2e@example.com",
		"password": "long-enough-password",
		"name":     "E2E",
	})
	require.Equal(t, http.StatusCreated, status, body)
	c.token, _ = data(t, body)["access_token"].(string)
	require.NotEmpty(t, c.token)

	// Unauthenticated requests are rejected.
	anon := &apiClient{t: t, base: base}
	status, body = anon.do(http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusUnauthorized, status, body)

	// Session plus short-term window.
	status, body = c.do(http.MethodPost, "/v1/sessions", map[string]any{
		"metadata": map[string]any{"topic": "e2e"},
	})
	require.Equal(t, http.StatusCreated, status, body)
	sessionID, _ := data(t, body)["id"].(string)
	require.NotEmpty(t, sessionID)

	for i, content := range []string{"hello there", "I prefer oolong tea"} {
		status, body = c.do(http.MethodPost, "/v1/sessions/"+sessionID+"/messages", map[string]any{
			"role":    "user",
			"content": content,
		})
		require.Equal(t, http.StatusOK, status, body)
		assert.EqualValues(t, i+1, data(t, body)["message_count"])
	}

	// Log an episodic memory.
	status, body = c.do(http.MethodPost, "/v1/memories", map[string]any{
		"role":    "user",
		"content": "the user prefers oolong tea in the morning",
		"tags":    []string{"preference"},
	})
	require.Equal(t, http.StatusCreated, status, body)
	episodeID, _ := data(t, body)["episode_id"].(string)
	require.NotEmpty(t, episodeID)

	// Filter-only search sees the episode immediately.
	status, body = c.do(http.MethodPost, "/v1/search", map[string]any{
		"mode":             "filter_only",
		"tags":             []string{"preference"},
		"include_episodic": true,
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 1, data(t, body)["total_results"])

	// Hybrid search sees it once the background enricher lands the
	// embedding.
	require.Eventually(t, func() bool {
		status, body = c.do(http.MethodPost, "/v1/search", map[string]any{
			"query":            "oolong tea",
			"mode":             "hybrid",
			"include_episodic": true,
		})
		if status != http.StatusOK {
			return false
		}
		total, _ := data(t, body)["total_results"].(float64)
		return total >= 1
	}, 15*time.Second, 250*time.Millisecond, "embedding never became searchable")

	// Forget the episode and verify it is gone.
	status, body = c.do(http.MethodDelete, "/v1/memories/"+episodeID, nil)
	require.Equal(t, http.StatusOK, status, body)

	status, body = c.do(http.MethodGet, "/v1/memories/"+episodeID, nil)
	require.Equal(t, http.StatusNotFound, status, body)
}

func TestTokenRefreshRotation(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	base, _ := startTestServer(t)
	c := &apiClient{t: t, base: base}

	status, body := c.do(http.MethodPost, "/v1/auth/register", map[string]any{
		"org_name": "rotato",
		"email":    "rotate@example.com",
		"password": "long-enough-password",
		"name":     "Rotate",
	})
	require.Equal(t, http.StatusCreated, status, body)
	refresh, _ := data(t, body)["refresh_token"].(string)
	require.NotEmpty(t, refresh)

	// First refresh succeeds and rotates the token.
	status, body = c.do(http.MethodPost, "/v1/auth/refresh", map[string]any{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, status, body)

	// Replaying the rotated token is rejected.
	status, body = c.do(http.MethodPost, "/v1/auth/refresh", map[string]any{"refresh_token": refresh})
	require.Equal(t, http.StatusUnauthorized, status, body)
}
