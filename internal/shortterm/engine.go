package shortterm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/config"
	"github.com/remembr/remembr/internal/model"
	registrycache "github.com/remembr/remembr/internal/registry/cache"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/scope"
)

// CheckpointStore is the slice of the episodic store the window engine
// needs to persist and recover checkpoints.
type CheckpointStore interface {
	LogEpisode(ctx context.Context, req registrystore.LogEpisodeRequest) (*model.Episode, error)
	GetEpisode(ctx context.Context, sc scope.Scope, episodeID uuid.UUID) (*model.Episode, error)
	ListEpisodes(ctx context.Context, sc scope.Scope, filter registrystore.EpisodeFilter) ([]model.Episode, error)
}

// Usage reports a window's token pressure.
type Usage struct {
	Tokens int     `json:"tokens"`
	Budget int     `json:"budget"`
	Ratio  float64 `json:"ratio"`
}

// Engine manages short-term windows in the cache and checkpoints in the
// episodic store. Callers serialize AddMessage per session; concurrent
// writers are last-writer-wins.
type Engine struct {
	cache     registrycache.Cache
	store     CheckpointStore
	budget    int
	threshold float64
	ttl       time.Duration
}

// NewEngine creates a window engine from the application config.
func NewEngine(ca registrycache.Cache, st CheckpointStore, cfg *config.Config) *Engine {
	return &Engine{
		cache:     ca,
		store:     st,
		budget:    cfg.ShortTermMaxTokens,
		threshold: cfg.AutoCheckpointThreshold,
		ttl:       cfg.WindowTTL,
	}
}

// WindowKey is the cache key holding a session's window.
func WindowKey(orgID, sessionID uuid.UUID) string {
	return registrycache.Key("stm", orgID.String(), sessionID.String())
}

func (e *Engine) load(ctx context.Context, orgID, sessionID uuid.UUID) *Window {
	w := &Window{}
	data, err := e.cache.Get(ctx, WindowKey(orgID, sessionID))
	if err != nil {
		// A cache fault degrades to an empty window rather than
		// failing the request.
		log.Warn("Window load failed", "session", sessionID, "err", err)
		return w
	}
	if data == nil {
		return w
	}
	if err := json.Unmarshal(data, w); err != nil {
		log.Warn("Window decode failed, starting fresh", "session", sessionID, "err", err)
		return &Window{}
	}
	return w
}

func (e *Engine) save(ctx context.Context, orgID, sessionID uuid.UUID, w *Window) error {
	data, err := json.Marshal(w)
	if err != nil {
		return apperrors.Internal(err)
	}
	if err := e.cache.Swap(ctx, WindowKey(orgID, sessionID), data, e.ttl); err != nil {
		return apperrors.Internal(err)
	}
	return nil
}

// AddMessage appends a message to the session window. When the window
// crosses strictly above the auto-checkpoint threshold the current
// state is persisted as a checkpoint episode and the window is
// compressed to half its budget. The budget is a hard cap either way:
// the saved window never exceeds it, so an oversized message may be
// evicted right after it was appended (and checkpointed). Returns the
// resulting window and the checkpoint, if one was taken.
func (e *Engine) AddMessage(ctx context.Context, sc scope.Scope, sessionID uuid.UUID, msg Message) (*Window, *model.Episode, error) {
	if msg.Content == "" {
		return nil, nil, apperrors.Validation("", "message content is required")
	}
	if msg.Role == "" {
		return nil, nil, apperrors.Validation("", "message role is required")
	}
	if msg.Tokens <= 0 {
		msg.Tokens = TokenCount(msg.Content)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	w := e.load(ctx, sc.OrgID, sessionID)
	w.Messages = append(w.Messages, msg)

	var checkpoint *model.Episode
	if e.budget > 0 && float64(w.TokenUsage()) > e.threshold*float64(e.budget) {
		cp, err := e.persistCheckpoint(ctx, sc, sessionID, w)
		if err != nil {
			// The message still lands if it fits; compression to the
			// half-budget target waits for the next successful
			// checkpoint.
			log.Error("Auto-checkpoint failed", "session", sessionID, "err", err)
		} else {
			checkpoint = cp
			w.Messages = Compress(w.Messages, e.budget/2)
		}
	}
	w.Messages = Enforce(w.Messages, e.budget)

	if err := e.save(ctx, sc.OrgID, sessionID, w); err != nil {
		return nil, nil, err
	}
	return w, checkpoint, nil
}

// GetContext returns the window's messages in chronological order.
func (e *Engine) GetContext(ctx context.Context, sc scope.Scope, sessionID uuid.UUID) ([]Message, error) {
	w := e.load(ctx, sc.OrgID, sessionID)
	return w.Messages, nil
}

// TokenUsage reports the window's current token pressure.
func (e *Engine) TokenUsage(ctx context.Context, sc scope.Scope, sessionID uuid.UUID) (*Usage, error) {
	w := e.load(ctx, sc.OrgID, sessionID)
	u := &Usage{Tokens: w.TokenUsage(), Budget: e.budget}
	if e.budget > 0 {
		u.Ratio = float64(u.Tokens) / float64(e.budget)
	}
	return u, nil
}

// Checkpoint persists the current window as a checkpoint episode
// without compressing the window.
func (e *Engine) Checkpoint(ctx context.Context, sc scope.Scope, sessionID uuid.UUID) (*model.Episode, error) {
	w := e.load(ctx, sc.OrgID, sessionID)
	return e.persistCheckpoint(ctx, sc, sessionID, w)
}

func (e *Engine) persistCheckpoint(ctx context.Context, sc scope.Scope, sessionID uuid.UUID, w *Window) (*model.Episode, error) {
	content, err := json.Marshal(w)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return e.store.LogEpisode(ctx, registrystore.LogEpisodeRequest{
		Scope:     sc,
		SessionID: &sessionID,
		Role:      model.RoleCheckpoint,
		Content:   string(content),
		Metadata:  map[string]any{"message_count": len(w.Messages)},
	})
}

// Restore atomically replaces the session window with a checkpoint's
// saved state.
func (e *Engine) Restore(ctx context.Context, sc scope.Scope, sessionID, checkpointID uuid.UUID) (*Window, error) {
	ep, err := e.store.GetEpisode(ctx, sc, checkpointID)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil, apperrors.NotFound(apperrors.DetailCheckpointNotFound, "checkpoint %s not found", checkpointID)
		}
		return nil, err
	}
	if ep.Role != model.RoleCheckpoint || ep.SessionID == nil || *ep.SessionID != sessionID {
		return nil, apperrors.NotFound(apperrors.DetailCheckpointNotFound, "checkpoint %s not found", checkpointID)
	}

	w := &Window{}
	if err := json.Unmarshal([]byte(ep.Content), w); err != nil {
		return nil, apperrors.Internal(err)
	}
	if err := e.save(ctx, sc.OrgID, sessionID, w); err != nil {
		return nil, err
	}
	return w, nil
}

// ListCheckpoints returns the session's checkpoint episodes, newest first.
func (e *Engine) ListCheckpoints(ctx context.Context, sc scope.Scope, sessionID uuid.UUID) ([]model.Episode, error) {
	return e.store.ListEpisodes(ctx, sc, registrystore.EpisodeFilter{
		SessionID: &sessionID,
		Roles:     []model.Role{model.RoleCheckpoint},
	})
}

// Clear drops a session's window from the cache.
func (e *Engine) Clear(ctx context.Context, orgID, sessionID uuid.UUID) error {
	return e.cache.Delete(ctx, WindowKey(orgID, sessionID))
}
