package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/model"
	"github.com/remembr/remembr/internal/scope"
)

type storeKey struct{}

// WithContext returns a new context carrying the given Store.
func WithContext(ctx context.Context, s Store) context.Context {
	return context.WithValue(ctx, storeKey{}, s)
}

// FromContext retrieves the Store from the context. Returns nil if none
// was set.
func FromContext(ctx context.Context) Store {
	s, _ := ctx.Value(storeKey{}).(Store)
	return s
}

// LogEpisodeRequest is the input for writing an episode. When SessionID
// is set the episode inherits the session's scope tuple; otherwise it
// is written at Scope exactly.
type LogEpisodeRequest struct {
	Scope     scope.Scope
	SessionID *uuid.UUID
	Role      model.Role
	Content   string
	Tags      []string
	Metadata  map[string]any
}

// EpisodeFilter narrows episode listings and the filter arm of hybrid
// queries. Zero-value fields are ignored. Tags match by overlap: an
// episode qualifies when it carries at least one requested tag.
type EpisodeFilter struct {
	SessionID *uuid.UUID
	Roles     []model.Role
	Tags      []string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// ScoredEpisode pairs an episode with its retrieval score.
type ScoredEpisode struct {
	Episode model.Episode `json:"episode"`
	Score   float64       `json:"score"`
}

// EnrichTarget is an episode awaiting embedding, with the fields the
// enrichment worker needs.
type EnrichTarget struct {
	EpisodeID uuid.UUID
	OrgID     uuid.UUID
	Content   string
}

// InsertEmbeddingRequest attaches one vector to an episode.
type InsertEmbeddingRequest struct {
	OrgID      uuid.UUID
	EpisodeID  uuid.UUID
	Content    string
	Model      string
	Dimensions int
	Vector     []float32
}

// ForgetUserResult reports what a user-level purge removed.
type ForgetUserResult struct {
	EpisodesDeleted   int64 `json:"episodesDeleted"`
	EmbeddingsDeleted int64 `json:"embeddingsDeleted"`
	SessionsDeleted   int64 `json:"sessionsDeleted"`
	FactsDeleted      int64 `json:"factsDeleted"`
}

// Store is the primary data access interface. Every tenant-scoped call
// runs inside a transaction bound to the caller's org so the row-level
// guard applies; the audit appender uses its own transaction.
type Store interface {
	// Tenants
	CreateOrganization(ctx context.Context, name string) (*model.Organization, error)
	CreateTeam(ctx context.Context, orgID uuid.UUID, name string) (*model.Team, error)
	CreateUser(ctx context.Context, user *model.User) (*model.User, error)
	GetUser(ctx context.Context, orgID, userID uuid.UUID) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	CreateAgent(ctx context.Context, agent *model.Agent) (*model.Agent, error)
	GetAgent(ctx context.Context, orgID, agentID uuid.UUID) (*model.Agent, error)

	// API keys
	CreateAPIKey(ctx context.Context, key *model.APIKey) (*model.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*model.APIKey, error)
	TouchAPIKey(ctx context.Context, orgID, keyID uuid.UUID, usedAt time.Time) error
	ListAPIKeys(ctx context.Context, orgID uuid.UUID) ([]model.APIKey, error)
	DeleteAPIKey(ctx context.Context, orgID, keyID uuid.UUID) (*model.APIKey, error)

	// Sessions
	CreateSession(ctx context.Context, sc scope.Scope, metadata map[string]any, expiresAt *time.Time) (*model.Session, error)
	GetSession(ctx context.Context, sc scope.Scope, sessionID uuid.UUID) (*model.Session, error)
	ListSessions(ctx context.Context, sc scope.Scope, limit, offset int) ([]model.Session, error)

	// Episodes
	LogEpisode(ctx context.Context, req LogEpisodeRequest) (*model.Episode, error)
	GetEpisode(ctx context.Context, sc scope.Scope, episodeID uuid.UUID) (*model.Episode, error)
	ListEpisodes(ctx context.Context, sc scope.Scope, filter EpisodeFilter) ([]model.Episode, error)
	CountEpisodes(ctx context.Context, sc scope.Scope, filter EpisodeFilter) (int64, error)
	// SessionHistory returns a session's episodes in chronological order.
	SessionHistory(ctx context.Context, sc scope.Scope, sessionID uuid.UUID, limit, offset int) ([]model.Episode, error)
	// ReplaySession returns the session's episodes logged at or before
	// the given instant, in chronological order.
	ReplaySession(ctx context.Context, sc scope.Scope, sessionID uuid.UUID, until time.Time) ([]model.Episode, error)

	// Embeddings
	InsertEmbedding(ctx context.Context, req InsertEmbeddingRequest) error
	GetEnrichTarget(ctx context.Context, orgID, episodeID uuid.UUID) (*EnrichTarget, error)
	FindEpisodesMissingEmbedding(ctx context.Context, limit int) ([]EnrichTarget, error)
	// SearchEmbeddings runs cosine similarity over the readable scope
	// chain and returns episodes scored in [0, 1], best first.
	SearchEmbeddings(ctx context.Context, sc scope.Scope, vector []float32, limit int, filter EpisodeFilter) ([]ScoredEpisode, error)

	// Forgetting
	ForgetEpisode(ctx context.Context, sc scope.Scope, episodeID uuid.UUID) error
	ForgetSessionMemories(ctx context.Context, sc scope.Scope, sessionID uuid.UUID) (int64, error)
	ForgetUserMemories(ctx context.Context, orgID, userID uuid.UUID) (*ForgetUserResult, error)

	// Audit. Runs on its own transaction so an outer rollback cannot
	// erase the row.
	AppendAudit(ctx context.Context, entry *model.AuditLog) error
}

// Loader creates a Store from config.
type Loader func(ctx context.Context) (Store, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
