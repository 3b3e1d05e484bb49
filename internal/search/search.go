// Package search implements the hybrid query engine: a concurrent
// fan-out over the short-term window and the episodic store with a
// deduplicated, score-ordered merge.
package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/model"
	registryembed "github.com/remembr/remembr/internal/registry/embed"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/scope"
	"github.com/remembr/remembr/internal/security"
	"github.com/remembr/remembr/internal/shortterm"
)

// Mode selects how results are retrieved and ranked.
type Mode string

const (
	// ModeSemantic ranks by vector similarity; requires a query.
	ModeSemantic Mode = "semantic"
	// ModeHybrid combines vector similarity with metadata filters.
	ModeHybrid Mode = "hybrid"
	// ModeFilterOnly skips embeddings entirely and orders by time. It
	// is strictly consistent: a just-logged episode is always visible.
	ModeFilterOnly Mode = "filter_only"
)

const defaultLimit = 10

// Request is a hybrid query. Zero-value filters are ignored.
type Request struct {
	Query            string       `json:"query"`
	SessionID        *uuid.UUID   `json:"session_id"`
	Roles            []model.Role `json:"roles"`
	Tags             []string     `json:"tags"`
	Since            *time.Time   `json:"from_time"`
	Until            *time.Time   `json:"to_time"`
	Limit            int          `json:"limit"`
	ScoreThreshold   float64      `json:"score_threshold"`
	IncludeShortTerm bool         `json:"include_short_term"`
	IncludeEpisodic  bool         `json:"include_episodic"`
	Mode             Mode         `json:"mode"`
}

// Result is one retrieval hit from either branch.
type Result struct {
	Source    string     `json:"source"`
	EpisodeID *uuid.UUID `json:"episode_id,omitempty"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	Role      model.Role `json:"role"`
	Content   string     `json:"content"`
	Tags      []string   `json:"tags,omitempty"`
	Score     float64    `json:"score"`
	CreatedAt time.Time  `json:"created_at"`
}

const (
	SourceShortTerm = "short_term"
	SourceEpisodic  = "episodic"
)

// Response is the merged, truncated result set. Degraded is set when
// the embedding provider failed and the episodic branch fell back to
// filter-only retrieval.
type Response struct {
	Results      []Result `json:"results"`
	TotalResults int      `json:"total_results"`
	Mode         Mode     `json:"mode"`
	Degraded     bool     `json:"degraded"`
}

// Engine runs hybrid queries. The two branches never serialize: query
// wall-time is the max of the branch times plus the merge.
type Engine struct {
	store    registrystore.Store
	embedder registryembed.Embedder
	windows  *shortterm.Engine
}

func NewEngine(store registrystore.Store, embedder registryembed.Embedder, windows *shortterm.Engine) *Engine {
	return &Engine{store: store, embedder: embedder, windows: windows}
}

func (e *Engine) Query(ctx context.Context, sc scope.Scope, req Request) (*Response, error) {
	switch req.Mode {
	case "":
		req.Mode = ModeHybrid
	case ModeSemantic, ModeHybrid, ModeFilterOnly:
	default:
		return nil, apperrors.Validation("", "unknown search mode %q", req.Mode)
	}
	if req.Mode == ModeSemantic && strings.TrimSpace(req.Query) == "" {
		return nil, apperrors.Validation("", "semantic search requires a query")
	}
	if req.Since != nil && req.Until != nil && req.Since.After(*req.Until) {
		return nil, apperrors.Validation(apperrors.DetailInvalidTimeRange, "from_time must not be after to_time")
	}
	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}

	if security.SearchLatency != nil {
		timer := time.Now()
		defer func() {
			security.SearchLatency.WithLabelValues(string(req.Mode)).Observe(time.Since(timer).Seconds())
		}()
	}

	var (
		shortTerm []Result
		episodic  []Result
		degraded  bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		shortTerm, err = e.shortTermBranch(gctx, sc, req)
		return err
	})
	g.Go(func() error {
		var err error
		episodic, degraded, err = e.episodicBranch(gctx, sc, req)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := append(shortTerm, episodic...)
	if req.Mode == ModeFilterOnly {
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		})
	} else {
		sort.SliceStable(merged, func(i, j int) bool {
			if merged[i].Score != merged[j].Score {
				return merged[i].Score > merged[j].Score
			}
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		})
	}
	if len(merged) > req.Limit {
		merged = merged[:req.Limit]
	}

	return &Response{
		Results:      merged,
		TotalResults: len(merged),
		Mode:         req.Mode,
		Degraded:     degraded,
	}, nil
}

// shortTermBranch snapshots the session window and matches its messages
// against the request filters. Window messages carry no tags, so a tag
// filter excludes the branch entirely.
func (e *Engine) shortTermBranch(ctx context.Context, sc scope.Scope, req Request) ([]Result, error) {
	if !req.IncludeShortTerm || req.SessionID == nil || e.windows == nil || len(req.Tags) > 0 {
		return nil, nil
	}
	messages, err := e.windows.GetContext(ctx, sc, *req.SessionID)
	if err != nil {
		// Missing session or cold cache is an empty window, not a
		// query failure.
		log.Warn("Search: short-term snapshot unavailable", "sessionId", req.SessionID, "err", err)
		return nil, nil
	}

	// An empty query in semantic or hybrid mode keeps the branch
	// unscored rather than dropping it, mirroring the episodic
	// filter-only fallback.
	scoring := req.Mode != ModeFilterOnly && strings.TrimSpace(req.Query) != ""

	var out []Result
	for _, msg := range messages {
		if !roleMatches(msg.Role, req.Roles) {
			continue
		}
		if req.Since != nil && msg.Timestamp.Before(*req.Since) {
			continue
		}
		if req.Until != nil && msg.Timestamp.After(*req.Until) {
			continue
		}
		score := 0.0
		if scoring {
			score = scoreMessage(req.Query, msg.Content)
			if score <= 0 || score < req.ScoreThreshold {
				continue
			}
		}
		out = append(out, Result{
			Source:    SourceShortTerm,
			SessionID: req.SessionID,
			Role:      msg.Role,
			Content:   msg.Content,
			Score:     score,
			CreatedAt: msg.Timestamp,
		})
	}
	return out, nil
}

// episodicBranch queries the episodic store. In semantic and hybrid
// modes an embedding failure degrades to filter-only retrieval rather
// than failing the query; logging never depends on search and search
// never depends on the provider being up.
func (e *Engine) episodicBranch(ctx context.Context, sc scope.Scope, req Request) ([]Result, bool, error) {
	if !req.IncludeEpisodic {
		return nil, false, nil
	}
	filter := registrystore.EpisodeFilter{
		SessionID: req.SessionID,
		Roles:     req.Roles,
		Tags:      req.Tags,
		Since:     req.Since,
		Until:     req.Until,
		Limit:     req.Limit,
	}

	if req.Mode == ModeFilterOnly || strings.TrimSpace(req.Query) == "" {
		return e.filterOnly(ctx, sc, filter)
	}

	vectors, err := e.embed(ctx, req.Query)
	if err != nil {
		log.Warn("Search: embedding failed, degrading to filter-only", "err", err)
		results, _, ferr := e.filterOnly(ctx, sc, filter)
		return results, true, ferr
	}

	scored, err := e.store.SearchEmbeddings(ctx, sc, vectors, req.Limit, filter)
	if err != nil {
		return nil, false, err
	}

	// Keep the best score per episode.
	best := make(map[uuid.UUID]Result, len(scored))
	for _, hit := range scored {
		if hit.Score < req.ScoreThreshold {
			continue
		}
		prev, seen := best[hit.Episode.ID]
		if seen && prev.Score >= hit.Score {
			continue
		}
		best[hit.Episode.ID] = episodeResult(hit.Episode, hit.Score)
	}
	out := make([]Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out, false, nil
}

func (e *Engine) filterOnly(ctx context.Context, sc scope.Scope, filter registrystore.EpisodeFilter) ([]Result, bool, error) {
	episodes, err := e.store.ListEpisodes(ctx, sc, filter)
	if err != nil {
		return nil, false, err
	}
	out := make([]Result, 0, len(episodes))
	for _, ep := range episodes {
		out = append(out, episodeResult(ep, 0))
	}
	return out, false, nil
}

func (e *Engine) embed(ctx context.Context, query string) ([]float32, error) {
	if e.embedder == nil {
		return nil, apperrors.External(nil, "no embedder configured")
	}
	vectors, err := e.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, apperrors.External(nil, "expected 1 query embedding, got %d", len(vectors))
	}
	return vectors[0], nil
}

func episodeResult(ep model.Episode, score float64) Result {
	id := ep.ID
	return Result{
		Source:    SourceEpisodic,
		EpisodeID: &id,
		SessionID: ep.SessionID,
		Role:      ep.Role,
		Content:   ep.Content,
		Tags:      []string(ep.Tags),
		Score:     score,
		CreatedAt: ep.CreatedAt,
	}
}

func roleMatches(role model.Role, want []model.Role) bool {
	if len(want) == 0 {
		return true
	}
	for _, r := range want {
		if r == role {
			return true
		}
	}
	return false
}

// scoreMessage ranks a window message against the query: the fraction
// of query tokens present in the message, plus 0.2 when the whole query
// appears as a substring.
func scoreMessage(query, content string) float64 {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}
	contentTokens := make(map[string]bool)
	for _, tok := range tokenize(content) {
		contentTokens[tok] = true
	}
	matched := 0
	for _, tok := range queryTokens {
		if contentTokens[tok] {
			matched++
		}
	}
	score := float64(matched) / float64(len(queryTokens))
	if strings.Contains(strings.ToLower(content), strings.ToLower(strings.TrimSpace(query))) {
		score += 0.2
	}
	return score
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}
