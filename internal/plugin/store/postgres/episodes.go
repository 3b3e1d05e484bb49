package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/model"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/scope"
)

// episodeFilterSQL renders an EpisodeFilter as WHERE fragments. prefix
// qualifies column names for joined queries.
func episodeFilterSQL(filter registrystore.EpisodeFilter, prefix string) ([]string, []any, error) {
	if filter.Since != nil && filter.Until != nil && filter.Since.After(*filter.Until) {
		return nil, nil, apperrors.Validation(apperrors.DetailInvalidTimeRange, "since must not be after until")
	}
	var conds []string
	var args []any
	if filter.SessionID != nil {
		conds = append(conds, prefix+"session_id = ?")
		args = append(args, *filter.SessionID)
	}
	if len(filter.Roles) > 0 {
		conds = append(conds, prefix+"role IN ?")
		roles := make([]string, len(filter.Roles))
		for i, r := range filter.Roles {
			roles[i] = string(r)
		}
		args = append(args, roles)
	}
	if len(filter.Tags) > 0 {
		conds = append(conds, prefix+"tags && ?")
		args = append(args, pq.Array(filter.Tags))
	}
	if filter.Since != nil {
		conds = append(conds, prefix+"created_at >= ?")
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		conds = append(conds, prefix+"created_at <= ?")
		args = append(args, *filter.Until)
	}
	return conds, args, nil
}

func (s *PostgresStore) LogEpisode(ctx context.Context, req registrystore.LogEpisodeRequest) (*model.Episode, error) {
	defer timed("log_episode", time.Now())
	if req.Content == "" {
		return nil, apperrors.Validation("", "episode content is required")
	}
	if req.Role == "" {
		return nil, apperrors.Validation("", "episode role is required")
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	episode := &model.Episode{
		ID:       uuid.New(),
		Role:     req.Role,
		Content:  req.Content,
		Tags:     pq.StringArray(req.Tags),
		Metadata: req.Metadata,
	}
	if episode.Tags == nil {
		episode.Tags = pq.StringArray{}
	}

	err := s.tenantTx(ctx, req.Scope.OrgID, func(tx *gorm.DB) error {
		if req.SessionID != nil {
			// Episodes inside a session inherit the session's scope
			// tuple so the whole conversation lives at one level.
			session, err := getSessionTx(tx, req.Scope, *req.SessionID)
			if err != nil {
				return err
			}
			episode.OrgID = session.OrgID
			episode.TeamID = session.TeamID
			episode.UserID = session.UserID
			episode.AgentID = session.AgentID
			episode.SessionID = &session.ID
		} else {
			w := req.Scope.Writable()
			episode.OrgID = w.OrgID
			episode.TeamID = w.TeamID
			episode.UserID = w.UserID
			episode.AgentID = w.AgentID
		}
		return tx.Create(episode).Error
	})
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindInternal {
			return nil, err
		}
		return nil, apperrors.Internal(err)
	}
	return episode, nil
}

func (s *PostgresStore) GetEpisode(ctx context.Context, sc scope.Scope, episodeID uuid.UUID) (*model.Episode, error) {
	defer timed("get_episode", time.Now())
	pred, args := scope.Predicate(sc.Readable())
	var episode model.Episode
	err := s.tenantTx(ctx, sc.OrgID, func(tx *gorm.DB) error {
		return tx.Where("id = ?", episodeID).Where(pred, args...).First(&episode).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound(apperrors.DetailEpisodeNotFound, "episode %s not found", episodeID)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &episode, nil
}

func (s *PostgresStore) ListEpisodes(ctx context.Context, sc scope.Scope, filter registrystore.EpisodeFilter) ([]model.Episode, error) {
	defer timed("list_episodes", time.Now())
	conds, condArgs, err := episodeFilterSQL(filter, "")
	if err != nil {
		return nil, err
	}
	pred, args := scope.Predicate(sc.Readable())

	var episodes []model.Episode
	err = s.tenantTx(ctx, sc.OrgID, func(tx *gorm.DB) error {
		q := tx.Where(pred, args...)
		for i, cond := range conds {
			q = q.Where(cond, condArgs[i])
		}
		return q.Order("created_at DESC").
			Limit(clampLimit(filter.Limit)).
			Offset(max(filter.Offset, 0)).
			Find(&episodes).Error
	})
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return episodes, nil
}

func (s *PostgresStore) CountEpisodes(ctx context.Context, sc scope.Scope, filter registrystore.EpisodeFilter) (int64, error) {
	defer timed("count_episodes", time.Now())
	conds, condArgs, err := episodeFilterSQL(filter, "")
	if err != nil {
		return 0, err
	}
	pred, args := scope.Predicate(sc.Readable())

	var count int64
	err = s.tenantTx(ctx, sc.OrgID, func(tx *gorm.DB) error {
		q := tx.Model(&model.Episode{}).Where(pred, args...)
		for i, cond := range conds {
			q = q.Where(cond, condArgs[i])
		}
		return q.Count(&count).Error
	})
	if err != nil {
		return 0, apperrors.Internal(err)
	}
	return count, nil
}

// SessionHistory pages a session's episodes newest first, so limit 1
// is always the most recently logged entry.
func (s *PostgresStore) SessionHistory(ctx context.Context, sc scope.Scope, sessionID uuid.UUID, limit, offset int) ([]model.Episode, error) {
	defer timed("session_history", time.Now())
	var episodes []model.Episode
	err := s.tenantTx(ctx, sc.OrgID, func(tx *gorm.DB) error {
		if _, err := getSessionTx(tx, sc, sessionID); err != nil {
			return err
		}
		return tx.Where("session_id = ?", sessionID).
			Order("created_at DESC").
			Limit(clampLimit(limit)).
			Offset(max(offset, 0)).
			Find(&episodes).Error
	})
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindInternal {
			return nil, err
		}
		return nil, apperrors.Internal(err)
	}
	return episodes, nil
}

func (s *PostgresStore) ReplaySession(ctx context.Context, sc scope.Scope, sessionID uuid.UUID, until time.Time) ([]model.Episode, error) {
	defer timed("replay_session", time.Now())
	var episodes []model.Episode
	err := s.tenantTx(ctx, sc.OrgID, func(tx *gorm.DB) error {
		if _, err := getSessionTx(tx, sc, sessionID); err != nil {
			return err
		}
		return tx.Where("session_id = ? AND created_at <= ?", sessionID, until).
			Order("created_at ASC").
			Find(&episodes).Error
	})
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindInternal {
			return nil, err
		}
		return nil, apperrors.Internal(err)
	}
	return episodes, nil
}

// --- Embeddings ---

func (s *PostgresStore) InsertEmbedding(ctx context.Context, req registrystore.InsertEmbeddingRequest) error {
	defer timed("insert_embedding", time.Now())
	emb := &model.Embedding{
		ID:         uuid.New(),
		OrgID:      req.OrgID,
		EpisodeID:  &req.EpisodeID,
		Content:    req.Content,
		Model:      req.Model,
		Dimensions: req.Dimensions,
		Vector:     pgvector.NewVector(req.Vector),
	}
	err := s.tenantTx(ctx, req.OrgID, func(tx *gorm.DB) error {
		// Episodes are immutable; a concurrent duplicate enrichment is
		// a no-op rather than an error.
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "episode_id"}},
			DoNothing: true,
		}).Create(emb).Error
	})
	if err != nil {
		return apperrors.Internal(err)
	}
	return nil
}

func (s *PostgresStore) GetEnrichTarget(ctx context.Context, orgID, episodeID uuid.UUID) (*registrystore.EnrichTarget, error) {
	defer timed("get_enrich_target", time.Now())
	var episode model.Episode
	err := s.tenantTx(ctx, orgID, func(tx *gorm.DB) error {
		return tx.Where("id = ?", episodeID).First(&episode).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Forgotten before enrichment ran; nothing to embed.
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &registrystore.EnrichTarget{
		EpisodeID: episode.ID,
		OrgID:     episode.OrgID,
		Content:   episode.Content,
	}, nil
}

func (s *PostgresStore) FindEpisodesMissingEmbedding(ctx context.Context, limit int) ([]registrystore.EnrichTarget, error) {
	defer timed("find_missing_embeddings", time.Now())
	var targets []registrystore.EnrichTarget
	err := s.serviceTx(ctx, func(tx *gorm.DB) error {
		return tx.Raw(`
			SELECT e.id AS episode_id, e.org_id, e.content
			FROM episodes e
			LEFT JOIN embeddings emb ON emb.episode_id = e.id
			WHERE emb.id IS NULL AND e.role <> ?
			ORDER BY e.created_at ASC
			LIMIT ?`,
			string(model.RoleCheckpoint), clampLimit(limit)).
			Scan(&targets).Error
	})
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return targets, nil
}

// scoredEpisodeRow is the scan target for similarity queries.
type scoredEpisodeRow struct {
	model.Episode `gorm:"embedded"`
	Score         float64
}

func (s *PostgresStore) SearchEmbeddings(ctx context.Context, sc scope.Scope, vector []float32, limit int, filter registrystore.EpisodeFilter) ([]registrystore.ScoredEpisode, error) {
	defer timed("search_embeddings", time.Now())
	conds, condArgs, err := episodeFilterSQL(filter, "e.")
	if err != nil {
		return nil, err
	}
	pred, predArgs := scope.PrefixedPredicate(sc.Readable(), "e.")

	where := pred
	args := []any{pgvector.NewVector(vector)}
	args = append(args, predArgs...)
	if len(conds) > 0 {
		where += " AND " + strings.Join(conds, " AND ")
		args = append(args, condArgs...)
	}
	args = append(args, pgvector.NewVector(vector), clampLimit(limit))

	sql := `
		SELECT e.*, 1 - (emb.vector <=> ?) AS score
		FROM embeddings emb
		JOIN episodes e ON e.id = emb.episode_id
		WHERE ` + where + `
		ORDER BY emb.vector <=> ?
		LIMIT ?`

	var rows []scoredEpisodeRow
	err = s.tenantTx(ctx, sc.OrgID, func(tx *gorm.DB) error {
		return tx.Raw(sql, args...).Scan(&rows).Error
	})
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	out := make([]registrystore.ScoredEpisode, len(rows))
	for i, row := range rows {
		out[i] = registrystore.ScoredEpisode{Episode: row.Episode, Score: row.Score}
	}
	return out, nil
}
