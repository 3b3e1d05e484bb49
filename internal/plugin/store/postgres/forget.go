package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/model"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/scope"
)

// ForgetEpisode removes one episode and, via cascade, its embedding.
// The episode must be visible to the caller's scope; outside-scope and
// absent are indistinguishable.
func (s *PostgresStore) ForgetEpisode(ctx context.Context, sc scope.Scope, episodeID uuid.UUID) error {
	defer timed("forget_episode", time.Now())
	pred, args := scope.Predicate(sc.Readable())
	err := s.tenantTx(ctx, sc.OrgID, func(tx *gorm.DB) error {
		res := tx.Where("id = ?", episodeID).Where(pred, args...).Delete(&model.Episode{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.NotFound(apperrors.DetailEpisodeNotFound, "episode %s not found", episodeID)
		}
		return nil
	})
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindInternal {
			return err
		}
		return apperrors.Internal(err)
	}
	return nil
}

// ForgetSessionMemories removes every episode of a session, returning
// the number removed. The session row itself survives.
func (s *PostgresStore) ForgetSessionMemories(ctx context.Context, sc scope.Scope, sessionID uuid.UUID) (int64, error) {
	defer timed("forget_session", time.Now())
	var deleted int64
	err := s.tenantTx(ctx, sc.OrgID, func(tx *gorm.DB) error {
		if _, err := getSessionTx(tx, sc, sessionID); err != nil {
			return err
		}
		res := tx.Where("session_id = ?", sessionID).Delete(&model.Episode{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindInternal {
			return 0, err
		}
		return 0, apperrors.Internal(err)
	}
	return deleted, nil
}

// ForgetUserMemories purges everything attributed to a user inside an
// org: episodes, their embeddings, user-scoped sessions and facts.
func (s *PostgresStore) ForgetUserMemories(ctx context.Context, orgID, userID uuid.UUID) (*registrystore.ForgetUserResult, error) {
	defer timed("forget_user", time.Now())
	result := &registrystore.ForgetUserResult{}
	err := s.tenantTx(ctx, orgID, func(tx *gorm.DB) error {
		// Embeddings go with their episodes via cascade; count first so
		// the audit trail records the real removal.
		if err := tx.Model(&model.Embedding{}).
			Joins("JOIN episodes e ON e.id = embeddings.episode_id").
			Where("e.org_id = ? AND e.user_id = ?", orgID, userID).
			Count(&result.EmbeddingsDeleted).Error; err != nil {
			return err
		}

		res := tx.Where("org_id = ? AND user_id = ?", orgID, userID).Delete(&model.Episode{})
		if res.Error != nil {
			return res.Error
		}
		result.EpisodesDeleted = res.RowsAffected

		res = tx.Where("org_id = ? AND user_id = ?", orgID, userID).Delete(&model.MemoryFact{})
		if res.Error != nil {
			return res.Error
		}
		result.FactsDeleted = res.RowsAffected

		res = tx.Where("org_id = ? AND user_id = ?", orgID, userID).Delete(&model.Session{})
		if res.Error != nil {
			return res.Error
		}
		result.SessionsDeleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return result, nil
}
