package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/model"
	"github.com/remembr/remembr/internal/scope"
)

func (s *PostgresStore) CreateSession(ctx context.Context, sc scope.Scope, metadata map[string]any, expiresAt *time.Time) (*model.Session, error) {
	defer timed("create_session", time.Now())
	if metadata == nil {
		metadata = map[string]any{}
	}
	session := &model.Session{
		ID:        uuid.New(),
		OrgID:     sc.OrgID,
		TeamID:    sc.TeamID,
		UserID:    sc.UserID,
		AgentID:   sc.AgentID,
		Metadata:  metadata,
		ExpiresAt: expiresAt,
	}
	err := s.tenantTx(ctx, sc.OrgID, func(tx *gorm.DB) error {
		return tx.Create(session).Error
	})
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return session, nil
}

// getSessionTx loads a session visible to the scope inside an existing
// tenant transaction.
func getSessionTx(tx *gorm.DB, sc scope.Scope, sessionID uuid.UUID) (*model.Session, error) {
	pred, args := scope.Predicate(sc.Readable())
	var session model.Session
	err := tx.Where("id = ?", sessionID).Where(pred, args...).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound(apperrors.DetailSessionNotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &session, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sc scope.Scope, sessionID uuid.UUID) (*model.Session, error) {
	defer timed("get_session", time.Now())
	var session *model.Session
	err := s.tenantTx(ctx, sc.OrgID, func(tx *gorm.DB) error {
		found, err := getSessionTx(tx, sc, sessionID)
		if err != nil {
			return err
		}
		session = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, sc scope.Scope, limit, offset int) ([]model.Session, error) {
	defer timed("list_sessions", time.Now())
	pred, args := scope.Predicate(sc.Readable())
	var sessions []model.Session
	err := s.tenantTx(ctx, sc.OrgID, func(tx *gorm.DB) error {
		return tx.Where(pred, args...).
			Order("created_at DESC").
			Limit(clampLimit(limit)).
			Offset(max(offset, 0)).
			Find(&sessions).Error
	})
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return sessions, nil
}
