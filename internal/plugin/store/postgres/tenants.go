package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/model"
)

// Tenant entities are control-plane rows: they are written before an
// org binding exists, so they ride the root handle rather than a
// tenant transaction.

func (s *PostgresStore) CreateOrganization(ctx context.Context, name string) (*model.Organization, error) {
	defer timed("create_organization", time.Now())
	if name == "" {
		return nil, apperrors.Validation("", "organization name is required")
	}
	org := &model.Organization{ID: uuid.New(), Name: name}
	if err := s.db.WithContext(ctx).Create(org).Error; err != nil {
		return nil, apperrors.Internal(err)
	}
	return org, nil
}

func (s *PostgresStore) CreateTeam(ctx context.Context, orgID uuid.UUID, name string) (*model.Team, error) {
	defer timed("create_team", time.Now())
	if name == "" {
		return nil, apperrors.Validation("", "team name is required")
	}
	team := &model.Team{ID: uuid.New(), OrgID: orgID, Name: name}
	if err := s.db.WithContext(ctx).Create(team).Error; err != nil {
		return nil, apperrors.Internal(err)
	}
	return team, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *model.User) (*model.User, error) {
	defer timed("create_user", time.Now())
	if user.Email == "" {
		return nil, apperrors.Validation("", "email is required")
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.Conflict("a user with email %s already exists", user.Email)
		}
		return nil, apperrors.Internal(err)
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, orgID, userID uuid.UUID) (*model.User, error) {
	defer timed("get_user", time.Now())
	var user model.User
	err := s.db.WithContext(ctx).Where("id = ? AND org_id = ?", userID, orgID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("", "user %s not found", userID)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &user, nil
}

// GetUserByEmail returns nil without error when no user matches; the
// login path treats the absence itself as an authentication failure.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	defer timed("get_user_by_email", time.Now())
	var user model.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &user, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *model.Agent) (*model.Agent, error) {
	defer timed("create_agent", time.Now())
	if agent.Name == "" {
		return nil, apperrors.Validation("", "agent name is required")
	}
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(agent).Error; err != nil {
		return nil, apperrors.Internal(err)
	}
	return agent, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, orgID, agentID uuid.UUID) (*model.Agent, error) {
	defer timed("get_agent", time.Now())
	var agent model.Agent
	err := s.db.WithContext(ctx).Where("id = ? AND org_id = ?", agentID, orgID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("", "agent %s not found", agentID)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &agent, nil
}

// --- API keys ---

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *model.APIKey) (*model.APIKey, error) {
	defer timed("create_api_key", time.Now())
	if key.KeyHash == "" || key.Name == "" {
		return nil, apperrors.Validation("", "api key name and hash are required")
	}
	if key.AgentID != nil && key.UserID == nil {
		return nil, apperrors.Validation("", "agent-bound api key requires a user")
	}
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.Conflict("api key already exists")
		}
		return nil, apperrors.Internal(err)
	}
	return key, nil
}

// GetAPIKeyByHash returns nil without error on a miss; the resolver
// maps the absence to an authentication failure.
func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	defer timed("get_api_key_by_hash", time.Now())
	var key model.APIKey
	err := s.db.WithContext(ctx).Where("key_hash = ?", keyHash).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &key, nil
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, orgID, keyID uuid.UUID, usedAt time.Time) error {
	defer timed("touch_api_key", time.Now())
	err := s.db.WithContext(ctx).Model(&model.APIKey{}).
		Where("id = ? AND org_id = ?", keyID, orgID).
		Update("last_used_at", usedAt).Error
	if err != nil {
		return apperrors.Internal(err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, orgID uuid.UUID) ([]model.APIKey, error) {
	defer timed("list_api_keys", time.Now())
	var keys []model.APIKey
	err := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return keys, nil
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, orgID, keyID uuid.UUID) (*model.APIKey, error) {
	defer timed("delete_api_key", time.Now())
	var key model.APIKey
	err := s.db.WithContext(ctx).Where("id = ? AND org_id = ?", keyID, orgID).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound(apperrors.DetailAPIKeyNotFound, "api key %s not found", keyID)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if err := s.db.WithContext(ctx).Delete(&key).Error; err != nil {
		return nil, apperrors.Internal(err)
	}
	return &key, nil
}

// --- Audit ---

// AppendAudit writes an audit row on the root handle, outside any
// caller transaction, so a rolled-back operation keeps its attempt row.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry *model.AuditLog) error {
	defer timed("append_audit", time.Now())
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
