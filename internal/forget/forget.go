// Package forget implements the forgetting service: transactional
// erasure of an episode, a session's memories, or everything a user
// owns, each with an invariant audit trail.
package forget

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/audit"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/scope"
	"github.com/remembr/remembr/internal/security"
	"github.com/remembr/remembr/internal/shortterm"
)

// Service orchestrates forget operations: the storage cascade, the
// short-term window invalidation, and the audit rows around both.
type Service struct {
	store   registrystore.Store
	windows *shortterm.Engine
	audit   *audit.Recorder
}

func NewService(store registrystore.Store, windows *shortterm.Engine, recorder *audit.Recorder) *Service {
	return &Service{store: store, windows: windows, audit: recorder}
}

// Episode erases a single episode and its embedding. An absent or
// out-of-scope episode is a normal false outcome, recorded in the
// audit trail without a failure row.
func (s *Service) Episode(ctx context.Context, ident *security.Identity, requestID string, episodeID uuid.UUID) (bool, error) {
	sc, err := ident.Scope()
	if err != nil {
		return false, err
	}
	entry := audit.Entry{
		OrgID:       ident.OrgID,
		ActorUserID: ident.UserID,
		Action:      "forget_episode",
		TargetType:  "episode",
		TargetID:    episodeID.String(),
		RequestID:   requestID,
	}
	s.audit.Attempt(ctx, entry)
	if err := s.store.ForgetEpisode(ctx, sc, episodeID); err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			entry.Details = map[string]any{"found": false}
			s.audit.Success(ctx, entry)
			return false, nil
		}
		s.audit.Failed(ctx, entry, err)
		return false, err
	}
	s.audit.Success(ctx, entry)
	return true, nil
}

// Session erases every episode of a session and drops its short-term
// window. The session row itself survives so the envelope can be
// reused. Returns the number of episodes removed.
func (s *Service) Session(ctx context.Context, ident *security.Identity, requestID string, sessionID uuid.UUID) (int64, error) {
	sc, err := ident.Scope()
	if err != nil {
		return 0, err
	}
	entry := audit.Entry{
		OrgID:       ident.OrgID,
		ActorUserID: ident.UserID,
		Action:      "forget_session",
		TargetType:  "session",
		TargetID:    sessionID.String(),
		RequestID:   requestID,
	}
	s.audit.Attempt(ctx, entry)
	deleted, err := s.store.ForgetSessionMemories(ctx, sc, sessionID)
	if err != nil {
		s.audit.Failed(ctx, entry, err)
		return 0, err
	}
	s.clearWindow(ctx, ident.OrgID, sessionID)
	entry.Details = map[string]any{"episodes_deleted": deleted}
	s.audit.Success(ctx, entry)
	return deleted, nil
}

// User purges everything attributed to a user inside the caller's org.
// Only an org-level credential may invoke it; user- and agent-scoped
// callers are refused before any row is touched.
func (s *Service) User(ctx context.Context, ident *security.Identity, requestID string, userID uuid.UUID) (*registrystore.ForgetUserResult, error) {
	entry := audit.Entry{
		OrgID:       ident.OrgID,
		ActorUserID: ident.UserID,
		Action:      "forget_user",
		TargetType:  "user",
		TargetID:    userID.String(),
		RequestID:   requestID,
	}
	if !ident.IsOrgLevel() {
		err := apperrors.Authorization(apperrors.DetailOrgLevelRequired, "forgetting a user's memories requires an org-level credential")
		s.audit.Attempt(ctx, entry)
		s.audit.Failed(ctx, entry, err)
		return nil, err
	}

	// Capture the user's sessions before the cascade removes the rows,
	// so their cached windows can be dropped afterwards.
	sessions := s.userSessions(ctx, ident.OrgID, userID)

	s.audit.Attempt(ctx, entry)
	result, err := s.store.ForgetUserMemories(ctx, ident.OrgID, userID)
	if err != nil {
		s.audit.Failed(ctx, entry, err)
		return nil, err
	}
	for _, sessionID := range sessions {
		s.clearWindow(ctx, ident.OrgID, sessionID)
	}
	entry.Details = map[string]any{
		"episodes_deleted":   result.EpisodesDeleted,
		"embeddings_deleted": result.EmbeddingsDeleted,
		"sessions_deleted":   result.SessionsDeleted,
		"facts_deleted":      result.FactsDeleted,
	}
	s.audit.Success(ctx, entry)
	return result, nil
}

func (s *Service) userSessions(ctx context.Context, orgID, userID uuid.UUID) []uuid.UUID {
	userScope, err := scope.New(orgID, nil, &userID, nil)
	if err != nil {
		return nil
	}
	sessions, err := s.store.ListSessions(ctx, userScope, 500, 0)
	if err != nil {
		log.Warn("Forget: list user sessions failed, windows may linger until TTL", "userId", userID, "err", err)
		return nil
	}
	ids := make([]uuid.UUID, 0, len(sessions))
	for _, session := range sessions {
		if session.UserID != nil && *session.UserID == userID {
			ids = append(ids, session.ID)
		}
	}
	return ids
}

func (s *Service) clearWindow(ctx context.Context, orgID, sessionID uuid.UUID) {
	if s.windows == nil {
		return
	}
	if err := s.windows.Clear(ctx, orgID, sessionID); err != nil {
		log.Warn("Forget: clear window failed, entry expires at TTL", "sessionId", sessionID, "err", err)
	}
}
