// Package scope models the org > team > user > agent memory hierarchy
// and renders it into SQL predicates for reads.
package scope

import (
	"strings"

	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/apperrors"
)

// Level names the most specific populated field of a Scope.
type Level string

const (
	LevelOrg   Level = "org"
	LevelTeam  Level = "team"
	LevelUser  Level = "user"
	LevelAgent Level = "agent"
)

// Scope is a tenancy tuple. OrgID is always set; the optional fields
// narrow it. AgentID requires UserID.
type Scope struct {
	OrgID   uuid.UUID
	TeamID  *uuid.UUID
	UserID  *uuid.UUID
	AgentID *uuid.UUID
}

// New validates and returns a Scope. An agent-scoped tuple without a
// user is rejected: agents always act on behalf of a user.
func New(orgID uuid.UUID, teamID, userID, agentID *uuid.UUID) (Scope, error) {
	if orgID == uuid.Nil {
		return Scope{}, apperrors.Validation("", "org id is required")
	}
	if agentID != nil && userID == nil {
		return Scope{}, apperrors.Validation("", "agent scope requires a user")
	}
	return Scope{OrgID: orgID, TeamID: teamID, UserID: userID, AgentID: agentID}, nil
}

// Level returns the most specific level of the scope.
func (s Scope) Level() Level {
	switch {
	case s.AgentID != nil:
		return LevelAgent
	case s.UserID != nil:
		return LevelUser
	case s.TeamID != nil:
		return LevelTeam
	default:
		return LevelOrg
	}
}

// IsOrgLevel reports whether the scope carries no narrowing fields.
func (s Scope) IsOrgLevel() bool { return s.Level() == LevelOrg }

// Writable returns the single scope new records are written at: the
// exact tuple, no widening or narrowing.
func (s Scope) Writable() Scope { return s }

// Readable returns the chain of scopes visible to s, most specific
// first, widening to the org level. A sibling or descendant tuple is
// never included.
func (s Scope) Readable() []Scope {
	var chain []Scope
	if s.AgentID != nil {
		chain = append(chain, s)
	}
	if s.UserID != nil {
		chain = append(chain, Scope{OrgID: s.OrgID, TeamID: s.TeamID, UserID: s.UserID})
	}
	if s.TeamID != nil {
		chain = append(chain, Scope{OrgID: s.OrgID, TeamID: s.TeamID})
	}
	return append(chain, Scope{OrgID: s.OrgID})
}

// Predicate renders the readable chain as a SQL condition over the
// scope columns. Each readable tuple becomes one AND group; columns
// more specific than the tuple's level are pinned to NULL so a
// user-level reader never sees sibling-agent rows.
func Predicate(readable []Scope) (string, []any) {
	return PrefixedPredicate(readable, "")
}

// PrefixedPredicate is Predicate with a table qualifier (e.g. "e.") on
// every column, for joined queries.
func PrefixedPredicate(readable []Scope, prefix string) (string, []any) {
	groups := make([]string, 0, len(readable))
	args := make([]any, 0, len(readable)*4)
	for _, sc := range readable {
		conds := []string{prefix + "org_id = ?"}
		args = append(args, sc.OrgID)

		if sc.TeamID != nil {
			conds = append(conds, prefix+"team_id = ?")
			args = append(args, *sc.TeamID)
		} else {
			conds = append(conds, prefix+"team_id IS NULL")
		}
		if sc.UserID != nil {
			conds = append(conds, prefix+"user_id = ?")
			args = append(args, *sc.UserID)
		} else {
			conds = append(conds, prefix+"user_id IS NULL")
		}
		if sc.AgentID != nil {
			conds = append(conds, prefix+"agent_id = ?")
			args = append(args, *sc.AgentID)
		} else {
			conds = append(conds, prefix+"agent_id IS NULL")
		}
		groups = append(groups, "("+strings.Join(conds, " AND ")+")")
	}
	return "(" + strings.Join(groups, " OR ") + ")", args
}

// Matches reports whether a row with the given scope columns is inside
// the readable set of s. Used by the in-memory search path.
func (s Scope) Matches(orgID uuid.UUID, teamID, userID, agentID *uuid.UUID) bool {
	for _, sc := range s.Readable() {
		if sc.OrgID == orgID &&
			uuidPtrEq(sc.TeamID, teamID) &&
			uuidPtrEq(sc.UserID, userID) &&
			uuidPtrEq(sc.AgentID, agentID) {
			return true
		}
	}
	return false
}

func uuidPtrEq(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
