package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// Role is the speaker role attached to an episode.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleTool       Role = "tool"
	RoleHandoff    Role = "handoff"
	RoleCheckpoint Role = "checkpoint"
)

// AuditStatus is the outcome recorded on an audit log entry.
type AuditStatus string

const (
	AuditAttempt AuditStatus = "attempt"
	AuditSuccess AuditStatus = "success"
	AuditFailed  AuditStatus = "failed"
)

// Organization is the root tenancy boundary. Deleting it cascades to
// every dependent row.
type Organization struct {
	ID        uuid.UUID `json:"id"        gorm:"primaryKey;type:uuid"`
	Name      string    `json:"name"      gorm:"not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;default:now()"`
}

func (Organization) TableName() string { return "organizations" }

// Team is an org-child grouping of users.
type Team struct {
	ID        uuid.UUID `json:"id"        gorm:"primaryKey;type:uuid"`
	OrgID     uuid.UUID `json:"orgId"     gorm:"not null;type:uuid"`
	Name      string    `json:"name"      gorm:"not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null;default:now()"`
}

func (Team) TableName() string { return "teams" }

// User is an org-child human identity.
type User struct {
	ID           uuid.UUID  `json:"id"               gorm:"primaryKey;type:uuid"`
	OrgID        uuid.UUID  `json:"orgId"            gorm:"not null;type:uuid"`
	TeamID       *uuid.UUID `json:"teamId,omitempty" gorm:"type:uuid"`
	Email        string     `json:"email"            gorm:"not null;unique"`
	Name         string     `json:"name"             gorm:"not null"`
	PasswordHash string     `json:"-"                gorm:"not null;column:password_hash"`
	CreatedAt    time.Time  `json:"createdAt"        gorm:"not null;default:now()"`
	UpdatedAt    time.Time  `json:"updatedAt"        gorm:"not null;default:now()"`
}

func (User) TableName() string { return "users" }

// Agent belongs to an org and optionally to a user and team.
// An agent identity always implies a user identity.
type Agent struct {
	ID        uuid.UUID  `json:"id"               gorm:"primaryKey;type:uuid"`
	OrgID     uuid.UUID  `json:"orgId"            gorm:"not null;type:uuid"`
	TeamID    *uuid.UUID `json:"teamId,omitempty" gorm:"type:uuid"`
	UserID    *uuid.UUID `json:"userId,omitempty" gorm:"type:uuid"`
	Name      string     `json:"name"             gorm:"not null"`
	CreatedAt time.Time  `json:"createdAt"        gorm:"not null;default:now()"`
}

func (Agent) TableName() string { return "agents" }

// Session is a conversation envelope. Its scope tuple is immutable
// after creation.
type Session struct {
	ID        uuid.UUID      `json:"id"                  gorm:"primaryKey;type:uuid"`
	OrgID     uuid.UUID      `json:"orgId"               gorm:"not null;type:uuid"`
	TeamID    *uuid.UUID     `json:"teamId,omitempty"    gorm:"type:uuid"`
	UserID    *uuid.UUID     `json:"userId,omitempty"    gorm:"type:uuid"`
	AgentID   *uuid.UUID     `json:"agentId,omitempty"   gorm:"type:uuid"`
	Metadata  map[string]any `json:"metadata"            gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	CreatedAt time.Time      `json:"createdAt"           gorm:"not null;default:now()"`
	UpdatedAt time.Time      `json:"updatedAt"           gorm:"not null;default:now()"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

func (Session) TableName() string { return "sessions" }

// Episode is the atomic memory record. When SessionID is set its scope
// tuple equals the session's scope tuple.
type Episode struct {
	ID        uuid.UUID      `json:"id"                  gorm:"primaryKey;type:uuid"`
	OrgID     uuid.UUID      `json:"orgId"               gorm:"not null;type:uuid"`
	TeamID    *uuid.UUID     `json:"teamId,omitempty"    gorm:"type:uuid"`
	UserID    *uuid.UUID     `json:"userId,omitempty"    gorm:"type:uuid"`
	AgentID   *uuid.UUID     `json:"agentId,omitempty"   gorm:"type:uuid"`
	SessionID *uuid.UUID     `json:"sessionId,omitempty" gorm:"type:uuid"`
	Role      Role           `json:"role"                gorm:"not null"`
	Content   string         `json:"content"             gorm:"not null"`
	Tags      pq.StringArray `json:"tags"                gorm:"type:text[]"`
	Metadata  map[string]any `json:"metadata"            gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	CreatedAt time.Time      `json:"createdAt"           gorm:"not null;default:now()"`
}

func (Episode) TableName() string { return "episodes" }

// Embedding is one vector per episode (or fact). OrgID is duplicated
// from the owner so the row-level guard covers vector rows directly.
type Embedding struct {
	ID         uuid.UUID       `json:"id"                  gorm:"primaryKey;type:uuid"`
	OrgID      uuid.UUID       `json:"orgId"               gorm:"not null;type:uuid"`
	EpisodeID  *uuid.UUID      `json:"episodeId,omitempty" gorm:"type:uuid"`
	FactID     *uuid.UUID      `json:"factId,omitempty"    gorm:"type:uuid"`
	Content    string          `json:"content"             gorm:"not null"`
	Model      string          `json:"model"               gorm:"not null;column:model"`
	Dimensions int             `json:"dimensions"          gorm:"not null"`
	Vector     pgvector.Vector `json:"-"                   gorm:"type:vector"`
	CreatedAt  time.Time       `json:"createdAt"           gorm:"not null;default:now()"`
}

func (Embedding) TableName() string { return "embeddings" }

// MemoryFact is the at-rest triple schema. Nothing in the write path
// produces facts; the table exists for completeness.
type MemoryFact struct {
	ID              uuid.UUID  `json:"id"                        gorm:"primaryKey;type:uuid"`
	OrgID           uuid.UUID  `json:"orgId"                     gorm:"not null;type:uuid"`
	TeamID          *uuid.UUID `json:"teamId,omitempty"          gorm:"type:uuid"`
	UserID          *uuid.UUID `json:"userId,omitempty"          gorm:"type:uuid"`
	AgentID         *uuid.UUID `json:"agentId,omitempty"         gorm:"type:uuid"`
	Subject         string     `json:"subject"                   gorm:"not null"`
	Predicate       string     `json:"predicate"                 gorm:"not null"`
	Object          string     `json:"object"                    gorm:"not null"`
	Confidence      float64    `json:"confidence"                gorm:"not null;default:1"`
	ValidFrom       *time.Time `json:"validFrom,omitempty"`
	ValidUntil      *time.Time `json:"validUntil,omitempty"`
	SourceEpisodeID *uuid.UUID `json:"sourceEpisodeId,omitempty" gorm:"type:uuid"`
	CreatedAt       time.Time  `json:"createdAt"                 gorm:"not null;default:now()"`
}

func (MemoryFact) TableName() string { return "memory_facts" }

// APIKey stores only the hex SHA-256 digest of the raw key; the raw
// value is shown once at creation time.
type APIKey struct {
	ID         uuid.UUID  `json:"id"                 gorm:"primaryKey;type:uuid"`
	OrgID      uuid.UUID  `json:"orgId"              gorm:"not null;type:uuid"`
	UserID     *uuid.UUID `json:"userId,omitempty"   gorm:"type:uuid"`
	AgentID    *uuid.UUID `json:"agentId,omitempty"  gorm:"type:uuid"`
	KeyHash    string     `json:"-"                  gorm:"not null;unique;column:key_hash"`
	Name       string     `json:"name"               gorm:"not null"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"          gorm:"not null;default:now()"`
}

func (APIKey) TableName() string { return "api_keys" }

// AuditLog is the append-only record of privileged mutations. Rows are
// written on their own transaction so an outer rollback cannot erase
// the attempt record.
type AuditLog struct {
	ID           uuid.UUID      `json:"id"                     gorm:"primaryKey;type:uuid"`
	OrgID        uuid.UUID      `json:"orgId"                  gorm:"not null;type:uuid"`
	ActorUserID  *uuid.UUID     `json:"actorUserId,omitempty"  gorm:"type:uuid"`
	Action       string         `json:"action"                 gorm:"not null"`
	Status       AuditStatus    `json:"status"                 gorm:"not null"`
	TargetType   string         `json:"targetType"             gorm:"not null"`
	TargetID     string         `json:"targetId"               gorm:"not null"`
	RequestID    string         `json:"requestId"`
	Details      map[string]any `json:"details"                gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"              gorm:"not null;default:now()"`
}

func (AuditLog) TableName() string { return "audit_log" }
