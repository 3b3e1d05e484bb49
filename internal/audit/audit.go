// Package audit records privileged mutations. Audit rows ride their
// own transaction so a rolled-back mutation keeps its attempt record,
// and a failing audit write never fails the parent operation.
package audit

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/model"
	registrystore "github.com/remembr/remembr/internal/registry/store"
)

// Recorder appends audit rows best-effort.
type Recorder struct {
	store registrystore.Store
}

func NewRecorder(store registrystore.Store) *Recorder {
	return &Recorder{store: store}
}

// Entry describes a privileged mutation being audited. One Entry
// produces an attempt row followed by a success or failed row.
type Entry struct {
	OrgID       uuid.UUID
	ActorUserID *uuid.UUID
	Action      string
	TargetType  string
	TargetID    string
	RequestID   string
	Details     map[string]any
}

// Attempt writes the attempt row for an entry.
func (r *Recorder) Attempt(ctx context.Context, e Entry) {
	r.write(ctx, e, model.AuditAttempt, nil)
}

// Success writes the success row for an entry.
func (r *Recorder) Success(ctx context.Context, e Entry) {
	r.write(ctx, e, model.AuditSuccess, nil)
}

// Failed writes the failed row for an entry with the failure message.
func (r *Recorder) Failed(ctx context.Context, e Entry, cause error) {
	var msg *string
	if cause != nil {
		s := cause.Error()
		msg = &s
	}
	r.write(ctx, e, model.AuditFailed, msg)
}

func (r *Recorder) write(ctx context.Context, e Entry, status model.AuditStatus, errMsg *string) {
	if r == nil || r.store == nil {
		return
	}
	entry := &model.AuditLog{
		OrgID:        e.OrgID,
		ActorUserID:  e.ActorUserID,
		Action:       e.Action,
		Status:       status,
		TargetType:   e.TargetType,
		TargetID:     e.TargetID,
		RequestID:    e.RequestID,
		Details:      e.Details,
		ErrorMessage: errMsg,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		log.Error("Audit write failed", "action", e.Action, "status", status, "target", e.TargetID, "err", err)
	}
}
