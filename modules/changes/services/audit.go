package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/changeflow/modules/changes/domain/audit"
	"github.com/opsforge/changeflow/modules/changes/domain/change"
)

// AuditWriter appends workflow and audit events. Writes happen inside the
// caller's transaction so the trail commits atomically with the mutation it
// records.
type AuditWriter struct {
	repo audit.Repository
}

func NewAuditWriter(repo audit.Repository) *AuditWriter {
	return &AuditWriter{repo: repo}
}

func marshalValues(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func (w *AuditWriter) StatusChanged(ctx context.Context, ch *change.ChangeRequest, old, next change.Status, actorID uuid.UUID, reason string) error {
	now := time.Now().UTC()
	payload := marshalValues(map[string]any{
		"old_status": old,
		"new_status": next,
		"reason":     reason,
	})
	if err := w.repo.AppendWorkflowEvent(ctx, &audit.WorkflowEvent{
		TenantID:  ch.TenantID,
		ID:        uuid.New(),
		ChangeID:  ch.ID,
		ActorID:   actorID,
		EventType: audit.EventStatusChanged,
		Payload:   payload,
		CreatedAt: now,
	}); err != nil {
		return mapPgError(err)
	}
	return w.Event(ctx, ch.TenantID, ch.ID, actorID, audit.EventStatusChanged, reason,
		map[string]any{"status": old},
		map[string]any{"status": next},
	)
}

// Event appends a single audit entry with an old/new diff.
func (w *AuditWriter) Event(ctx context.Context, tenantID, changeID, actorID uuid.UUID, eventType, reason string, oldValues, newValues any) error {
	err := w.repo.AppendAuditEvent(ctx, &audit.AuditEvent{
		TenantID:  tenantID,
		ID:        uuid.New(),
		ChangeID:  changeID,
		ActorID:   actorID,
		EventType: eventType,
		Reason:    reason,
		OldValues: marshalValues(oldValues),
		NewValues: marshalValues(newValues),
		CreatedAt: time.Now().UTC(),
	})
	return mapPgError(err)
}

func (w *AuditWriter) Timeline(ctx context.Context, changeID uuid.UUID) ([]audit.TimelineEntry, error) {
	entries, err := w.repo.Timeline(ctx, changeID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return entries, nil
}
