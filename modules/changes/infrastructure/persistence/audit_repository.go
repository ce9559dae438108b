package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/opsforge/changeflow/modules/changes/domain/audit"
	"github.com/opsforge/changeflow/pkg/composables"
)

// pgAuditRepository is insert-only; the tables carry no update or delete
// grants in the migration either.
type pgAuditRepository struct{}

func NewPgAuditRepository() audit.Repository {
	return &pgAuditRepository{}
}

func (r *pgAuditRepository) AppendWorkflowEvent(ctx context.Context, e *audit.WorkflowEvent) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO change_workflow_events (tenant_id, id, change_id, actor_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.TenantID, e.ID, e.ChangeID, e.ActorID, e.EventType, e.Payload, e.CreatedAt)
	return errors.Wrap(err, "failed to append workflow event")
}

func (r *pgAuditRepository) AppendAuditEvent(ctx context.Context, e *audit.AuditEvent) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO change_audit_events (tenant_id, id, change_id, actor_id, event_type, reason, old_values, new_values, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.TenantID, e.ID, e.ChangeID, e.ActorID, e.EventType, e.Reason, e.OldValues, e.NewValues, e.CreatedAt)
	return errors.Wrap(err, "failed to append audit event")
}

func (r *pgAuditRepository) Timeline(ctx context.Context, changeID uuid.UUID) ([]audit.TimelineEntry, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT 'workflow' AS kind, change_id, actor_id, event_type, '' AS reason,
		       payload, NULL::jsonb AS old_values, NULL::jsonb AS new_values, created_at
		FROM change_workflow_events
		WHERE tenant_id = $1 AND change_id = $2
		UNION ALL
		SELECT 'audit' AS kind, change_id, actor_id, event_type, reason,
		       NULL::jsonb AS payload, old_values, new_values, created_at
		FROM change_audit_events
		WHERE tenant_id = $1 AND change_id = $2
		ORDER BY created_at, kind`,
		tenantID, changeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query timeline")
	}
	defer rows.Close()

	var out []audit.TimelineEntry
	for rows.Next() {
		var e audit.TimelineEntry
		if err := rows.Scan(
			&e.Kind,
			&e.ChangeID,
			&e.ActorID,
			&e.EventType,
			&e.Reason,
			&e.Payload,
			&e.OldValues,
			&e.NewValues,
			&e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan timeline entry")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating timeline")
	}
	return out, nil
}
