package persistence

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/opsforge/changeflow/modules/changes/domain/change"
	"github.com/opsforge/changeflow/modules/changes/domain/policy"
	"github.com/opsforge/changeflow/pkg/composables"
)

const changeColumns = `
	tenant_id, id, code, client_id, title, priority, change_type,
	risk_level, risk_score, policy_decision,
	implementation_plan, backout_plan, test_plan, business_justification,
	form_data, external_asset_ids,
	status, requester_id, approver_id, assigned_engineer_id,
	conditions_pending, conditions_ack_at,
	scheduled_start, scheduled_end,
	approved_at, archived_at, created_at, updated_at`

type pgChangeRepository struct{}

func NewPgChangeRepository() change.Repository {
	return &pgChangeRepository{}
}

func scanChange(row pgx.Row) (*change.ChangeRequest, error) {
	var cr change.ChangeRequest
	var decision, formData []byte
	if err := row.Scan(
		&cr.TenantID,
		&cr.ID,
		&cr.Code,
		&cr.ClientID,
		&cr.Title,
		&cr.Priority,
		&cr.ChangeType,
		&cr.RiskLevel,
		&cr.RiskScore,
		&decision,
		&cr.ImplementationPlan,
		&cr.BackoutPlan,
		&cr.TestPlan,
		&cr.BusinessJustification,
		&formData,
		&cr.ExternalAssetIDs,
		&cr.Status,
		&cr.RequesterID,
		&cr.ApproverID,
		&cr.AssignedEngineerID,
		&cr.ConditionsPending,
		&cr.ConditionsAckAt,
		&cr.ScheduledStart,
		&cr.ScheduledEnd,
		&cr.ApprovedAt,
		&cr.ArchivedAt,
		&cr.CreatedAt,
		&cr.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(decision) > 0 {
		var d policy.Decision
		if err := json.Unmarshal(decision, &d); err != nil {
			return nil, errors.Wrap(err, "failed to decode policy decision")
		}
		cr.PolicyDecision = &d
	}
	if len(formData) > 0 {
		cr.FormData = json.RawMessage(formData)
	}
	return &cr, nil
}

func marshalDecision(d *policy.Decision) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode policy decision")
	}
	return b, nil
}

func (r *pgChangeRepository) Create(ctx context.Context, cr *change.ChangeRequest) (*change.ChangeRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	decision, err := marshalDecision(cr.PolicyDecision)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO change_requests (
			tenant_id, id, code, client_id, title, priority, change_type,
			risk_level, risk_score, policy_decision,
			implementation_plan, backout_plan, test_plan, business_justification,
			form_data, external_asset_ids,
			status, requester_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING`+changeColumns,
		cr.TenantID, cr.ID, cr.Code, cr.ClientID, cr.Title, cr.Priority, cr.ChangeType,
		cr.RiskLevel, cr.RiskScore, decision,
		cr.ImplementationPlan, cr.BackoutPlan, cr.TestPlan, cr.BusinessJustification,
		[]byte(cr.FormData), cr.ExternalAssetIDs,
		cr.Status, cr.RequesterID,
	)
	out, err := scanChange(row)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert change request")
	}
	return out, nil
}

func (r *pgChangeRepository) GetByID(ctx context.Context, id uuid.UUID) (*change.ChangeRequest, error) {
	return r.getOne(ctx, `id = $2`, id)
}

func (r *pgChangeRepository) GetByCode(ctx context.Context, code string) (*change.ChangeRequest, error) {
	return r.getOne(ctx, `code = $2`, code)
}

func (r *pgChangeRepository) getOne(ctx context.Context, cond string, key any) (*change.ChangeRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	out, err := scanChange(tx.QueryRow(ctx,
		`SELECT`+changeColumns+` FROM change_requests WHERE tenant_id = $1 AND `+cond,
		tenantID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, change.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to query change request")
	}
	return out, nil
}

func (r *pgChangeRepository) LockByID(ctx context.Context, id uuid.UUID) (*change.ChangeRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	out, err := scanChange(tx.QueryRow(ctx,
		`SELECT`+changeColumns+` FROM change_requests WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, change.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to lock change request")
	}
	return out, nil
}

func (r *pgChangeRepository) Update(ctx context.Context, cr *change.ChangeRequest) (*change.ChangeRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	decision, err := marshalDecision(cr.PolicyDecision)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE change_requests SET
			title = $3, priority = $4, change_type = $5,
			risk_level = $6, risk_score = $7, policy_decision = $8,
			implementation_plan = $9, backout_plan = $10, test_plan = $11,
			business_justification = $12,
			approver_id = $13, assigned_engineer_id = $14,
			conditions_pending = $15, conditions_ack_at = $16,
			scheduled_start = $17, scheduled_end = $18,
			approved_at = $19, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING`+changeColumns,
		cr.TenantID, cr.ID,
		cr.Title, cr.Priority, cr.ChangeType,
		cr.RiskLevel, cr.RiskScore, decision,
		cr.ImplementationPlan, cr.BackoutPlan, cr.TestPlan,
		cr.BusinessJustification,
		cr.ApproverID, cr.AssignedEngineerID,
		cr.ConditionsPending, cr.ConditionsAckAt,
		cr.ScheduledStart, cr.ScheduledEnd,
		cr.ApprovedAt,
	)
	out, err := scanChange(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, change.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to update change request")
	}
	return out, nil
}

func (r *pgChangeRepository) UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to change.Status) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE change_requests SET status = $4, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = $3`,
		tenantID, id, from, to)
	if err != nil {
		return errors.Wrap(err, "failed to update change status")
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM change_requests WHERE tenant_id = $1 AND id = $2)`,
			tenantID, id).Scan(&exists); err != nil {
			return errors.Wrap(err, "failed to check change existence")
		}
		if !exists {
			return change.ErrNotFound
		}
		return change.ErrStaleStatus
	}
	return nil
}

func (r *pgChangeRepository) ListScheduledOverlapping(ctx context.Context, clientID uuid.UUID, start, end time.Time, excludeID uuid.UUID) ([]*change.ChangeRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT`+changeColumns+`
		FROM change_requests
		WHERE tenant_id = $1 AND client_id = $2 AND id <> $3
		  AND status IN ('scheduled', 'in_progress')
		  AND scheduled_start < $5 AND $4 < scheduled_end
		ORDER BY scheduled_start`,
		tenantID, clientID, excludeID, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query overlapping changes")
	}
	return collectChanges(rows)
}

func (r *pgChangeRepository) List(ctx context.Context, filter change.ListFilter) ([]*change.ChangeRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT` + changeColumns + ` FROM change_requests WHERE tenant_id = $1 AND archived_at IS NULL`
	args := []any{tenantID}
	if filter.ClientID != uuid.Nil {
		args = append(args, filter.ClientID)
		query += ` AND client_id = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list change requests")
	}
	return collectChanges(rows)
}

func (r *pgChangeRepository) Archive(ctx context.Context, id uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE change_requests SET archived_at = now(), updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND archived_at IS NULL`,
		tenantID, id)
	if err != nil {
		return errors.Wrap(err, "failed to archive change request")
	}
	if tag.RowsAffected() == 0 {
		return change.ErrNotFound
	}
	return nil
}

func collectChanges(rows pgx.Rows) ([]*change.ChangeRequest, error) {
	defer rows.Close()
	var out []*change.ChangeRequest
	for rows.Next() {
		cr, err := scanChange(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan change request")
		}
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating change requests")
	}
	return out, nil
}
