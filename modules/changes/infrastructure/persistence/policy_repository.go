package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/opsforge/changeflow/modules/changes/domain/policy"
	"github.com/opsforge/changeflow/pkg/composables"
)

const policyColumns = `
	tenant_id, id, name, client_id, change_type, priority,
	risk_min, risk_max,
	requires_client_approval, requires_cab_approval, requires_security_review, auto_approve,
	max_implementation_hours, rules, active, created_at, updated_at`

const blackoutColumns = `
	tenant_id, id, name, client_id, starts_at, ends_at, recurrence, rules, active, created_at`

type pgPolicyRepository struct{}

func NewPgPolicyRepository() policy.Repository {
	return &pgPolicyRepository{}
}

func scanPolicy(row pgx.Row) (*policy.ChangePolicy, error) {
	var p policy.ChangePolicy
	if err := row.Scan(
		&p.TenantID,
		&p.ID,
		&p.Name,
		&p.ClientID,
		&p.ChangeType,
		&p.Priority,
		&p.RiskMin,
		&p.RiskMax,
		&p.RequiresClientApproval,
		&p.RequiresCabApproval,
		&p.RequiresSecurityReview,
		&p.AutoApprove,
		&p.MaxImplementationHours,
		&p.Rules,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pgPolicyRepository) ListActive(ctx context.Context) ([]*policy.ChangePolicy, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT`+policyColumns+` FROM change_policies WHERE tenant_id = $1 AND active ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query change policies")
	}
	defer rows.Close()

	var out []*policy.ChangePolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan change policy")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating change policies")
	}
	return out, nil
}

func (r *pgPolicyRepository) Save(ctx context.Context, p *policy.ChangePolicy) (*policy.ChangePolicy, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO change_policies (
			tenant_id, id, name, client_id, change_type, priority,
			risk_min, risk_max,
			requires_client_approval, requires_cab_approval, requires_security_review, auto_approve,
			max_implementation_hours, rules, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			client_id = EXCLUDED.client_id,
			change_type = EXCLUDED.change_type,
			priority = EXCLUDED.priority,
			risk_min = EXCLUDED.risk_min,
			risk_max = EXCLUDED.risk_max,
			requires_client_approval = EXCLUDED.requires_client_approval,
			requires_cab_approval = EXCLUDED.requires_cab_approval,
			requires_security_review = EXCLUDED.requires_security_review,
			auto_approve = EXCLUDED.auto_approve,
			max_implementation_hours = EXCLUDED.max_implementation_hours,
			rules = EXCLUDED.rules,
			active = EXCLUDED.active,
			updated_at = now()
		RETURNING`+policyColumns,
		p.TenantID, p.ID, p.Name, p.ClientID, p.ChangeType, p.Priority,
		p.RiskMin, p.RiskMax,
		p.RequiresClientApproval, p.RequiresCabApproval, p.RequiresSecurityReview, p.AutoApprove,
		p.MaxImplementationHours, p.Rules, p.Active,
	)
	out, err := scanPolicy(row)
	if err != nil {
		return nil, errors.Wrap(err, "failed to save change policy")
	}
	return out, nil
}

func scanBlackout(row pgx.Row) (*policy.BlackoutWindow, error) {
	var w policy.BlackoutWindow
	if err := row.Scan(
		&w.TenantID,
		&w.ID,
		&w.Name,
		&w.ClientID,
		&w.StartsAt,
		&w.EndsAt,
		&w.Recurrence,
		&w.Rules,
		&w.Active,
		&w.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *pgPolicyRepository) ListBlackoutWindows(ctx context.Context, clientID uuid.UUID) ([]*policy.BlackoutWindow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT`+blackoutColumns+`
		FROM blackout_windows
		WHERE tenant_id = $1 AND active AND (client_id IS NULL OR client_id = $2)
		ORDER BY starts_at`,
		tenantID, clientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query blackout windows")
	}
	defer rows.Close()

	var out []*policy.BlackoutWindow
	for rows.Next() {
		w, err := scanBlackout(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan blackout window")
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating blackout windows")
	}
	return out, nil
}

func (r *pgPolicyRepository) SaveBlackoutWindow(ctx context.Context, w *policy.BlackoutWindow) (*policy.BlackoutWindow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO blackout_windows (
			tenant_id, id, name, client_id, starts_at, ends_at, recurrence, rules, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			client_id = EXCLUDED.client_id,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			recurrence = EXCLUDED.recurrence,
			rules = EXCLUDED.rules,
			active = EXCLUDED.active
		RETURNING`+blackoutColumns,
		w.TenantID, w.ID, w.Name, w.ClientID, w.StartsAt, w.EndsAt, w.Recurrence, w.Rules, w.Active,
	)
	out, err := scanBlackout(row)
	if err != nil {
		return nil, errors.Wrap(err, "failed to save blackout window")
	}
	return out, nil
}
