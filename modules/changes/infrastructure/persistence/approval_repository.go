package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/opsforge/changeflow/modules/changes/domain/approval"
	"github.com/opsforge/changeflow/pkg/composables"
)

const approvalColumns = `
	tenant_id, id, change_id, contact_id, status, comments, responded_at, bypassed_by, created_at, updated_at`

const voteColumns = `
	tenant_id, id, change_id, voter_id, vote, comments, conditional_terms, created_at, updated_at`

const stageColumns = `
	tenant_id, id, change_id, status, opened_at, closed_at, closed_by`

type pgApprovalRepository struct{}

func NewPgApprovalRepository() approval.Repository {
	return &pgApprovalRepository{}
}

func scanApproval(row pgx.Row) (*approval.Approval, error) {
	var a approval.Approval
	if err := row.Scan(
		&a.TenantID,
		&a.ID,
		&a.ChangeID,
		&a.ContactID,
		&a.Status,
		&a.Comments,
		&a.RespondedAt,
		&a.BypassedBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *pgApprovalRepository) CreateApprovals(ctx context.Context, approvals []*approval.Approval) error {
	if len(approvals) == 0 {
		return nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	for _, a := range approvals {
		_, err := tx.Exec(ctx, `
			INSERT INTO change_approvals (tenant_id, id, change_id, contact_id, status)
			VALUES ($1, $2, $3, $4, $5)`,
			a.TenantID, a.ID, a.ChangeID, a.ContactID, a.Status)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.ConstraintName == "change_approvals_change_contact_key" {
				return approval.ErrStageOpen
			}
			return errors.Wrap(err, "failed to insert approval")
		}
	}
	return nil
}

func (r *pgApprovalRepository) ListApprovals(ctx context.Context, changeID uuid.UUID) ([]*approval.Approval, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT`+approvalColumns+` FROM change_approvals WHERE tenant_id = $1 AND change_id = $2 ORDER BY created_at`,
		tenantID, changeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query approvals")
	}
	defer rows.Close()

	var out []*approval.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan approval")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating approvals")
	}
	return out, nil
}

func (r *pgApprovalRepository) GetApproval(ctx context.Context, id uuid.UUID) (*approval.Approval, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	a, err := scanApproval(tx.QueryRow(ctx,
		`SELECT`+approvalColumns+` FROM change_approvals WHERE tenant_id = $1 AND id = $2`,
		tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, approval.ErrApprovalNotFound
		}
		return nil, errors.Wrap(err, "failed to query approval")
	}
	return a, nil
}

func (r *pgApprovalRepository) UpdateApproval(ctx context.Context, a *approval.Approval) (*approval.Approval, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	row := tx.QueryRow(ctx, `
		UPDATE change_approvals SET
			status = $3, comments = $4, responded_at = $5, bypassed_by = $6, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING`+approvalColumns,
		a.TenantID, a.ID, a.Status, a.Comments, a.RespondedAt, a.BypassedBy)
	out, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, approval.ErrApprovalNotFound
		}
		return nil, errors.Wrap(err, "failed to update approval")
	}
	return out, nil
}

func scanVote(row pgx.Row) (*approval.CabVote, error) {
	var v approval.CabVote
	if err := row.Scan(
		&v.TenantID,
		&v.ID,
		&v.ChangeID,
		&v.VoterID,
		&v.Vote,
		&v.Comments,
		&v.ConditionalTerms,
		&v.CreatedAt,
		&v.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *pgApprovalRepository) SaveVote(ctx context.Context, v *approval.CabVote, allowReplace bool) (*approval.CabVote, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	query := `
		INSERT INTO change_cab_votes (tenant_id, id, change_id, voter_id, vote, comments, conditional_terms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if allowReplace {
		query += `
		ON CONFLICT (change_id, voter_id) DO UPDATE SET
			vote = EXCLUDED.vote,
			comments = EXCLUDED.comments,
			conditional_terms = EXCLUDED.conditional_terms,
			updated_at = now()`
	}
	query += `
		RETURNING` + voteColumns

	out, err := scanVote(tx.QueryRow(ctx, query,
		v.TenantID, v.ID, v.ChangeID, v.VoterID, v.Vote, v.Comments, v.ConditionalTerms))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "change_cab_votes_change_voter_key" {
			return nil, approval.ErrDuplicateVote
		}
		return nil, errors.Wrap(err, "failed to save CAB vote")
	}
	return out, nil
}

func (r *pgApprovalRepository) ListVotes(ctx context.Context, changeID uuid.UUID) ([]*approval.CabVote, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT`+voteColumns+` FROM change_cab_votes WHERE tenant_id = $1 AND change_id = $2 ORDER BY created_at`,
		tenantID, changeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query CAB votes")
	}
	defer rows.Close()

	var out []*approval.CabVote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan CAB vote")
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating CAB votes")
	}
	return out, nil
}

func scanStage(row pgx.Row) (*approval.CabStage, error) {
	var s approval.CabStage
	if err := row.Scan(
		&s.TenantID,
		&s.ID,
		&s.ChangeID,
		&s.Status,
		&s.OpenedAt,
		&s.ClosedAt,
		&s.ClosedBy,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *pgApprovalRepository) EnsureCabStage(ctx context.Context, changeID uuid.UUID) (*approval.CabStage, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	// The partial unique index on open stages makes the insert race-safe;
	// DO NOTHING plus the follow-up select covers the concurrent opener.
	_, err = tx.Exec(ctx, `
		INSERT INTO change_cab_stages (tenant_id, id, change_id, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT DO NOTHING`,
		tenantID, uuid.New(), changeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open CAB stage")
	}

	stage, err := r.GetOpenCabStage(ctx, changeID)
	if err != nil {
		return nil, err
	}
	return stage, nil
}

func (r *pgApprovalRepository) GetOpenCabStage(ctx context.Context, changeID uuid.UUID) (*approval.CabStage, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	s, err := scanStage(tx.QueryRow(ctx,
		`SELECT`+stageColumns+` FROM change_cab_stages WHERE tenant_id = $1 AND change_id = $2 AND status = 'pending'`,
		tenantID, changeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, approval.ErrNoCabStage
		}
		return nil, errors.Wrap(err, "failed to query CAB stage")
	}
	return s, nil
}

func (r *pgApprovalRepository) CloseCabStage(ctx context.Context, changeID uuid.UUID, outcome approval.Status, closedBy uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE change_cab_stages SET status = $3, closed_at = now(), closed_by = $4
		WHERE tenant_id = $1 AND change_id = $2 AND status = 'pending'`,
		tenantID, changeID, outcome, closedBy)
	if err != nil {
		return errors.Wrap(err, "failed to close CAB stage")
	}
	if tag.RowsAffected() == 0 {
		return approval.ErrNoCabStage
	}
	return nil
}
