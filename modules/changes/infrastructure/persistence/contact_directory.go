package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/opsforge/changeflow/modules/changes/domain/approval"
	"github.com/opsforge/changeflow/modules/changes/services"
	"github.com/opsforge/changeflow/pkg/composables"
)

type pgContactDirectory struct{}

func NewPgContactDirectory() services.ContactDirectory {
	return &pgContactDirectory{}
}

func (d *pgContactDirectory) ActiveApprovers(ctx context.Context, clientID uuid.UUID) ([]*approval.Contact, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, client_id, name, email, is_approver, active
		FROM client_contacts
		WHERE tenant_id = $1 AND client_id = $2 AND is_approver AND active
		ORDER BY name`,
		tenantID, clientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query client contacts")
	}
	defer rows.Close()

	var out []*approval.Contact
	for rows.Next() {
		var c approval.Contact
		if err := rows.Scan(&c.ID, &c.ClientID, &c.Name, &c.Email, &c.IsApprover, &c.Active); err != nil {
			return nil, errors.Wrap(err, "failed to scan client contact")
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating client contacts")
	}
	return out, nil
}
