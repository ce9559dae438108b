package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/opsforge/changeflow/modules/changes/domain/approval"
)

// ContactDirectory is the client/contact collaborator. Only contacts that
// are both active and flagged as approvers are returned.
type ContactDirectory interface {
	ActiveApprovers(ctx context.Context, clientID uuid.UUID) ([]*approval.Contact, error)
}
