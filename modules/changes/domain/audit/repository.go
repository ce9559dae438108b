package audit

import (
	"context"

	"github.com/google/uuid"
)

// Repository is insert-only by contract: implementations expose no update or
// delete operations so history stays immutable.
type Repository interface {
	AppendWorkflowEvent(ctx context.Context, e *WorkflowEvent) error
	AppendAuditEvent(ctx context.Context, e *AuditEvent) error
	Timeline(ctx context.Context, changeID uuid.UUID) ([]TimelineEntry, error)
}
