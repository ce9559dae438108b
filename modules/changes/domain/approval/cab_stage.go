package approval

import (
	"time"

	"github.com/google/uuid"
)

// CabStage is the explicit one-to-one record of an open CAB review for a
// change. At most one stage may be pending per change; the persistence layer
// enforces this with a partial unique index rather than check-then-create.
type CabStage struct {
	TenantID uuid.UUID `json:"tenant_id"`
	ID       uuid.UUID `json:"id"`
	ChangeID uuid.UUID `json:"change_id"`

	Status   Status     `json:"status"`
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
	ClosedBy *uuid.UUID `json:"closed_by,omitempty"`
}
