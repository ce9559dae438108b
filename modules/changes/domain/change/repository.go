package change

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("change request not found")
	ErrStaleStatus = errors.New("change request status changed concurrently")
)

type ListFilter struct {
	ClientID uuid.UUID
	Status   Status
	Limit    int
}

type Repository interface {
	Create(ctx context.Context, cr *ChangeRequest) (*ChangeRequest, error)
	GetByID(ctx context.Context, id uuid.UUID) (*ChangeRequest, error)
	GetByCode(ctx context.Context, code string) (*ChangeRequest, error)
	// LockByID reads the change for update inside the current transaction.
	// Against the in-memory backend it is equivalent to GetByID; callers
	// serialize through the service-level per-change lock instead.
	LockByID(ctx context.Context, id uuid.UUID) (*ChangeRequest, error)
	Update(ctx context.Context, cr *ChangeRequest) (*ChangeRequest, error)
	// UpdateStatusFrom applies a guarded status write and returns
	// ErrStaleStatus when the stored status no longer matches from.
	UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to Status) error
	// ListScheduledOverlapping returns the client's other changes in
	// scheduled or in_progress status whose window overlaps [start, end).
	ListScheduledOverlapping(ctx context.Context, clientID uuid.UUID, start, end time.Time, excludeID uuid.UUID) ([]*ChangeRequest, error)
	List(ctx context.Context, filter ListFilter) ([]*ChangeRequest, error)
	Archive(ctx context.Context, id uuid.UUID) error
}
