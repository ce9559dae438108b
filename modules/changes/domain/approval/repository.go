package approval

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrApprovalNotFound = errors.New("approval not found")
	ErrDuplicateVote    = errors.New("voter already has a live ballot for this change")
	ErrStageOpen        = errors.New("client approval stage already open for this change")
	ErrNoCabStage       = errors.New("no open CAB stage for this change")
)

type Repository interface {
	// CreateApprovals opens the client stage; it fails with ErrStageOpen
	// when rows already exist for the change.
	CreateApprovals(ctx context.Context, approvals []*Approval) error
	ListApprovals(ctx context.Context, changeID uuid.UUID) ([]*Approval, error)
	GetApproval(ctx context.Context, id uuid.UUID) (*Approval, error)
	UpdateApproval(ctx context.Context, a *Approval) (*Approval, error)

	// SaveVote inserts a ballot, or replaces the voter's existing ballot in
	// place when allowReplace is set; otherwise a second ballot fails with
	// ErrDuplicateVote.
	SaveVote(ctx context.Context, v *CabVote, allowReplace bool) (*CabVote, error)
	ListVotes(ctx context.Context, changeID uuid.UUID) ([]*CabVote, error)

	// EnsureCabStage finds or creates the single pending stage for a change.
	EnsureCabStage(ctx context.Context, changeID uuid.UUID) (*CabStage, error)
	GetOpenCabStage(ctx context.Context, changeID uuid.UUID) (*CabStage, error)
	CloseCabStage(ctx context.Context, changeID uuid.UUID, outcome Status, closedBy uuid.UUID) error
}
