package policy

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	ListActive(ctx context.Context) ([]*ChangePolicy, error)
	Save(ctx context.Context, p *ChangePolicy) (*ChangePolicy, error)
	// ListBlackoutWindows returns active windows scoped to the client plus
	// global ones.
	ListBlackoutWindows(ctx context.Context, clientID uuid.UUID) ([]*BlackoutWindow, error)
	SaveBlackoutWindow(ctx context.Context, w *BlackoutWindow) (*BlackoutWindow, error)
}
