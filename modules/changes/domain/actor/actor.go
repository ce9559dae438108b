package actor

import (
	"slices"

	"github.com/google/uuid"
)

// Actor is the identity snapshot supplied by the identity collaborator for
// the duration of one request. Roles and permissions are flat capability
// lists; the governance engine never resolves them itself.
type Actor struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
}

func (a Actor) Can(permission string) bool {
	return slices.Contains(a.Permissions, permission)
}

func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}
