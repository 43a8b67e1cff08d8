package auth

import (
	"fmt"

	"bountyline/internal/domain"
)

// ForbiddenError indicates the actor may not perform an action.
type ForbiddenError struct {
	Actor  string
	Action string
}

func (e ForbiddenError) Error() string {
	if e.Actor == "" {
		return fmt.Sprintf("authenticated actor required to %s", e.Action)
	}
	return fmt.Sprintf("%s may not %s", e.Actor, e.Action)
}

func (e ForbiddenError) Unwrap() error { return domain.ErrNotAuthorized }

// Service answers marketplace-wide permission questions. Per-project rules
// (client versus worker) live with the project itself.
type Service struct {
	Owner string
}

func (s Service) IsOwner(actorID string) bool {
	return actorID != "" && s.Owner != "" && actorID == s.Owner
}

// RequireOwner gates administrative actions such as minting tokens or
// setting reputation.
func (s Service) RequireOwner(actorID, action string) error {
	if s.IsOwner(actorID) {
		return nil
	}
	return ForbiddenError{Actor: actorID, Action: action}
}

// RequireSelfOrOwner lets an actor act on its own account, and the owner on any.
func (s Service) RequireSelfOrOwner(actorID, target, action string) error {
	if actorID != "" && actorID == target {
		return nil
	}
	return s.RequireOwner(actorID, action)
}
