package composables

import (
	"context"
	"errors"

	"github.com/opsforge/changeflow/modules/changes/domain/actor"
	"github.com/opsforge/changeflow/pkg/constants"
)

var ErrNoActor = errors.New("no actor found in context")

func WithActor(ctx context.Context, a actor.Actor) context.Context {
	return context.WithValue(ctx, constants.ActorKey, a)
}

func UseActor(ctx context.Context) (actor.Actor, error) {
	a, ok := ctx.Value(constants.ActorKey).(actor.Actor)
	if !ok {
		return actor.Actor{}, ErrNoActor
	}
	return a, nil
}
