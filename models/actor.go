package models

import (
	"context"
	"errors"

	"bitbucket.org/microsprings/factory_backend/utils"
)

// Actor is the resolved identity performing an engine operation. It is passed
// explicitly into every mutation instead of being re-read from global state;
// the engine only uses it for audit attribution, never for authorization.
type Actor struct {
	Id   int
	Name string
}

func (a Actor) Valid() bool {
	return a.Id > 0
}

// ActorFromContext builds an Actor from the request context set up by the HTTP layer.
func ActorFromContext(ctx context.Context) (Actor, error) {
	id, ok := utils.GetActorIdFromContext(ctx)
	if !ok || id <= 0 {
		return Actor{}, errors.New("actor id is required")
	}
	name, _ := utils.GetActorNameFromContext(ctx)
	return Actor{Id: id, Name: name}, nil
}
