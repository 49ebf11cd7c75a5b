package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomhq/loom/runtime/actor"
	"github.com/loomhq/loom/runtime/actorruntime"
)

// RuntimeInvoker dispatches Actor and AI actions through the local actor
// runtime. When the action names no actor id, discovery routes to the
// least-loaded registered instance; without discovery the actor type itself
// is used as a singleton id.
type RuntimeInvoker struct {
	Runtime   *actorruntime.Runtime
	Discovery actorruntime.Discovery
}

var _ ActorInvoker = (*RuntimeInvoker)(nil)

// Invoke implements ActorInvoker.
func (i *RuntimeInvoker) Invoke(ctx context.Context, actorType, actorID, method string, args any) (any, error) {
	if i.Runtime == nil {
		return nil, errors.New("actor runtime is required")
	}
	if actorID == "" {
		if i.Discovery != nil {
			node, err := i.Discovery.LeastLoaded(ctx, actorType)
			if err != nil {
				return nil, fmt.Errorf("route actor type %q: %w", actorType, err)
			}
			actorID = node
		} else {
			actorID = actorType
		}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode actor args: %w", err)
	}
	out, err := i.Runtime.Dispatch(ctx,
		actor.Context{ActorID: actorID, ActorType: actorType},
		actor.Invocation{
			MessageID:   uuid.New().String(),
			MessageType: method,
			Payload:     payload,
		})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(out, &decoded); err != nil {
		return string(out), nil
	}
	return decoded, nil
}
