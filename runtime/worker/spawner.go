package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/runtime/actor"
	"github.com/loomhq/loom/runtime/queue"
)

// QueueSpawner delivers child spawn requests by enqueueing the child's
// initial invocation. The parent's journal already holds the child_spawned
// entry by the time Spawn runs, so a crash between journaling and enqueueing
// is recovered by replaying the parent.
type QueueSpawner struct {
	// Queue is the destination queue. Required.
	Queue queue.Queue
	// QueueName names the destination queue. Required.
	QueueName string
}

var _ actor.Spawner = (*QueueSpawner)(nil)

// Spawn implements actor.Spawner.
func (s *QueueSpawner) Spawn(ctx context.Context, childID, actorType string, input json.RawMessage) error {
	if s.Queue == nil || s.QueueName == "" {
		return errors.New("spawner queue is not configured")
	}
	return s.Queue.Enqueue(ctx, s.QueueName, queue.Message{
		ID:          uuid.New().String(),
		ActorID:     childID,
		ActorType:   actorType,
		MessageType: MessageTypeSpawn,
		Payload:     input,
		Metadata:    queue.Metadata{Timestamp: time.Now().UTC()},
	}, queue.EnqueueOptions{})
}
