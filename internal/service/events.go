package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	"github.com/makeasinger/audiogen/internal/log"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/store"
)

// Publisher receives every persisted event, e.g. the websocket hub
type Publisher interface {
	Publish(ev model.JobEvent)
}

// EventEmitter appends job events to the catalog and relays them to live
// subscribers. Sequence numbers come from a snowflake node, so they grow
// strictly in emission order within the process.
type EventEmitter struct {
	repo      store.Repository
	node      *snowflake.Node
	publisher Publisher
	now       func() time.Time
}

func NewEventEmitter(repo store.Repository, node *snowflake.Node, publisher Publisher) *EventEmitter {
	return &EventEmitter{
		repo:      repo,
		node:      node,
		publisher: publisher,
		now:       time.Now,
	}
}

// Emit persists one event. The live relay only happens once the event is stored.
func (e *EventEmitter) Emit(ctx context.Context, jobID string, typ model.EventType, payload map[string]any) (*model.JobEvent, error) {
	ev := &model.JobEvent{
		Seq:       e.node.Generate().Int64(),
		JobID:     jobID,
		Type:      typ,
		Payload:   datatypes.JSONMap(payload),
		CreatedAt: e.now().UTC(),
	}
	if err := e.repo.AppendEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to append %s event: %w", typ, err)
	}

	if e.publisher != nil {
		e.publisher.Publish(*ev)
	}
	return ev, nil
}

// EmitLogged emits and only logs a failure. Used after the state change the
// event describes has already been committed.
func (e *EventEmitter) EmitLogged(ctx context.Context, jobID string, typ model.EventType, payload map[string]any) {
	if _, err := e.Emit(ctx, jobID, typ, payload); err != nil {
		log.Error(err, "failed to emit event", "jobId", jobID, "type", typ)
	}
}
