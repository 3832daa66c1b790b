package persistence

import (
	"context"

	"github.com/fsmawi/wip/pkg/api"
)

// EventStore is an append-only history store for task step events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.StepEvent) error
	ListEvents(ctx context.Context, taskID int64) ([]api.StepEvent, error)
	DeleteEvents(ctx context.Context, taskIDs []int64) error
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.StepEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, taskID int64) ([]api.StepEvent, error) {
	return nil, nil
}
func (NoopEventStore) DeleteEvents(ctx context.Context, taskIDs []int64) error { return nil }
