package cleanup

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"mediavault/internal/errors"
	"mediavault/internal/events"
)

// QueueScheduler enqueues cleanup runs through the job queue so they execute
// on a worker with at-least-once delivery.
type QueueScheduler struct {
	bus events.Bus
}

func NewQueueScheduler(bus events.Bus) *QueueScheduler {
	return &QueueScheduler{bus: bus}
}

func (s *QueueScheduler) Schedule(ctx context.Context, job events.CleanupJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(events.SubjectCleanup, payload, uuid.New().String()); err != nil {
		return errors.New(errors.ErrInternal, "Cleanup job could not be queued", err)
	}
	return nil
}
