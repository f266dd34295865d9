package events

import (
	"context"
)

// Handler processes one delivered message. Returning an error Naks the
// message so the queue re-delivers it; returning nil Acks it.
type Handler func(ctx context.Context, payload []byte) error

type Subscription struct {
	Unsubscribe func() error
}

// Bus is the job-queue seam. NATSBus is the production implementation;
// InlineBus runs handlers synchronously for tests and low-latency call sites.
type Bus interface {
	Publish(subject string, data []byte, msgID string) error
	Subscribe(subject string, group string, handler Handler) (Subscription, error)
	Drain() error
}
