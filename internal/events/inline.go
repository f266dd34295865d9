package events

import (
	"context"
	"fmt"
	"sync"
)

var _ Bus = (*InlineBus)(nil)

// InlineBus dispatches synchronously to registered handlers in the
// publisher's goroutine. It is the "inline queue mode": tests and
// low-latency call sites get the same contract as NATS, and a handler error
// propagates straight back to the publisher instead of Nak/redelivery.
type InlineBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewInlineBus() *InlineBus {
	return &InlineBus{handlers: make(map[string][]Handler)}
}

func (b *InlineBus) Publish(subject string, data []byte, _ string) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[subject]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return fmt.Errorf("inline bus: no handler for subject %s", subject)
	}
	for _, h := range handlers {
		if err := h(context.Background(), data); err != nil {
			return err
		}
	}
	return nil
}

func (b *InlineBus) Subscribe(subject string, _ string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	b.mu.Unlock()

	return Subscription{
		Unsubscribe: func() error {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.handlers[subject] = nil
			return nil
		},
	}, nil
}

func (b *InlineBus) Drain() error { return nil }

// Synchronous reports the enqueue-failure semantics: an inline publish
// failure already ran (or failed to run) the work, so callers must propagate
// it instead of deleting the quarantine entry.
func (b *InlineBus) Synchronous() bool { return true }
