// Package txhook defers side effects until after the owning database
// transaction commits. Handlers install a registry on the request context,
// services register actions with AfterCommit, and the handler runs them once
// the transaction is durably committed.
package txhook

import (
	"context"
	"sync"
)

type ctxKey struct{}

// Hooks collects deferred actions for one transaction scope.
type Hooks struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

// With installs a fresh registry on ctx and returns it. The caller owns the
// transaction boundary and must call Run after a successful commit; on
// rollback the registered actions are simply dropped.
func With(ctx context.Context) (context.Context, *Hooks) {
	h := &Hooks{}
	return context.WithValue(ctx, ctxKey{}, h), h
}

// AfterCommit registers fn to run after the surrounding transaction commits.
// Returns false when no registry is present on ctx, meaning there is no
// surrounding transaction and the caller should run fn immediately.
func AfterCommit(ctx context.Context, fn func(context.Context)) bool {
	h, ok := ctx.Value(ctxKey{}).(*Hooks)
	if !ok {
		return false
	}
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
	return true
}

// Run executes the registered actions in registration order and clears the
// registry. Call exactly once, strictly after commit.
func (h *Hooks) Run(ctx context.Context) {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ctx)
	}
}
