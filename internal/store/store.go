// Package store is the single place that reads and writes the persisted
// session record. The token and user travel as one serialized record under a
// single key, so a reader observes either a complete pair or nothing.
package store

import (
	"context"
	"sync"

	"github.com/smallbiznis/session-kit/internal/domain"
)

// Store persists the current session and announces mutations.
type Store interface {
	// Read returns the current session, or nil when no complete record is
	// present. A record that fails to deserialize reads as logged-out, not
	// as an error.
	Read(ctx context.Context) (*domain.Session, error)
	// Write persists the session as one logical operation and notifies
	// same-context subscribers.
	Write(ctx context.Context, session domain.Session) error
	// Clear removes the record unconditionally and notifies same-context
	// subscribers. Safe to call from cleanup paths; storage errors are
	// logged, never returned.
	Clear(ctx context.Context)
	// Changes returns the same-context notification feed. Every successful
	// Write or Clear signals it. The signal carries no payload; consumers
	// re-read via Read.
	Changes() <-chan struct{}
	// ExternalChanges returns the feed of mutations made by other contexts
	// (other processes, or writes that bypassed this Store instance). Nil
	// when the backend offers no external feed; callers then rely on polling.
	ExternalChanges() <-chan struct{}
	// Close releases watchers and subscriptions.
	Close() error
}

// notifier fans a payload-free signal out to a fixed pair of channels. Signals
// coalesce: a pending undelivered signal absorbs later ones, which is correct
// because consumers re-read the full record on every wakeup.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{}, 1)}
}

func (n *notifier) Signal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *notifier) C() <-chan struct{} {
	return n.ch
}
