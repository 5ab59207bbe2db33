package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/smallbiznis/session-kit/internal/crosssync"
	"github.com/smallbiznis/session-kit/internal/domain"
	"github.com/smallbiznis/session-kit/internal/store"
)

// Context is the process-wide accessor for the current session. It is
// constructed explicitly and injected where needed; there is no package-level
// singleton. One instance lives for the whole process and is torn down once
// through Close.
type Context struct {
	orch   Orchestrator
	store  store.Store
	syncer *crosssync.Syncer
	logger *zap.Logger

	mu      sync.RWMutex
	current *domain.Session
	loading bool

	sub       <-chan *domain.Session
	cancelSub func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewContext wires the session context.
func NewContext(orch Orchestrator, st store.Store, syncer *crosssync.Syncer, logger *zap.Logger) *Context {
	return &Context{
		orch:   orch,
		store:  st,
		syncer: syncer,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start seeds the current session synchronously from the store, so a restart
// never flashes a logged-out state, then kicks off an asynchronous profile
// refresh when a token is present.
func (c *Context) Start(ctx context.Context) error {
	session, err := c.store.Read(ctx)
	if err != nil {
		c.log().Warn("seed session from store", zap.Error(err))
	}

	c.mu.Lock()
	c.current = session
	c.mu.Unlock()

	c.sub, c.cancelSub = c.syncer.Subscribe()
	go c.consume()

	if session != nil && session.Trust == domain.TrustVerified {
		c.setLoading(true)
		// The refresh belongs to the process-wide session, not the caller:
		// it keeps running even if the initiating scope goes away.
		go c.refresh(context.WithoutCancel(ctx))
	}
	return nil
}

// Current returns the session snapshot, nil when logged out. Treat the result
// as read-only; mutation goes through the orchestrator.
func (c *Context) Current() *domain.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Loading is true only during the initial backend refresh.
func (c *Context) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading
}

// Operations exposes the orchestrator to dependents of the context.
func (c *Context) Operations() Orchestrator {
	return c.orch
}

// Watch returns a feed of session snapshots, latest-wins. The returned func
// cancels the subscription.
func (c *Context) Watch() (<-chan *domain.Session, func()) {
	return c.syncer.Subscribe()
}

// Close tears down listeners. The single teardown path for the context.
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		if c.cancelSub != nil {
			c.cancelSub()
		}
		close(c.done)
	})
}

func (c *Context) consume() {
	for {
		select {
		case <-c.done:
			return
		case session, ok := <-c.sub:
			if !ok {
				return
			}
			c.mu.Lock()
			c.current = session
			c.mu.Unlock()
		}
	}
}

func (c *Context) refresh(ctx context.Context) {
	defer c.setLoading(false)
	session, err := c.orch.Refresh(ctx)
	if err != nil {
		// Stale-but-usable beats eviction: keep the seeded session and let a
		// later explicit rejection settle it.
		c.log().Info("session refresh failed, keeping local session", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.current = session
	c.mu.Unlock()
}

func (c *Context) setLoading(v bool) {
	c.mu.Lock()
	c.loading = v
	c.mu.Unlock()
}

func (c *Context) log() *zap.Logger {
	if c != nil && c.logger != nil {
		return c.logger
	}
	return zap.L()
}
