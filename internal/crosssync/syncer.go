// Package crosssync makes a session change in one context visible to every
// subscribed consumer, whether the change came from this process, another
// process sharing the store, or a mutation that bypassed the store API.
package crosssync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smallbiznis/session-kit/internal/domain"
	"github.com/smallbiznis/session-kit/internal/store"
)

// Syncer listens to the store's native change feeds and maintains a
// low-frequency poll as a bounded-staleness backstop for mutation paths that
// produce no signal. On any trigger it re-reads the store and republishes the
// result. It never writes.
type Syncer struct {
	store    store.Store
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu     sync.Mutex
	subs   map[int]chan *domain.Session
	nextID int
}

// New constructs a Syncer polling at the given interval. The interval is the
// worst-case staleness bound; on platforms without a native change feed the
// poll is the only mechanism and the same contract holds with that bound.
func New(st store.Store, interval time.Duration, logger *zap.Logger) *Syncer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Syncer{
		store:    st,
		interval: interval,
		// Coalesces change-event bursts into one re-read per 200ms.
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		logger:  logger,
		subs:    make(map[int]chan *domain.Session),
	}
}

// Subscribe registers a consumer of republished session snapshots. Delivery is
// latest-wins: a slow consumer observes the newest state, not every
// intermediate one. The returned func cancels the subscription.
func (s *Syncer) Subscribe() (<-chan *domain.Session, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan *domain.Session, 1)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Run drives the sync loop until ctx is cancelled. Intended to be owned by the
// application lifecycle, one instance per process.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// A nil external feed leaves that select arm permanently blocked and the
	// loop degrades to poll-only with the same contract.
	external := s.store.ExternalChanges()
	local := s.store.Changes()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-external:
		case <-local:
		case <-ticker.C:
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		s.refresh(ctx)
	}
}

// Refresh re-reads the store once and republishes, outside the Run loop.
// Used to deliver the initial state to fresh subscribers.
func (s *Syncer) Refresh(ctx context.Context) {
	s.refresh(ctx)
}

func (s *Syncer) refresh(ctx context.Context) {
	session, err := s.store.Read(ctx)
	if err != nil {
		s.log().Warn("re-read session after change", zap.Error(err))
		return
	}
	s.publish(session)
}

func (s *Syncer) publish(session *domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- session:
		default:
		}
	}
}

func (s *Syncer) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
