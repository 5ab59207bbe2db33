package crosssync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/session-kit/internal/domain"
	"github.com/smallbiznis/session-kit/internal/store"
)

// memoryHub simulates storage shared between contexts: every memoryStore
// bound to the hub sees writes from the others on its external feed.
type memoryHub struct {
	mu      sync.Mutex
	session *domain.Session
	stores  []*memoryStore
}

func (h *memoryHub) attach() *memoryStore {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &memoryStore{
		hub:      h,
		local:    make(chan struct{}, 1),
		external: make(chan struct{}, 1),
	}
	h.stores = append(h.stores, s)
	return s
}

func (h *memoryHub) set(session *domain.Session, writer *memoryStore) {
	h.mu.Lock()
	h.session = session
	peers := make([]*memoryStore, 0, len(h.stores))
	for _, s := range h.stores {
		if s != writer {
			peers = append(peers, s)
		}
	}
	h.mu.Unlock()
	for _, s := range peers {
		s.signal(s.external)
	}
	if writer != nil {
		writer.signal(writer.local)
	}
}

// setSilently mutates shared state without any signal, exercising the poll
// backstop.
func (h *memoryHub) setSilently(session *domain.Session) {
	h.mu.Lock()
	h.session = session
	h.mu.Unlock()
}

type memoryStore struct {
	hub      *memoryHub
	local    chan struct{}
	external chan struct{}
}

var _ store.Store = (*memoryStore)(nil)

func (s *memoryStore) Read(ctx context.Context) (*domain.Session, error) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.hub.session, nil
}

func (s *memoryStore) Write(ctx context.Context, session domain.Session) error {
	s.hub.set(&session, s)
	return nil
}

func (s *memoryStore) Clear(ctx context.Context) {
	s.hub.set(nil, s)
}

func (s *memoryStore) Changes() <-chan struct{}         { return s.local }
func (s *memoryStore) ExternalChanges() <-chan struct{} { return s.external }
func (s *memoryStore) Close() error                     { return nil }

func (s *memoryStore) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func startSyncer(t *testing.T, st store.Store, interval time.Duration) *Syncer {
	t.Helper()
	syncer := New(st, interval, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		syncer.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return syncer
}

func awaitSnapshot(t *testing.T, feed <-chan *domain.Session, timeout time.Duration) *domain.Session {
	t.Helper()
	select {
	case s := <-feed:
		return s
	case <-time.After(timeout):
		t.Fatal("timed out waiting for session snapshot")
		return nil
	}
}

func sessionFor(email string) domain.Session {
	return domain.Session{
		Token: "tok",
		User:  domain.User{ID: "u1", Email: email, Role: domain.RoleUser, Status: domain.StatusActive},
		Trust: domain.TrustVerified,
	}
}

func TestSyncer_RepublishesSameContextChange(t *testing.T) {
	hub := &memoryHub{}
	st := hub.attach()
	syncer := startSyncer(t, st, time.Hour)

	feed, cancel := syncer.Subscribe()
	defer cancel()

	require.NoError(t, st.Write(context.Background(), sessionFor("local@x.com")))

	got := awaitSnapshot(t, feed, 2*time.Second)
	require.NotNil(t, got)
	require.Equal(t, "local@x.com", got.User.Email)
}

func TestSyncer_LogoutInOneContextVisibleInAnother(t *testing.T) {
	hub := &memoryHub{}
	tabA := hub.attach()
	tabB := hub.attach()
	syncerB := startSyncer(t, tabB, time.Hour)

	feed, cancel := syncerB.Subscribe()
	defer cancel()

	require.NoError(t, tabA.Write(context.Background(), sessionFor("shared@x.com")))
	got := awaitSnapshot(t, feed, 2*time.Second)
	require.NotNil(t, got)

	tabA.Clear(context.Background())
	got = awaitSnapshot(t, feed, 2*time.Second)
	require.Nil(t, got)
}

func TestSyncer_PollBackstopCoversSilentMutations(t *testing.T) {
	hub := &memoryHub{}
	st := hub.attach()
	syncer := startSyncer(t, st, 50*time.Millisecond)

	feed, cancel := syncer.Subscribe()
	defer cancel()

	session := sessionFor("silent@x.com")
	hub.setSilently(&session)

	require.Eventually(t, func() bool {
		select {
		case got := <-feed:
			return got != nil && got.User.Email == "silent@x.com"
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSyncer_SubscribeDeliversLatestState(t *testing.T) {
	hub := &memoryHub{}
	st := hub.attach()
	syncer := startSyncer(t, st, time.Hour)

	feed, cancel := syncer.Subscribe()
	defer cancel()

	ctx := context.Background()
	require.NoError(t, st.Write(ctx, sessionFor("first@x.com")))
	require.NoError(t, st.Write(ctx, sessionFor("second@x.com")))

	// Latest-wins: a slow consumer must end up observing the second write.
	require.Eventually(t, func() bool {
		select {
		case got := <-feed:
			return got != nil && got.User.Email == "second@x.com"
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSyncer_NeverWrites(t *testing.T) {
	hub := &memoryHub{}
	st := hub.attach()
	syncer := startSyncer(t, st, 30*time.Millisecond)

	feed, cancel := syncer.Subscribe()
	defer cancel()

	session := sessionFor("readonly@x.com")
	hub.setSilently(&session)
	awaitSnapshot(t, feed, 2*time.Second)

	// Several poll cycles later the shared state is still exactly what was
	// written externally.
	time.Sleep(150 * time.Millisecond)
	got, err := st.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, &session, got)
}
