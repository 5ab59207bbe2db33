package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smallbiznis/session-kit/internal/domain"
)

const (
	redisSessionKey     = "session:current"
	redisSessionChannel = "session:changed"
)

// RedisStore persists the session under a single Redis key, for deployments
// where several hosts share one session. Mutations are announced on a pub/sub
// channel carrying the writer's identity, so subscribers can skip their own
// writes.
type RedisStore struct {
	client   redis.UniversalClient
	writerID string
	logger   *zap.Logger

	local    *notifier
	external *notifier
	sub      *redis.PubSub

	closeOnce sync.Once
	done      chan struct{}
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed store and subscribes to the change
// channel.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, node *snowflake.Node, logger *zap.Logger) (*RedisStore, error) {
	s := &RedisStore{
		client:   client,
		writerID: node.Generate().String(),
		logger:   logger,
		local:    newNotifier(),
		external: newNotifier(),
		done:     make(chan struct{}),
	}
	s.sub = client.Subscribe(ctx, redisSessionChannel)
	if _, err := s.sub.Receive(ctx); err != nil {
		s.sub.Close()
		return nil, fmt.Errorf("subscribe session channel: %w", err)
	}
	go s.listen()
	return s, nil
}

// Read loads the current record. Missing or undecodable records read as
// logged-out.
func (s *RedisStore) Read(ctx context.Context) (*domain.Session, error) {
	raw, err := s.client.Get(ctx, redisSessionKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read session record: %w", err)
	}
	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		s.log().Warn("session record undecodable, treating as logged out", zap.Error(err))
		return nil, nil
	}
	if !session.Valid() {
		return nil, nil
	}
	return &session, nil
}

// Write persists the record with a single SET and publishes the change.
func (s *RedisStore) Write(ctx context.Context, session domain.Session) error {
	if !session.Valid() {
		return fmt.Errorf("refusing to persist incomplete session")
	}
	session.WriterID = s.writerID
	session.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, redisSessionKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("persist session record: %w", err)
	}
	s.publish(ctx)
	s.local.Signal()
	return nil
}

// Clear deletes the record unconditionally and publishes the change.
func (s *RedisStore) Clear(ctx context.Context) {
	if err := s.client.Del(ctx, redisSessionKey).Err(); err != nil && err != redis.Nil {
		s.log().Warn("clear session record", zap.Error(err))
	}
	s.publish(ctx)
	s.local.Signal()
}

// Changes returns the same-context notification feed.
func (s *RedisStore) Changes() <-chan struct{} {
	return s.local.C()
}

// ExternalChanges returns the feed of mutations published by other writers.
func (s *RedisStore) ExternalChanges() <-chan struct{} {
	return s.external.C()
}

// Close tears down the subscription.
func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.sub.Close()
	})
	return err
}

func (s *RedisStore) publish(ctx context.Context) {
	if err := s.client.Publish(ctx, redisSessionChannel, s.writerID).Err(); err != nil {
		// Subscribers fall back to the poll backstop.
		s.log().Warn("publish session change", zap.Error(err))
	}
}

func (s *RedisStore) listen() {
	ch := s.sub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload == s.writerID {
				continue
			}
			s.external.Signal()
		}
	}
}

func (s *RedisStore) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
