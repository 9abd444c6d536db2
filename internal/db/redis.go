package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/engine"
	logic "github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/observability"
)

// CampaignUpdateChannel carries campaign and playlist change notifications
// between server instances.
const CampaignUpdateChannel = "campaign-updates"

// DefaultSessionTTL is how long an idle session snapshot is kept.
const DefaultSessionTTL = 30 * time.Minute

const (
	sessionKeyPrefix  = "session:"
	maxUpdateAttempts = 5
)

var (
	// ErrSessionConflict is returned when a session kept changing underneath
	// an update for every retry.
	ErrSessionConflict = errors.New("session updated concurrently")
	// ErrSessionNotFound is returned by Update callers that require an
	// existing session.
	ErrSessionNotFound = errors.New("session not found")
)

// RedisStore wraps a redis client and context for operations.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// UpdateMessage describes a change to a website's campaigns or playlist.
type UpdateMessage struct {
	Entity    string `json:"entity"` // "campaign", "playlist" or "all"
	Action    string `json:"action"` // "upsert", "delete" or "reload"
	ID        string `json:"id,omitempty"`
	WebsiteID string `json:"website_id,omitempty"`
}

// PublishUpdate announces a change on CampaignUpdateChannel.
func (r *RedisStore) PublishUpdate(ctx context.Context, msg UpdateMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal update message: %w", err)
	}
	if err := r.Client.Publish(ctx, CampaignUpdateChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish update message: %w", err)
	}
	return nil
}

// SubscribeUpdates calls fn for every message on CampaignUpdateChannel until
// ctx is done. Undecodable messages are logged and skipped.
func (r *RedisStore) SubscribeUpdates(ctx context.Context, fn func(UpdateMessage)) error {
	sub := r.Client.Subscribe(ctx, CampaignUpdateChannel)
	defer func() {
		_ = sub.Close()
	}()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", CampaignUpdateChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg UpdateMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				zap.L().Warn("undecodable update message", zap.Error(err))
				continue
			}
			fn(msg)
		}
	}
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}

// SessionStore persists engine snapshots keyed by session id. Each update is
// an optimistic WATCH/MULTI transaction so two tabs racing on one session
// never lose a counter increment.
type SessionStore struct {
	client  *redis.Client
	ttl     time.Duration
	metrics observability.MetricsRegistry
}

// NewSessionStore creates a store. A ttl of zero or less uses
// DefaultSessionTTL.
func NewSessionStore(rs *RedisStore, ttl time.Duration, metrics observability.MetricsRegistry) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &SessionStore{client: rs.Client, ttl: ttl, metrics: metrics}
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// Load returns the stored snapshot. found is false for unknown or expired
// sessions.
func (s *SessionStore) Load(ctx context.Context, sessionID string) (snap engine.Snapshot, found bool, err error) {
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return engine.Snapshot{}, false, nil
	}
	if err != nil {
		return engine.Snapshot{}, false, fmt.Errorf("load session: %w", err)
	}
	snap, err = decodeSnapshot(raw)
	if err != nil {
		return engine.Snapshot{}, false, err
	}
	return snap, true, nil
}

func decodeSnapshot(raw []byte) (engine.Snapshot, error) {
	var snap engine.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("decode session: %w", err)
	}
	if snap.Session == nil {
		snap.Session = logic.NewSessionState()
	}
	return snap, nil
}

// Update loads the snapshot, applies fn and writes the result back with a
// fresh TTL. found tells fn whether the snapshot existed. An error from fn
// aborts the update without writing. When the key changes during the update
// it is retried; ErrSessionConflict is returned once retries run out.
func (s *SessionStore) Update(ctx context.Context, sessionID string, fn func(snap *engine.Snapshot, found bool) error) (engine.Snapshot, error) {
	key := sessionKey(sessionID)
	var result engine.Snapshot

	txf := func(tx *redis.Tx) error {
		var snap engine.Snapshot
		found := true
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			found = false
		case err != nil:
			return fmt.Errorf("load session: %w", err)
		default:
			if snap, err = decodeSnapshot(raw); err != nil {
				return err
			}
		}

		if err := fn(&snap, found); err != nil {
			return err
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			result = snap
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.metrics.IncrementSessionConflicts()
			continue
		}
		return engine.Snapshot{}, err
	}
	return engine.Snapshot{}, ErrSessionConflict
}

// Delete removes a session.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
