package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/proofserve/internal/engine"
	"github.com/patrickwarner/proofserve/internal/observability"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, &RedisStore{Client: client, Ctx: context.Background()}
}

func TestSessionStore_LoadMissing(t *testing.T) {
	_, rs := newTestRedis(t)
	store := NewSessionStore(rs, time.Minute, nil)

	_, found, err := store.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSessionStore_UpdateCreatesAndPersists(t *testing.T) {
	mr, rs := newTestRedis(t)
	store := NewSessionStore(rs, 10*time.Minute, nil)
	ctx := context.Background()
	at := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

	snap, err := store.Update(ctx, "s-1", func(snap *engine.Snapshot, found bool) error {
		assert.False(t, found)
		*snap = engine.NewSnapshot("s-1", "site-1")
		snap.Session.RecordDisplay("c-1", at)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Session.SessionCount)
	assert.Equal(t, 10*time.Minute, mr.TTL(sessionKey("s-1")))

	loaded, found, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "site-1", loaded.WebsiteID)
	assert.Equal(t, 1, loaded.Session.CampaignSessionCounts["c-1"])
	last, ok := loaded.Session.LastShown("c-1")
	require.True(t, ok)
	assert.True(t, at.Equal(last))

	_, err = store.Update(ctx, "s-1", func(snap *engine.Snapshot, found bool) error {
		assert.True(t, found)
		snap.Session.RecordDisplay("c-2", at.Add(time.Minute))
		return nil
	})
	require.NoError(t, err)
	loaded, _, err = store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Session.SessionCount)

	mr.FastForward(11 * time.Minute)
	_, found, err = store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSessionStore_CallbackErrorAbortsWrite(t *testing.T) {
	_, rs := newTestRedis(t)
	store := NewSessionStore(rs, time.Minute, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := store.Update(ctx, "s-1", func(*engine.Snapshot, bool) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, found, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSessionStore_RetriesOnConflict(t *testing.T) {
	_, rs := newTestRedis(t)
	metrics := observability.NewMockMetricsRegistry()
	store := NewSessionStore(rs, time.Minute, metrics)
	ctx := context.Background()
	at := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

	attempts := 0
	snap, err := store.Update(ctx, "s-1", func(snap *engine.Snapshot, found bool) error {
		attempts++
		if attempts == 1 {
			// Another tab writes the session while this update is in flight.
			require.NoError(t, rs.Client.Set(ctx, sessionKey("s-1"), `{"session_id":"s-1","state":"idle"}`, 0).Err())
		}
		if !found {
			*snap = engine.NewSnapshot("s-1", "site-1")
		}
		snap.Session.RecordDisplay("c-1", at)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, snap.Session.SessionCount)
	assert.Equal(t, 1, metrics.Count("session_conflicts"))
}

func TestSessionStore_GivesUpAfterRepeatedConflicts(t *testing.T) {
	_, rs := newTestRedis(t)
	metrics := observability.NewMockMetricsRegistry()
	store := NewSessionStore(rs, time.Minute, metrics)
	ctx := context.Background()

	_, err := store.Update(ctx, "s-1", func(snap *engine.Snapshot, found bool) error {
		return rs.Client.Incr(ctx, sessionKey("s-1")+":bump").Err()
	})
	require.NoError(t, err)

	_, err = store.Update(ctx, "s-1", func(snap *engine.Snapshot, found bool) error {
		return rs.Client.Set(ctx, sessionKey("s-1"), `{"session_id":"s-1"}`, 0).Err()
	})
	assert.ErrorIs(t, err, ErrSessionConflict)
	assert.Equal(t, maxUpdateAttempts, metrics.Count("session_conflicts"))
}

func TestSessionStore_Delete(t *testing.T) {
	_, rs := newTestRedis(t)
	store := NewSessionStore(rs, time.Minute, nil)
	ctx := context.Background()

	_, err := store.Update(ctx, "s-1", func(snap *engine.Snapshot, _ bool) error {
		*snap = engine.NewSnapshot("s-1", "site-1")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "s-1"))
	_, found, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_UpdateNotifications(t *testing.T) {
	_, rs := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan UpdateMessage, 16)
	done := make(chan error, 1)
	go func() {
		done <- rs.SubscribeUpdates(ctx, func(msg UpdateMessage) { got <- msg })
	}()

	want := UpdateMessage{Entity: "campaign", Action: "upsert", ID: "c-1", WebsiteID: "site-1"}
	var received UpdateMessage
	require.Eventually(t, func() bool {
		_ = rs.PublishUpdate(context.Background(), want)
		select {
		case received = <-got:
			return true
		case <-time.After(10 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, want, received)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
