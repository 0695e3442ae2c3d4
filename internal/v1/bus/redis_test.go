package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chatfanout/platform/internal/v1/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestSessionTokenRoundTrip(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	token, err := NewSessionToken()
	require.NoError(t, err)
	assert.Len(t, token, 32)

	require.NoError(t, svc.PutSession(ctx, token, "alice@example.com", 24*time.Hour))

	email, err := svc.ResolveSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", email)
}

func TestResolveSession_UnknownToken(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	_, err := svc.ResolveSession(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestResolveSession_ExpiredToken(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	require.NoError(t, svc.PutSession(ctx, "tok", "alice@example.com", time.Second))
	mr.FastForward(2 * time.Second)

	_, err := svc.ResolveSession(ctx, "tok")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestConnectionRegistryLifecycle(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	info := ConnectionInfo{CometID: "comet-1", UserID: "u1", RoomID: "room-1"}

	require.NoError(t, svc.RegisterConnection(ctx, "conn-1", info))

	online, err := svc.IsUserOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	connID, err := svc.GetUserConnectionID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "conn-1", connID)

	conns, err := svc.RoomConnections(ctx, "room-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"conn-1"}, conns)

	batch, err := svc.ConnectionInfoBatch(ctx, []string{"conn-1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, info, batch["conn-1"])
	_, ok := batch["missing"]
	assert.False(t, ok)

	require.NoError(t, svc.DeregisterConnection(ctx, "conn-1", "u1", []string{"room-1"}))

	online, err = svc.IsUserOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)

	conns, err = svc.RoomConnections(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestSubscribeRoomAddsMembership(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	require.NoError(t, svc.RegisterConnection(ctx, "conn-1", ConnectionInfo{CometID: "comet-1", UserID: "u1", RoomID: "room-1"}))
	require.NoError(t, svc.SubscribeRoom(ctx, "room-2", "conn-1"))

	conns, err := svc.RoomConnections(ctx, "room-2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"conn-1"}, conns)
}

func TestDedupOnlyFirstCallerProceeds(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	ok, err := svc.TryDedup(ctx, "room-1", "msg-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.TryDedup(ctx, "room-1", "msg-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCooldownBlocksSecondBroadcast(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	ok, err := svc.TryCooldown(ctx, "room-1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.TryCooldown(ctx, "room-1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Second)
	ok, err = svc.TryCooldown(ctx, "room-1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCooldownFailsOpenWhenStoreDown(t *testing.T) {
	svc, mr := newTestService(t)
	defer func() { _ = svc.Close() }()
	mr.Close()

	ok, err := svc.TryCooldown(context.Background(), "room-1", time.Second)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestDedupFailsClosedWhenStoreDown(t *testing.T) {
	svc, mr := newTestService(t)
	defer func() { _ = svc.Close() }()
	mr.Close()

	_, err := svc.TryDedup(context.Background(), "room-1", "m1", time.Minute)
	assert.Error(t, err)
}

func TestDispatchLockAcquireAndCompareAndDeleteRelease(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	ok, err := svc.AcquireLock(ctx, "room-1", "holder-a", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.AcquireLock(ctx, "room-1", "holder-b", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// a stale release (wrong holder) must be a no-op
	require.NoError(t, svc.ReleaseLock(ctx, "room-1", "holder-b"))
	ok, err = svc.AcquireLock(ctx, "room-1", "holder-c", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.ReleaseLock(ctx, "room-1", "holder-a"))
	ok, err = svc.AcquireLock(ctx, "room-1", "holder-c", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppendAndRecentMessages(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	id1, err := svc.AppendMessage(ctx, "room-1", StreamRecord{RoomID: "room-1", UserID: "u1", Content: "hi", Timestamp: 1})
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, "room-1", StreamRecord{RoomID: "room-1", UserID: "u1", Content: "there", Timestamp: 2})
	require.NoError(t, err)

	msgs, err := svc.RecentMessages(ctx, "room-1", 10, "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "there", msgs[0].Content) // most recent first
	assert.Equal(t, "hi", msgs[1].Content)
	assert.Equal(t, id1, msgs[1].ID)
}

func TestPersistQueueRoundTrip(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	require.NoError(t, svc.EnqueuePersist(ctx, "1-0", StreamRecord{RoomID: "room-1", UserID: "u1", Content: "hi", Timestamp: 1}))
	require.NoError(t, svc.EnqueuePersist(ctx, "2-0", StreamRecord{RoomID: "room-1", UserID: "u1", Content: "there", Timestamp: 2}))

	batch, err := svc.DequeuePersistBatch(ctx, 100)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "1-0", batch[0].RedisID)
	assert.Equal(t, "2-0", batch[1].RedisID)

	require.NoError(t, svc.TrimPersistQueue(ctx, 2))
	batch, err = svc.DequeuePersistBatch(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestGracefulDegradationWhenRedisDown(t *testing.T) {
	svc, mr := newTestService(t)
	defer func() { _ = svc.Close() }()
	mr.Close()

	assert.Error(t, svc.Ping(context.Background()))

	_, err := svc.RoomConnections(context.Background(), "room-1")
	assert.Error(t, err)
}

func TestNilServiceIsNoOp(t *testing.T) {
	var svc *Service
	assert.Nil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Close())

	conns, err := svc.RoomConnections(context.Background(), "room-1")
	assert.NoError(t, err)
	assert.Nil(t, conns)
}
