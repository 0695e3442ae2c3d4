package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chatfanout/platform/internal/v1/bus"
	"github.com/chatfanout/platform/internal/v1/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *bus.Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	busSvc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	return NewDispatcher(busSvc, 60*time.Second, time.Second, 5*time.Second), busSvc, mr
}

func pushMsgRecord(t *testing.T, roomID, msgID string) []byte {
	t.Helper()
	dto := wire.ServerMessageDTO{ID: msgID, Content: "hi", RoomID: roomID}
	body, err := json.Marshal(dto)
	require.NoError(t, err)

	push := wire.PushMsg{Type: wire.TypeServerMessages, Operation: wire.OperationPublish, Room: roomID, Msg: body}
	raw, err := json.Marshal(push)
	require.NoError(t, err)
	return raw
}

func TestHandleRecordDropsMalformedEnvelope(t *testing.T) {
	d, _, mr := newTestDispatcher(t)
	defer mr.Close()

	d.HandleRecord(context.Background(), nil, []byte("not json"))
}

func TestHandleRecordWithNoSubscribersReleasesLockCleanly(t *testing.T) {
	d, busSvc, mr := newTestDispatcher(t)
	defer mr.Close()

	ctx := context.Background()
	record := pushMsgRecord(t, "room-1", "msg-1")

	d.HandleRecord(ctx, nil, record)

	locked, err := busSvc.AcquireLock(ctx, "room-1", "probe", time.Second)
	require.NoError(t, err)
	assert.True(t, locked, "lock must have been released after dispatch completes")
}

func TestHandleRecordDedupDropsSecondDeliveryOfSameMessage(t *testing.T) {
	d, busSvc, mr := newTestDispatcher(t)
	defer mr.Close()

	ctx := context.Background()
	record := pushMsgRecord(t, "room-1", "msg-dup")

	d.HandleRecord(ctx, nil, record)

	proceed, err := busSvc.TryDedup(ctx, "room-1", "msg-dup", 60*time.Second)
	require.NoError(t, err)
	assert.False(t, proceed, "dedup marker must already be set by the first delivery")
}

func TestFanOutReturnsZeroDeliveredWhenRoomHasNoConnections(t *testing.T) {
	d, _, mr := newTestDispatcher(t)
	defer mr.Close()

	delivered, failed := d.fanOut(context.Background(), "empty-room", json.RawMessage(`{}`), "")
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, failed)
}

func TestFanOutSkipsConnectionsWithEmptyCometID(t *testing.T) {
	d, busSvc, mr := newTestDispatcher(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, busSvc.RegisterConnection(ctx, "conn-1", bus.ConnectionInfo{CometID: "", UserID: "u1", RoomID: "room-1"}))

	delivered, failed := d.fanOut(ctx, "room-1", json.RawMessage(`{}`), "")
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, failed, "a connection with an empty comet_id is skipped rather than dialed")
}

func TestFanOutExcludesOriginComet(t *testing.T) {
	d, busSvc, mr := newTestDispatcher(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, busSvc.RegisterConnection(ctx, "conn-1", bus.ConnectionInfo{CometID: "comet-a", UserID: "u1", RoomID: "room-1"}))

	delivered, failed := d.fanOut(ctx, "room-1", json.RawMessage(`{}`), "comet-a")
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, failed, "the only subscriber's edge is the origin, so no RPC is attempted")
}
