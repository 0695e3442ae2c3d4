package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/chatfanout/platform/internal/v1/bus"
	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/chatfanout/platform/internal/v1/metrics"
	"github.com/chatfanout/platform/internal/v1/rpcproto"
	"github.com/chatfanout/platform/internal/v1/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// broadcastTimeout bounds each per-edge BroadcastRoom call. A wedged edge
// must not stall a partition worker's serial poll->dispatch->commit loop;
// a timed-out call counts as a fan-out failure rather than being retried
// in-band.
const broadcastTimeout = 2 * time.Second

// Dispatcher runs the per-record pipeline: decode, dedup, cooldown, lock,
// resolve routing, fan out over gRPC, release lock.
type Dispatcher struct {
	bus  *bus.Service
	pool *edgeClientPool

	dedupTTL    time.Duration
	cooldownTTL time.Duration
	lockTTL     time.Duration
}

// NewDispatcher wires a Dispatcher to its routing store and TTL config.
func NewDispatcher(busSvc *bus.Service, dedupTTL, cooldownTTL, lockTTL time.Duration) *Dispatcher {
	return &Dispatcher{
		bus:         busSvc,
		pool:        newEdgeClientPool(),
		dedupTTL:    dedupTTL,
		cooldownTTL: cooldownTTL,
		lockTTL:     lockTTL,
	}
}

// HandleRecord implements RecordHandler: it is invoked once per Kafka
// record by the consumer's poll loop.
func (d *Dispatcher) HandleRecord(ctx context.Context, _, value []byte) {
	var push wire.PushMsg
	if err := json.Unmarshal(value, &push); err != nil {
		logging.Error(ctx, "failed to decode push message", zap.Error(err))
		metrics.JobRecordsTotal.WithLabelValues("decode", "error").Inc()
		return
	}

	var dto wire.ServerMessageDTO
	if err := json.Unmarshal(push.Msg, &dto); err != nil {
		logging.Error(ctx, "failed to decode push message body", zap.Error(err), zap.String("room_id", push.Room))
		metrics.JobRecordsTotal.WithLabelValues("decode", "error").Inc()
		return
	}
	metrics.JobRecordsTotal.WithLabelValues("decode", "ok").Inc()

	roomID := push.Room
	msgID := dto.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	proceed, err := d.bus.TryDedup(ctx, roomID, msgID, d.dedupTTL)
	if err != nil || !proceed {
		metrics.JobRecordsTotal.WithLabelValues("dedup", "duplicate").Inc()
		return
	}
	metrics.JobRecordsTotal.WithLabelValues("dedup", "ok").Inc()

	acquired, err := d.bus.TryCooldown(ctx, roomID, d.cooldownTTL)
	if err != nil || !acquired {
		metrics.JobRecordsTotal.WithLabelValues("cooldown", "dropped").Inc()
		return
	}
	metrics.JobRecordsTotal.WithLabelValues("cooldown", "ok").Inc()

	holder := uuid.NewString()
	locked, err := d.bus.AcquireLock(ctx, roomID, holder, d.lockTTL)
	if err != nil || !locked {
		metrics.JobRecordsTotal.WithLabelValues("lock", "dropped").Inc()
		return
	}
	defer func() {
		if releaseErr := d.bus.ReleaseLock(context.WithoutCancel(ctx), roomID, holder); releaseErr != nil {
			logging.Warn(ctx, "failed to release broadcast lock", zap.Error(releaseErr), zap.String("room_id", roomID))
		}
	}()
	metrics.JobRecordsTotal.WithLabelValues("lock", "ok").Inc()

	start := time.Now()
	delivered, failed := d.fanOut(ctx, roomID, push.Msg, push.OriginComet)
	metrics.JobFanoutDuration.WithLabelValues(fanoutOutcome(delivered, failed)).Observe(time.Since(start).Seconds())
}

func fanoutOutcome(delivered, failed int) string {
	switch {
	case failed == 0:
		return "ok"
	case delivered == 0:
		return "all_failed"
	default:
		return "partial"
	}
}

// fanOut groups the room's connections by owning edge and invokes
// BroadcastRoom once per edge, excluding originComet (the edge that
// already delivered this message to its local subscribers synchronously
// on receipt, if known), and returns the number of edges that accepted
// the call and the number that failed.
func (d *Dispatcher) fanOut(ctx context.Context, roomID string, body json.RawMessage, originComet string) (delivered, failed int) {
	connIDs, err := d.bus.RoomConnections(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "failed to resolve room connections", zap.Error(err), zap.String("room_id", roomID))
		return 0, 0
	}
	if len(connIDs) == 0 {
		return 0, 0
	}

	infos, err := d.bus.ConnectionInfoBatch(ctx, connIDs)
	if err != nil {
		logging.Error(ctx, "failed to resolve connection info batch", zap.Error(err), zap.String("room_id", roomID))
		return 0, 0
	}

	edges := make(map[string]struct{})
	for _, info := range infos {
		if info.CometID != "" && info.CometID != originComet {
			edges[info.CometID] = struct{}{}
		}
	}

	req := &rpcproto.BroadcastRoomRequest{
		RoomID: roomID,
		Proto: rpcproto.Envelope{
			Ver:  1,
			Op:   rpcproto.OpDeliverMessage,
			Body: string(body),
		},
	}

	for cometAddr := range edges {
		client, err := d.pool.get(cometAddr)
		if err != nil {
			logging.Error(ctx, "failed to dial edge", zap.Error(err), zap.String("comet_addr", cometAddr))
			failed++
			metrics.JobRecordsTotal.WithLabelValues("fanout", "dial_error").Inc()
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, broadcastTimeout)
		_, err = client.BroadcastRoom(callCtx, req)
		cancel()
		if err != nil {
			outcome := "rpc_error"
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = "timeout"
			}
			logging.Error(ctx, "BroadcastRoom failed", zap.Error(err), zap.String("comet_addr", cometAddr), zap.String("room_id", roomID))
			failed++
			metrics.JobRecordsTotal.WithLabelValues("fanout", outcome).Inc()
			continue
		}
		delivered++
		metrics.JobRecordsTotal.WithLabelValues("fanout", "ok").Inc()
	}

	return delivered, failed
}

// Close releases every dialed edge connection.
func (d *Dispatcher) Close() {
	d.pool.closeAll()
}
