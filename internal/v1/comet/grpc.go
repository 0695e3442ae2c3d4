package comet

import (
	"context"

	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/chatfanout/platform/internal/v1/metrics"
	"github.com/chatfanout/platform/internal/v1/rpcproto"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// BroadcastRoom implements rpcproto.BroadcastServer: Job invokes this to
// fan a message back out to every connection this edge holds for
// req.RoomID. The envelope body arrives pre-encoded (it's the exact JSON
// text a connected client receives), so the edge forwards it verbatim
// rather than re-decoding and re-encoding it.
func (s *Server) BroadcastRoom(ctx context.Context, req *rpcproto.BroadcastRoomRequest) (*rpcproto.BroadcastRoomReply, error) {
	delivered := s.broadcastToRoom(req.RoomID, []byte(req.Proto.Body))
	logging.Info(ctx, "BroadcastRoom delivered", zap.String("room_id", req.RoomID), zap.Int("delivered", delivered))
	metrics.WebsocketEvents.WithLabelValues("broadcast_room", "ok").Inc()
	return &rpcproto.BroadcastRoomReply{Ok: true}, nil
}

// NewGRPCServer builds the grpc.Server hosting this edge's BroadcastRoom
// implementation. The JSON codec (rpcproto.CodecName) is resolved per-call
// from the client's negotiated content-subtype, registered globally by
// rpcproto's init(); no server-side option is needed.
func NewGRPCServer(srv *Server) *grpc.Server {
	gs := grpc.NewServer()
	rpcproto.RegisterBroadcastServer(gs, srv)
	return gs
}
