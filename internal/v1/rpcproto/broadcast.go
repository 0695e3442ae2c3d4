package rpcproto

import (
	"context"

	"google.golang.org/grpc"
)

// Envelope carries the fields the external interface specifies for a
// BroadcastRoom call: ver is the wire-format version, op identifies the
// operation (4 = deliver message, matching the donor pipeline's
// BroadcastRoomReq), seq is reserved for future ordering use, and body is
// the UTF-8 JSON text of a serverMessages envelope.
type Envelope struct {
	Ver  int32  `json:"ver"`
	Op   int32  `json:"op"`
	Seq  int64  `json:"seq"`
	Body string `json:"body"`
}

// OpDeliverMessage is the only operation this build issues.
const OpDeliverMessage int32 = 4

// BroadcastRoomRequest is the BroadcastRoom RPC request.
type BroadcastRoomRequest struct {
	RoomID string   `json:"room_id"`
	Proto  Envelope `json:"proto"`
}

// BroadcastRoomReply is the BroadcastRoom RPC response.
type BroadcastRoomReply struct {
	Ok bool `json:"ok"`
}

// BroadcastServer is implemented by the Comet edge node.
type BroadcastServer interface {
	BroadcastRoom(ctx context.Context, req *BroadcastRoomRequest) (*BroadcastRoomReply, error)
}

// BroadcastClient is implemented by the hand-written client stub below; Job holds
// one per edge address.
type BroadcastClient interface {
	BroadcastRoom(ctx context.Context, req *BroadcastRoomRequest, opts ...grpc.CallOption) (*BroadcastRoomReply, error)
}

type broadcastClient struct {
	cc grpc.ClientConnInterface
}

// NewBroadcastClient wraps a dialed connection as a BroadcastClient.
func NewBroadcastClient(cc grpc.ClientConnInterface) BroadcastClient {
	return &broadcastClient{cc: cc}
}

func (c *broadcastClient) BroadcastRoom(ctx context.Context, req *BroadcastRoomRequest, opts ...grpc.CallOption) (*BroadcastRoomReply, error) {
	out := new(BroadcastRoomReply)
	if err := c.cc.Invoke(ctx, broadcastRoomMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

const (
	serviceName         = "chatfanout.Broadcast"
	broadcastRoomMethod = "/" + serviceName + "/BroadcastRoom"
)

func broadcastRoomHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BroadcastRoomRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BroadcastServer).BroadcastRoom(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: broadcastRoomMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BroadcastServer).BroadcastRoom(ctx, req.(*BroadcastRoomRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc binds BroadcastServer to the gRPC transport without a
// protoc-generated *_grpc.pb.go — see the package doc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BroadcastServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "BroadcastRoom",
			Handler:    broadcastRoomHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpcproto/broadcast.go",
}

// RegisterBroadcastServer registers an implementation of BroadcastServer
// on a *grpc.Server, mirroring the generated RegisterXServer helper shape.
func RegisterBroadcastServer(s *grpc.Server, srv BroadcastServer) {
	s.RegisterService(&ServiceDesc, srv)
}
