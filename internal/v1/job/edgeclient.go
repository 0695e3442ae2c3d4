package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatfanout/platform/internal/v1/metrics"
	"github.com/chatfanout/platform/internal/v1/rpcproto"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// edgeClient is a circuit-breaker-wrapped gRPC stub to one Comet node,
// addressed by its comet_id.
type edgeClient struct {
	cometID string
	conn    *grpc.ClientConn
	client  rpcproto.BroadcastClient
	cb      *gobreaker.CircuitBreaker
}

func newEdgeClient(cometID, address string) (*edgeClient, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial edge %s: %w", cometID, err)
	}

	st := gobreaker.Settings{
		Name:        "edge:" + cometID,
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	return &edgeClient{
		cometID: cometID,
		conn:    conn,
		client:  rpcproto.NewBroadcastClient(conn),
		cb:      gobreaker.NewCircuitBreaker(st),
	}, nil
}

// BroadcastRoom invokes the edge's BroadcastRoom RPC over the JSON codec,
// negotiated per call via grpc.CallContentSubtype so the server resolves
// rpcproto's hand-registered codec instead of protobuf.
func (e *edgeClient) BroadcastRoom(ctx context.Context, req *rpcproto.BroadcastRoomRequest) (*rpcproto.BroadcastRoomReply, error) {
	reply, err := e.cb.Execute(func() (interface{}, error) {
		return e.client.BroadcastRoom(ctx, req, grpc.CallContentSubtype(rpcproto.CodecName))
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerFailures.WithLabelValues("edge:" + e.cometID).Inc()
		}
		return nil, err
	}
	return reply.(*rpcproto.BroadcastRoomReply), nil
}

func (e *edgeClient) Close() error {
	return e.conn.Close()
}

// edgeClientPool lazily dials and caches one edgeClient per comet_id. The
// connection:info hash's comet_id field carries the edge's dialable
// host:port directly (mirroring the donor route service's comet_addr
// field), so the id itself is the dial target: no separate address
// lookup is needed.
type edgeClientPool struct {
	mu      sync.Mutex
	clients map[string]*edgeClient
}

func newEdgeClientPool() *edgeClientPool {
	return &edgeClientPool{clients: make(map[string]*edgeClient)}
}

func (p *edgeClientPool) get(cometAddr string) (*edgeClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[cometAddr]; ok {
		return c, nil
	}

	c, err := newEdgeClient(cometAddr, cometAddr)
	if err != nil {
		return nil, err
	}
	p.clients[cometAddr] = c
	return c, nil
}

func (p *edgeClientPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
}
