package comet

import (
	"context"
	"net/http"
	"time"

	"github.com/chatfanout/platform/internal/v1/auth"
	"github.com/chatfanout/platform/internal/v1/bus"
	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/chatfanout/platform/internal/v1/metrics"
	"github.com/chatfanout/platform/internal/v1/ratelimit"
	"github.com/chatfanout/platform/internal/v1/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Server wires the edge node's dependencies: the local registry, the
// routing store, the tiered message store, auth, and rate limiting. It is
// shared by the HTTP handlers, the WebSocket pumps, and the gRPC
// BroadcastRoom server.
type Server struct {
	cometID       string
	idleTimeout   time.Duration
	maxFrameBytes int64
	roomSeed      []string

	registry *Registry
	bus      *bus.Service
	store    *store.Store
	auth     *auth.Service
	limiter  *ratelimit.RateLimiter

	logicClient *http.Client
	logicURL    string
}

// Config bundles the constructor's parameters.
type Config struct {
	CometID       string
	IdleTimeout   time.Duration
	MaxFrameBytes int64
	RoomSeed      []string
	LogicURL      string
}

// NewServer wires a Server from already-constructed dependencies.
func NewServer(cfg Config, busSvc *bus.Service, st *store.Store, authSvc *auth.Service, limiter *ratelimit.RateLimiter) *Server {
	return &Server{
		cometID:       cfg.CometID,
		idleTimeout:   cfg.IdleTimeout,
		maxFrameBytes: cfg.MaxFrameBytes,
		roomSeed:      cfg.RoomSeed,
		registry:      NewRegistry(cfg.RoomSeed),
		bus:           busSvc,
		store:         st,
		auth:          authSvc,
		limiter:       limiter,
		logicClient:   &http.Client{Timeout: 3 * time.Second},
		logicURL:      cfg.LogicURL,
	}
}

// Registry exposes the connection/room registry, used by the gRPC server.
func (s *Server) Registry() *Registry { return s.registry }

// activateConnection completes the Authenticating -> Active transition:
// registers the connection in the cluster-wide routing store, joins it to
// every seeded room, and registers it locally.
func (s *Server) activateConnection(ctx context.Context, conn *Connection) error {
	s.registry.AddConnection(conn)

	for _, roomID := range s.roomSeed {
		s.registry.JoinRoom(conn.ID, roomID)
		if err := s.bus.SubscribeRoom(ctx, roomID, conn.ID); err != nil {
			logging.Warn(ctx, "failed to register room membership in routing store", zap.Error(err), zap.String("room_id", roomID))
		}
	}

	info := bus.ConnectionInfo{CometID: s.cometID, UserID: conn.UserID, RoomID: ""}
	if err := s.bus.RegisterConnection(ctx, conn.ID, info); err != nil {
		return err
	}

	metrics.IncConnection()
	return nil
}

// teardownConnection reverses activateConnection's routing-store effects.
// Best-effort: failures are logged, not surfaced, since the socket is
// already gone by the time this runs.
func (s *Server) teardownConnection(ctx context.Context, conn *Connection) {
	if err := s.bus.DeregisterConnection(ctx, conn.ID, conn.UserID, s.roomSeed); err != nil {
		logging.Warn(ctx, "failed to deregister connection from routing store", zap.Error(err), zap.String("conn_id", conn.ID))
	}
}

// newConnectionID mints a unique id for a socket, distinct from the
// caller's user id so that one user can in principle hold more than one
// registry entry across reconnect races.
func newConnectionID() string {
	return uuid.NewString()
}

// dispatch routes one decoded envelope to its handler per §4.1's routing
// table. Unknown types are logged and ignored; no close.
func (s *Server) dispatch(ctx context.Context, conn *Connection, env Envelope) {
	switch env.Type {
	case typeHello:
		s.handleHello(ctx, conn)
	case typeClientMessages:
		s.handleClientMessage(ctx, conn, env)
	case typeRequestRoomHistory:
		s.handleRequestRoomHistory(ctx, conn, env)
	default:
		logging.Warn(ctx, "ignoring unknown envelope type", zap.String("type", env.Type), zap.String("conn_id", conn.ID))
		metrics.WebsocketEvents.WithLabelValues(env.Type, "ignored").Inc()
	}
}

// publishLocal snapshots roomID's local subscribers and enqueues frame to
// each, outside the registry lock.
func (s *Server) publishLocal(roomID string, frame []byte) {
	for _, conn := range s.registry.Snapshot(roomID) {
		conn.Enqueue(frame)
	}
}

// broadcastToRoom is the gRPC server's entry point into the same
// snapshot-then-send pattern as publishLocal, returning how many local
// subscribers the frame was handed to.
func (s *Server) broadcastToRoom(roomID string, frame []byte) int {
	conns := s.registry.Snapshot(roomID)
	for _, conn := range conns {
		conn.Enqueue(frame)
	}
	return len(conns)
}
