package comet

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/chatfanout/platform/internal/v1/errs"
	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/chatfanout/platform/internal/v1/metrics"
	"github.com/chatfanout/platform/internal/v1/store"
	"go.uber.org/zap"
)

// defaultHistoryPageSize is how many messages hello and requestRoomHistory
// return per room/page when the client doesn't ask for more.
const defaultHistoryPageSize = 50

// resolveUserRef fills in a username for a message author. If the author
// is currently connected locally, their live username is used; otherwise
// the user id stands in (the store doesn't carry a username column, and
// this edge may not be the one that ever saw that user connect).
func (s *Server) resolveUserRef(userID string) UserRef {
	if conn, ok := s.registry.ConnectionByUser(userID); ok {
		return UserRef{ID: userID, Username: conn.Username}
	}
	return UserRef{ID: userID, Username: userID}
}

func (s *Server) toServerMessageDTO(msg store.Message) ServerMessageDTO {
	return ServerMessageDTO{
		ID:        msg.ID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		RoomID:    msg.RoomID,
		User:      s.resolveUserRef(msg.UserID),
	}
}

// handleHello replies with the caller's identity and, for every room
// they're joined to, its recent history.
func (s *Server) handleHello(ctx context.Context, conn *Connection) {
	reply := HelloReply{User: UserRef{ID: conn.UserID, Username: conn.Username}}

	for _, roomID := range s.roomSeed {
		msgs, _, err := s.store.GetRoomHistoryTiered(ctx, roomID, defaultHistoryPageSize, "")
		if err != nil {
			logging.Error(ctx, "hello: failed to read room history", zap.Error(err), zap.String("room_id", roomID))
			continue
		}
		dto := make([]ServerMessageDTO, 0, len(msgs))
		for _, m := range msgs {
			dto = append(dto, s.toServerMessageDTO(m))
		}
		users := make([]string, 0)
		for _, c := range s.registry.Snapshot(roomID) {
			users = append(users, c.UserID)
		}
		reply.Rooms = append(reply.Rooms, HelloRoomDTO{ID: roomID, Name: roomID, Users: users, Messages: dto})
	}

	frame, err := encodeEnvelope(typeHello, reply)
	if err != nil {
		logging.Error(ctx, "hello: failed to encode reply", zap.Error(err))
		return
	}
	conn.Enqueue(frame)
	metrics.WebsocketEvents.WithLabelValues(typeHello, "ok").Inc()
}

// handleClientMessage stores a client send, fans it out to this edge's
// local subscribers, and forwards it through the HTTP write path so Logic
// can enqueue it for cross-edge delivery. Downstream store failures yield
// an error envelope back to the sender; the frame is dropped, not
// retried, per §4.1 failure semantics.
func (s *Server) handleClientMessage(ctx context.Context, conn *Connection, env Envelope) {
	var payload ClientMessagePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.RoomID == "" || payload.Content == "" {
		s.sendError(conn, errs.ErrBadRequest, "malformed clientMessages payload")
		metrics.WebsocketEvents.WithLabelValues(typeClientMessages, "bad_request").Inc()
		return
	}

	// The client's timestamp is only a hint; the stored message always
	// carries the server's clock in seconds.
	ts := time.Now().Unix()

	msgs, err := s.store.StoreTiered(ctx, payload.RoomID, []store.PendingMessage{
		{UserID: conn.UserID, Content: payload.Content, Timestamp: ts},
	})
	if err != nil || len(msgs) == 0 {
		logging.Error(ctx, "clientMessages: store write failed", zap.Error(err), zap.String("room_id", payload.RoomID))
		s.sendError(conn, errs.ErrStoreUnavailable, "message store unavailable")
		metrics.WebsocketEvents.WithLabelValues(typeClientMessages, "store_error").Inc()
		return
	}

	dto := s.toServerMessageDTO(msgs[0])
	frame, err := encodeEnvelope(typeServerMessages, dto)
	if err != nil {
		logging.Error(ctx, "clientMessages: failed to encode envelope", zap.Error(err))
		return
	}

	s.publishLocal(payload.RoomID, frame)
	s.forwardToLogic(ctx, payload.RoomID, conn, dto)
	metrics.WebsocketEvents.WithLabelValues(typeClientMessages, "ok").Inc()
}

// logicSendRequest is the body Logic's POST /logic/send expects.
type logicSendRequest struct {
	RoomID        string             `json:"roomId"`
	UserID        string             `json:"userId"`
	UserName      string             `json:"userName"`
	OriginCometID string             `json:"originCometId"`
	Messages      []logicSendMessage `json:"messages"`
}

// logicSendMessage carries the id and timestamp the store tier already
// assigned on append, so Logic republishes the identical message identity
// onto the partitioned log instead of minting a second one.
type logicSendMessage struct {
	ID        string `json:"id,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// forwardToLogic hands the already-locally-delivered message to Logic so
// it can be enqueued onto the partitioned log for the rest of the
// cluster. Failures here are logged only: the sender has already seen
// their message delivered locally, and the edge does not retry. The
// request carries this edge's comet id so Job can exclude it from
// BroadcastRoom fan-out and avoid delivering the message twice to the
// sender's own edge.
func (s *Server) forwardToLogic(ctx context.Context, roomID string, conn *Connection, dto ServerMessageDTO) {
	body, err := json.Marshal(logicSendRequest{
		RoomID:        roomID,
		UserID:        conn.UserID,
		UserName:      conn.Username,
		OriginCometID: s.cometID,
		Messages:      []logicSendMessage{{ID: dto.ID, Content: dto.Content, Timestamp: dto.Timestamp}},
	})
	if err != nil {
		logging.Error(ctx, "forwardToLogic: failed to encode request", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.logicURL, bytes.NewReader(body))
	if err != nil {
		logging.Error(ctx, "forwardToLogic: failed to build request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.logicClient.Do(req)
	if err != nil {
		logging.Warn(ctx, "forwardToLogic: request failed", zap.Error(err), zap.String("room_id", roomID))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logging.Warn(ctx, "forwardToLogic: non-OK response", zap.Int("status", resp.StatusCode), zap.String("room_id", roomID))
	}
}

func (s *Server) handleRequestRoomHistory(ctx context.Context, conn *Connection, env Envelope) {
	var payload RequestRoomHistoryPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.RoomID == "" {
		s.sendError(conn, errs.ErrBadRequest, "malformed requestRoomHistory payload")
		metrics.WebsocketEvents.WithLabelValues(typeRequestRoomHistory, "bad_request").Inc()
		return
	}

	msgs, hasMore, err := s.store.GetRoomHistoryTiered(ctx, payload.RoomID, defaultHistoryPageSize, payload.LastMessageID)
	if err != nil {
		logging.Error(ctx, "requestRoomHistory: read failed", zap.Error(err), zap.String("room_id", payload.RoomID))
		s.sendError(conn, errs.ErrStoreUnavailable, "message store unavailable")
		metrics.WebsocketEvents.WithLabelValues(typeRequestRoomHistory, "store_error").Inc()
		return
	}

	dto := make([]ServerMessageDTO, 0, len(msgs))
	for _, m := range msgs {
		dto = append(dto, s.toServerMessageDTO(m))
	}

	frame, err := encodeEnvelope(typeRoomHistory, RoomHistoryReply{RoomID: payload.RoomID, Messages: dto, HasMore: hasMore})
	if err != nil {
		logging.Error(ctx, "requestRoomHistory: failed to encode reply", zap.Error(err))
		return
	}
	conn.Enqueue(frame)
	metrics.WebsocketEvents.WithLabelValues(typeRequestRoomHistory, "ok").Inc()
}

func (s *Server) sendError(conn *Connection, err error, message string) {
	frame, encErr := encodeEnvelope(typeError, ErrorPayload{ID: errs.ID(err), Message: message})
	if encErr != nil {
		return
	}
	conn.Enqueue(frame)
}
