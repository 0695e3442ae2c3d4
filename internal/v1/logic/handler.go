package logic

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/chatfanout/platform/internal/v1/wire"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sendRequest is the body POST /logic/send accepts.
type sendRequest struct {
	RoomID        string        `json:"roomId"`
	UserID        string        `json:"userId"`
	UserName      string        `json:"userName"`
	OriginCometID string        `json:"originCometId"`
	Messages      []sendMessage `json:"messages"`
}

// sendMessage carries the id/timestamp the sending edge already assigned
// when it appended the message to its store tier, so Logic reuses the
// same identity on the partitioned log rather than minting a second one.
type sendMessage struct {
	ID        string `json:"id,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// producer is the subset of Producer the handler depends on, so tests can
// substitute a fake rather than dialing a real Kafka cluster.
type producer interface {
	Produce(ctx context.Context, roomID string, msg wire.PushMsg) error
}

// Handler serves the Logic HTTP write endpoint.
type Handler struct {
	producer producer
}

// NewHandler wires a Handler to its Kafka producer.
func NewHandler(p producer) *Handler {
	return &Handler{producer: p}
}

// RegisterRoutes mounts POST /logic/send.
func (h *Handler) RegisterRoutes(router *gin.Engine, middleware ...gin.HandlerFunc) {
	group := router.Group("/logic")
	group.Use(middleware...)
	group.POST("/send", h.handleSend)
}

// handleSend validates the request, wraps each message into a
// serverMessages envelope, and produces one PushMsg per message onto the
// partitioned log, keyed by roomId.
func (h *Handler) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" || req.UserID == "" || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"id": "BAD_REQUEST", "message": "invalid send request"})
		return
	}

	ctx := c.Request.Context()
	now := time.Now().Unix()

	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		ts := m.Timestamp
		if ts == 0 {
			ts = now
		}
		dto := wire.ServerMessageDTO{
			ID:        id,
			Content:   m.Content,
			Timestamp: ts,
			RoomID:    req.RoomID,
			User:      wire.UserRef{ID: req.UserID, Username: req.UserName},
		}
		msgJSON, err := json.Marshal(dto)
		if err != nil {
			logging.Error(ctx, "failed to encode serverMessages body", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"id": "INTERNAL", "message": "encode failure"})
			return
		}

		push := wire.PushMsg{
			Type:        wire.TypeServerMessages,
			Operation:   wire.OperationPublish,
			Room:        req.RoomID,
			Msg:         msgJSON,
			OriginComet: req.OriginCometID,
		}
		if err := h.producer.Produce(ctx, req.RoomID, push); err != nil {
			logging.Error(ctx, "failed to produce push message", zap.Error(err), zap.String("room_id", req.RoomID))
			c.JSON(http.StatusInternalServerError, gin.H{"id": "INTERNAL", "message": "enqueue failure"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
