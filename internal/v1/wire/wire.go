// Package wire defines the JSON message shapes shared across Comet,
// Logic, and Job: the WebSocket envelope clients speak, and the record
// value Logic produces onto the partitioned log for Job to decode.
package wire

import "encoding/json"

// Envelope is the wire shape for every WebSocket frame in both
// directions: {"type": <tag>, "payload": <object>}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode builds an Envelope with payload marshaled under tag.
func Encode(tag string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: tag, Payload: raw})
}

// UserRef is the minimal user record embedded in hello/serverMessages
// payloads.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// HelloPayload is the client's empty handshake request.
type HelloPayload struct{}

// HelloReply is the server's response to hello: the caller's identity
// plus every room they belong to, each carrying recent history.
type HelloReply struct {
	User  UserRef        `json:"user"`
	Rooms []HelloRoomDTO `json:"rooms"`
}

// HelloRoomDTO is one room entry in a hello reply.
type HelloRoomDTO struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Users    []string           `json:"users"`
	Messages []ServerMessageDTO `json:"messages"`
}

// ClientMessagePayload is a client's request to post into a room.
type ClientMessagePayload struct {
	RoomID    string `json:"roomId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ServerMessageDTO is a delivered chat message, sent both over the local
// topic and as the body of a BroadcastRoom RPC.
type ServerMessageDTO struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Timestamp int64   `json:"timestamp"`
	RoomID    string  `json:"room_id"`
	User      UserRef `json:"user"`
}

// RequestRoomHistoryPayload is a client's request for a page of history.
type RequestRoomHistoryPayload struct {
	RoomID        string `json:"room_id"`
	LastMessageID string `json:"last_message_id,omitempty"`
}

// RoomHistoryReply answers requestRoomHistory.
type RoomHistoryReply struct {
	RoomID   string             `json:"room_id"`
	Messages []ServerMessageDTO `json:"messages"`
	HasMore  bool               `json:"has_more"`
}

// ErrorPayload is sent back to a sender when a clientMessages request
// fails downstream; the frame that triggered it is dropped, not retried.
type ErrorPayload struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Envelope type tags.
const (
	TypeHello             = "hello"
	TypeClientMessages     = "clientMessages"
	TypeServerMessages     = "serverMessages"
	TypeRequestRoomHistory = "requestRoomHistory"
	TypeRoomHistory        = "room_history"
	TypeError              = "error"
)

// PushMsg is the value Logic produces onto the partitioned log and Job
// decodes off each partition.
type PushMsg struct {
	Type      string          `json:"type"`
	Operation string          `json:"operation"`
	Room      string          `json:"room"`
	Msg       json.RawMessage `json:"msg"`

	// OriginComet is the comet_id of the edge the sender was connected
	// to when this message was produced, if known. Job excludes that
	// edge from BroadcastRoom fan-out, since it already delivered the
	// message to its local subscribers synchronously on receipt.
	OriginComet string `json:"originComet,omitempty"`
}

// Operation tags for PushMsg.
const (
	OperationPublish = "publish"
)
