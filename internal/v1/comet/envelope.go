package comet

import "github.com/chatfanout/platform/internal/v1/wire"

// These aliases keep the rest of this package's handlers written against
// short local names while the actual wire shapes live in internal/v1/wire
// so Logic and Job can share them without importing comet.
type (
	Envelope                  = wire.Envelope
	UserRef                   = wire.UserRef
	HelloPayload              = wire.HelloPayload
	HelloReply                = wire.HelloReply
	HelloRoomDTO              = wire.HelloRoomDTO
	ClientMessagePayload      = wire.ClientMessagePayload
	ServerMessageDTO          = wire.ServerMessageDTO
	RequestRoomHistoryPayload = wire.RequestRoomHistoryPayload
	RoomHistoryReply          = wire.RoomHistoryReply
	ErrorPayload              = wire.ErrorPayload
)

const (
	typeHello              = wire.TypeHello
	typeClientMessages     = wire.TypeClientMessages
	typeServerMessages     = wire.TypeServerMessages
	typeRequestRoomHistory = wire.TypeRequestRoomHistory
	typeRoomHistory        = wire.TypeRoomHistory
	typeError              = wire.TypeError
)

func encodeEnvelope(tag string, payload any) ([]byte, error) {
	return wire.Encode(tag, payload)
}
