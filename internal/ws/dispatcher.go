package ws

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/pprasoon1/safe-chat/internal/logging"
	"github.com/pprasoon1/safe-chat/internal/metrics"
	"github.com/pprasoon1/safe-chat/internal/protocol"
)

// MessageHandler handles one parsed client event. msg is the concrete struct
// returned by protocol.ParseClientMessage (protocol.JoinRoomMsg,
// protocol.ChatMessageMsg, ...). A returned error is reported to the sender
// as an error frame; the connection stays open.
type MessageHandler func(ctx context.Context, connID string, msg interface{}) error

// ErrorMapper turns a handler error into an error frame code and message.
type ErrorMapper func(err error) (code, message string)

// MessageDispatcher routes inbound frames to handlers by message type. Ping
// is answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	mapError ErrorMapper
	log      zerolog.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		mapError: func(error) (string, string) {
			return protocol.CodeInternalError, "internal error"
		},
		log: logging.Component("ws"),
	}
}

// Register associates a handler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// SetErrorMapper sets how handler errors are reported to clients.
func (d *MessageDispatcher) SetErrorMapper(fn ErrorMapper) {
	d.mapError = fn
}

// Dispatch is the server's onMessage callback. The handler context is not
// tied to the connection, so work already started finishes even if the
// client goes away.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	log := d.log.With().Str(logging.FieldSessionID, conn.ID).Logger()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		var ve *protocol.ValidationError
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			log.Warn().Str(logging.FieldEvent, msgType).Msg("unsupported message type")
			d.reject(conn, log, protocol.CodeUnsupportedType, "unsupported message type")
		case errors.As(err, &ve):
			log.Warn().Str(logging.FieldEvent, msgType).Str("field", ve.Field).Msg("invalid event")
			d.reject(conn, log, protocol.CodeValidationError, ve.Field+" "+ve.Reason)
		default:
			log.Warn().Err(err).Int("bytes", len(data)).Msg("parse error")
			d.reject(conn, log, protocol.CodeParseError, "invalid message format")
		}
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn, log)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Warn().Str(logging.FieldEvent, msgType).Msg("no handler registered")
		d.reject(conn, log, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	log = log.With().Str(logging.FieldEvent, msgType).Logger()
	ctx := logging.WithLogger(context.Background(), log)

	if err := handler(ctx, conn.ID, msg); err != nil {
		code, message := d.mapError(err)
		log.Warn().Err(err).Str("code", code).Msg("event failed")
		d.reject(conn, log, code, message)
	}
}

func (d *MessageDispatcher) reject(conn *Connection, log zerolog.Logger, code, message string) {
	metrics.EventsRejected.WithLabelValues(code).Inc()
	if err := conn.WriteMessage(protocol.NewErrorMessage(code, message)); err != nil {
		log.Debug().Err(err).Msg("error frame not delivered")
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection, log zerolog.Logger) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Error().Err(err).Msg("build pong")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Msg("pong not delivered")
	}
}
