package chat

import (
	"context"
	"fmt"

	"github.com/pprasoon1/safe-chat/internal/protocol"
	"github.com/pprasoon1/safe-chat/internal/ws"
)

// RegisterHandlers routes every inbound event type to the service.
func (s *Service) RegisterHandlers(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinRoom, func(ctx context.Context, connID string, msg interface{}) error {
		m, ok := msg.(protocol.JoinRoomMsg)
		if !ok {
			return unexpected(msg)
		}
		return s.JoinRoom(ctx, connID, m.Room)
	})

	d.Register(protocol.TypeLeaveRoom, func(ctx context.Context, connID string, msg interface{}) error {
		m, ok := msg.(protocol.LeaveRoomMsg)
		if !ok {
			return unexpected(msg)
		}
		return s.LeaveRoom(ctx, connID, m.Room)
	})

	d.Register(protocol.TypeStartPrivateChat, func(ctx context.Context, connID string, msg interface{}) error {
		m, ok := msg.(protocol.StartPrivateChatMsg)
		if !ok {
			return unexpected(msg)
		}
		return s.StartPrivateChat(ctx, connID, m.Target)
	})

	d.Register(protocol.TypeTyping, func(ctx context.Context, connID string, msg interface{}) error {
		m, ok := msg.(protocol.TypingMsg)
		if !ok {
			return unexpected(msg)
		}
		return s.Typing(ctx, connID, m.Room)
	})

	d.Register(protocol.TypeChatMessage, func(ctx context.Context, connID string, msg interface{}) error {
		m, ok := msg.(protocol.ChatMessageMsg)
		if !ok {
			return unexpected(msg)
		}
		return s.ChatMessage(ctx, connID, m)
	})

	d.SetErrorMapper(ErrorCode)
}

func unexpected(msg interface{}) error {
	return fmt.Errorf("chat: unexpected payload %T", msg)
}
