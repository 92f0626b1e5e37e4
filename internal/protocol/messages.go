// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom         = "join_room"
	TypeLeaveRoom        = "leave_room"
	TypeStartPrivateChat = "start_private_chat"
	TypeTyping           = "typing"
	TypeChatMessage      = "chat_message"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeOnlineUsers        = "online_users"
	TypeSystem             = "system"
	TypePrivateRoomCreated = "private_room_created"
	TypeModerationNotice   = "moderation_notice"
	TypeToxicityUpdate     = "toxicity_update"
	TypeNewMessage         = "new_message"
	TypeRateLimited        = "rate_limited"
	TypeError              = "error"
	TypePong               = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError            = "parse_error"
	CodeUnsupportedType       = "unsupported_type"
	CodeValidationError       = "validation_error"
	CodeNotConnected          = "not_connected"
	CodeClassifierUnavailable = "classifier_unavailable"
	CodePersistenceFailed     = "persistence_failed"
	CodeRateLimited           = "rate_limited"
	CodeInternalError         = "internal_error"
)

// DefaultChatID is used when a chat_message omits chat_id.
const DefaultChatID int64 = 1

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the payload can be decoded later into its concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg adds the session to a room channel.
type JoinRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// LeaveRoomMsg removes the session from a room channel.
type LeaveRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// StartPrivateChatMsg opens the private room shared with Target. Older
// clients send the subject as target_user.
type StartPrivateChatMsg struct {
	Type       string `json:"type"`
	Target     string `json:"target"`
	TargetUser string `json:"target_user,omitempty"`
}

// TypingMsg signals that the sender is typing in Room.
type TypingMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// ChatMessageMsg is a chat message to be moderated. UserID is accepted for
// compatibility but authorship always comes from the session.
type ChatMessageMsg struct {
	Type    string `json:"type"`
	Room    string `json:"room"`
	Message string `json:"message"`
	ChatID  *int64 `json:"chat_id,omitempty"`
	UserID  *int64 `json:"user_id,omitempty"`
}

// ChatIDOrDefault returns ChatID, or DefaultChatID when it was omitted.
func (m ChatMessageMsg) ChatIDOrDefault() int64 {
	if m.ChatID == nil {
		return DefaultChatID
	}
	return *m.ChatID
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// OnlineUsersMsg carries the full online set, not a delta.
type OnlineUsersMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// SystemMsg is a room notice such as a join or leave.
type SystemMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PrivateRoomCreatedMsg tells the initiator which private room it joined.
type PrivateRoomCreatedMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
	With string `json:"with"`
}

// ServerTypingMsg relays a typing indicator to the rest of the room.
type ServerTypingMsg struct {
	Type string `json:"type"`
	User string `json:"user"`
	Room string `json:"room"`
}

// ModerationNoticeMsg tells the sender its message was blocked.
type ModerationNoticeMsg struct {
	Type     string  `json:"type"`
	Message  string  `json:"message"`
	Toxicity float64 `json:"toxicity"`
}

// ToxicityUpdateMsg reports the toxicity of the sender's last message.
type ToxicityUpdateMsg struct {
	Type     string  `json:"type"`
	Toxicity float64 `json:"toxicity"`
}

// NewMessageMsg is a moderated message broadcast to a room. Message holds
// the post-decision content.
type NewMessageMsg struct {
	Type          string  `json:"type"`
	Room          string  `json:"room"`
	User          string  `json:"user"`
	Message       string  `json:"message"`
	Toxicity      float64 `json:"toxicity"`
	Status        string  `json:"status"`
	ModeratedText *string `json:"moderated_text"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Unknown types return ErrUnknownType; a payload
// missing a required field returns a *ValidationError.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireField("room", m.Room)
		}
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireField("room", m.Room)
		}
		msg = m
	case TypeStartPrivateChat:
		var m StartPrivateChatMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			if m.Target == "" {
				m.Target = m.TargetUser
			}
			err = requireField("target", m.Target)
		}
		msg = m
	case TypeTyping:
		var m TypingMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = requireField("room", m.Room)
		}
		msg = m
	case TypeChatMessage:
		var m ChatMessageMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			if err = requireField("room", m.Room); err == nil {
				err = ValidateMessage(m.Message)
			}
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		if IsValidation(err) {
			return env.Type, nil, err
		}
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewErrorMessage builds an error frame. It cannot fail.
func NewErrorMessage(code, message string) []byte {
	data, err := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	if err != nil {
		return []byte(`{"type":"error","code":"internal_error","message":"internal error"}`)
	}
	return data
}
