// Package chat ties sessions, presence, rooms, moderation and broadcast
// together. Each exported method handles one connection event.
package chat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pprasoon1/safe-chat/internal/broadcast"
	"github.com/pprasoon1/safe-chat/internal/identity"
	"github.com/pprasoon1/safe-chat/internal/logging"
	"github.com/pprasoon1/safe-chat/internal/metrics"
	"github.com/pprasoon1/safe-chat/internal/moderation"
	"github.com/pprasoon1/safe-chat/internal/presence"
	"github.com/pprasoon1/safe-chat/internal/protocol"
	"github.com/pprasoon1/safe-chat/internal/ratelimit"
	"github.com/pprasoon1/safe-chat/internal/room"
	"github.com/pprasoon1/safe-chat/internal/session"
)

// ErrNoSession is returned for an event on a connection without a live
// session.
var ErrNoSession = errors.New("chat: no live session")

// BlockedNotice is the moderation_notice text sent for a blocked message.
const BlockedNotice = "‼️ Your message was blocked due to toxic content"

// Moderator runs the moderation pipeline. *moderation.Pipeline implements it.
type Moderator interface {
	Process(ctx context.Context, in moderation.Input) (moderation.Result, error)
}

// RoomResolver returns the channels a user joins on connect.
// *room.Resolver implements it.
type RoomResolver interface {
	Channels(ctx context.Context, userID int64) ([]string, error)
}

// RateLimiter limits chat messages per subject. *ratelimit.Policy
// implements it.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string) (ratelimit.Result, error)
}

// Deps are the collaborators of a Service. Limiter may be nil.
type Deps struct {
	Sessions    *session.Map
	Presence    presence.Registry
	Rooms       RoomResolver
	Broadcaster broadcast.Broadcaster
	Moderator   Moderator
	Limiter     RateLimiter
}

// Service handles connection events.
type Service struct {
	sessions *session.Map
	presence presence.Registry
	rooms    RoomResolver
	bus      broadcast.Broadcaster
	mod      Moderator
	limiter  RateLimiter

	mu  sync.RWMutex
	out broadcast.Sender

	log zerolog.Logger
}

// NewService returns a Service.
func NewService(d Deps) *Service {
	return &Service{
		sessions: d.Sessions,
		presence: d.Presence,
		rooms:    d.Rooms,
		bus:      d.Broadcaster,
		mod:      d.Moderator,
		limiter:  d.Limiter,
		log:      logging.Component("chat"),
	}
}

// SetSender wires the transport that writes frames to local sessions, for
// both direct replies and room delivery.
func (s *Service) SetSender(out broadcast.Sender) {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
	s.bus.SetSender(out)
}

// Sessions returns the session map.
func (s *Service) Sessions() *session.Map {
	return s.sessions
}

// ---------------------------------------------------------------------------
// Connect / Disconnect
// ---------------------------------------------------------------------------

// Connect binds sessionID to ident, marks the identity online, publishes the
// online snapshot and joins the session to its persisted rooms and the
// global room. On error nothing is left behind.
func (s *Service) Connect(ctx context.Context, sessionID string, ident identity.Identity) error {
	log := s.log.With().
		Str(logging.FieldSessionID, sessionID).
		Str(logging.FieldSubject, ident.Subject).
		Int64(logging.FieldUserID, ident.UserID).
		Logger()

	if _, ok := s.sessions.Add(sessionID, ident); !ok {
		return fmt.Errorf("chat: session %s already connected", sessionID)
	}

	channels, err := s.rooms.Channels(ctx, ident.UserID)
	if err != nil {
		s.sessions.Remove(sessionID)
		log.Error().Err(err).Msg("resolve rooms failed")
		return err
	}

	s.bus.Register(sessionID)

	if _, err := s.presence.Add(ctx, ident.Subject, sessionID); err != nil {
		_ = s.bus.Unregister(ctx, sessionID)
		s.sessions.Remove(sessionID)
		log.Error().Err(err).Msg("presence add failed")
		return err
	}
	metrics.ConnectionsTotal.Inc()

	s.PublishSnapshot(ctx)

	for _, ch := range channels {
		if err := s.bus.Join(ctx, sessionID, ch); err != nil {
			log.Error().Err(err).Str(logging.FieldRoom, ch).Msg("auto-join failed")
		}
	}

	log.Info().Strs("rooms", channels).Msg("connected")
	return nil
}

// Disconnect tears down sessionID. Presence is decremented and, when this
// was the identity's last session, the updated snapshot is published.
// Calling it for an unknown or already removed session is a no-op.
func (s *Service) Disconnect(ctx context.Context, sessionID string) {
	sess := s.sessions.Remove(sessionID)
	if sess == nil {
		return
	}
	metrics.ConnectionsTotal.Dec()

	log := s.log.With().
		Str(logging.FieldSessionID, sessionID).
		Str(logging.FieldSubject, sess.Identity.Subject).
		Logger()

	if err := s.bus.Unregister(ctx, sessionID); err != nil {
		log.Warn().Err(err).Msg("broadcast unregister")
	}

	last, err := s.presence.Remove(ctx, sess.Identity.Subject, sessionID)
	if err != nil {
		log.Error().Err(err).Msg("presence remove failed")
		return
	}
	if last {
		s.PublishSnapshot(ctx)
	}

	log.Info().Bool("offline", last).Msg("disconnected")
}

// DisconnectAll disconnects every local session.
func (s *Service) DisconnectAll(ctx context.Context) {
	for _, sess := range s.sessions.All() {
		s.Disconnect(ctx, sess.ID)
	}
}

// PublishSnapshot sends the full online set to every session in the fleet.
func (s *Service) PublishSnapshot(ctx context.Context) {
	users, err := s.presence.Online(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("read online set failed")
		return
	}
	if users == nil {
		users = []string{}
	}

	frame, err := protocol.NewServerMessage(protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{Users: users})
	if err != nil {
		s.log.Error().Err(err).Msg("build online_users")
		return
	}
	if err := s.bus.ToAll(ctx, frame); err != nil {
		s.log.Error().Err(err).Msg("publish online_users failed")
		return
	}
	metrics.OnlineUsers.Set(float64(len(users)))
}

// ---------------------------------------------------------------------------
// Room events
// ---------------------------------------------------------------------------

// JoinRoom adds the session to room and announces it to the room.
func (s *Service) JoinRoom(ctx context.Context, sessionID, roomName string) error {
	sess := s.sessions.Get(sessionID)
	if sess == nil {
		return ErrNoSession
	}
	if err := s.bus.Join(ctx, sessionID, roomName); err != nil {
		return err
	}
	return s.system(ctx, roomName, sess.Identity.Subject+" joined the room")
}

// LeaveRoom removes the session from room and announces it to the remaining
// members.
func (s *Service) LeaveRoom(ctx context.Context, sessionID, roomName string) error {
	sess := s.sessions.Get(sessionID)
	if sess == nil {
		return ErrNoSession
	}
	if err := s.bus.Leave(ctx, sessionID, roomName); err != nil {
		return err
	}
	return s.system(ctx, roomName, sess.Identity.Subject+" left the room")
}

func (s *Service) system(ctx context.Context, roomName, text string) error {
	frame, err := protocol.NewServerMessage(protocol.TypeSystem, protocol.SystemMsg{Message: text})
	if err != nil {
		return err
	}
	return s.bus.ToRoom(ctx, roomName, frame)
}

// StartPrivateChat joins the initiating session to the private room it
// shares with target and tells it the room key. The target is not joined.
func (s *Service) StartPrivateChat(ctx context.Context, sessionID, target string) error {
	sess := s.sessions.Get(sessionID)
	if sess == nil {
		return ErrNoSession
	}
	if target == sess.Identity.Subject {
		return &protocol.ValidationError{Field: "target", Reason: "must be another user"}
	}

	key := room.PrivateRoomKey(sess.Identity.Subject, target)
	if err := s.bus.Join(ctx, sessionID, key); err != nil {
		return err
	}
	s.reply(sessionID, protocol.TypePrivateRoomCreated, protocol.PrivateRoomCreatedMsg{Room: key, With: target})
	return nil
}

// Typing relays a typing indicator to the room, excluding the sender. It
// is best effort and may be dropped.
func (s *Service) Typing(ctx context.Context, sessionID, roomName string) error {
	sess := s.sessions.Get(sessionID)
	if sess == nil {
		return ErrNoSession
	}
	frame, err := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
		User: sess.Identity.Subject,
		Room: roomName,
	})
	if err != nil {
		return err
	}
	return s.bus.ToRoom(ctx, roomName, frame, broadcast.SkipSession(sessionID), broadcast.Volatile())
}

// ---------------------------------------------------------------------------
// Chat messages
// ---------------------------------------------------------------------------

// ChatMessage moderates one message and gates its persistence and
// broadcast on the decision. The pipeline runs to completion even if the
// session disconnects meanwhile; replies to a gone session are dropped.
func (s *Service) ChatMessage(ctx context.Context, sessionID string, msg protocol.ChatMessageMsg) error {
	sess := s.sessions.Get(sessionID)
	if sess == nil {
		return ErrNoSession
	}
	author := sess.Identity

	if s.limiter != nil {
		res, err := s.limiter.Allow(ctx, author.Subject)
		if err != nil {
			s.log.Warn().Err(err).Str(logging.FieldSubject, author.Subject).Msg("rate limiter error, allowing")
			res = ratelimit.Result{Allowed: true}
		}
		if !res.Allowed {
			metrics.EventsRejected.WithLabelValues("rate_limited").Inc()
			s.reply(sessionID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(math.Ceil(res.RetryAfter.Seconds())),
			})
			return nil
		}
	}

	res, err := s.mod.Process(ctx, moderation.Input{
		Author: author,
		Text:   msg.Message,
		Room:   msg.Room,
		ChatID: msg.ChatIDOrDefault(),
	})
	if err != nil {
		return err
	}

	if res.Status == moderation.StatusBlocked {
		s.reply(sessionID, protocol.TypeModerationNotice, protocol.ModerationNoticeMsg{
			Message:  BlockedNotice,
			Toxicity: res.Toxicity,
		})
		s.reply(sessionID, protocol.TypeToxicityUpdate, protocol.ToxicityUpdateMsg{Toxicity: res.Toxicity})
		return nil
	}

	s.reply(sessionID, protocol.TypeToxicityUpdate, protocol.ToxicityUpdateMsg{Toxicity: res.Toxicity})

	frame, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		Room:          msg.Room,
		User:          author.Subject,
		Message:       *res.ModeratedText,
		Toxicity:      res.Toxicity,
		Status:        string(res.Status),
		ModeratedText: res.ModeratedText,
	})
	if err != nil {
		return err
	}
	return s.bus.ToRoom(ctx, msg.Room, frame)
}

// reply writes a frame to one session on this instance. A session that is
// gone is skipped silently.
func (s *Service) reply(sessionID, msgType string, payload interface{}) {
	if s.sessions.Get(sessionID) == nil {
		s.log.Debug().Str(logging.FieldSessionID, sessionID).Str(logging.FieldEvent, msgType).Msg("reply to stale session dropped")
		return
	}

	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		s.log.Error().Err(err).Str(logging.FieldEvent, msgType).Msg("build reply")
		return
	}

	s.mu.RLock()
	out := s.out
	s.mu.RUnlock()
	if out == nil {
		return
	}
	if err := out.SendMessage(sessionID, frame); err != nil {
		s.log.Debug().Err(err).Str(logging.FieldSessionID, sessionID).Str(logging.FieldEvent, msgType).Msg("reply dropped")
	}
}
