// Package broadcast fans events out to the sessions in a room. The local
// backend delivers within one process; the NATS backend carries every event
// through the shared bus so sessions on other instances receive it too.
package broadcast

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pprasoon1/safe-chat/internal/logging"
)

// Sender writes a frame to one live session on this instance. SendMessage
// queues the frame and does not wait for the peer, so one stalled client
// cannot hold up delivery to the rest of a room.
type Sender interface {
	SendMessage(sessionID string, data []byte) error
	// TrySendMessage is a non-blocking send that may drop the frame when the
	// connection is busy.
	TrySendMessage(sessionID string, data []byte) error
}

// Broadcaster tracks room membership of local sessions and publishes events
// to rooms.
type Broadcaster interface {
	Register(sessionID string)
	// Unregister removes the session from every room it joined.
	Unregister(ctx context.Context, sessionID string) error
	Join(ctx context.Context, sessionID, room string) error
	Leave(ctx context.Context, sessionID, room string) error
	Rooms(sessionID string) []string
	ToRoom(ctx context.Context, room string, data []byte, opts ...Option) error
	ToAll(ctx context.Context, data []byte) error
	SetSender(s Sender)
}

type sendOptions struct {
	skip     string
	volatile bool
}

// Option adjusts a room emit.
type Option func(*sendOptions)

// SkipSession excludes one session from the emit.
func SkipSession(id string) Option {
	return func(o *sendOptions) { o.skip = id }
}

// Volatile marks the emit as droppable under load.
func Volatile() Option {
	return func(o *sendOptions) { o.volatile = true }
}

func applyOptions(opts []Option) sendOptions {
	var o sendOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// deliverer writes frames to local sessions. Both backends end up here.
type deliverer struct {
	index *Index
	mu    sync.RWMutex
	out   Sender
	log   zerolog.Logger
}

func (d *deliverer) SetSender(s Sender) {
	d.mu.Lock()
	d.out = s
	d.mu.Unlock()
}

func (d *deliverer) sender() Sender {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.out
}

// deliverRoom writes data to every local member of room. A refused frame
// (gone or backed-up session) is logged and skipped.
func (d *deliverer) deliverRoom(room string, data []byte, o sendOptions) {
	d.deliver(d.index.Members(room), data, o)
}

func (d *deliverer) deliverAll(data []byte) {
	d.deliver(d.index.Sessions(), data, sendOptions{})
}

func (d *deliverer) deliver(ids []string, data []byte, o sendOptions) {
	out := d.sender()
	if out == nil {
		return
	}
	for _, id := range ids {
		if id == o.skip {
			continue
		}
		var err error
		if o.volatile {
			err = out.TrySendMessage(id, data)
		} else {
			err = out.SendMessage(id, data)
		}
		if err != nil {
			d.log.Debug().Err(err).Str(logging.FieldSessionID, id).Bool("volatile", o.volatile).Msg("emit dropped")
		}
	}
}
