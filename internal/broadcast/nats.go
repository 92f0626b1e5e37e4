package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pprasoon1/safe-chat/internal/logging"
)

// PubSub is the bus the NATS broadcaster publishes through.
// *messaging.NATSClient implements it.
type PubSub interface {
	PublishRoom(room string, data []byte) error
	PublishAll(data []byte) error
	SubscribeRoom(room string, handler func(data []byte)) error
	UnsubscribeRoom(room string) error
	SubscribeAll(handler func(data []byte)) error
	Flush() error
}

// Envelope is the bus payload for one emit.
type Envelope struct {
	Room     string          `json:"room,omitempty"`
	Skip     string          `json:"skip,omitempty"`
	Volatile bool            `json:"volatile,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// ErrClosed is returned once the broadcaster has been closed.
var ErrClosed = errors.New("broadcast: closed")

type reconcileReq struct {
	room string
	done chan error
}

// NATS publishes every emit on the bus and delivers what it receives to
// local room members, including its own publications. One goroutine owns
// the room subscriptions: it subscribes while a room has local members and
// unsubscribes once it has none.
type NATS struct {
	deliverer
	bus        PubSub
	reconcile  chan reconcileReq
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	subscribed map[string]bool // owned by the reconcile loop
}

// NewNATS subscribes to the fleet-wide subject and starts the subscription
// loop.
func NewNATS(bus PubSub) (*NATS, error) {
	n := &NATS{
		deliverer:  deliverer{index: NewIndex(), log: logging.Component("broadcast")},
		bus:        bus,
		reconcile:  make(chan reconcileReq),
		stop:       make(chan struct{}),
		subscribed: make(map[string]bool),
	}

	if err := bus.SubscribeAll(n.handleAll); err != nil {
		return nil, fmt.Errorf("broadcast: subscribe all: %w", err)
	}
	if err := bus.Flush(); err != nil {
		return nil, fmt.Errorf("broadcast: flush: %w", err)
	}

	n.wg.Add(1)
	go n.loop()
	return n, nil
}

func (n *NATS) loop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stop:
			return
		case req := <-n.reconcile:
			req.done <- n.sync(req.room)
		}
	}
}

// sync brings the subscription for room in line with the index.
func (n *NATS) sync(room string) error {
	want := n.index.HasMembers(room)
	have := n.subscribed[room]

	switch {
	case want && !have:
		if err := n.bus.SubscribeRoom(room, func(data []byte) { n.handleRoom(room, data) }); err != nil {
			return fmt.Errorf("broadcast: subscribe %s: %w", room, err)
		}
		if err := n.bus.Flush(); err != nil {
			n.log.Warn().Err(err).Str(logging.FieldRoom, room).Msg("flush after subscribe")
		}
		n.subscribed[room] = true
	case !want && have:
		if err := n.bus.UnsubscribeRoom(room); err != nil {
			n.log.Warn().Err(err).Str(logging.FieldRoom, room).Msg("unsubscribe")
		}
		delete(n.subscribed, room)
	}
	return nil
}

func (n *NATS) requestSync(ctx context.Context, room string) error {
	req := reconcileReq{room: room, done: make(chan error, 1)}
	select {
	case n.reconcile <- req:
	case <-n.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *NATS) handleRoom(room string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		n.log.Warn().Err(err).Str(logging.FieldRoom, room).Msg("bad envelope")
		return
	}
	n.deliverRoom(room, env.Data, sendOptions{skip: env.Skip, volatile: env.Volatile})
}

func (n *NATS) handleAll(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		n.log.Warn().Err(err).Msg("bad envelope")
		return
	}
	n.deliverAll(env.Data)
}

func (n *NATS) Register(sessionID string) { n.index.Register(sessionID) }

func (n *NATS) Unregister(ctx context.Context, sessionID string) error {
	var errs []error
	for _, room := range n.index.Unregister(sessionID) {
		if err := n.requestSync(ctx, room); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Join returns once this instance is subscribed to room.
func (n *NATS) Join(ctx context.Context, sessionID, room string) error {
	if !n.index.Join(sessionID, room) {
		return fmt.Errorf("broadcast: session %s is not registered", sessionID)
	}
	if err := n.requestSync(ctx, room); err != nil {
		n.index.Leave(sessionID, room)
		return err
	}
	return nil
}

func (n *NATS) Leave(ctx context.Context, sessionID, room string) error {
	n.index.Leave(sessionID, room)
	return n.requestSync(ctx, room)
}

func (n *NATS) Rooms(sessionID string) []string { return n.index.Rooms(sessionID) }

func (n *NATS) ToRoom(_ context.Context, room string, data []byte, opts ...Option) error {
	o := applyOptions(opts)
	payload, err := json.Marshal(Envelope{Room: room, Skip: o.skip, Volatile: o.volatile, Data: data})
	if err != nil {
		return fmt.Errorf("broadcast: encode: %w", err)
	}
	if err := n.bus.PublishRoom(room, payload); err != nil {
		return fmt.Errorf("broadcast: publish %s: %w", room, err)
	}
	return nil
}

func (n *NATS) ToAll(_ context.Context, data []byte) error {
	payload, err := json.Marshal(Envelope{Data: data})
	if err != nil {
		return fmt.Errorf("broadcast: encode: %w", err)
	}
	if err := n.bus.PublishAll(payload); err != nil {
		return fmt.Errorf("broadcast: publish all: %w", err)
	}
	return nil
}

// Close stops the subscription loop. The bus itself is closed by its owner.
func (n *NATS) Close() {
	n.stopOnce.Do(func() { close(n.stop) })
	n.wg.Wait()
}
