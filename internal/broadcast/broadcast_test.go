package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
)

// recordingSender captures frames per session.
type recordingSender struct {
	mu     sync.Mutex
	frames map[string][]string
	gone   map[string]bool
	tried  int
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[string][]string), gone: make(map[string]bool)}
}

func (r *recordingSender) SendMessage(id string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone[id] {
		return errors.New("connection gone")
	}
	r.frames[id] = append(r.frames[id], string(data))
	return nil
}

func (r *recordingSender) TrySendMessage(id string, data []byte) error {
	r.mu.Lock()
	r.tried++
	r.mu.Unlock()
	return r.SendMessage(id, data)
}

func (r *recordingSender) got(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames[id]...)
}

// fakeHub is an in-memory bus shared by several fakeBus clients. Delivery is
// synchronous and includes the publisher, like a NATS connection with echo.
type fakeHub struct {
	mu      sync.Mutex
	clients []*fakeBus
}

type fakeBus struct {
	hub   *fakeHub
	mu    sync.Mutex
	rooms map[string]func([]byte)
	all   func([]byte)
}

func (h *fakeHub) client() *fakeBus {
	b := &fakeBus{hub: h, rooms: make(map[string]func([]byte))}
	h.mu.Lock()
	h.clients = append(h.clients, b)
	h.mu.Unlock()
	return b
}

func (h *fakeHub) snapshot() []*fakeBus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeBus(nil), h.clients...)
}

func (b *fakeBus) PublishRoom(room string, data []byte) error {
	for _, c := range b.hub.snapshot() {
		c.mu.Lock()
		fn := c.rooms[room]
		c.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
	return nil
}

func (b *fakeBus) PublishAll(data []byte) error {
	for _, c := range b.hub.snapshot() {
		c.mu.Lock()
		fn := c.all
		c.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
	return nil
}

func (b *fakeBus) SubscribeRoom(room string, h func([]byte)) error {
	b.mu.Lock()
	b.rooms[room] = h
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) UnsubscribeRoom(room string) error {
	b.mu.Lock()
	delete(b.rooms, room)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) SubscribeAll(h func([]byte)) error {
	b.mu.Lock()
	b.all = h
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Flush() error { return nil }

func (b *fakeBus) subscribedRooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.rooms))
	for r := range b.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func newNATS(t *testing.T, bus PubSub) *NATS {
	t.Helper()
	n, err := NewNATS(bus)
	if err != nil {
		t.Fatalf("NewNATS() error: %v", err)
	}
	t.Cleanup(n.Close)
	return n
}

func backends(t *testing.T) map[string]Broadcaster {
	hub := &fakeHub{}
	return map[string]Broadcaster{
		"local": NewLocal(),
		"nats":  newNATS(t, hub.client()),
	}
}

func TestBroadcaster_RoomDelivery(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			out := newRecordingSender()
			b.SetSender(out)

			for _, id := range []string{"s1", "s2", "s3"} {
				b.Register(id)
			}
			b.Join(ctx, "s1", "room_1")
			b.Join(ctx, "s2", "room_1")
			b.Join(ctx, "s3", "global")

			if err := b.ToRoom(ctx, "room_1", []byte(`{"type":"system"}`)); err != nil {
				t.Fatalf("ToRoom() error: %v", err)
			}
			if len(out.got("s1")) != 1 || len(out.got("s2")) != 1 {
				t.Errorf("room members should get one frame each: s1=%v s2=%v", out.got("s1"), out.got("s2"))
			}
			if len(out.got("s3")) != 0 {
				t.Errorf("non-member received %v", out.got("s3"))
			}

			b.ToRoom(ctx, "room_1", []byte(`{"type":"typing"}`), SkipSession("s1"), Volatile())
			if len(out.got("s1")) != 1 {
				t.Errorf("skipped session received a frame: %v", out.got("s1"))
			}
			if len(out.got("s2")) != 2 {
				t.Errorf("s2 should have two frames, got %v", out.got("s2"))
			}

			b.ToAll(ctx, []byte(`{"type":"online_users"}`))
			for _, id := range []string{"s1", "s2", "s3"} {
				frames := out.got(id)
				if len(frames) == 0 || frames[len(frames)-1] != `{"type":"online_users"}` {
					t.Errorf("%s missed the fleet-wide frame: %v", id, frames)
				}
			}
		})
	}
}

func TestBroadcaster_LeaveAndUnregister(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			out := newRecordingSender()
			b.SetSender(out)

			b.Register("s1")
			b.Join(ctx, "s1", "room_1")
			b.Join(ctx, "s1", "global")
			if got := b.Rooms("s1"); len(got) != 2 || got[0] != "global" || got[1] != "room_1" {
				t.Fatalf("Rooms() = %v", got)
			}

			b.Leave(ctx, "s1", "room_1")
			b.ToRoom(ctx, "room_1", []byte(`{}`))
			if len(out.got("s1")) != 0 {
				t.Errorf("left session received %v", out.got("s1"))
			}

			if err := b.Unregister(ctx, "s1"); err != nil {
				t.Fatalf("Unregister() error: %v", err)
			}
			if got := b.Rooms("s1"); len(got) != 0 {
				t.Errorf("Rooms() after Unregister = %v", got)
			}
			b.ToAll(ctx, []byte(`{}`))
			if len(out.got("s1")) != 0 {
				t.Errorf("unregistered session received %v", out.got("s1"))
			}
			if err := b.Unregister(ctx, "s1"); err != nil {
				t.Errorf("second Unregister() error: %v", err)
			}
		})
	}
}

func TestBroadcaster_JoinUnregistered(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := b.Join(context.Background(), "ghost", "room_1"); err == nil {
				t.Error("expected error joining an unregistered session")
			}
		})
	}
}

func TestBroadcaster_StaleSessionSwallowed(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			out := newRecordingSender()
			b.SetSender(out)
			b.Register("s1")
			b.Register("s2")
			b.Join(ctx, "s1", "global")
			b.Join(ctx, "s2", "global")
			out.gone["s1"] = true

			if err := b.ToRoom(ctx, "global", []byte(`{}`)); err != nil {
				t.Errorf("ToRoom() should swallow per-session failures, got %v", err)
			}
			if len(out.got("s2")) != 1 {
				t.Errorf("healthy session should still receive the frame")
			}
		})
	}
}

func TestNATS_CrossInstance(t *testing.T) {
	hub := &fakeHub{}
	busA, busB := hub.client(), hub.client()
	a, b := newNATS(t, busA), newNATS(t, busB)
	outA, outB := newRecordingSender(), newRecordingSender()
	a.SetSender(outA)
	b.SetSender(outB)
	ctx := context.Background()

	a.Register("a1")
	b.Register("b1")
	a.Join(ctx, "a1", "room_7")
	b.Join(ctx, "b1", "room_7")

	a.ToRoom(ctx, "room_7", []byte(`{"type":"new_message"}`), SkipSession("a1"))
	if len(outB.got("b1")) != 1 {
		t.Errorf("remote member should receive the frame, got %v", outB.got("b1"))
	}
	if len(outA.got("a1")) != 0 {
		t.Errorf("skipped sender received %v", outA.got("a1"))
	}

	b.ToAll(ctx, []byte(`{"type":"online_users"}`))
	if len(outA.got("a1")) != 1 {
		t.Errorf("fleet-wide frame should reach other instance, got %v", outA.got("a1"))
	}
}

func TestNATS_SubscriptionFollowsMembership(t *testing.T) {
	hub := &fakeHub{}
	bus := hub.client()
	n := newNATS(t, bus)
	ctx := context.Background()

	n.Register("s1")
	n.Register("s2")
	n.Join(ctx, "s1", "room_1")
	n.Join(ctx, "s2", "room_1")
	if got := bus.subscribedRooms(); len(got) != 1 || got[0] != "room_1" {
		t.Fatalf("subscribed = %v, want [room_1]", got)
	}

	n.Leave(ctx, "s1", "room_1")
	if got := bus.subscribedRooms(); len(got) != 1 {
		t.Errorf("still one local member, subscribed = %v", got)
	}

	n.Unregister(ctx, "s2")
	if got := bus.subscribedRooms(); len(got) != 0 {
		t.Errorf("no local members left, subscribed = %v", got)
	}
}

func TestNATS_ClosedJoin(t *testing.T) {
	hub := &fakeHub{}
	n, err := NewNATS(hub.client())
	if err != nil {
		t.Fatal(err)
	}
	n.Close()
	n.Register("s1")

	if err := n.Join(context.Background(), "s1", "room_1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Join() after Close = %v, want ErrClosed", err)
	}
	if got := n.Rooms("s1"); len(got) != 0 {
		t.Errorf("failed Join must not leave membership behind, got %v", got)
	}
}
