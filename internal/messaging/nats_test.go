package messaging

import (
	"strings"
	"testing"
	"time"
)

func TestRoomSubject(t *testing.T) {
	tests := []string{"global", "room_12", "private_a@x.com_b@y.com", "has.dots", "wild*card>"}
	seen := make(map[string]string)

	for _, room := range tests {
		s := RoomSubject(room)
		if !strings.HasPrefix(s, SubjectRoomPrefix) {
			t.Errorf("RoomSubject(%q) = %q, missing prefix", room, s)
		}
		token := strings.TrimPrefix(s, SubjectRoomPrefix)
		if strings.ContainsAny(token, ".*> ") {
			t.Errorf("RoomSubject(%q) token %q contains subject metacharacters", room, token)
		}
		if prev, ok := seen[s]; ok {
			t.Errorf("RoomSubject collision between %q and %q", prev, room)
		}
		seen[s] = room
	}
}

// newTestClient connects to a local NATS server. Tests that call this helper
// require nats-server on localhost:4222.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNATSClient_RoomRoundTrip(t *testing.T) {
	c := newTestClient(t)

	got := make(chan []byte, 1)
	if err := c.SubscribeRoom("test-room", func(data []byte) { got <- data }); err != nil {
		t.Fatalf("SubscribeRoom() error: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := c.PublishRoom("test-room", []byte("hi")); err != nil {
		t.Fatalf("PublishRoom() error: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != "hi" {
			t.Errorf("received %q, want hi", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room message")
	}

	if err := c.UnsubscribeRoom("test-room"); err != nil {
		t.Errorf("UnsubscribeRoom() error: %v", err)
	}
	if err := c.UnsubscribeRoom("test-room"); err == nil {
		t.Error("expected error unsubscribing twice")
	}
}
