package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pprasoon1/safe-chat/internal/identity"
	"github.com/pprasoon1/safe-chat/internal/protocol"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// pipeConn returns a Connection whose writes can be read from the returned
// client end.
func pipeConn(t *testing.T, id string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &Connection{ID: id, Conn: server}, client
}

// dispatchAndRead runs Dispatch and returns the single frame it wrote.
func dispatchAndRead(t *testing.T, d *MessageDispatcher, conn *Connection, client net.Conn, data []byte) map[string]interface{} {
	t.Helper()
	go d.Dispatch(conn, data)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := wsutil.ReadServerText(client)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}

	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	return frame
}

type stubVerifier struct {
	ident identity.Identity
	err   error
}

func (v stubVerifier) Verify(string) (identity.Identity, error) {
	return v.ident, v.err
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestDispatch_Ping(t *testing.T) {
	conn, client := pipeConn(t, "s-1")
	d := NewMessageDispatcher()

	frame := dispatchAndRead(t, d, conn, client, []byte(`{"type":"ping"}`))
	if frame["type"] != protocol.TypePong {
		t.Errorf("type = %v, want pong", frame["type"])
	}
}

func TestDispatch_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCode string
	}{
		{"not json", `{{`, protocol.CodeParseError},
		{"unknown type", `{"type":"find_match"}`, protocol.CodeUnsupportedType},
		{"server only type", `{"type":"new_message"}`, protocol.CodeUnsupportedType},
		{"missing room", `{"type":"join_room"}`, protocol.CodeValidationError},
		{"empty message", `{"type":"chat_message","room":"global","message":""}`, protocol.CodeValidationError},
		{"no handler", `{"type":"typing","room":"global"}`, protocol.CodeUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, client := pipeConn(t, "s-1")
			d := NewMessageDispatcher()

			frame := dispatchAndRead(t, d, conn, client, []byte(tt.input))
			if frame["type"] != protocol.TypeError {
				t.Fatalf("type = %v, want error", frame["type"])
			}
			if frame["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", frame["code"], tt.wantCode)
			}
		})
	}
}

func TestDispatch_RoutesToHandler(t *testing.T) {
	conn, client := pipeConn(t, "s-9")
	d := NewMessageDispatcher()

	got := make(chan protocol.JoinRoomMsg, 1)
	d.Register(protocol.TypeJoinRoom, func(ctx context.Context, connID string, msg interface{}) error {
		if connID != "s-9" {
			t.Errorf("connID = %q, want s-9", connID)
		}
		got <- msg.(protocol.JoinRoomMsg)
		return conn.WriteMessage([]byte(`{"type":"ok"}`))
	})

	frame := dispatchAndRead(t, d, conn, client, []byte(`{"type":"join_room","room":"room_4"}`))
	if frame["type"] != "ok" {
		t.Fatalf("unexpected frame %v", frame)
	}
	if m := <-got; m.Room != "room_4" {
		t.Errorf("Room = %q, want room_4", m.Room)
	}
}

func TestDispatch_HandlerErrorUsesMapper(t *testing.T) {
	conn, client := pipeConn(t, "s-1")
	d := NewMessageDispatcher()

	errBoom := errors.New("boom")
	d.Register(protocol.TypeTyping, func(context.Context, string, interface{}) error {
		return errBoom
	})
	d.SetErrorMapper(func(err error) (string, string) {
		if errors.Is(err, errBoom) {
			return protocol.CodeClassifierUnavailable, "try again"
		}
		return protocol.CodeInternalError, "internal error"
	})

	frame := dispatchAndRead(t, d, conn, client, []byte(`{"type":"typing","room":"global"}`))
	if frame["code"] != protocol.CodeClassifierUnavailable || frame["message"] != "try again" {
		t.Errorf("unexpected error frame %v", frame)
	}
}

// ---------------------------------------------------------------------------
// ConnectionManager
// ---------------------------------------------------------------------------

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a, _ := pipeConn(t, "a")
	b, _ := pipeConn(t, "b")

	if !cm.Add(a) || !cm.Add(b) {
		t.Fatal("Add() returned false for new connections")
	}
	if cm.Add(&Connection{ID: "a", Conn: b.Conn}) {
		t.Error("Add() accepted a duplicate ID")
	}
	if cm.Count() != 2 {
		t.Errorf("Count() = %d, want 2", cm.Count())
	}
	if cm.GetByConn(a.Conn) != a {
		t.Error("GetByConn() did not return the registered connection")
	}

	if !cm.Remove("a") {
		t.Error("Remove() = false for a live connection")
	}
	if cm.Remove("a") {
		t.Error("second Remove() = true")
	}
	if cm.Get("a") != nil || cm.GetByConn(a.Conn) != nil {
		t.Error("removed connection still indexed")
	}
	if len(cm.All()) != 1 {
		t.Errorf("All() len = %d, want 1", len(cm.All()))
	}
}

// ---------------------------------------------------------------------------
// Send queue
// ---------------------------------------------------------------------------

func TestSendMessage_InOrder(t *testing.T) {
	s := NewServer(DefaultServerConfig(), stubVerifier{}, nil)
	c, client := pipeConn(t, "a")
	s.conns.Add(c)

	for i := 0; i < 5; i++ {
		if err := s.SendMessage("a", []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("SendMessage(%d) error: %v", i, err)
		}
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 5; i++ {
		raw, err := wsutil.ReadServerText(client)
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if string(raw) != strconv.Itoa(i) {
			t.Errorf("frame %d = %q, want %q", i, raw, strconv.Itoa(i))
		}
	}
}

func TestSendMessage_StalledPeer(t *testing.T) {
	s := NewServer(DefaultServerConfig(), stubVerifier{}, nil)
	stalled, _ := pipeConn(t, "stalled") // nothing reads the client end
	s.conns.Add(stalled)

	start := time.Now()
	var sent int
	var err error
	for sent = 0; sent < 2*sendQueueSize; sent++ {
		if err = s.SendMessage("stalled", []byte(`{}`)); err != nil {
			break
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("SendMessage blocked for %v on a stalled peer", elapsed)
	}
	if !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("SendMessage() error = %v, want ErrSlowConsumer", err)
	}
	if sent > sendQueueSize+1 {
		t.Errorf("accepted %d frames, queue holds %d", sent, sendQueueSize)
	}
	if stalled.pending() > sendQueueSize {
		t.Errorf("pending() = %d, want at most %d", stalled.pending(), sendQueueSize)
	}

	if err := s.TrySendMessage("stalled", []byte(`{}`)); !errors.Is(err, ErrBusy) {
		t.Errorf("TrySendMessage() error = %v, want ErrBusy", err)
	}
}

func TestSendMessage_Closed(t *testing.T) {
	c, _ := pipeConn(t, "a")
	_ = c.Close()

	if err := c.Enqueue([]byte(`{}`), time.Second); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Enqueue() after Close error = %v, want net.ErrClosed", err)
	}
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

// loopServer runs the event loop without the HTTP listener. attach binds a
// fresh loopback client to the server under the given session ID.
func loopServer(t *testing.T, onMessage func(*Connection, []byte), onDisconnect func(string)) (*Server, func(id string) net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback listener unavailable: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	s := NewServer(DefaultServerConfig(), stubVerifier{}, onMessage)
	s.SetOnDisconnect(onDisconnect)
	if s.epoll, err = NewEpoll(); err != nil {
		t.Fatalf("NewEpoll() error: %v", err)
	}
	go s.startEventLoop()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	attach := func(id string) net.Conn {
		t.Helper()
		client, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { client.Close() })

		conn, err := ln.Accept()
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		c := &Connection{ID: id, Conn: conn, Fd: socketFD(conn), CreatedAt: time.Now()}
		c.Touch()
		s.conns.Add(c)
		if err := s.epoll.Add(conn); err != nil {
			t.Fatalf("epoll add: %v", err)
		}
		return client
	}
	return s, attach
}

func TestEventLoop_SlowHandler(t *testing.T) {
	release := make(chan struct{})
	got := make(chan string, 2)
	var calls atomic.Int32

	s, attach := loopServer(t, func(_ *Connection, data []byte) {
		if calls.Add(1) == 1 {
			<-release
		}
		got <- string(data)
	}, nil)
	client := attach("slow")

	for _, m := range []string{`{"n":1}`, `{"n":2}`} {
		if err := wsutil.WriteClientText(client, []byte(m)); err != nil {
			t.Fatalf("write %s: %v", m, err)
		}
	}

	time.Sleep(300 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("handler entered %d times while the first frame was held, want 1", n)
	}
	close(release)

	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		select {
		case data := <-got:
			if data != want {
				t.Errorf("delivered %s, want %s", data, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %s never delivered", want)
		}
	}
	if s.conns.Get("slow") == nil {
		t.Error("connection removed")
	}
}

func TestEventLoop_PingWithPayload(t *testing.T) {
	got := make(chan string, 1)
	s, attach := loopServer(t, func(_ *Connection, data []byte) { got <- string(data) }, nil)
	client := attach("pinger")

	if err := ws.WriteFrame(client, ws.MaskFrameInPlace(ws.NewPingFrame([]byte("hello")))); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if err := wsutil.WriteClientText(client, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write text: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := ws.ReadFrame(client)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if frame.Header.OpCode != ws.OpPong || string(frame.Payload) != "hello" {
		t.Errorf("got opcode %v payload %q, want pong %q", frame.Header.OpCode, frame.Payload, "hello")
	}

	select {
	case data := <-got:
		if data != `{"type":"ping"}` {
			t.Errorf("delivered %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("text frame after a ping with payload was never delivered")
	}
	if s.conns.Get("pinger") == nil {
		t.Error("connection dropped after a ping with payload")
	}
}

func TestEventLoop_CloseFrame(t *testing.T) {
	gone := make(chan string, 1)
	_, attach := loopServer(t, nil, func(id string) { gone <- id })
	client := attach("closer")

	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye")
	if err := ws.WriteFrame(client, ws.MaskFrameInPlace(ws.NewCloseFrame(body))); err != nil {
		t.Fatalf("write close: %v", err)
	}

	select {
	case id := <-gone:
		if id != "closer" {
			t.Errorf("disconnected %q, want closer", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close frame did not disconnect the session")
	}
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

func TestHandleUpgrade_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		verifier Verifier
		maxConns int
		want     int
	}{
		{"bad token", stubVerifier{err: identity.ErrAuth}, 10, http.StatusUnauthorized},
		{"at capacity", stubVerifier{ident: identity.Identity{Subject: "a", UserID: 1}}, 0, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			cfg.MaxConnections = tt.maxConns
			s := NewServer(cfg, tt.verifier, nil)

			connected := false
			s.SetOnConnect(func(context.Context, string, identity.Identity) error {
				connected = true
				return nil
			})

			rec := httptest.NewRecorder()
			s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil))

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if connected {
				t.Error("OnConnect ran for a rejected handshake")
			}
			if s.conns.Count() != 0 {
				t.Errorf("Count() = %d, want 0", s.conns.Count())
			}
		})
	}
}

func TestHandshakeToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got := handshakeToken(r); got != "q" {
		t.Errorf("query token should win, got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got := handshakeToken(r); got != "h" {
		t.Errorf("handshakeToken() = %q, want h", got)
	}
}

func TestCheckConnections_EvictsIdle(t *testing.T) {
	s := NewServer(DefaultServerConfig(), stubVerifier{}, nil)

	var gone []string
	s.SetOnDisconnect(func(id string) { gone = append(gone, id) })

	idle, _ := pipeConn(t, "idle")
	idle.Touch()
	s.conns.Add(idle)

	hb := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	s.checkConnections(hb, time.Now().Add(time.Minute))

	if len(gone) != 1 || gone[0] != "idle" {
		t.Errorf("disconnected = %v, want [idle]", gone)
	}
	if s.conns.Count() != 0 {
		t.Errorf("Count() = %d, want 0", s.conns.Count())
	}
}
