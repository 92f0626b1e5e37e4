// Package ws is the WebSocket transport. It authenticates and upgrades HTTP
// connections, watches them with epoll, reads frames on a bounded worker
// pool and hands complete text frames to a callback.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pprasoon1/safe-chat/internal/identity"
	"github.com/pprasoon1/safe-chat/internal/logging"
	"github.com/pprasoon1/safe-chat/internal/metrics"
	"github.com/pprasoon1/safe-chat/internal/protocol"
)

// maxFrameBytes caps a single inbound data frame. Anything larger cannot be
// a valid event and closes the connection.
const maxFrameBytes = 4 * protocol.MaxMessageBytes

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // e.g. ":8080"
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // per-frame read deadline
	WriteTimeout   time.Duration // per-frame write deadline
	ConnectTimeout time.Duration // bound on the OnConnect callback
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		ConnectTimeout: 5 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Verifier turns a handshake credential into an Identity.
// *identity.Verifier implements it.
type Verifier interface {
	Verify(token string) (identity.Identity, error)
}

// ConnectFunc is called after the upgrade and before the connection is
// polled. A non-nil error closes the connection without calling the
// disconnect callback.
type ConnectFunc func(ctx context.Context, connID string, ident identity.Identity) error

// Server is the WebSocket server built on gobwas/ws and epoll.
type Server struct {
	config       ServerConfig
	verifier     Verifier
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onConnect    ConnectFunc
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(connID string)
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
	log          zerolog.Logger
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame; frames from one connection are delivered
// in order, one at a time.
func NewServer(config ServerConfig, verifier Verifier, onMessage func(conn *Connection, data []byte)) *Server {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.Heartbeat.Interval <= 0 || config.Heartbeat.Timeout <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}

	s := &Server{
		config:     config,
		verifier:   verifier,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		log:        logging.Component("ws"),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle registers an additional HTTP route on the server's mux. It must be
// called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetOnConnect registers the callback that binds a new connection to the
// application.
func (s *Server) SetOnConnect(fn ConnectFunc) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, close frame, heartbeat timeout or shutdown).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start creates the epoll instance, starts the event loop and heartbeat,
// and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.log.Info().
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handshakeToken returns the credential from the token query parameter or
// the Authorization bearer header.
func handshakeToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return identity.FromBearer(r.Header.Get("Authorization"))
}

// handleUpgrade verifies the credential, upgrades the request and binds the
// new connection. Authentication happens before the upgrade, so a rejected
// client gets a plain 401 and leaves nothing behind.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		metrics.EventsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ident, err := s.verifier.Verify(handshakeToken(r))
	if err != nil {
		metrics.EventsRejected.WithLabelValues("auth").Inc()
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	now := time.Now()
	c := &Connection{
		ID:        uuid.New().String(),
		Identity:  ident,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
	}
	c.Touch()

	log := s.log.With().Str(logging.FieldSessionID, c.ID).Str(logging.FieldSubject, ident.Subject).Logger()

	// Registered before OnConnect so frames emitted while connecting (the
	// online snapshot) reach this client.
	s.conns.Add(c)

	if s.onConnect != nil {
		ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), log), s.config.ConnectTimeout)
		err := s.onConnect(ctx, c.ID, ident)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("connect rejected")
			_ = c.WriteMessage(protocol.NewErrorMessage(protocol.CodeInternalError, "connection could not be established"))
			s.conns.Remove(c.ID)
			return
		}
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Error().Err(err).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	log.Info().Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("connection opened")
}

// handleHealth reports connection count and uptime as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop and hands each ready connection
// to a worker, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Msg("epoll wait error")
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. The poller does not
// report netConn again until the deferred Resume, so at most one worker
// reads a connection at a time.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Resume(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A timeout here is a stale readiness report; the heartbeat deals
		// with dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		s.handleControl(c, header, reader)
		return
	}

	if header.Length > maxFrameBytes {
		s.log.Warn().Str(logging.FieldSessionID, c.ID).Int64("length", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// handleControl consumes a control frame's payload so the stream stays
// aligned on the next header. Pings are answered with their payload; a close
// frame ends the connection.
func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) {
	if header.Length > ws.MaxControlFramePayloadSize {
		s.RemoveConnection(c)
		return
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
	case ws.OpPing:
		if err := c.WritePong(payload); err != nil {
			s.log.Debug().Err(err).Str(logging.FieldSessionID, c.ID).Msg("pong failed")
		}
	}
}

// RemoveConnection unregisters and closes c, then runs the disconnect
// callback. Concurrent calls for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	s.log.Info().Str(logging.FieldSessionID, c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendMessage queues a text frame for the connection identified by connID
// and returns without waiting for the write. A connection whose queue is
// full is not keeping up and the frame is dropped with ErrSlowConsumer.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.Enqueue(data, s.config.WriteTimeout)
}

// TrySendMessage queues a text frame only if nothing is waiting to be
// written to the connection; otherwise the frame is dropped with ErrBusy.
func (s *Server) TrySendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.TryEnqueue(data, s.config.WriteTimeout)
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, then removes every
// connection through RemoveConnection so each session is disconnected.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server")

	s.closeOnce.Do(func() { close(s.done) })

	var httpErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			httpErr = fmt.Errorf("ws: http shutdown: %w", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.log.Info().Msg("server stopped")
	return httpErr
}

// isEINTR reports an interrupted epoll_wait, expected during signal
// delivery.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
