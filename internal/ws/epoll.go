//go:build linux

package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds a single epoll_wait so the event loop notices
// shutdown without a wakeup fd.
const waitTimeoutMs = 500

// watchEvents is one-shot: a reported descriptor stays disarmed until the
// worker reading it calls Resume.
const watchEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT

var errNoFD = errors.New("ws: connection has no pollable descriptor")

// Epoll wraps the Linux epoll syscalls. Connections are registered by file
// descriptor and reported when readable, so idle clients cost no goroutine.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]net.Conn
	events []unix.EpollEvent // reused by Wait, which has a single caller
}

// NewEpoll creates an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add watches conn for readability, hangup and peer shutdown. The
// descriptor is mapped before it is armed so the first report always
// resolves to conn.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errNoFD
	}

	e.mu.Lock()
	e.byFd[fd] = conn
	e.mu.Unlock()

	ev := unix.EpollEvent{Events: watchEvents, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		e.mu.Lock()
		delete(e.byFd, fd)
		e.mu.Unlock()
		return err
	}
	return nil
}

// Remove stops watching conn. It must run before conn is closed, while its
// descriptor is still valid.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errNoFD
	}

	e.mu.Lock()
	delete(e.byFd, fd)
	e.mu.Unlock()

	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until registered connections are readable or the wait times
// out, in which case it returns no connections. Descriptors removed between
// epoll_wait returning and the lookup are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	ready := make([]net.Conn, 0, n)
	e.mu.RLock()
	for _, ev := range e.events[:n] {
		if conn, ok := e.byFd[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Reader returns conn; epoll never consumes bytes.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	return conn
}

// Resume re-arms conn after a worker has finished reading it. It does
// nothing once conn has been removed, or when its descriptor now belongs to
// another connection.
func (e *Epoll) Resume(conn net.Conn) {
	fd := socketFD(conn)
	if fd < 0 {
		return
	}

	// Held across the ctl call so a concurrent Remove cannot slip between
	// the lookup and the re-arm.
	e.mu.RLock()
	defer e.mu.RUnlock()
	if cur, ok := e.byFd[fd]; !ok || cur != conn {
		return
	}
	ev := unix.EpollEvent{Events: watchEvents, Fd: int32(fd)}
	_ = unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFd = map[int]net.Conn{}
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}
