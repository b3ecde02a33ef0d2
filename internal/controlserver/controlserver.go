// Package controlserver listens on a filesystem-scoped Unix stream
// socket, accepts clients, reads framed command requests, delegates to
// a handler, writes responses, and broadcasts asynchronous
// notifications from the monitor channel to every live client.
package controlserver

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/ngcxy/netconfigd/internal/reactor"
)

const readBufferSize = 4096

// Handler processes one decoded command frame's raw text and returns
// the encoded response to write back to the initiating client.
type Handler func(frame string) string

// Server owns the listening socket and every client session.
type Server struct {
	path    string
	react   *reactor.Reactor
	handler Handler

	listenFD int

	mu      sync.Mutex
	clients map[int]*session
}

type session struct {
	fd int
}

// New creates a Server bound to path, not yet listening.
func New(path string, react *reactor.Reactor, handler Handler) *Server {
	return &Server{
		path:    path,
		react:   react,
		handler: handler,
		clients: make(map[int]*session),
	}
}

// Start creates the listening socket (unlinking any stale entry first),
// binds, listens with backlog 5, sets world-accessible permissions, and
// registers it with the Reactor for read-readiness.
func (s *Server) Start() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}

	_ = os.Remove(s.path)

	sa := &unix.SockaddrUnix{Name: s.path}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, 5); err != nil {
		unix.Close(fd)
		return err
	}
	if err := os.Chmod(s.path, 0666); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}

	s.listenFD = fd
	if err := s.react.Add(fd, reactor.Readable, s.handleAccept); err != nil {
		unix.Close(fd)
		return err
	}
	klog.Infof("controlserver: listening on %s", s.path)
	return nil
}

func (s *Server) handleAccept(reactor.Interest) {
	for {
		fd, _, err := unix.Accept(s.listenFD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			klog.Errorf("controlserver: accept: %v", err)
			return
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			klog.Errorf("controlserver: set non-blocking on client fd %d: %v", fd, err)
			unix.Close(fd)
			continue
		}
		sess := &session{fd: fd}
		s.mu.Lock()
		s.clients[fd] = sess
		s.mu.Unlock()
		if err := s.react.Add(fd, reactor.Readable, s.handlerFor(sess)); err != nil {
			klog.Errorf("controlserver: register client fd %d: %v", fd, err)
			s.cleanup(sess)
			continue
		}
		klog.V(2).Infof("controlserver: accepted client fd %d", fd)
	}
}

func (s *Server) handlerFor(sess *session) reactor.Handler {
	return func(reactor.Interest) {
		s.handleClientReadable(sess)
	}
}

func (s *Server) handleClientReadable(sess *session) {
	buf := make([]byte, readBufferSize)
	n, err := unix.Read(sess.fd, buf)
	switch {
	case n == 0 && err == nil:
		klog.V(2).Infof("controlserver: client fd %d closed", sess.fd)
		s.cleanup(sess)
		return
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
		return
	case err != nil:
		klog.Errorf("controlserver: read from client fd %d: %v", sess.fd, err)
		s.cleanup(sess)
		return
	}

	frame := string(buf[:n])
	response := s.handler(frame)
	if err := s.writeAll(sess.fd, []byte(response)); err != nil {
		klog.Errorf("controlserver: write to client fd %d failed, tearing down: %v", sess.fd, err)
		s.cleanup(sess)
	}
}

func (s *Server) writeAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

func (s *Server) cleanup(sess *session) {
	s.react.Remove(sess.fd)
	unix.Close(sess.fd)
	s.mu.Lock()
	delete(s.clients, sess.fd)
	s.mu.Unlock()
}

// Broadcast writes a pre-encoded notification string to every live
// client. A per-client write failure removes that client silently.
func (s *Server) Broadcast(notification string) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.clients))
	for _, sess := range s.clients {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := s.writeAll(sess.fd, []byte(notification)); err != nil {
			klog.V(2).Infof("controlserver: broadcast to fd %d failed, dropping client: %v", sess.fd, err)
			s.cleanup(sess)
		}
	}
}

// Stop removes the listening fd and every client fd from the Reactor,
// closes all fds, and unlinks the filesystem path.
func (s *Server) Stop() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.clients))
	for _, sess := range s.clients {
		sessions = append(sessions, sess)
	}
	s.clients = make(map[int]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		s.react.Remove(sess.fd)
		unix.Close(sess.fd)
	}

	s.react.Remove(s.listenFD)
	unix.Close(s.listenFD)
	_ = os.Remove(s.path)
}

// ClientCount reports how many clients are currently connected, for
// status reporting.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
