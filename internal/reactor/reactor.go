// Package reactor implements a single-threaded, readiness-based event
// loop over epoll. It holds a map from file descriptor to handler and
// exposes add/modify/remove/run/stop; it never owns or closes the
// descriptors it watches.
package reactor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Interest is a bit-set of readiness conditions a handler cares about.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) toEpollEvents() uint32 {
	var ev uint32
	if i&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Handler is invoked when the kernel reports readiness on the
// registered descriptor, with the interest bits that were ready.
type Handler func(ready Interest)

type registration struct {
	interest Interest
	handler  Handler
}

// Reactor is a single-threaded epoll-based readiness multiplexer.
type Reactor struct {
	epfd int

	mu      sync.Mutex
	regs    map[int]*registration
	running bool
}

// New creates a Reactor backed by a fresh epoll instance.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Reactor{
		epfd: epfd,
		regs: make(map[int]*registration),
	}, nil
}

// Add registers fd for the given interest, invoking handler on each
// readiness event. Fails if fd is already registered or negative.
// Registration is level-triggered and persistent.
func (r *Reactor) Add(fd int, interest Interest, handler Handler) error {
	if fd < 0 {
		return fmt.Errorf("reactor: refusing to add negative fd %d", fd)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[fd]; ok {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	ev := &unix.EpollEvent{Events: interest.toEpollEvents(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("epoll_ctl(ADD, %d): %w", fd, err)
	}
	r.regs[fd] = &registration{interest: interest, handler: handler}
	return nil
}

// Modify atomically replaces interest and, if handler is non-nil, the
// handler for an already-registered fd. Fails if fd is not registered.
func (r *Reactor) Modify(fd int, interest Interest, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[fd]
	if !ok {
		return fmt.Errorf("reactor: fd %d not registered", fd)
	}
	ev := &unix.EpollEvent{Events: interest.toEpollEvents(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("epoll_ctl(MOD, %d): %w", fd, err)
	}
	reg.interest = interest
	if handler != nil {
		reg.handler = handler
	}
	return nil
}

// Remove deregisters fd, returning whether it had been registered. Safe
// to call for an unregistered fd. Does not close fd.
func (r *Reactor) Remove(fd int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[fd]; !ok {
		return false
	}
	// Best-effort: if the fd was already closed by the caller, EBADF is
	// expected and harmless since the kernel drops the registration on
	// close anyway.
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.regs, fd)
	return true
}

// Stop is idempotent; a subsequent wake of the loop causes Run to
// return.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *Reactor) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Run blocks, dispatching ready events until Stop is observed. A signal
// interrupting the wait resumes the loop without surfacing an error.
// Any other readiness-wait failure is fatal and returned.
func (r *Reactor) Run() error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	events := make([]unix.EpollEvent, 64)
	for r.isRunning() {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		// Snapshot handlers for this batch so that a handler which
		// removes another fd (or itself) does not cause a later
		// dispatch in the same batch to hit a stale registration.
		type ready struct {
			fd       int
			interest Interest
			handler  Handler
		}
		batch := make([]ready, 0, n)
		r.mu.Lock()
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			reg, ok := r.regs[fd]
			if !ok {
				continue
			}
			batch = append(batch, ready{fd: fd, interest: epollEventsToInterest(events[i].Events), handler: reg.handler})
		}
		r.mu.Unlock()

		for _, b := range batch {
			r.mu.Lock()
			_, stillRegistered := r.regs[b.fd]
			r.mu.Unlock()
			if !stillRegistered {
				continue
			}
			b.handler(b.interest)
		}
	}
	return nil
}

func epollEventsToInterest(ev uint32) Interest {
	var i Interest
	if ev&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		i |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		i |= Writable
	}
	return i
}

// Close releases the underlying epoll descriptor. The Reactor must not
// be used afterward.
func (r *Reactor) Close() error {
	klog.V(2).Infof("reactor: closing epoll fd %d", r.epfd)
	return unix.Close(r.epfd)
}
