// Package eventloop implements the single-threaded, epoll-based
// readiness loop spec §5 assumes: every socket read, backend call
// initiation, and backend completion callback runs on this one
// goroutine, so no locking is needed across them.
package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Watch is the set of conditions the listener registers per spec §4.7:
// readable, hangup, error. No separate invalid-fd condition is watched;
// Add returns an error for an fd that epoll cannot register.
const Watch = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLERR

// Handler reacts to a readiness event on one registered fd.
type Handler func(events uint32)

// Loop is a thin wrapper over epoll; it owns no session or protocol
// knowledge, only fd-to-handler dispatch.
type Loop struct {
	epfd     int
	handlers map[int]Handler
}

func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{epfd: epfd, handlers: make(map[int]Handler)}, nil
}

// Add registers fd for the given event mask; cb fires on every matching
// readiness notification until Remove is called.
func (l *Loop) Add(fd int, events uint32, cb Handler) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd=%d: %w", fd, err)
	}
	l.handlers[fd] = cb
	return nil
}

// Remove deregisters fd. Safe to call on an fd that was never added.
func (l *Loop) Remove(fd int) {
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(l.handlers, fd)
}

// RunOnce waits up to timeoutMs for readiness and dispatches every event
// delivered in that pass. A negative timeoutMs blocks indefinitely.
func (l *Loop) RunOnce(timeoutMs int) error {
	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(l.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("eventloop: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if cb, ok := l.handlers[fd]; ok {
			cb(events[i].Events)
		}
	}
	return nil
}

// Run drives RunOnce until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := l.RunOnce(250); err != nil {
			return err
		}
	}
}

func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
