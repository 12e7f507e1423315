// Package listener owns the gateway's rendezvous Unix domain socket,
// accepts client connections, and registers each with the event loop,
// per spec §4.7.
package listener

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sebas/btaudiogw/internal/gateway/backend"
	"github.com/sebas/btaudiogw/internal/gateway/endpoint"
	"github.com/sebas/btaudiogw/internal/gateway/eventloop"
	"github.com/sebas/btaudiogw/internal/gateway/protocol"
	"github.com/sebas/btaudiogw/internal/gateway/session"
)

// Listener accepts connections on the rendezvous socket and drives each
// client's lifecycle through the event loop.
type Listener struct {
	path  string
	fd    int
	loop  *eventloop.Loop
	proto *protocol.Machine
	media *backend.MediaAdapter
	voice *backend.VoiceAdapter
	locks *endpoint.LockRegistry
	log   *slog.Logger

	sessions map[int]*session.ClientSession
}

// New removes any stale socket file at path, binds, and listens. It does
// not start accepting until Register is called.
func New(path string, loop *eventloop.Loop, proto *protocol.Machine, media *backend.MediaAdapter, voice *backend.VoiceAdapter, locks *endpoint.LockRegistry, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("listener: remove stale socket: %w", err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("listener: socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: set non-blocking: %w", err)
	}

	l := &Listener{
		path:     path,
		fd:       fd,
		loop:     loop,
		proto:    proto,
		media:    media,
		voice:    voice,
		locks:    locks,
		log:      log,
		sessions: make(map[int]*session.ClientSession),
	}
	return l, nil
}

// Register wires the listener fd into the event loop. Call once at
// startup.
func (l *Listener) Register() error {
	return l.loop.Add(l.fd, eventloop.Watch, l.onListenerEvent)
}

func (l *Listener) onListenerEvent(events uint32) {
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		l.log.Error("[Listener] rendezvous socket hung up, stopping accept loop")
		l.Shutdown()
		return
	}
	for {
		clientFD, _, err := unix.Accept(l.fd)
		if err != nil {
			if err != unix.EAGAIN {
				l.log.Warn("[Listener] accept failed", "error", err)
			}
			return
		}
		l.acceptClient(clientFD)
	}
}

func (l *Listener) acceptClient(fd int) {
	s, err := session.New(fd, l.media, l.voice, l.locks)
	if err != nil {
		l.log.Warn("[Listener] failed to register client", "error", err)
		unix.Close(fd)
		return
	}
	if err := l.loop.Add(fd, eventloop.Watch, func(events uint32) { l.onClientEvent(s, events) }); err != nil {
		l.log.Warn("[Listener] failed to watch client fd", "session", s.ID, "error", err)
		s.Destroy()
		return
	}
	l.sessions[fd] = s
	l.log.Debug("[Listener] client connected", "session", s.ID)
}

func (l *Listener) onClientEvent(s *session.ClientSession, events uint32) {
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		l.destroySession(s)
		return
	}
	if events&unix.EPOLLIN != 0 {
		if err := l.proto.Dispatch(s); err != nil {
			l.log.Debug("[Listener] session torn down", "session", s.ID, "error", err)
			l.destroySession(s)
		}
	}
}

func (l *Listener) destroySession(s *session.ClientSession) {
	l.loop.Remove(s.FD)
	delete(l.sessions, s.FD)
	s.Destroy()
}

// Shutdown destroys every live session and closes the listener socket.
func (l *Listener) Shutdown() {
	l.loop.Remove(l.fd)

	live := make([]*session.ClientSession, 0, len(l.sessions))
	for _, s := range l.sessions {
		live = append(live, s)
	}
	for _, s := range live {
		l.destroySession(s)
	}

	unix.Close(l.fd)
	_ = os.Remove(l.path)
}
