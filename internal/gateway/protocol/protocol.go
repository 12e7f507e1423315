// Package protocol implements the ProtocolStateMachine of the audio
// gateway: message dispatch by name, ordering enforcement against a
// session's state, and the request/response/indication flows against
// the two backend adapters.
package protocol

import (
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/sebas/btaudiogw/internal/gateway/backend"
	"github.com/sebas/btaudiogw/internal/gateway/endpoint"
	"github.com/sebas/btaudiogw/internal/gateway/session"
	"github.com/sebas/btaudiogw/internal/gateway/wire"
)

// Config carries the build-time constants the state machine needs that
// are not backend contracts: the media/voice SEID split point and the
// suggested GetCapabilities response buffer size.
type Config struct {
	A2DPSeidMax   byte
	CapBufferSize int
}

// Machine is the ProtocolStateMachine (spec §4.4): it owns no per-client
// state of its own, only the shared collaborators every session's
// handlers need.
type Machine struct {
	codec   wire.Codec
	media   *backend.MediaAdapter
	voice   *backend.VoiceAdapter
	locks   *endpoint.LockRegistry
	devices backend.DeviceRegistry
	cfg     Config
	log     *slog.Logger
}

func New(media *backend.MediaAdapter, voice *backend.VoiceAdapter, locks *endpoint.LockRegistry, devices backend.DeviceRegistry, cfg Config, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{media: media, voice: voice, locks: locks, devices: devices, cfg: cfg, log: log}
}

// errKind tags the taxonomy of spec §7 so a single mapping function turns
// any handler failure into the right posix errno.
type errKind byte

const (
	errInvalid errKind = iota
	errNotFound
	errBusy
	errIO
	errOOS
)

func (k errKind) errno() uint32 {
	switch k {
	case errInvalid:
		return uint32(unix.EINVAL)
	default:
		return uint32(unix.EIO)
	}
}

type handlerError struct {
	kind errKind
	msg  string
}

func (e *handlerError) Error() string { return e.msg }

func fail(kind errKind, msg string) *handlerError {
	return &handlerError{kind: kind, msg: msg}
}

// Dispatch reads exactly one message off s's socket and routes it to the
// matching handler. A non-nil error is always fatal to the session: the
// caller (Listener) must destroy s. Handler-level failures are instead
// reported as ERROR on the wire and leave the session alive.
func (m *Machine) Dispatch(s *session.ClientSession) error {
	hdr, body, err := m.codec.ReadMessage(s.FD)
	if err != nil {
		return err
	}
	if hdr.Type != wire.TypeRequest {
		return errors.New("protocol: non-request message from client")
	}

	switch hdr.Name {
	case wire.NameGetCapabilities:
		m.handleGetCapabilities(s, body)
	case wire.NameOpen:
		m.handleOpen(s, body)
	case wire.NameSetConfiguration:
		m.handleSetConfiguration(s, body)
	case wire.NameStartStream:
		m.handleStartStream(s, body)
	case wire.NameStopStream:
		m.handleStopStream(s, body)
	case wire.NameClose:
		m.handleClose(s, true)
	case wire.NameControl:
		m.handleControl(s, body)
	default:
		return errors.New("protocol: unknown request name")
	}
	return nil
}

func (m *Machine) fail(s *session.ClientSession, name byte, err error) {
	var he *handlerError
	kind := errIO
	if errors.As(err, &he) {
		kind = he.kind
	}
	m.log.Warn("[Protocol] request failed", "session", s.ID, "name", wire.NameString(name), "error", err)
	if werr := m.codec.WriteError(s.FD, name, kind.errno()); werr != nil {
		m.log.Error("[Protocol] failed to write error response", "session", s.ID, "error", werr)
	}
}

func (m *Machine) resolveDevice(object, source, destination string, flags byte) (backend.Device, error) {
	dev, ok := m.devices.Find(object, source, destination, true)
	if !ok && flags&wire.FlagAutoconnect != 0 {
		dev, ok = m.devices.Find(object, source, destination, false)
	}
	if !ok {
		return backend.Device{}, fail(errNotFound, "protocol: device not found")
	}
	return dev, nil
}

