// Package session implements ClientSession, the per-client record of
// spec §4.3: identity, selected service kind, selected local endpoint,
// lock mode, negotiated capabilities, in-flight backend request, stream
// subscription, device binding, and pending-cancel bookkeeping.
package session

import (
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/sebas/btaudiogw/internal/gateway/backend"
	"github.com/sebas/btaudiogw/internal/gateway/capability"
	"github.com/sebas/btaudiogw/internal/gateway/endpoint"
)

// PendingKind tags which backend a pending cancellation thunk targets, per
// design note §9: "model as a small variant {MediaCancel(req_id) |
// VoiceCancel(req_id) | None} rather than a raw callable".
type PendingKind byte

const (
	PendingNone PendingKind = iota
	PendingMedia
	PendingVoice
)

// Pending is the in-flight request bookkeeping: at most one may be set at
// a time (§3 invariant).
type Pending struct {
	Kind  PendingKind
	ReqID backend.RequestID
}

// ClientSession is the per-client record described by spec §3/§4.3. All
// fields are only ever touched from the single event-loop goroutine
// (§5), so no internal locking is needed here — unlike endpoint.LockRegistry
// and backend.MediaAdapter's session map, which are shared across
// sessions.
type ClientSession struct {
	ID string
	FD int

	state State
	live  bool

	Kind   backend.ServiceKind
	Device backend.Device

	// OpenedSEID is the SEID named in the session's Open request; later
	// SetConfiguration calls must match it (§4.4).
	OpenedSEID byte

	mediaRef backend.MediaSessionRef
	localEP  backend.LocalEndpointRef
	streamSub backend.SubscriptionID

	// Capabilities is the codec-configuration capability list this
	// session built at SetConfiguration time; it is owned exclusively by
	// the session and replaced wholesale on rebuild (§9).
	Capabilities []capability.ServiceCapability

	Pending Pending

	// TransportFD is the negotiated data-channel fd once configured;
	// ownership transfers to the client the moment it is handed off via
	// fdchannel.Send, and the gateway never closes it afterward (§3).
	TransportFD int

	media  *backend.MediaAdapter
	voice  *backend.VoiceAdapter
	locks  *endpoint.LockRegistry
}

// New constructs a session for a freshly accepted client fd, per §4.3
// attach(fd): sets the fd non-blocking and returns a fresh session in
// StateFresh with no device binding. Registering it with the event loop
// is left to the caller (the Listener).
func New(fd int, media *backend.MediaAdapter, voice *backend.VoiceAdapter, locks *endpoint.LockRegistry) (*ClientSession, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("session: set non-blocking: %w", err)
	}
	return &ClientSession{
		ID:          "session-" + uuid.New().String(),
		FD:          fd,
		state:       StateFresh,
		live:        true,
		TransportFD: -1,
		media:       media,
		voice:       voice,
		locks:       locks,
	}, nil
}

func (s *ClientSession) State() State { return s.state }

// Live reports whether this session is still in the gateway's live set.
// Backend completion callbacks must check this before acting, so a
// callback delivered after teardown is a safe no-op (§9).
func (s *ClientSession) Live() bool { return s.live }

// TransitionTo moves the session to next if the edge is legal, and
// otherwise returns an error and leaves the state unchanged.
// ProtocolStateMachine checks request ordering against State() before
// calling it and only logs an error returned here.
func (s *ClientSession) TransitionTo(next State) error {
	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("session: illegal transition %s -> %s", s.state, next)
	}
	s.state = next
	return nil
}

// endpointKey returns the lock-registry key for this session's currently
// opened local endpoint.
func (s *ClientSession) endpointKey() endpoint.Key {
	return endpoint.Key{Source: s.Device.Source, SEID: s.OpenedSEID}
}

// unlockEndpoint releases both the real transport lock (media path only;
// voice locking is folded into VoiceAdapter.Close) and this session's
// hold in the gateway-side contention registry, which every kind
// participates in.
func (s *ClientSession) unlockEndpoint() {
	if (s.Kind == backend.KindSink || s.Kind == backend.KindSource) && s.localEP != nil {
		s.media.Unlock(s.localEP)
		s.localEP = nil
	}
	s.locks.Release(s.endpointKey(), s.ID)
}

// BindLocalEndpoint records the local endpoint this session has locked,
// for later unlock and for lock-contention visibility in other sessions'
// GetCapabilities responses.
func (s *ClientSession) BindLocalEndpoint(ref backend.LocalEndpointRef, mode byte) bool {
	if !s.locks.Acquire(s.endpointKey(), s.ID, mode) {
		return false
	}
	s.localEP = ref
	return true
}

// BindMediaSession records the shared MediaAdapter session reference this
// session is holding a refcount on.
func (s *ClientSession) BindMediaSession(ref backend.MediaSessionRef) {
	s.mediaRef = ref
}

func (s *ClientSession) MediaSessionRef() backend.MediaSessionRef { return s.mediaRef }
func (s *ClientSession) LocalEndpoint() backend.LocalEndpointRef  { return s.localEP }

func (s *ClientSession) SetStreamSubscription(sub backend.SubscriptionID) {
	s.streamSub = sub
}

// HandleStreamIdle applies the effect of spec §4.4's SetConfiguration
// stream-state subscription firing IDLE, and of §4.4's state table row
// "backend reports IDLE": unlock, release the shared media session,
// clear the device binding, and return to StateFresh. The session itself
// survives; only its device state is torn down.
func (s *ClientSession) HandleStreamIdle() {
	if s.streamSub != "" {
		s.media.Unsubscribe(s.streamSub)
		s.streamSub = ""
	}
	s.unlockEndpoint()
	switch s.Kind {
	case backend.KindSink, backend.KindSource:
		if s.mediaRef != nil {
			s.media.Release(s.Device.Source, s.Device.Destination)
			s.mediaRef = nil
		}
	case backend.KindHeadset:
		if s.Device.Source != "" {
			s.voice.Close(s.Device.Source)
		}
	}
	s.Device = backend.Device{}
	s.Capabilities = nil
	s.Pending = Pending{}
	s.state = StateFresh
}

// Close performs the synchronous §4.4 Close-request cleanup: unsubscribe,
// unlock, release the backend session (media) or unlock the device
// (voice). The session returns to StateFresh and survives; its socket is
// not closed.
func (s *ClientSession) Close() {
	if s.streamSub != "" {
		s.media.Unsubscribe(s.streamSub)
		s.streamSub = ""
	}
	s.unlockEndpoint()
	switch s.Kind {
	case backend.KindSink, backend.KindSource:
		if s.mediaRef != nil {
			s.media.Release(s.Device.Source, s.Device.Destination)
			s.mediaRef = nil
		}
	case backend.KindHeadset:
		if s.Device.Source != "" {
			s.voice.Close(s.Device.Source)
		}
	}
	s.Device = backend.Device{}
	s.Capabilities = nil
	s.Pending = Pending{}
	s.state = StateFresh
}

// Destroy performs full teardown on client disconnect, fatal protocol
// error, or gateway shutdown (§3): cancel any in-flight request,
// unsubscribe, unlock, release, close the socket, and mark the session
// dead so late backend completions are ignored.
func (s *ClientSession) Destroy() {
	if !s.live {
		return
	}

	switch s.Pending.Kind {
	case PendingMedia:
		s.media.Cancel(s.mediaRef, s.Pending.ReqID)
	case PendingVoice:
		s.voice.Cancel(s.Device.Source, s.Pending.ReqID)
	}
	s.Pending = Pending{}

	if s.streamSub != "" {
		s.media.Unsubscribe(s.streamSub)
		s.streamSub = ""
	}

	s.unlockEndpoint()
	switch s.Kind {
	case backend.KindSink, backend.KindSource:
		if s.mediaRef != nil {
			s.media.Release(s.Device.Source, s.Device.Destination)
			s.mediaRef = nil
		}
	case backend.KindHeadset:
		if s.Device.Source != "" {
			s.voice.Close(s.Device.Source)
		}
	}

	s.Capabilities = nil

	if s.FD >= 0 {
		_ = unix.Close(s.FD)
		s.FD = -1
	}
	s.live = false
}
