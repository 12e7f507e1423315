package backend

import (
	"sync"

	"github.com/sebas/btaudiogw/internal/gateway/capability"
)

// MediaSessionRef is an opaque handle the MediaTransport collaborator
// hands back from Session and expects on every subsequent call for that
// session. The gateway never inspects it.
type MediaSessionRef any

// LocalEndpointRef is an opaque handle to one of this host's advertised
// AVDTP endpoints, acquired and locked on a client's behalf.
type LocalEndpointRef any

// StreamState is the subset of AVDTP stream states the gateway reacts to
// (§4.4: "backend reports IDLE").
type StreamState byte

const (
	StreamStatePending StreamState = iota
	StreamStateActive
	StreamStateIdle
)

// DiscoverResult carries the outcome of an asynchronous endpoint
// discovery (§4.5).
type DiscoverResult struct {
	Endpoints []capability.RemoteEndpoint
	Err       *AdapterError
}

// ConfigureResult carries the outcome of an asynchronous Configure call on
// the media path, including the data the gateway needs to answer
// SetConfiguration (§4.4: "retrieve (fd, imtu, omtu, caps) from the newly
// configured stream").
type ConfigureResult struct {
	FD   int
	IMTU int
	OMTU int
	Caps []capability.ServiceCapability
	Err  *AdapterError
}

// StreamResult carries the outcome of an asynchronous Resume/Suspend
// call.
type StreamResult struct {
	Err *AdapterError
}

// MediaTransport is the out-of-scope streaming-media (A2DP/AVDTP)
// collaborator (§1). The gateway only ever calls it through MediaAdapter.
type MediaTransport interface {
	Session(source, destination string) (MediaSessionRef, error)
	ReleaseSession(ref MediaSessionRef)

	Discover(ref MediaSessionRef, cb func(DiscoverResult))
	RemoteEndpoint(ref MediaSessionRef, seid byte) (capability.RemoteEndpoint, bool)

	AcquireLocalEndpoint(ref MediaSessionRef, seid byte) (LocalEndpointRef, error)
	Lock(local LocalEndpointRef) error
	Unlock(local LocalEndpointRef)

	Configure(ref MediaSessionRef, local LocalEndpointRef, caps []capability.ServiceCapability, cb func(RequestID, ConfigureResult)) (RequestID, error)
	Resume(ref MediaSessionRef, local LocalEndpointRef, cb func(RequestID, StreamResult)) (RequestID, error)
	Suspend(ref MediaSessionRef, local LocalEndpointRef, cb func(RequestID, StreamResult)) (RequestID, error)
	Cancel(ref MediaSessionRef, reqID RequestID)

	SubscribeStreamState(local LocalEndpointRef, cb func(StreamState)) SubscriptionID
	Unsubscribe(sub SubscriptionID)
}

// mediaSessionEntry tracks the refcount behind a shared MediaSessionRef,
// per §3: "multiple ClientSessions may hold references to the same
// MediaAdapter session keyed by (source-addr, destination-addr); lifetime
// = longest holder". Grounded on the teacher's pool.sessionToAddr affinity
// bookkeeping (services/signaling/transport/pool.go), adapted from a
// load-balancing index into a plain refcount.
type mediaSessionEntry struct {
	ref      MediaSessionRef
	refcount int
}

// MediaAdapter is the BackendAdapter variant for the streaming-media
// transport (§2 item 5, §4.5). It adds reference-counted session sharing
// on top of the raw MediaTransport contract; everything else is a direct
// pass-through.
type MediaAdapter struct {
	transport MediaTransport

	mu       sync.Mutex
	sessions map[string]*mediaSessionEntry
}

func NewMediaAdapter(transport MediaTransport) *MediaAdapter {
	return &MediaAdapter{
		transport: transport,
		sessions:  make(map[string]*mediaSessionEntry),
	}
}

func mediaSessionKey(source, destination string) string {
	return source + "|" + destination
}

// Acquire returns the shared session for (source, destination), creating
// it on first use and bumping its refcount otherwise.
func (a *MediaAdapter) Acquire(source, destination string) (MediaSessionRef, error) {
	key := mediaSessionKey(source, destination)

	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.sessions[key]; ok {
		e.refcount++
		return e.ref, nil
	}

	ref, err := a.transport.Session(source, destination)
	if err != nil {
		return nil, err
	}
	a.sessions[key] = &mediaSessionEntry{ref: ref, refcount: 1}
	return ref, nil
}

// Release drops one holder's reference, tearing the shared session down
// with the transport once the last holder releases it.
func (a *MediaAdapter) Release(source, destination string) {
	key := mediaSessionKey(source, destination)

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.sessions[key]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(a.sessions, key)
		a.transport.ReleaseSession(e.ref)
	}
}

func (a *MediaAdapter) Discover(ref MediaSessionRef, cb func(DiscoverResult)) {
	a.transport.Discover(ref, cb)
}

func (a *MediaAdapter) RemoteEndpoint(ref MediaSessionRef, seid byte) (capability.RemoteEndpoint, bool) {
	return a.transport.RemoteEndpoint(ref, seid)
}

func (a *MediaAdapter) Open(ref MediaSessionRef, seid byte) (LocalEndpointRef, error) {
	return a.transport.AcquireLocalEndpoint(ref, seid)
}

func (a *MediaAdapter) Lock(local LocalEndpointRef) error {
	return a.transport.Lock(local)
}

func (a *MediaAdapter) Unlock(local LocalEndpointRef) {
	a.transport.Unlock(local)
}

func (a *MediaAdapter) Configure(ref MediaSessionRef, local LocalEndpointRef, caps []capability.ServiceCapability, cb func(RequestID, ConfigureResult)) (RequestID, error) {
	return a.transport.Configure(ref, local, caps, cb)
}

func (a *MediaAdapter) Resume(ref MediaSessionRef, local LocalEndpointRef, cb func(RequestID, StreamResult)) (RequestID, error) {
	return a.transport.Resume(ref, local, cb)
}

func (a *MediaAdapter) Suspend(ref MediaSessionRef, local LocalEndpointRef, cb func(RequestID, StreamResult)) (RequestID, error) {
	return a.transport.Suspend(ref, local, cb)
}

func (a *MediaAdapter) Cancel(ref MediaSessionRef, reqID RequestID) {
	a.transport.Cancel(ref, reqID)
}

func (a *MediaAdapter) SubscribeStreamState(local LocalEndpointRef, cb func(StreamState)) SubscriptionID {
	return a.transport.SubscribeStreamState(local, cb)
}

func (a *MediaAdapter) Unsubscribe(sub SubscriptionID) {
	a.transport.Unsubscribe(sub)
}
