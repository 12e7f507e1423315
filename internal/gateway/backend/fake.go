package backend

import (
	"fmt"
	"sync/atomic"

	"github.com/sebas/btaudiogw/internal/gateway/capability"
)

// The Fake* types below are minimal in-memory stand-ins for the real
// MediaTransport, VoiceTransport, and DeviceRegistry collaborators,
// grounded on the teacher's DefaultRegistry() bootstrap pattern
// (services/signaling/dialplan/executor.go). They exist so the gateway
// process has something to run against when no real transport is wired
// in, and so protocol-level tests can drive the state machine without a
// real Bluetooth stack.

var fakeReqID int64

func nextFakeReqID() RequestID {
	return RequestID(fmt.Sprintf("fake-%d", atomic.AddInt64(&fakeReqID, 1)))
}

// Scheduler defers a fake backend's completion callbacks to a later,
// explicit Flush rather than invoking them inline. This matters: the
// real contract is that the adapter's caller records the returned
// RequestID as "in flight" right after the call returns, before any
// completion can arrive. An inline callback would race that bookkeeping.
type Scheduler struct {
	pending []func()
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) enqueue(fn func()) {
	s.pending = append(s.pending, fn)
}

// Flush runs every callback queued since the last Flush, in order. The
// event loop calls this once per iteration.
func (s *Scheduler) Flush() {
	for len(s.pending) > 0 {
		fn := s.pending[0]
		s.pending = s.pending[1:]
		fn()
	}
}

// FakeDevice is one entry in a FakeDeviceRegistry.
type FakeDevice struct {
	Device
	Endpoints []capability.RemoteEndpoint
}

// FakeDeviceRegistry serves Device lookups from a fixed, in-memory set
// keyed by (object, source, destination).
type FakeDeviceRegistry struct {
	devices map[string]FakeDevice
}

func NewFakeDeviceRegistry() *FakeDeviceRegistry {
	return &FakeDeviceRegistry{devices: make(map[string]FakeDevice)}
}

func deviceKey(object, source, destination string) string {
	return object + "|" + source + "|" + destination
}

func (r *FakeDeviceRegistry) Add(d FakeDevice) {
	r.devices[deviceKey(d.Object, d.Source, d.Destination)] = d
}

func (r *FakeDeviceRegistry) Find(object, source, destination string, connected bool) (Device, bool) {
	d, ok := r.devices[deviceKey(object, source, destination)]
	if !ok {
		return Device{}, false
	}
	if connected && !d.Connected {
		return Device{}, false
	}
	return d.Device, true
}

func (r *FakeDeviceRegistry) endpoints(source, destination string) []capability.RemoteEndpoint {
	for _, d := range r.devices {
		if d.Source == source && d.Destination == destination {
			return d.Endpoints
		}
	}
	return nil
}

// FakeMediaTransport implements MediaTransport entirely in memory,
// deferring every async completion through a shared Scheduler.
type FakeMediaTransport struct {
	registry *FakeDeviceRegistry
	sched    *Scheduler
	locked   map[string]bool
}

func NewFakeMediaTransport(registry *FakeDeviceRegistry, sched *Scheduler) *FakeMediaTransport {
	return &FakeMediaTransport{registry: registry, sched: sched, locked: make(map[string]bool)}
}

type fakeMediaSession struct {
	source, destination string
}

type fakeLocalEndpoint struct {
	source string
	seid   byte
}

func (t *FakeMediaTransport) Session(source, destination string) (MediaSessionRef, error) {
	return &fakeMediaSession{source: source, destination: destination}, nil
}

func (t *FakeMediaTransport) ReleaseSession(MediaSessionRef) {}

func (t *FakeMediaTransport) Discover(ref MediaSessionRef, cb func(DiscoverResult)) {
	ms := ref.(*fakeMediaSession)
	eps := t.registry.endpoints(ms.source, ms.destination)
	t.sched.enqueue(func() { cb(DiscoverResult{Endpoints: eps}) })
}

func (t *FakeMediaTransport) RemoteEndpoint(ref MediaSessionRef, seid byte) (capability.RemoteEndpoint, bool) {
	ms := ref.(*fakeMediaSession)
	for _, ep := range t.registry.endpoints(ms.source, ms.destination) {
		if ep.SEID == seid {
			return ep, true
		}
	}
	return capability.RemoteEndpoint{}, false
}

func (t *FakeMediaTransport) AcquireLocalEndpoint(ref MediaSessionRef, seid byte) (LocalEndpointRef, error) {
	ms := ref.(*fakeMediaSession)
	return &fakeLocalEndpoint{source: ms.source, seid: seid}, nil
}

func (t *FakeMediaTransport) Lock(local LocalEndpointRef) error {
	le := local.(*fakeLocalEndpoint)
	key := fmt.Sprintf("%s|%d", le.source, le.seid)
	if t.locked[key] {
		return fmt.Errorf("backend: endpoint %d already locked", le.seid)
	}
	t.locked[key] = true
	return nil
}

func (t *FakeMediaTransport) Unlock(local LocalEndpointRef) {
	le := local.(*fakeLocalEndpoint)
	delete(t.locked, fmt.Sprintf("%s|%d", le.source, le.seid))
}

func (t *FakeMediaTransport) Configure(ref MediaSessionRef, local LocalEndpointRef, caps []capability.ServiceCapability, cb func(RequestID, ConfigureResult)) (RequestID, error) {
	id := nextFakeReqID()
	t.sched.enqueue(func() { cb(id, ConfigureResult{FD: -1, IMTU: 672, OMTU: 672, Caps: caps}) })
	return id, nil
}

func (t *FakeMediaTransport) Resume(ref MediaSessionRef, local LocalEndpointRef, cb func(RequestID, StreamResult)) (RequestID, error) {
	id := nextFakeReqID()
	t.sched.enqueue(func() { cb(id, StreamResult{}) })
	return id, nil
}

func (t *FakeMediaTransport) Suspend(ref MediaSessionRef, local LocalEndpointRef, cb func(RequestID, StreamResult)) (RequestID, error) {
	id := nextFakeReqID()
	t.sched.enqueue(func() { cb(id, StreamResult{}) })
	return id, nil
}

func (t *FakeMediaTransport) Cancel(ref MediaSessionRef, reqID RequestID) {}

func (t *FakeMediaTransport) SubscribeStreamState(local LocalEndpointRef, cb func(StreamState)) SubscriptionID {
	return SubscriptionID(fmt.Sprintf("sub-%p", local))
}

func (t *FakeMediaTransport) Unsubscribe(sub SubscriptionID) {}

// FakeVoiceTransport implements VoiceTransport entirely in memory,
// deferring every async completion through a shared Scheduler.
type FakeVoiceTransport struct {
	sched  *Scheduler
	locked map[string]bool
}

func NewFakeVoiceTransport(sched *Scheduler) *FakeVoiceTransport {
	return &FakeVoiceTransport{sched: sched, locked: make(map[string]bool)}
}

func (t *FakeVoiceTransport) Activate(device string) error { return nil }
func (t *FakeVoiceTransport) Deactivate(device string)     {}

func (t *FakeVoiceTransport) Lock(device string, mode byte) error {
	if t.locked[device] {
		return fmt.Errorf("backend: device %s already locked", device)
	}
	t.locked[device] = true
	return nil
}

func (t *FakeVoiceTransport) Unlock(device string) {
	delete(t.locked, device)
}

func (t *FakeVoiceTransport) Configure(device string, cb func(RequestID, StreamResult)) (RequestID, error) {
	id := nextFakeReqID()
	t.sched.enqueue(func() { cb(id, StreamResult{}) })
	return id, nil
}

func (t *FakeVoiceTransport) Request(device string, cb func(RequestID, StreamResult)) (RequestID, error) {
	id := nextFakeReqID()
	t.sched.enqueue(func() { cb(id, StreamResult{}) })
	return id, nil
}

func (t *FakeVoiceTransport) Suspend(device string, cb func(RequestID, StreamResult)) (RequestID, error) {
	id := nextFakeReqID()
	t.sched.enqueue(func() { cb(id, StreamResult{}) })
	return id, nil
}

func (t *FakeVoiceTransport) Cancel(device string, reqID RequestID) {}

func (t *FakeVoiceTransport) SCOFd(device string) (int, error) {
	return -1, nil
}
