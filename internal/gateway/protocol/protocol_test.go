package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/sebas/btaudiogw/internal/gateway/backend"
	"github.com/sebas/btaudiogw/internal/gateway/capability"
	"github.com/sebas/btaudiogw/internal/gateway/endpoint"
	"github.com/sebas/btaudiogw/internal/gateway/session"
	"github.com/sebas/btaudiogw/internal/gateway/wire"
)

// --- fixed-layout helpers mirroring the wire package's private framing ---

const (
	sourceLen      = 18
	destinationLen = 18
	objectLen      = 128
)

func putFixed(buf []byte, s string) {
	for i := range buf {
		buf[i] = 0
	}
	copy(buf, s)
}

func addrBody(source, destination, object string, tail ...byte) []byte {
	buf := make([]byte, sourceLen+destinationLen+objectLen+len(tail))
	putFixed(buf[0:sourceLen], source)
	putFixed(buf[sourceLen:sourceLen+destinationLen], destination)
	putFixed(buf[sourceLen+destinationLen:sourceLen+destinationLen+objectLen], object)
	copy(buf[sourceLen+destinationLen+objectLen:], tail)
	return buf
}

func codecBlockBody(typ, seid, transport byte, configured bool, lock byte, data []byte) []byte {
	buf := make([]byte, 6+len(data))
	buf[0] = byte(6 + len(data))
	buf[1] = typ
	buf[2] = seid & 0x3f
	buf[3] = transport
	if configured {
		buf[4] = 1
	}
	buf[5] = lock
	copy(buf[6:], data)
	return buf
}

func packSBCData(channelMode, samplingFreq, allocMethod, subbands, blockLen, minBitpool, maxBitpool byte) []byte {
	b0 := (samplingFreq&0x0f)<<4 | (channelMode & 0x0f)
	b1 := (allocMethod&0x03)<<6 | (subbands&0x03)<<4 | (blockLen & 0x0f)
	return []byte{b0, b1, minBitpool, maxBitpool}
}

// --- harness plumbing -----------------------------------------------------

// socketpair uses SOCK_SEQPACKET rather than SOCK_STREAM: several of these
// tests exercise a handler that issues more than one write (a response
// followed by an indication) before the test code gets a chance to read
// either one, and only a message-boundary-preserving socket type keeps
// those reads from coalescing into a single recv.
func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// testScheduler defers fake backend completions, matching the real
// contract where a completion can only arrive after the caller has
// recorded the in-flight request id.
type testScheduler struct {
	pending []func()
}

func (s *testScheduler) enqueue(fn func()) { s.pending = append(s.pending, fn) }

func (s *testScheduler) flush() {
	for len(s.pending) > 0 {
		fn := s.pending[0]
		s.pending = s.pending[1:]
		fn()
	}
}

var testReqSeq int64

func nextTestReqID() backend.RequestID {
	return backend.RequestID(fmt.Sprintf("test-%d", atomic.AddInt64(&testReqSeq, 1)))
}

type stubDeviceRegistry struct {
	devices map[string]backend.Device
}

func newStubDeviceRegistry() *stubDeviceRegistry {
	return &stubDeviceRegistry{devices: make(map[string]backend.Device)}
}

func (r *stubDeviceRegistry) add(d backend.Device) {
	r.devices[d.Object+"|"+d.Source+"|"+d.Destination] = d
}

func (r *stubDeviceRegistry) Find(object, source, destination string, connected bool) (backend.Device, bool) {
	d, ok := r.devices[object+"|"+source+"|"+destination]
	if !ok {
		return backend.Device{}, false
	}
	if connected && !d.Connected {
		return backend.Device{}, false
	}
	return d, true
}

type stubMediaTransport struct {
	sched     *testScheduler
	endpoints map[string][]capability.RemoteEndpoint
	locked    map[string]bool
	dataFD    int
	cancelled []backend.RequestID
}

func newStubMediaTransport(sched *testScheduler, dataFD int) *stubMediaTransport {
	return &stubMediaTransport{sched: sched, endpoints: make(map[string][]capability.RemoteEndpoint), locked: make(map[string]bool), dataFD: dataFD}
}

func (t *stubMediaTransport) setEndpoints(source, destination string, eps []capability.RemoteEndpoint) {
	t.endpoints[source+"|"+destination] = eps
}

func (t *stubMediaTransport) Session(source, destination string) (backend.MediaSessionRef, error) {
	return source + "|" + destination, nil
}
func (t *stubMediaTransport) ReleaseSession(backend.MediaSessionRef) {}

func (t *stubMediaTransport) Discover(ref backend.MediaSessionRef, cb func(backend.DiscoverResult)) {
	eps := t.endpoints[ref.(string)]
	t.sched.enqueue(func() { cb(backend.DiscoverResult{Endpoints: eps}) })
}

func (t *stubMediaTransport) RemoteEndpoint(ref backend.MediaSessionRef, seid byte) (capability.RemoteEndpoint, bool) {
	for _, ep := range t.endpoints[ref.(string)] {
		if ep.SEID == seid {
			return ep, true
		}
	}
	return capability.RemoteEndpoint{}, false
}

func (t *stubMediaTransport) AcquireLocalEndpoint(ref backend.MediaSessionRef, seid byte) (backend.LocalEndpointRef, error) {
	return fmt.Sprintf("%s#%d", ref.(string), seid), nil
}

func (t *stubMediaTransport) Lock(local backend.LocalEndpointRef) error {
	key := local.(string)
	if t.locked[key] {
		return fmt.Errorf("stub: endpoint %s already locked", key)
	}
	t.locked[key] = true
	return nil
}

func (t *stubMediaTransport) Unlock(local backend.LocalEndpointRef) {
	delete(t.locked, local.(string))
}

func (t *stubMediaTransport) Configure(ref backend.MediaSessionRef, local backend.LocalEndpointRef, caps []capability.ServiceCapability, cb func(backend.RequestID, backend.ConfigureResult)) (backend.RequestID, error) {
	id := nextTestReqID()
	t.sched.enqueue(func() { cb(id, backend.ConfigureResult{FD: t.dataFD, IMTU: 672, OMTU: 672, Caps: caps}) })
	return id, nil
}

func (t *stubMediaTransport) Resume(ref backend.MediaSessionRef, local backend.LocalEndpointRef, cb func(backend.RequestID, backend.StreamResult)) (backend.RequestID, error) {
	id := nextTestReqID()
	t.sched.enqueue(func() { cb(id, backend.StreamResult{}) })
	return id, nil
}

func (t *stubMediaTransport) Suspend(ref backend.MediaSessionRef, local backend.LocalEndpointRef, cb func(backend.RequestID, backend.StreamResult)) (backend.RequestID, error) {
	id := nextTestReqID()
	t.sched.enqueue(func() { cb(id, backend.StreamResult{}) })
	return id, nil
}

func (t *stubMediaTransport) Cancel(ref backend.MediaSessionRef, reqID backend.RequestID) {
	t.cancelled = append(t.cancelled, reqID)
}

func (t *stubMediaTransport) SubscribeStreamState(local backend.LocalEndpointRef, cb func(backend.StreamState)) backend.SubscriptionID {
	return backend.SubscriptionID("sub-" + local.(string))
}

func (t *stubMediaTransport) Unsubscribe(backend.SubscriptionID) {}

type stubVoiceTransport struct {
	sched  *testScheduler
	locked map[string]bool
	scoFD  int
}

func newStubVoiceTransport(sched *testScheduler, scoFD int) *stubVoiceTransport {
	return &stubVoiceTransport{sched: sched, locked: make(map[string]bool), scoFD: scoFD}
}

func (t *stubVoiceTransport) Activate(device string) error { return nil }
func (t *stubVoiceTransport) Deactivate(device string)     {}

func (t *stubVoiceTransport) Lock(device string, mode byte) error {
	if t.locked[device] {
		return fmt.Errorf("stub: device %s already locked", device)
	}
	t.locked[device] = true
	return nil
}

func (t *stubVoiceTransport) Unlock(device string) { delete(t.locked, device) }

func (t *stubVoiceTransport) Configure(device string, cb func(backend.RequestID, backend.StreamResult)) (backend.RequestID, error) {
	id := nextTestReqID()
	t.sched.enqueue(func() { cb(id, backend.StreamResult{}) })
	return id, nil
}

func (t *stubVoiceTransport) Request(device string, cb func(backend.RequestID, backend.StreamResult)) (backend.RequestID, error) {
	id := nextTestReqID()
	t.sched.enqueue(func() { cb(id, backend.StreamResult{}) })
	return id, nil
}

func (t *stubVoiceTransport) Suspend(device string, cb func(backend.RequestID, backend.StreamResult)) (backend.RequestID, error) {
	id := nextTestReqID()
	t.sched.enqueue(func() { cb(id, backend.StreamResult{}) })
	return id, nil
}

func (t *stubVoiceTransport) Cancel(device string, reqID backend.RequestID) {}

func (t *stubVoiceTransport) SCOFd(device string) (int, error) { return t.scoFD, nil }

// harness bundles one Machine plus its collaborators for a test.
type harness struct {
	t       *testing.T
	m       *Machine
	media   *stubMediaTransport
	voice   *stubVoiceTransport
	locks   *endpoint.LockRegistry
	devices *stubDeviceRegistry
	sched   *testScheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sched := &testScheduler{}
	mediaT := newStubMediaTransport(sched, -1)
	voiceT := newStubVoiceTransport(sched, -1)
	locks := endpoint.NewLockRegistry()
	devices := newStubDeviceRegistry()

	m := New(backend.NewMediaAdapter(mediaT), backend.NewVoiceAdapter(voiceT), locks, devices,
		Config{A2DPSeidMax: 31, CapBufferSize: 1024}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	return &harness{t: t, m: m, media: mediaT, voice: voiceT, locks: locks, devices: devices, sched: sched}
}

func (h *harness) newSession(fd int) *session.ClientSession {
	h.t.Helper()
	media := h.m.media
	voice := h.m.voice
	s, err := session.New(fd, media, voice, h.locks)
	if err != nil {
		h.t.Fatalf("session.New: %v", err)
	}
	return s
}

// dispatchAndFlush runs one Dispatch call followed by draining every
// deferred backend completion it triggered.
func (h *harness) dispatchAndFlush(s *session.ClientSession) error {
	err := h.m.Dispatch(s)
	h.sched.flush()
	return err
}

func readMessage(t *testing.T, fd int) (wire.Header, []byte) {
	t.Helper()
	var c wire.Codec
	hdr, body, err := c.ReadMessage(fd)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return hdr, body
}

func sendRequest(t *testing.T, fd int, name byte, body []byte) {
	t.Helper()
	var c wire.Codec
	if err := c.WriteMessage(fd, wire.TypeRequest, name, body); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

const demoObject = "/dev/demo"
const demoSource = "AA:AA:AA:AA:AA:AA"
const demoDest = "BB:BB:BB:BB:BB:BB"

func demoSBCEndpoint(seid byte) capability.RemoteEndpoint {
	return capability.RemoteEndpoint{
		SEID: seid,
		Capabilities: []capability.ServiceCapability{
			{Category: capability.CategoryMediaTransport},
			{
				Category: capability.CategoryMediaCodec,
				Codec: capability.Codec{
					Kind: capability.CodecSBC,
					SBC: capability.SBC{
						ChannelMode:       0x0f,
						SamplingFrequency: 0x03,
						AllocationMethod:  0x02,
						Subbands:          0x03,
						BlockLength:       0x0f,
						MinBitpool:        2,
						MaxBitpool:        53,
					},
				},
			},
		},
	}
}

// --- scenario 1: basic SBC sink lifecycle ----------------------------------

func TestSinkLifecycleGetCapabilitiesOpenConfigureStartClose(t *testing.T) {
	h := newHarness(t)
	h.devices.add(backend.Device{Object: demoObject, Source: demoSource, Destination: demoDest, Connected: true, ActiveSink: true})
	h.media.setEndpoints(demoSource, demoDest, []capability.RemoteEndpoint{demoSBCEndpoint(1)})

	// The stub's configured stream needs a real fd for StartStream to pass
	// over SCM_RIGHTS.
	dataFD, _ := socketpair(t)
	h.media.dataFD = dataFD

	clientFD, sessionFD := socketpair(t)
	s := h.newSession(sessionFD)

	// GetCapabilities
	sendRequest(t, clientFD, wire.NameGetCapabilities, addrBody(demoSource, demoDest, demoObject, wire.TransportA2DP, 0, 0))
	if err := h.dispatchAndFlush(s); err != nil {
		t.Fatalf("Dispatch(GetCapabilities): %v", err)
	}
	hdr, body := readMessage(t, clientFD)
	if hdr.Type != wire.TypeResponse || hdr.Name != wire.NameGetCapabilities {
		t.Fatalf("GetCapabilities response header = %+v", hdr)
	}
	blocks, err := wire.DecodeCodecBlockList(body[sourceLen+destinationLen+objectLen:])
	if err != nil {
		t.Fatalf("DecodeCodecBlockList: %v", err)
	}
	if len(blocks) != 1 || blocks[0].SEID != 1 {
		t.Fatalf("GetCapabilities returned %+v, want one SEID-1 block", blocks)
	}
	if s.Kind != backend.KindSink {
		t.Errorf("session kind after GetCapabilities = %v, want Sink", s.Kind)
	}

	// Open
	sendRequest(t, clientFD, wire.NameOpen, addrBody(demoSource, demoDest, demoObject, 1, wire.LockWrite))
	if err := h.dispatchAndFlush(s); err != nil {
		t.Fatalf("Dispatch(Open): %v", err)
	}
	hdr, _ = readMessage(t, clientFD)
	if hdr.Type != wire.TypeResponse || hdr.Name != wire.NameOpen {
		t.Fatalf("Open response header = %+v", hdr)
	}
	if s.State() != session.StateOpened {
		t.Fatalf("state after Open = %v, want Opened", s.State())
	}

	// SetConfiguration
	sbcData := packSBCData(0x01, 0x01, 0x00, 0x01, 0x01, 2, 53)
	cfgBody := codecBlockBody(wire.CodecTypeSBC, 1, wire.TransportA2DP, false, 0, sbcData)
	sendRequest(t, clientFD, wire.NameSetConfiguration, cfgBody)
	if err := h.dispatchAndFlush(s); err != nil {
		t.Fatalf("Dispatch(SetConfiguration): %v", err)
	}
	hdr, body = readMessage(t, clientFD)
	if hdr.Type != wire.TypeResponse || hdr.Name != wire.NameSetConfiguration {
		t.Fatalf("SetConfiguration response header = %+v", hdr)
	}
	if mtu := binary.NativeEndian.Uint16(body); mtu != 672 {
		t.Errorf("negotiated MTU = %d, want 672", mtu)
	}
	if s.State() != session.StateConfigured {
		t.Fatalf("state after SetConfiguration = %v, want Configured", s.State())
	}

	// StartStream: response, indication, then the transport fd over SCM_RIGHTS.
	sendRequest(t, clientFD, wire.NameStartStream, nil)
	if err := h.dispatchAndFlush(s); err != nil {
		t.Fatalf("Dispatch(StartStream): %v", err)
	}
	hdr, _ = readMessage(t, clientFD)
	if hdr.Type != wire.TypeResponse || hdr.Name != wire.NameStartStream {
		t.Fatalf("StartStream response header = %+v", hdr)
	}
	hdr, _ = readMessage(t, clientFD)
	if hdr.Type != wire.TypeIndication || hdr.Name != wire.NameNewStream {
		t.Fatalf("expected NewStream indication, got %+v", hdr)
	}
	if s.State() != session.StateStreaming {
		t.Fatalf("state after StartStream = %v, want Streaming", s.State())
	}

	fd := recvFD(t, clientFD)
	defer unix.Close(fd)

	// Close
	sendRequest(t, clientFD, wire.NameClose, nil)
	if err := h.dispatchAndFlush(s); err != nil {
		t.Fatalf("Dispatch(Close): %v", err)
	}
	hdr, _ = readMessage(t, clientFD)
	if hdr.Type != wire.TypeResponse || hdr.Name != wire.NameClose {
		t.Fatalf("Close response header = %+v", hdr)
	}
	if s.State() != session.StateFresh {
		t.Fatalf("state after Close = %v, want Fresh", s.State())
	}
	if h.locks.WriteLockedByOther(endpoint.Key{Source: demoSource, SEID: 1}, "someone-else") {
		t.Error("Close must release the endpoint lock")
	}
}

// recvFD reads the one-byte ancillary-data payload sent by fdchannel.Send
// and extracts the passed fd.
func recvFD(t *testing.T, fd int) int {
	t.Helper()
	payload := make([]byte, 1)
	control := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(fd, payload, control, 0)
	if err != nil {
		t.Fatalf("Recvmsg: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recvmsg payload = %d bytes, want 1", n)
	}
	msgs, err := unix.ParseSocketControlMessage(control[:oobn])
	if err != nil {
		t.Fatalf("ParseSocketControlMessage: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d control messages, want 1", len(msgs))
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		t.Fatalf("ParseUnixRights: %v", err)
	}
	if len(fds) != 1 {
		t.Fatalf("got %d rights, want 1", len(fds))
	}
	return fds[0]
}

// --- scenario 2: voice path -------------------------------------------------

func TestHeadsetLifecycle(t *testing.T) {
	h := newHarness(t)
	h.devices.add(backend.Device{Object: demoObject, Source: demoSource, Destination: demoDest, Connected: true, ActiveHeadset: true, VoiceFeatures: 0x03})

	clientFD, sessionFD := socketpair(t)
	s := h.newSession(sessionFD)

	sendRequest(t, clientFD, wire.NameGetCapabilities, addrBody(demoSource, demoDest, demoObject, wire.TransportSCO, 0, 0))
	if err := h.dispatchAndFlush(s); err != nil {
		t.Fatalf("Dispatch(GetCapabilities): %v", err)
	}
	hdr, body := readMessage(t, clientFD)
	if hdr.Type != wire.TypeResponse {
		t.Fatalf("GetCapabilities response header = %+v", hdr)
	}
	blocks, err := wire.DecodeCodecBlockList(body[sourceLen+destinationLen+objectLen:])
	if err != nil {
		t.Fatalf("DecodeCodecBlockList: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Type != wire.CodecTypePCM || blocks[0].Transport != wire.TransportSCO {
		t.Fatalf("voice capability block = %+v", blocks)
	}
	if s.Kind != backend.KindHeadset {
		t.Errorf("session kind = %v, want Headset", s.Kind)
	}

	voiceSeid := blocks[0].SEID
	sendRequest(t, clientFD, wire.NameOpen, addrBody(demoSource, demoDest, demoObject, voiceSeid, wire.LockWrite))
	if err := h.dispatchAndFlush(s); err != nil {
		t.Fatalf("Dispatch(Open): %v", err)
	}
	readMessage(t, clientFD)
	if s.State() != session.StateOpened {
		t.Fatalf("state after Open = %v, want Opened", s.State())
	}

	cfgBody := codecBlockBody(wire.CodecTypePCM, voiceSeid, wire.TransportSCO, false, 0, []byte{0x03})
	sendRequest(t, clientFD, wire.NameSetConfiguration, cfgBody)
	if err := h.dispatchAndFlush(s); err != nil {
		t.Fatalf("Dispatch(SetConfiguration): %v", err)
	}
	_, body = readMessage(t, clientFD)
	if mtu := binary.NativeEndian.Uint16(body); mtu != 48 {
		t.Errorf("voice link MTU = %d, want 48", mtu)
	}
	if s.State() != session.StateConfigured {
		t.Fatalf("state after SetConfiguration = %v, want Configured", s.State())
	}
}

// --- scenario 3: lock contention visibility --------------------------------

func TestGetCapabilitiesReportsLockHeldByOtherSession(t *testing.T) {
	h := newHarness(t)
	h.devices.add(backend.Device{Object: demoObject, Source: demoSource, Destination: demoDest, Connected: true, ActiveSink: true})
	h.media.setEndpoints(demoSource, demoDest, []capability.RemoteEndpoint{demoSBCEndpoint(1)})

	clientFDA, sessionFDA := socketpair(t)
	sessA := h.newSession(sessionFDA)
	clientFDB, sessionFDB := socketpair(t)
	sessB := h.newSession(sessionFDB)

	// Session A opens SEID 1 with a write lock.
	sendRequest(t, clientFDA, wire.NameGetCapabilities, addrBody(demoSource, demoDest, demoObject, wire.TransportA2DP, 0, 0))
	h.dispatchAndFlush(sessA)
	readMessage(t, clientFDA)

	sendRequest(t, clientFDA, wire.NameOpen, addrBody(demoSource, demoDest, demoObject, 1, wire.LockWrite))
	h.dispatchAndFlush(sessA)
	readMessage(t, clientFDA)

	// Session B's GetCapabilities must now see SEID 1 as write-locked.
	sendRequest(t, clientFDB, wire.NameGetCapabilities, addrBody(demoSource, demoDest, demoObject, wire.TransportA2DP, 0, 0))
	h.dispatchAndFlush(sessB)
	_, body := readMessage(t, clientFDB)
	blocks, err := wire.DecodeCodecBlockList(body[sourceLen+destinationLen+objectLen:])
	if err != nil {
		t.Fatalf("DecodeCodecBlockList: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Lock&wire.LockWrite == 0 {
		t.Fatalf("session B's view of SEID 1 = %+v, want Lock&LockWrite set", blocks)
	}
}

// --- scenario 4: disconnect during configure cancels exactly once ---------

func TestDestroyDuringConfigureCancelsPendingRequest(t *testing.T) {
	h := newHarness(t)
	h.devices.add(backend.Device{Object: demoObject, Source: demoSource, Destination: demoDest, Connected: true, ActiveSink: true})
	h.media.setEndpoints(demoSource, demoDest, []capability.RemoteEndpoint{demoSBCEndpoint(1)})

	clientFD, sessionFD := socketpair(t)
	s := h.newSession(sessionFD)

	sendRequest(t, clientFD, wire.NameGetCapabilities, addrBody(demoSource, demoDest, demoObject, wire.TransportA2DP, 0, 0))
	h.dispatchAndFlush(s)
	readMessage(t, clientFD)

	sendRequest(t, clientFD, wire.NameOpen, addrBody(demoSource, demoDest, demoObject, 1, wire.LockWrite))
	h.dispatchAndFlush(s)
	readMessage(t, clientFD)

	sbcData := packSBCData(0x01, 0x01, 0x00, 0x01, 0x01, 2, 53)
	cfgBody := codecBlockBody(wire.CodecTypeSBC, 1, wire.TransportA2DP, false, 0, sbcData)
	sendRequest(t, clientFD, wire.NameSetConfiguration, cfgBody)

	// Dispatch without flushing: the Configure call is in flight, Pending
	// is recorded, but the fake backend's completion has not run yet.
	if err := h.m.Dispatch(s); err != nil {
		t.Fatalf("Dispatch(SetConfiguration): %v", err)
	}
	if s.Pending.Kind != session.PendingMedia {
		t.Fatalf("Pending = %+v, want PendingMedia recorded before the completion fires", s.Pending)
	}

	pendingID := s.Pending.ReqID
	s.Destroy()
	h.sched.flush()

	if len(h.media.cancelled) != 1 || h.media.cancelled[0] != pendingID {
		t.Fatalf("Cancel calls = %v, want exactly one call with %v", h.media.cancelled, pendingID)
	}
	if s.Live() {
		t.Error("session should be dead after Destroy")
	}
}

// --- scenario 5: externally reported stream idle ---------------------------

func TestStreamIdleReturnsSessionToFresh(t *testing.T) {
	h := newHarness(t)
	h.devices.add(backend.Device{Object: demoObject, Source: demoSource, Destination: demoDest, Connected: true, ActiveSink: true})
	h.media.setEndpoints(demoSource, demoDest, []capability.RemoteEndpoint{demoSBCEndpoint(1)})

	clientFD, sessionFD := socketpair(t)
	s := h.newSession(sessionFD)

	sendRequest(t, clientFD, wire.NameGetCapabilities, addrBody(demoSource, demoDest, demoObject, wire.TransportA2DP, 0, 0))
	h.dispatchAndFlush(s)
	readMessage(t, clientFD)
	sendRequest(t, clientFD, wire.NameOpen, addrBody(demoSource, demoDest, demoObject, 1, wire.LockWrite))
	h.dispatchAndFlush(s)
	readMessage(t, clientFD)

	sbcData := packSBCData(0x01, 0x01, 0x00, 0x01, 0x01, 2, 53)
	cfgBody := codecBlockBody(wire.CodecTypeSBC, 1, wire.TransportA2DP, false, 0, sbcData)
	sendRequest(t, clientFD, wire.NameSetConfiguration, cfgBody)
	h.dispatchAndFlush(s)
	readMessage(t, clientFD)

	if s.State() != session.StateConfigured {
		t.Fatalf("state before idle report = %v, want Configured", s.State())
	}

	m := h.m
	m.onStreamState(s, backend.StreamStateIdle)

	if s.State() != session.StateFresh {
		t.Fatalf("state after externally reported idle = %v, want Fresh", s.State())
	}

	// StartStream with no device bound now fails out-of-order, not with a
	// device-level error; the session survives.
	sendRequest(t, clientFD, wire.NameStartStream, nil)
	if err := h.dispatchAndFlush(s); err != nil {
		t.Fatalf("Dispatch(StartStream) after idle: %v", err)
	}
	hdr, body := readMessage(t, clientFD)
	if hdr.Type != wire.TypeError {
		t.Fatalf("StartStream after idle header = %+v, want TypeError", hdr)
	}
	if errno := binary.NativeEndian.Uint32(body[:4]); errno != uint32(unix.EIO) {
		t.Errorf("StartStream after idle errno = %d, want EIO", errno)
	}
}

// --- ordering violations ----------------------------------------------------

func TestStartStreamWithoutConfigureFailsEIO(t *testing.T) {
	h := newHarness(t)
	h.devices.add(backend.Device{Object: demoObject, Source: demoSource, Destination: demoDest, Connected: true, ActiveSink: true})
	h.media.setEndpoints(demoSource, demoDest, []capability.RemoteEndpoint{demoSBCEndpoint(1)})

	clientFD, sessionFD := socketpair(t)
	s := h.newSession(sessionFD)

	sendRequest(t, clientFD, wire.NameStartStream, nil)
	if err := h.dispatchAndFlush(s); err != nil {
		t.Fatalf("Dispatch(StartStream): %v", err)
	}
	hdr, body := readMessage(t, clientFD)
	if hdr.Type != wire.TypeError || hdr.Name != wire.NameStartStream {
		t.Fatalf("header = %+v, want TypeError/StartStream", hdr)
	}
	if errno := binary.NativeEndian.Uint32(body[:4]); errno != uint32(unix.EIO) {
		t.Errorf("errno = %d, want EIO", errno)
	}
	if s.State() != session.StateFresh {
		t.Errorf("session state mutated by a rejected request: %v", s.State())
	}
}

func TestControlIsAlwaysANoOp(t *testing.T) {
	h := newHarness(t)
	clientFD, sessionFD := socketpair(t)
	s := h.newSession(sessionFD)

	sendRequest(t, clientFD, wire.NameControl, []byte{1, 2, 3})
	if err := h.dispatchAndFlush(s); err != nil {
		t.Fatalf("Dispatch(Control): %v", err)
	}
	hdr, body := readMessage(t, clientFD)
	if hdr.Type != wire.TypeResponse || hdr.Name != wire.NameControl {
		t.Fatalf("header = %+v, want TypeResponse/Control", hdr)
	}
	if len(body) != 0 {
		t.Errorf("Control response body = %v, want empty", body)
	}
	if s.State() != session.StateFresh {
		t.Errorf("Control must never touch session state: %v", s.State())
	}
}
