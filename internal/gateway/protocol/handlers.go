package protocol

import (
	"github.com/sebas/btaudiogw/internal/gateway/backend"
	"github.com/sebas/btaudiogw/internal/gateway/capability"
	"github.com/sebas/btaudiogw/internal/gateway/endpoint"
	"github.com/sebas/btaudiogw/internal/gateway/fdchannel"
	"github.com/sebas/btaudiogw/internal/gateway/session"
	"github.com/sebas/btaudiogw/internal/gateway/wire"
)

func (m *Machine) write(s *session.ClientSession, typ, name byte, body []byte) error {
	if err := m.codec.WriteMessage(s.FD, typ, name, body); err != nil {
		m.log.Warn("[Protocol] write failed", "session", s.ID, "name", wire.NameString(name), "error", err)
		return err
	}
	return nil
}

// inferKind applies spec §3's inference order for the ambiguous A2DP
// case; SCO always means Headset.
func (m *Machine) inferKind(transport byte, dev backend.Device) backend.ServiceKind {
	if transport == wire.TransportSCO {
		return backend.KindHeadset
	}
	kind := dev.InferServiceKind()
	if kind == backend.KindNone {
		return backend.KindSink
	}
	return kind
}

// kindForSeid applies §4.4's Open-time rule: the SEID range alone
// selects Media vs Voice; Media's Sink/Source split falls back to the
// same device-role inference GetCapabilities uses.
func (m *Machine) kindForSeid(seid byte, dev backend.Device) backend.ServiceKind {
	if seid > m.cfg.A2DPSeidMax {
		return backend.KindHeadset
	}
	kind := dev.InferServiceKind()
	if kind == backend.KindNone || kind == backend.KindHeadset {
		return backend.KindSink
	}
	return kind
}

func pendingKindFor(kind backend.ServiceKind) session.PendingKind {
	if kind == backend.KindHeadset {
		return session.PendingVoice
	}
	return session.PendingMedia
}

// bindServiceKind enforces the §3 invariant that a session's kind is
// immutable after the first Open/GetCapabilities. onMismatch lets
// callers pick the errno a disagreement maps to, since §4.4 overrides
// §7's general INVALID classification for Open specifically.
func bindServiceKind(s *session.ClientSession, kind backend.ServiceKind, onMismatch errKind) error {
	if s.Kind == backend.KindNone {
		s.Kind = kind
		return nil
	}
	if s.Kind != kind {
		return fail(onMismatch, "protocol: transport disagrees with session's established service kind")
	}
	return nil
}

// voiceCodecBlock synthesizes the fixed "8kHz PCM, mono" voice pseudo-
// endpoint capability of spec §3.
func (m *Machine) voiceCodecBlock(dev backend.Device, seid byte, sessionID string) wire.CodecBlock {
	lock := byte(0)
	if m.locks.WriteLockedByOther(endpoint.Key{Source: dev.Source, SEID: seid}, sessionID) {
		lock = wire.LockWrite
	}
	return wire.CodecBlock{
		Type:       wire.CodecTypePCM,
		SEID:       seid,
		Transport:  wire.TransportSCO,
		Configured: dev.ActiveHeadset,
		Lock:       lock,
		Data:       []byte{dev.VoiceFeatures},
	}
}

func (m *Machine) voiceSeid() byte {
	return m.cfg.A2DPSeidMax + 1
}

// --- GetCapabilities -------------------------------------------------

func (m *Machine) handleGetCapabilities(s *session.ClientSession, body []byte) {
	req, err := wire.DecodeGetCapabilitiesRequest(body)
	if err != nil {
		m.fail(s, wire.NameGetCapabilities, fail(errInvalid, err.Error()))
		return
	}

	dev, err := m.resolveDevice(req.Object, req.Source, req.Destination, req.Flags)
	if err != nil {
		m.fail(s, wire.NameGetCapabilities, err)
		return
	}

	kind := m.inferKind(req.Transport, dev)
	if err := bindServiceKind(s, kind, errInvalid); err != nil {
		m.fail(s, wire.NameGetCapabilities, err)
		return
	}
	s.Device = dev

	if kind == backend.KindHeadset {
		block := m.voiceCodecBlock(dev, m.voiceSeid(), s.ID)
		resp := wire.GetCapabilitiesResponse{
			Source: req.Source, Destination: req.Destination, Object: req.Object,
			Codecs: []wire.CodecBlock{block},
		}
		m.respondCapabilities(s, resp)
		return
	}

	ref, err := m.media.Acquire(dev.Source, dev.Destination)
	if err != nil {
		m.fail(s, wire.NameGetCapabilities, fail(errIO, err.Error()))
		return
	}

	requestedSEID := req.SEID
	sessionID := s.ID
	m.media.Discover(ref, func(res backend.DiscoverResult) {
		m.media.Release(dev.Source, dev.Destination)
		if !s.Live() {
			return
		}
		if res.Err != nil {
			m.fail(s, wire.NameGetCapabilities, fail(errIO, "discovery failed"))
			return
		}

		builder := capability.NewBudgetedBuilder(m.cfg.CapBufferSize, wire.AddressBlockLen)
		truncated := false
		for _, ep := range res.Endpoints {
			if requestedSEID != 0 && ep.SEID != requestedSEID {
				continue
			}
			lock := byte(0)
			if m.locks.WriteLockedByOther(endpoint.Key{Source: dev.Source, SEID: ep.SEID}, sessionID) {
				lock = wire.LockWrite
			}
			for _, sc := range ep.MediaCodecCapabilities() {
				block, err := capability.EncodeOutbound(sc, ep.SEID, wire.TransportA2DP, ep.Configured, lock)
				if err != nil {
					continue
				}
				if err := builder.Append(block); err != nil {
					truncated = true
					break
				}
			}
			if truncated {
				break
			}
		}

		resp := wire.GetCapabilitiesResponse{
			Source: req.Source, Destination: req.Destination, Object: req.Object,
			Codecs: builder.Blocks,
		}
		if truncated {
			m.log.Warn("[Protocol] GetCapabilities response truncated", "session", sessionID)
		}
		m.respondCapabilities(s, resp)
	})
}

func (m *Machine) respondCapabilities(s *session.ClientSession, resp wire.GetCapabilitiesResponse) {
	body, err := resp.Encode()
	if err != nil {
		m.fail(s, wire.NameGetCapabilities, fail(errOOS, err.Error()))
		return
	}
	_ = m.write(s, wire.TypeResponse, wire.NameGetCapabilities, body)
}

// --- Open --------------------------------------------------------------

func (m *Machine) handleOpen(s *session.ClientSession, body []byte) {
	if s.State() != session.StateFresh {
		m.fail(s, wire.NameOpen, fail(errIO, "Open received out of order"))
		return
	}

	req, err := wire.DecodeOpenRequest(body)
	if err != nil {
		m.fail(s, wire.NameOpen, fail(errInvalid, err.Error()))
		return
	}

	dev, err := m.resolveDevice(req.Object, req.Source, req.Destination, 0)
	if err != nil {
		m.fail(s, wire.NameOpen, err)
		return
	}

	kind := m.kindForSeid(req.SEID, dev)
	if err := bindServiceKind(s, kind, errIO); err != nil {
		m.fail(s, wire.NameOpen, err)
		return
	}
	s.Device = dev

	switch kind {
	case backend.KindHeadset:
		if err := m.voice.Open(dev.Source, req.Lock); err != nil {
			m.fail(s, wire.NameOpen, fail(errNotFound, err.Error()))
			return
		}
		s.OpenedSEID = req.SEID
		if !s.BindLocalEndpoint(nil, req.Lock) {
			m.voice.Close(dev.Source)
			m.fail(s, wire.NameOpen, fail(errBusy, "endpoint locked by another session"))
			return
		}

	default: // KindSink, KindSource
		ref, err := m.media.Acquire(dev.Source, dev.Destination)
		if err != nil {
			m.fail(s, wire.NameOpen, fail(errIO, err.Error()))
			return
		}
		if _, ok := m.media.RemoteEndpoint(ref, req.SEID); !ok {
			m.media.Release(dev.Source, dev.Destination)
			m.fail(s, wire.NameOpen, fail(errNotFound, "remote endpoint not found"))
			return
		}
		local, err := m.media.Open(ref, req.SEID)
		if err != nil {
			m.media.Release(dev.Source, dev.Destination)
			m.fail(s, wire.NameOpen, fail(errNotFound, err.Error()))
			return
		}
		if err := m.media.Lock(local); err != nil {
			m.media.Release(dev.Source, dev.Destination)
			m.fail(s, wire.NameOpen, fail(errBusy, err.Error()))
			return
		}
		s.OpenedSEID = req.SEID
		if !s.BindLocalEndpoint(local, req.Lock) {
			m.media.Unlock(local)
			m.media.Release(dev.Source, dev.Destination)
			m.fail(s, wire.NameOpen, fail(errBusy, "endpoint locked by another session"))
			return
		}
		s.BindMediaSession(ref)
	}

	if err := s.TransitionTo(session.StateOpened); err != nil {
		m.log.Error("[Protocol] unreachable state transition failure", "session", s.ID, "error", err)
	}

	resp := wire.OpenResponse{Source: req.Source, Destination: req.Destination, Object: req.Object}
	body2, err := resp.Encode()
	if err != nil {
		m.fail(s, wire.NameOpen, fail(errIO, err.Error()))
		return
	}
	_ = m.write(s, wire.TypeResponse, wire.NameOpen, body2)
}

// --- SetConfiguration ----------------------------------------------------

func (m *Machine) handleSetConfiguration(s *session.ClientSession, body []byte) {
	if s.State() != session.StateOpened {
		m.fail(s, wire.NameSetConfiguration, fail(errIO, "SetConfiguration received out of order"))
		return
	}

	req, err := wire.DecodeSetConfigurationRequest(body)
	if err != nil {
		m.fail(s, wire.NameSetConfiguration, fail(errInvalid, err.Error()))
		return
	}
	if req.Codec.SEID != s.OpenedSEID {
		m.fail(s, wire.NameSetConfiguration, fail(errInvalid, "codec seid does not match session's opened seid"))
		return
	}

	expected := wire.TransportA2DP
	if s.Kind == backend.KindHeadset {
		expected = wire.TransportSCO
	}
	if req.Codec.Transport != expected {
		m.fail(s, wire.NameSetConfiguration, fail(errInvalid, "codec transport disagrees with session's service kind"))
		return
	}

	if s.Kind == backend.KindHeadset {
		device := s.Device.Source
		reqID, err := m.voice.Configure(device, func(rid backend.RequestID, res backend.StreamResult) {
			m.onVoiceConfigureComplete(s, rid, res)
		})
		if err != nil {
			m.fail(s, wire.NameSetConfiguration, fail(errIO, err.Error()))
			return
		}
		s.Pending = session.Pending{Kind: session.PendingVoice, ReqID: reqID}
		return
	}

	sc, err := capability.DecodeInbound(req.Codec)
	if err != nil {
		m.fail(s, wire.NameSetConfiguration, fail(errInvalid, err.Error()))
		return
	}
	caps := []capability.ServiceCapability{
		{Category: capability.CategoryMediaTransport},
		sc,
	}
	s.Capabilities = caps

	reqID, err := m.media.Configure(s.MediaSessionRef(), s.LocalEndpoint(), caps, func(rid backend.RequestID, res backend.ConfigureResult) {
		m.onMediaConfigureComplete(s, rid, res)
	})
	if err != nil {
		m.fail(s, wire.NameSetConfiguration, fail(errIO, err.Error()))
		return
	}
	s.Pending = session.Pending{Kind: session.PendingMedia, ReqID: reqID}
}

func (m *Machine) onMediaConfigureComplete(s *session.ClientSession, rid backend.RequestID, res backend.ConfigureResult) {
	if !s.Live() || s.Pending.Kind != session.PendingMedia || s.Pending.ReqID != rid {
		return
	}
	s.Pending = session.Pending{}

	if res.Err != nil {
		s.HandleStreamIdle()
		m.fail(s, wire.NameSetConfiguration, fail(errIO, "configure failed"))
		return
	}

	sub := m.media.SubscribeStreamState(s.LocalEndpoint(), func(st backend.StreamState) {
		m.onStreamState(s, st)
	})
	s.SetStreamSubscription(sub)
	s.TransportFD = res.FD

	if err := s.TransitionTo(session.StateConfigured); err != nil {
		m.log.Error("[Protocol] unreachable state transition failure", "session", s.ID, "error", err)
	}

	resp := wire.SetConfigurationResponse{LinkMTU: uint16(res.OMTU)}
	_ = m.write(s, wire.TypeResponse, wire.NameSetConfiguration, resp.Encode())
}

func (m *Machine) onVoiceConfigureComplete(s *session.ClientSession, rid backend.RequestID, res backend.StreamResult) {
	if !s.Live() || s.Pending.Kind != session.PendingVoice || s.Pending.ReqID != rid {
		return
	}
	s.Pending = session.Pending{}

	if res.Err != nil {
		s.HandleStreamIdle()
		m.fail(s, wire.NameSetConfiguration, fail(errIO, "configure failed"))
		return
	}

	fd, err := m.voice.SCOFd(s.Device.Source)
	if err != nil {
		m.fail(s, wire.NameSetConfiguration, fail(errIO, err.Error()))
		return
	}
	s.TransportFD = fd

	if err := s.TransitionTo(session.StateConfigured); err != nil {
		m.log.Error("[Protocol] unreachable state transition failure", "session", s.ID, "error", err)
	}

	resp := wire.SetConfigurationResponse{LinkMTU: 48}
	_ = m.write(s, wire.TypeResponse, wire.NameSetConfiguration, resp.Encode())
}

// onStreamState reacts to a media stream transitioning to IDLE out from
// under the session (§4.4 state table, §8 scenario 5).
func (m *Machine) onStreamState(s *session.ClientSession, st backend.StreamState) {
	if !s.Live() {
		return
	}
	if st == backend.StreamStateIdle {
		s.HandleStreamIdle()
	}
}

// --- StartStream / StopStream -------------------------------------------

func (m *Machine) handleStartStream(s *session.ClientSession, _ []byte) {
	if s.State() != session.StateConfigured {
		m.fail(s, wire.NameStartStream, fail(errIO, "StartStream without a preceding SetConfiguration"))
		return
	}

	cb := func(rid backend.RequestID, res backend.StreamResult) { m.onResumeComplete(s, rid, res) }

	var reqID backend.RequestID
	var err error
	if s.Kind == backend.KindHeadset {
		reqID, err = m.voice.Resume(s.Device.Source, cb)
	} else {
		reqID, err = m.media.Resume(s.MediaSessionRef(), s.LocalEndpoint(), cb)
	}
	if err != nil {
		m.fail(s, wire.NameStartStream, fail(errIO, err.Error()))
		return
	}
	s.Pending = session.Pending{Kind: pendingKindFor(s.Kind), ReqID: reqID}
}

func (m *Machine) onResumeComplete(s *session.ClientSession, rid backend.RequestID, res backend.StreamResult) {
	if !s.Live() || s.Pending.Kind != pendingKindFor(s.Kind) || s.Pending.ReqID != rid {
		return
	}
	s.Pending = session.Pending{}

	if res.Err != nil {
		s.HandleStreamIdle()
		m.fail(s, wire.NameStartStream, fail(errIO, "resume failed"))
		return
	}

	if err := s.TransitionTo(session.StateStreaming); err != nil {
		m.log.Error("[Protocol] unreachable state transition failure", "session", s.ID, "error", err)
	}

	if err := m.write(s, wire.TypeResponse, wire.NameStartStream, nil); err != nil {
		return
	}
	if err := m.write(s, wire.TypeIndication, wire.NameNewStream, nil); err != nil {
		return
	}
	if err := fdchannel.Send(s.FD, s.TransportFD); err != nil {
		m.log.Warn("[Protocol] fd handoff failed", "session", s.ID, "error", err)
		m.fail(s, wire.NameStartStream, fail(errIO, "fd handoff failed"))
	}
}

func (m *Machine) handleStopStream(s *session.ClientSession, _ []byte) {
	if s.State() != session.StateStreaming {
		m.fail(s, wire.NameStopStream, fail(errIO, "StopStream without an active stream"))
		return
	}

	cb := func(rid backend.RequestID, res backend.StreamResult) { m.onSuspendComplete(s, rid, res) }

	var reqID backend.RequestID
	var err error
	if s.Kind == backend.KindHeadset {
		reqID, err = m.voice.Suspend(s.Device.Source, cb)
	} else {
		reqID, err = m.media.Suspend(s.MediaSessionRef(), s.LocalEndpoint(), cb)
	}
	if err != nil {
		m.fail(s, wire.NameStopStream, fail(errIO, err.Error()))
		return
	}
	s.Pending = session.Pending{Kind: pendingKindFor(s.Kind), ReqID: reqID}
}

func (m *Machine) onSuspendComplete(s *session.ClientSession, rid backend.RequestID, res backend.StreamResult) {
	if !s.Live() || s.Pending.Kind != pendingKindFor(s.Kind) || s.Pending.ReqID != rid {
		return
	}
	s.Pending = session.Pending{}

	if res.Err != nil {
		s.HandleStreamIdle()
		m.fail(s, wire.NameStopStream, fail(errIO, "suspend failed"))
		return
	}

	if err := s.TransitionTo(session.StateConfigured); err != nil {
		m.log.Error("[Protocol] unreachable state transition failure", "session", s.ID, "error", err)
	}
	_ = m.write(s, wire.TypeResponse, wire.NameStopStream, nil)
}

// --- Close / Control ------------------------------------------------------

func (m *Machine) handleClose(s *session.ClientSession, reply bool) {
	if s.State() == session.StateFresh {
		if reply {
			m.fail(s, wire.NameClose, fail(errIO, "Close with no device bound"))
		}
		return
	}
	s.Close()
	if reply {
		_ = m.write(s, wire.TypeResponse, wire.NameClose, nil)
	}
}

// handleControl is a reserved no-op (§9 open question, resolved): it
// always succeeds with an empty body and never touches session state.
func (m *Machine) handleControl(s *session.ClientSession, _ []byte) {
	_ = m.write(s, wire.TypeResponse, wire.NameControl, nil)
}
