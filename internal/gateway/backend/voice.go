package backend

// VoiceTransport is the out-of-scope telephony-voice (SCO/HFP)
// collaborator (§1). The gateway only ever calls it through VoiceAdapter.
type VoiceTransport interface {
	Activate(device string) error
	Deactivate(device string)

	Lock(device string, mode byte) error // mode: wire.LockRead|wire.LockWrite bits
	Unlock(device string)

	Configure(device string, cb func(RequestID, StreamResult)) (RequestID, error)
	// Request is the voice path's resume verb (§4.5 names Media's
	// equivalent "resume"; the voice collaborator names it "request").
	Request(device string, cb func(RequestID, StreamResult)) (RequestID, error)
	Suspend(device string, cb func(RequestID, StreamResult)) (RequestID, error)
	Cancel(device string, reqID RequestID)

	SCOFd(device string) (int, error)
}

// VoiceAdapter is the BackendAdapter variant for the telephony-voice
// transport (§2 item 5, §4.5), exposing the same uniform verb set as
// MediaAdapter even though the voice path is device-scoped rather than
// session-scoped.
type VoiceAdapter struct {
	transport VoiceTransport
}

func NewVoiceAdapter(transport VoiceTransport) *VoiceAdapter {
	return &VoiceAdapter{transport: transport}
}

// Open activates the device and applies the session-level lock mode
// (§9: the Open path's lock field is what's honored, not a separate
// log-only parameter).
func (a *VoiceAdapter) Open(device string, lock byte) error {
	if err := a.transport.Activate(device); err != nil {
		return err
	}
	if err := a.transport.Lock(device, lock); err != nil {
		a.transport.Deactivate(device)
		return err
	}
	return nil
}

func (a *VoiceAdapter) Configure(device string, cb func(RequestID, StreamResult)) (RequestID, error) {
	return a.transport.Configure(device, cb)
}

func (a *VoiceAdapter) Resume(device string, cb func(RequestID, StreamResult)) (RequestID, error) {
	return a.transport.Request(device, cb)
}

func (a *VoiceAdapter) Suspend(device string, cb func(RequestID, StreamResult)) (RequestID, error) {
	return a.transport.Suspend(device, cb)
}

func (a *VoiceAdapter) Cancel(device string, reqID RequestID) {
	a.transport.Cancel(device, reqID)
}

func (a *VoiceAdapter) Close(device string) {
	a.transport.Unlock(device)
	a.transport.Deactivate(device)
}

func (a *VoiceAdapter) SCOFd(device string) (int, error) {
	return a.transport.SCOFd(device)
}
