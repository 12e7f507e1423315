// Package backend defines the contract surfaces for the two external,
// out-of-scope Bluetooth audio transports (MediaTransport, VoiceTransport)
// and the device registry collaborator, per spec §1 and §4.5, plus the
// uniform BackendAdapter verbs the protocol state machine drives them
// through.
package backend

import "fmt"

// ServiceKind is the variant of audio service a client session negotiates,
// per spec §3.
type ServiceKind byte

const (
	KindNone ServiceKind = iota
	KindHeadset
	KindSink
	KindSource
)

func (k ServiceKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindHeadset:
		return "headset"
	case KindSink:
		return "sink"
	case KindSource:
		return "source"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// RequestID correlates an async backend call with its eventual completion.
// Its value is whatever the backend collaborator chose when it accepted
// the call (§9, "model each asynchronous backend call as returning a
// handle tied to a logical request id").
type RequestID string

// SubscriptionID identifies a stream-state subscription (Media only).
type SubscriptionID string

// ErrorCategory is the backend's own classification of a failed async
// call. The gateway never interprets it beyond forwarding EIO to the
// client (§7); it is kept only for logging.
type ErrorCategory string

// AdapterError is the error shape every async backend completion can
// deliver in place of a success payload (§4.5).
type AdapterError struct {
	Category ErrorCategory
	Code     int
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("backend error [%s] code=%d", e.Category, e.Code)
}

// Device is what DeviceRegistry.Find resolves (§1, device registry
// contract: lookup by object-path, source/destination address, and
// interface).
type Device struct {
	Object      string
	Source      string
	Destination string

	// Connected indicates whether the device is presently connected; a
	// non-connected lookup is only honored when the client set
	// wire.FlagAutoconnect and the connected lookup failed (§4.4).
	Connected bool

	ActiveSink       bool
	ActiveHeadset    bool
	AvailableSink    bool
	AvailableHeadset bool

	// VoiceFeatures are feature flags for the synthesized voice endpoint
	// (§3): bit0 = noise reduction, bit1 = routing capability.
	VoiceFeatures byte
}

// InferServiceKind applies the inference order of spec §3: active media
// sink, then active headset, then available sink, then available headset.
func (d Device) InferServiceKind() ServiceKind {
	switch {
	case d.ActiveSink:
		return KindSink
	case d.ActiveHeadset:
		return KindHeadset
	case d.AvailableSink:
		return KindSink
	case d.AvailableHeadset:
		return KindHeadset
	default:
		return KindNone
	}
}

// DeviceRegistry is the out-of-scope lookup collaborator (§1).
type DeviceRegistry interface {
	Find(object, source, destination string, connected bool) (Device, bool)
}
