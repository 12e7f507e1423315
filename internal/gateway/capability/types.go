// Package capability implements the CapabilityMarshaller (spec §4.6): the
// translation between the external transport's AVDTP service-capability
// representation and the on-wire codec block format of §6.1.
package capability

// Category distinguishes the two AVDTP service capability categories this
// gateway cares about (§4.6). A real AVDTP capability list carries others
// (reporting, delay-reporting, ...) but they never reach the wire.
type Category byte

const (
	CategoryMediaTransport Category = iota
	CategoryMediaCodec
)

// CodecKind is the variant of codec a MediaCodec capability carries (§3).
type CodecKind byte

const (
	CodecSBC CodecKind = iota
	CodecMPEG12
	CodecOpaque
)

// SBC carries the SBC codec capability fields of spec §3. Bitmask fields
// follow A2DP's convention: each set bit names one acceptable value, and a
// codec configuration (as opposed to a capability) has exactly one bit set
// per bitmask field.
type SBC struct {
	ChannelMode       byte // bitmask
	SamplingFrequency byte // bitmask
	AllocationMethod  byte
	Subbands          byte // bitmask
	BlockLength       byte // bitmask
	MinBitpool        byte // [2,250]
	MaxBitpool        byte // [2,250], >= MinBitpool
}

// Valid reports whether the bitpool range is sane per spec §3.
func (s SBC) Valid() bool {
	return s.MinBitpool >= 2 && s.MaxBitpool <= 250 && s.MinBitpool <= s.MaxBitpool
}

// MPEG12 carries the MPEG-1/2 Layer 1-3 codec capability fields of §3.
type MPEG12 struct {
	ChannelMode byte
	CRC         bool
	Layer       byte // bitmask: bit0=1, bit1=2, bit2=3
	Frequency   byte // bitmask
	MPF         bool
	Bitrate     uint16 // bitmask
}

// Codec is a tagged union over the three codec kinds §3 defines.
type Codec struct {
	Kind   CodecKind
	SBC    SBC
	MPEG12 MPEG12

	// OpaqueType/OpaqueData hold an unrecognized codec verbatim, per §4.6
	// ("unknown codec types are emitted as Opaque with the raw payload").
	OpaqueType byte
	OpaqueData []byte
}

// MediaType is always audio for this gateway's endpoints (§4.6).
const MediaTypeAudio byte = 0

// ServiceCapability is one entry of an AVDTP endpoint's capability list,
// the external collaborator's representation that this package translates
// to and from the wire (§4.6).
type ServiceCapability struct {
	Category Category
	Codec    Codec // only meaningful when Category == CategoryMediaCodec
}

// RemoteEndpoint is a peer endpoint discovered during AVDTP discovery
// (§4.5), carrying whatever capabilities it advertised.
type RemoteEndpoint struct {
	SEID         byte
	Capabilities []ServiceCapability

	// Configured reports whether this endpoint already has an active
	// stream (§4.4: "For each endpoint determine configured").
	Configured bool
}

// MediaCodecCapabilities filters a RemoteEndpoint's list down to the
// MediaCodec entries, since that's the only category this gateway ever
// surfaces to a client (§4.4, "walk every remote endpoint that advertises
// a media-codec capability").
func (r RemoteEndpoint) MediaCodecCapabilities() []ServiceCapability {
	var out []ServiceCapability
	for _, c := range r.Capabilities {
		if c.Category == CategoryMediaCodec {
			out = append(out, c)
		}
	}
	return out
}
