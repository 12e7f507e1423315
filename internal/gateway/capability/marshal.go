package capability

import (
	"fmt"

	"github.com/sebas/btaudiogw/internal/gateway/wire"
)

// DefaultBufferSize is the default suggested response-buffer size (§4.6)
// for a GetCapabilities response. BudgetedBuilder takes its limit as an
// argument and does not read this constant.
const DefaultBufferSize = 1024

func packSBC(s SBC) []byte {
	b0 := (s.SamplingFrequency&0x0f)<<4 | (s.ChannelMode & 0x0f)
	b1 := (s.AllocationMethod&0x03)<<6 | (s.Subbands&0x03)<<4 | (s.BlockLength & 0x0f)
	return []byte{b0, b1, s.MinBitpool, s.MaxBitpool}
}

func unpackSBC(data []byte) (SBC, error) {
	if len(data) != 4 {
		return SBC{}, fmt.Errorf("capability: SBC payload is %d bytes, want 4", len(data))
	}
	return SBC{
		ChannelMode:       data[0] & 0x0f,
		SamplingFrequency: (data[0] >> 4) & 0x0f,
		AllocationMethod:  (data[1] >> 6) & 0x03,
		Subbands:          (data[1] >> 4) & 0x03,
		BlockLength:       data[1] & 0x0f,
		MinBitpool:        data[2],
		MaxBitpool:        data[3],
	}, nil
}

func packMPEG12(m MPEG12) []byte {
	b0 := (m.Layer&0x07)<<4 | (m.ChannelMode & 0x0f)
	var b1 byte
	if m.CRC {
		b1 |= 0x01
	}
	if m.MPF {
		b1 |= 0x02
	}
	b1 |= (m.Frequency & 0x3f) << 2
	return []byte{b0, b1, byte(m.Bitrate), byte(m.Bitrate >> 8)}
}

func unpackMPEG12(data []byte) (MPEG12, error) {
	if len(data) != 4 {
		return MPEG12{}, fmt.Errorf("capability: MPEG12 payload is %d bytes, want 4", len(data))
	}
	return MPEG12{
		ChannelMode: data[0] & 0x0f,
		Layer:       (data[0] >> 4) & 0x07,
		CRC:         data[1]&0x01 != 0,
		MPF:         data[1]&0x02 != 0,
		Frequency:   (data[1] >> 2) & 0x3f,
		Bitrate:     uint16(data[2]) | uint16(data[3])<<8,
	}, nil
}

// EncodeOutbound translates one endpoint→wire MediaCodec capability into
// the codec block to carry it, per §4.6 ("SBC and MPEG12 are translated
// field-by-field... unknown codec types are emitted as Opaque").
func EncodeOutbound(sc ServiceCapability, seid byte, transport byte, configured bool, lock byte) (wire.CodecBlock, error) {
	if sc.Category != CategoryMediaCodec {
		return wire.CodecBlock{}, fmt.Errorf("capability: EncodeOutbound requires a MediaCodec capability")
	}
	cb := wire.CodecBlock{SEID: seid, Transport: transport, Configured: configured, Lock: lock}
	switch sc.Codec.Kind {
	case CodecSBC:
		cb.Type = wire.CodecTypeSBC
		cb.Data = packSBC(sc.Codec.SBC)
	case CodecMPEG12:
		cb.Type = wire.CodecTypeMPEG12
		cb.Data = packMPEG12(sc.Codec.MPEG12)
	default:
		cb.Type = sc.Codec.OpaqueType
		cb.Data = sc.Codec.OpaqueData
	}
	return cb, nil
}

// DecodeInbound classifies a client-supplied codec block by its type tag
// and rebuilds the corresponding AVDTP media-codec capability. Any type
// other than SBC or MPEG12 is rejected (§4.6: "Any other type is rejected
// with INVALID").
func DecodeInbound(cb wire.CodecBlock) (ServiceCapability, error) {
	sc := ServiceCapability{Category: CategoryMediaCodec}
	switch cb.Type {
	case wire.CodecTypeSBC:
		sbc, err := unpackSBC(cb.Data)
		if err != nil {
			return ServiceCapability{}, err
		}
		sc.Codec = Codec{Kind: CodecSBC, SBC: sbc}
	case wire.CodecTypeMPEG12:
		m, err := unpackMPEG12(cb.Data)
		if err != nil {
			return ServiceCapability{}, err
		}
		sc.Codec = Codec{Kind: CodecMPEG12, MPEG12: m}
	default:
		return ServiceCapability{}, fmt.Errorf("capability: unsupported codec type 0x%02x", cb.Type)
	}
	return sc, nil
}

// ErrNoSpace is returned by AppendBlock when adding another block would
// overrun the response buffer budget (§4.6, §7 OOS).
var ErrNoSpace = fmt.Errorf("capability: response buffer exhausted")

// BudgetedBuilder accumulates codec blocks for a GetCapabilities response
// up to a fixed buffer budget, truncating (rather than failing outright)
// once the budget is exhausted, per §4.6's space-budgeting rule.
type BudgetedBuilder struct {
	limit int
	used  int
	Fixed int // bytes already committed to the fixed header portion
	Blocks []wire.CodecBlock
}

func NewBudgetedBuilder(limit, fixedHeaderLen int) *BudgetedBuilder {
	return &BudgetedBuilder{limit: limit, used: fixedHeaderLen, Fixed: fixedHeaderLen}
}

// Append adds a block if it fits within budget. It returns ErrNoSpace
// (without modifying the builder) once the block would overrun; the
// caller should stop walking further endpoints and emit what has been
// accumulated so far, as-is.
func (b *BudgetedBuilder) Append(block wire.CodecBlock) error {
	n := block.WireLen()
	if b.used+n > b.limit {
		return ErrNoSpace
	}
	b.Blocks = append(b.Blocks, block)
	b.used += n
	return nil
}
