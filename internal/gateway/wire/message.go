// Package wire implements the fixed-layout control protocol spoken on the
// audio gateway's rendezvous socket: a 4-byte header (type, name, length)
// followed by a message-specific, host-native-packed body.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Message type, carried in every header's first byte.
const (
	TypeRequest    byte = 0
	TypeResponse   byte = 1
	TypeIndication byte = 2
	TypeError      byte = 3
)

// Message name, carried in every header's second byte.
const (
	NameGetCapabilities byte = iota
	NameOpen
	NameSetConfiguration
	NameStartStream
	NameStopStream
	NameClose
	NameControl
	NameNewStream
)

func NameString(name byte) string {
	switch name {
	case NameGetCapabilities:
		return "GetCapabilities"
	case NameOpen:
		return "Open"
	case NameSetConfiguration:
		return "SetConfiguration"
	case NameStartStream:
		return "StartStream"
	case NameStopStream:
		return "StopStream"
	case NameClose:
		return "Close"
	case NameControl:
		return "Control"
	case NameNewStream:
		return "NewStream"
	default:
		return fmt.Sprintf("Unknown(%d)", name)
	}
}

// Transport hint carried on GetCapabilities/Open requests and codec blocks.
const (
	TransportSCO  byte = 0
	TransportA2DP byte = 1
)

// GetCapabilities request flag bits.
const (
	FlagAutoconnect byte = 1 << 0
)

// Codec block lock bits.
const (
	LockRead  byte = 1 << 0
	LockWrite byte = 1 << 1
)

// Codec block type tag. Any value other than SBC/MPEG12 is carried as an
// opaque, uninterpreted payload. CodecTypePCM tags the synthesized voice
// pseudo-endpoint's fixed "8kHz PCM, mono" capability (§3). Inbound, the
// voice path's SetConfiguration does not inspect the block type, while the
// media path rejects PCM like any other type that is not SBC or MPEG12.
const (
	CodecTypeSBC    byte = 0x00
	CodecTypeMPEG12 byte = 0x01
	CodecTypePCM    byte = 0x02
)

const (
	sourceLen      = 18
	destinationLen = 18
	objectLen      = 128
	headerLen      = 4
	codecBlockHdr  = 6 // length, type, seid, transport, configured, lock
)

// AddressBlockLen is the size of the source+destination+object fixed
// fields shared by every addressed request/response, for callers sizing
// a capability response buffer budget.
const AddressBlockLen = sourceLen + destinationLen + objectLen

// ErrNotTerminated is returned when a fixed string field has no NUL byte
// within its buffer.
var ErrNotTerminated = errors.New("wire: string field not NUL-terminated")

// ErrLengthMismatch is a fatal protocol error: the header's declared length
// did not match the number of bytes delivered by the single recv that
// carried this message.
var ErrLengthMismatch = errors.New("wire: header length does not match received byte count")

// Header is the 4 bytes that prefix every message.
type Header struct {
	Type   byte
	Name   byte
	Length uint16 // total bytes including this header
}

func (h Header) Put(buf []byte) {
	buf[0] = h.Type
	buf[1] = h.Name
	binary.NativeEndian.PutUint16(buf[2:4], h.Length)
}

func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, fmt.Errorf("wire: short header (%d bytes)", len(buf))
	}
	return Header{
		Type:   buf[0],
		Name:   buf[1],
		Length: binary.NativeEndian.Uint16(buf[2:4]),
	}, nil
}

func putString(buf []byte, s string) error {
	if len(s) >= len(buf) {
		return fmt.Errorf("wire: string %q too long for %d-byte field", s, len(buf))
	}
	for i := range buf {
		buf[i] = 0
	}
	copy(buf, s)
	return nil
}

func getString(buf []byte) (string, error) {
	idx := bytes.IndexByte(buf, 0)
	if idx < 0 {
		return "", ErrNotTerminated
	}
	return string(buf[:idx]), nil
}

// CodecBlock is the on-wire representation of one endpoint's negotiated or
// advertised codec capability, per spec §6.1.
type CodecBlock struct {
	Type       byte
	SEID       byte // 6-bit SEID, top two bits always zero on the wire
	Transport  byte
	Configured bool
	Lock       byte
	Data       []byte
}

// WireLen returns the number of bytes this block occupies on the wire.
func (c CodecBlock) WireLen() int {
	return codecBlockHdr + len(c.Data)
}

func (c CodecBlock) encode(buf *bytes.Buffer) {
	total := c.WireLen()
	buf.WriteByte(byte(total))
	buf.WriteByte(c.Type)
	buf.WriteByte(c.SEID & 0x3f)
	buf.WriteByte(c.Transport)
	if c.Configured {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.WriteByte(c.Lock)
	buf.Write(c.Data)
}

func decodeCodecBlock(buf []byte) (CodecBlock, int, error) {
	if len(buf) < codecBlockHdr {
		return CodecBlock{}, 0, fmt.Errorf("wire: truncated codec block header")
	}
	total := int(buf[0])
	if total < codecBlockHdr || total > len(buf) {
		return CodecBlock{}, 0, fmt.Errorf("wire: codec block length %d out of range", total)
	}
	cb := CodecBlock{
		Type:       buf[1],
		SEID:       buf[2] & 0x3f,
		Transport:  buf[3],
		Configured: buf[4] != 0,
		Lock:       buf[5],
	}
	data := buf[codecBlockHdr:total]
	cb.Data = append([]byte(nil), data...)
	return cb, total, nil
}

// DecodeCodecBlockList decodes a back-to-back run of codec blocks filling
// the rest of a message body.
func DecodeCodecBlockList(buf []byte) ([]CodecBlock, error) {
	var out []CodecBlock
	for len(buf) > 0 {
		cb, n, err := decodeCodecBlock(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
		buf = buf[n:]
	}
	return out, nil
}

func encodeCodecBlockList(buf *bytes.Buffer, blocks []CodecBlock) {
	for _, cb := range blocks {
		cb.encode(buf)
	}
}

// GetCapabilitiesRequest is the body of a GetCapabilities REQUEST.
type GetCapabilitiesRequest struct {
	Source      string
	Destination string
	Object      string
	Transport   byte
	Flags       byte
	SEID        byte
}

func DecodeGetCapabilitiesRequest(body []byte) (GetCapabilitiesRequest, error) {
	want := sourceLen + destinationLen + objectLen + 3
	if len(body) != want {
		return GetCapabilitiesRequest{}, fmt.Errorf("wire: GetCapabilities body is %d bytes, want %d", len(body), want)
	}
	var req GetCapabilitiesRequest
	off := 0
	src, err := getString(body[off : off+sourceLen])
	if err != nil {
		return GetCapabilitiesRequest{}, err
	}
	req.Source = src
	off += sourceLen
	dst, err := getString(body[off : off+destinationLen])
	if err != nil {
		return GetCapabilitiesRequest{}, err
	}
	req.Destination = dst
	off += destinationLen
	obj, err := getString(body[off : off+objectLen])
	if err != nil {
		return GetCapabilitiesRequest{}, err
	}
	req.Object = obj
	off += objectLen
	req.Transport = body[off]
	req.Flags = body[off+1]
	req.SEID = body[off+2]
	return req, nil
}

// GetCapabilitiesResponse is the body of a GetCapabilities RESPONSE.
type GetCapabilitiesResponse struct {
	Source      string
	Destination string
	Object      string
	Codecs      []CodecBlock
}

func (r GetCapabilitiesResponse) Encode() ([]byte, error) {
	var buf bytes.Buffer
	var fixed [sourceLen + destinationLen + objectLen]byte
	if err := putString(fixed[0:sourceLen], r.Source); err != nil {
		return nil, err
	}
	if err := putString(fixed[sourceLen:sourceLen+destinationLen], r.Destination); err != nil {
		return nil, err
	}
	if err := putString(fixed[sourceLen+destinationLen:], r.Object); err != nil {
		return nil, err
	}
	buf.Write(fixed[:])
	encodeCodecBlockList(&buf, r.Codecs)
	return buf.Bytes(), nil
}

// OpenRequest is the body of an Open REQUEST.
type OpenRequest struct {
	Source      string
	Destination string
	Object      string
	SEID        byte
	Lock        byte
}

func DecodeOpenRequest(body []byte) (OpenRequest, error) {
	want := sourceLen + destinationLen + objectLen + 2
	if len(body) != want {
		return OpenRequest{}, fmt.Errorf("wire: Open body is %d bytes, want %d", len(body), want)
	}
	var req OpenRequest
	off := 0
	src, err := getString(body[off : off+sourceLen])
	if err != nil {
		return OpenRequest{}, err
	}
	req.Source = src
	off += sourceLen
	dst, err := getString(body[off : off+destinationLen])
	if err != nil {
		return OpenRequest{}, err
	}
	req.Destination = dst
	off += destinationLen
	obj, err := getString(body[off : off+objectLen])
	if err != nil {
		return OpenRequest{}, err
	}
	req.Object = obj
	off += objectLen
	req.SEID = body[off]
	req.Lock = body[off+1]
	return req, nil
}

// OpenResponse echoes the addressing fields of the request.
type OpenResponse struct {
	Source      string
	Destination string
	Object      string
}

func (r OpenResponse) Encode() ([]byte, error) {
	var buf [sourceLen + destinationLen + objectLen]byte
	if err := putString(buf[0:sourceLen], r.Source); err != nil {
		return nil, err
	}
	if err := putString(buf[sourceLen:sourceLen+destinationLen], r.Destination); err != nil {
		return nil, err
	}
	if err := putString(buf[sourceLen+destinationLen:], r.Object); err != nil {
		return nil, err
	}
	return buf[:], nil
}

// SetConfigurationRequest carries one embedded codec block.
type SetConfigurationRequest struct {
	Codec CodecBlock
}

func DecodeSetConfigurationRequest(body []byte) (SetConfigurationRequest, error) {
	cb, n, err := decodeCodecBlock(body)
	if err != nil {
		return SetConfigurationRequest{}, err
	}
	if n != len(body) {
		return SetConfigurationRequest{}, fmt.Errorf("wire: SetConfiguration body has %d trailing bytes", len(body)-n)
	}
	return SetConfigurationRequest{Codec: cb}, nil
}

// SetConfigurationResponse carries the negotiated outbound link MTU.
type SetConfigurationResponse struct {
	LinkMTU uint16
}

func (r SetConfigurationResponse) Encode() []byte {
	var buf [2]byte
	binary.NativeEndian.PutUint16(buf[:], r.LinkMTU)
	return buf[:]
}

// ErrorBody is the body of every ERROR message: a posix errno. The failed
// request's name is already carried in the message header, not repeated
// here.
type ErrorBody struct {
	Errno uint32
}

func (e ErrorBody) Encode() []byte {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], e.Errno)
	return buf[:]
}
