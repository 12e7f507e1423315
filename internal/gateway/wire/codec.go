package wire

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxMessage bounds a single recv; real clients never send a control
// message anywhere near this size, it exists to cap allocation.
const MaxMessage = 4096

// Codec reads and writes whole messages on a client's raw socket fd. Each
// ReadMessage call issues exactly one unix.Read, mirroring the real
// protocol's "one message per recv" framing: a client that splits a
// message across two writes, or coalesces two messages into one, is a
// fatal protocol error for that session (§4.1).
type Codec struct{}

// ReadMessage reads and validates one message. The returned body excludes
// the 4-byte header.
func (Codec) ReadMessage(fd int) (Header, []byte, error) {
	buf := make([]byte, MaxMessage)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return Header{}, nil, err
	}
	if n == 0 {
		return Header{}, nil, fmt.Errorf("wire: recv returned 0 bytes")
	}
	hdr, err := ParseHeader(buf[:n])
	if err != nil {
		return Header{}, nil, err
	}
	if int(hdr.Length) != n {
		return Header{}, nil, ErrLengthMismatch
	}
	body := append([]byte(nil), buf[headerLen:n]...)
	return hdr, body, nil
}

// WriteMessage sends one complete message in a single unix.Write.
func (Codec) WriteMessage(fd int, typ, name byte, body []byte) error {
	total := headerLen + len(body)
	if total > MaxMessage {
		return fmt.Errorf("wire: outgoing message of %d bytes exceeds %d", total, MaxMessage)
	}
	buf := make([]byte, total)
	Header{Type: typ, Name: name, Length: uint16(total)}.Put(buf)
	copy(buf[headerLen:], body)
	_, err := unix.Write(fd, buf)
	return err
}

// WriteError sends an ERROR message for the given request name.
func (c Codec) WriteError(fd int, name byte, errno uint32) error {
	return c.WriteMessage(fd, TypeError, name, ErrorBody{Errno: errno}.Encode())
}
