// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// WrapperSize is the cumulative size of non-body bytes that contribute to the body length that
// precedes a binary packet. Eight bytes are accounted for by the packet ID and type, while two bytes
// are accounted for by the terminator. The length field itself is not included.
const WrapperSize = 4 + 4 + 2

// HeaderSize is the number of bytes read as a unit at the start of every frame: the body length,
// the packet ID, and the packet type.
const HeaderSize = 4 + 4 + 4

const (
	// PacketTypeAuth represents a client authorization request packet. Its body carries the server
	// password.
	PacketTypeAuth = 3

	// PacketTypeAuthResponse represents a server authorization response packet. If authorization
	// failed, the packet ID will be -1 rather than that of the matching request.
	PacketTypeAuthResponse = 2

	// PacketTypeExecCommand represents a client request packet that contains a command to be
	// executed by the server.
	PacketTypeExecCommand = 2

	// PacketTypeResponseValue represents a server response packet. Servers also use it for the empty
	// acknowledgment that precedes an authorization response.
	PacketTypeResponseValue = 0
)

// Packet is a singular RCON protocol packet, either as a request from a client or a response from
// a server.
type Packet struct {
	// ID is chosen by the client and echoed by the server in replies. A reply to an authorization
	// request carries -1 here when the password was rejected.
	ID int32

	// Type indicates the purpose of the packet. Received types are not interpreted by the codec.
	Type int32

	// Body is the payload: the password, the command, or the server's reply. It may be empty.
	Body []byte
}

// Size returns the body length field that prefixes the packet on the wire.
func (p Packet) Size() int32 {
	return int32(len(p.Body) + WrapperSize)
}

// MarshalBinary encodes the receiving [Packet] into binary form and returns the result. This
// satisfies the [encoding.BinaryMarshaler] interface. No protocol size limit is applied; enforcing
// one is up to the caller.
func (p Packet) MarshalBinary() ([]byte, error) {
	if len(p.Body) > math.MaxInt32-WrapperSize {
		return nil, configError("encode", "packet body of %d bytes overflows the length field", len(p.Body))
	}

	b := make([]byte, 4+int(p.Size()))
	binary.LittleEndian.PutUint32(b[0:], uint32(p.Size()))
	binary.LittleEndian.PutUint32(b[4:], uint32(p.ID))
	binary.LittleEndian.PutUint32(b[8:], uint32(p.Type))
	copy(b[HeaderSize:], p.Body)
	// The two terminator bytes are already zero.

	return b, nil
}

// WriteTo writes a binary representation of the packet to [io.Writer] w. This method satisfies the
// [io.WriterTo] interface. Write failures are reported as [KindTransport] errors.
func (p Packet) WriteTo(w io.Writer) (int64, error) {
	bs, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(bs)
	if err != nil {
		return int64(n), newError(KindTransport, "write", err)
	}
	return int64(n), nil
}

// UnmarshalBinary decodes exactly one binary encoded packet b into the receiving [Packet]. This
// satisfies the [encoding.BinaryUnmarshaler] interface. Bytes left over after the frame are
// reported as a [KindMalformedFrame] error.
func (p *Packet) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	decoded, err := ReadPacket(r, 0)
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return newError(KindMalformedFrame, "decode", errors.Errorf("%d trailing bytes after frame", r.Len()))
	}
	*p = decoded
	return nil
}

// ReadFrom reads a binary representation of a packet into the receiving [Packet] instance. This
// method satisfies the [io.ReaderFrom] interface. The receiver is left untouched on failure, but the
// returned count still reports the bytes consumed from r.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	decoded, n, err := readPacket(r, 0)
	if err != nil {
		return n, err
	}
	*p = decoded
	return n, nil
}

// ReadPacket reads a single frame from r. When maxBodyLength is greater than zero, frames declaring
// a larger body length are rejected before their payload is read.
//
// A stream that ends before the frame is complete, or a frame whose declared length leaves no room
// for the ID, type and terminator, yields a [KindMalformedFrame] error. Any other read failure is a
// [KindTransport] error. The two terminator bytes are consumed but their values are not checked.
func ReadPacket(r io.Reader, maxBodyLength int32) (Packet, error) {
	p, _, err := readPacket(r, maxBodyLength)
	return p, err
}

// bodyChunkSize caps how much of a declared body is allocated before its bytes arrive.
const bodyChunkSize = 64 * 1024

// readPacket is [ReadPacket] that also reports how many bytes it consumed from r.
func readPacket(r io.Reader, maxBodyLength int32) (Packet, int64, error) {
	var header [HeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	read := int64(n)
	if err != nil {
		return Packet{}, read, readError("reading header", err)
	}

	bodyLength := int32(binary.LittleEndian.Uint32(header[0:]))
	if bodyLength < WrapperSize {
		return Packet{}, read, newError(KindMalformedFrame, "decode", errors.Errorf("body length %d is smaller than %d", bodyLength, WrapperSize))
	}
	if maxBodyLength > 0 && bodyLength > maxBodyLength {
		return Packet{}, read, newError(KindMalformedFrame, "decode", errors.Errorf("body length %d exceeds limit of %d", bodyLength, maxBodyLength))
	}

	// The buffer grows with the bytes actually received, so a bogus length cannot force a large
	// allocation up front.
	size := int64(bodyLength - WrapperSize)
	var buf bytes.Buffer
	buf.Grow(int(min(size, bodyChunkSize)))
	copied, err := io.CopyN(&buf, r, size)
	read += copied
	if err != nil {
		return Packet{}, read, readError("reading body", err)
	}
	body := buf.Bytes()
	if body == nil {
		body = []byte{}
	}

	var terminator [2]byte
	n, err = io.ReadFull(r, terminator[:])
	read += int64(n)
	if err != nil {
		return Packet{}, read, readError("reading terminator", err)
	}

	return Packet{
		ID:   int32(binary.LittleEndian.Uint32(header[4:])),
		Type: int32(binary.LittleEndian.Uint32(header[8:])),
		Body: body,
	}, read, nil
}

// readError classifies a failed read: running out of stream is a framing problem, anything else
// belongs to the transport.
func readError(stage string, err error) *Error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return newError(KindMalformedFrame, "decode", errors.Wrap(err, stage))
	}
	return newError(KindTransport, "read", errors.Wrap(err, stage))
}

// EqualTo determines if the provided Packet content matches the receiving Packet content. A nil
// body and an empty body are considered equal.
func (p Packet) EqualTo(p2 Packet) bool {
	switch {
	case p.ID != p2.ID:
		return false
	case p.Type != p2.Type:
		return false
	case !bytes.Equal(p.Body, p2.Body):
		return false
	}
	return true
}

// Clone returns a deep copy of the receiving Packet.
func (p Packet) Clone() Packet {
	c := p
	if p.Body != nil {
		c.Body = bytes.Clone(p.Body)
	}
	return c
}
