// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"runtime"
	"strconv"
	"testing"

	"github.com/schultz-is/rcon-session"
)

func TestPacketBinaryFormatting(t *testing.T) {
	ps := []rcon.Packet{
		{}, // Empty packet
		{1, rcon.PacketTypeAuth, []byte("password")},                       // Example authorization request
		{2, rcon.PacketTypeAuthResponse, nil},                              // Example successful authorization response
		{-1, rcon.PacketTypeAuthResponse, nil},                             // Example unsuccessful authorization response
		{3, rcon.PacketTypeExecCommand, []byte("info")},                    // Example command request
		{4, rcon.PacketTypeResponseValue, []byte("server info goes here")}, // Example command response
		{math.MinInt32, math.MaxInt32, bytes.Repeat([]byte{0}, 64)},        // Embedded null bytes, non-standard type field
		{math.MaxInt32, -7, make([]byte, 64*1024)},                         // Larger than the Source limit, which is not enforced
	}

	for _, p := range ps {
		b, err := p.MarshalBinary()
		if err != nil {
			t.Fatalf("Packet[%d].MarshalBinary() failed unexpectedly: %s", p.ID, err)
		}
		if len(b) != 4+int(p.Size()) || p.Size() != int32(len(p.Body)+rcon.WrapperSize) {
			t.Fatalf("Packet[%d].MarshalBinary() produced %d bytes for size %d", p.ID, len(b), p.Size())
		}

		var buf bytes.Buffer
		n, err := p.WriteTo(&buf)
		if err != nil {
			t.Fatalf("Packet[%d].WriteTo() failed unexpectedly: %s", p.ID, err)
		}
		if !bytes.Equal(b, buf.Bytes()) {
			t.Fatalf("Packet[%d].WriteTo() differs from MarshalBinary()", p.ID)
		}

		var p2 rcon.Packet
		err = p2.UnmarshalBinary(b)
		if err != nil {
			t.Fatalf("Packet.UnmarshalBinary(%d bytes) failed unexpectedly: %s", len(b), err)
		}

		var p3 rcon.Packet
		n3, err := p3.ReadFrom(&buf)
		if err != nil {
			t.Fatalf("Packet.ReadFrom(%d bytes) failed unexpectedly: %s", len(b), err)
		}

		if !p.EqualTo(p2) {
			t.Fatalf("Packet[%d] did not survive MarshalBinary and UnmarshalBinary, got ID %d type %d body length %d", p.ID, p2.ID, p2.Type, len(p2.Body))
		}
		if n != n3 || !p.EqualTo(p3) {
			t.Fatalf("Packet[%d] did not survive WriteTo and ReadFrom, wrote %d read %d", p.ID, n, n3)
		}
	}
}

func TestPacketWireLayout(t *testing.T) {
	p := rcon.Packet{ID: 0x01020304, Type: rcon.PacketTypeAuth, Body: []byte("pw")}
	b, err := p.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	want := "0c000000" + "04030201" + "03000000" + hex.EncodeToString([]byte("pw")) + "0000"
	if got := hex.EncodeToString(b); got != want {
		t.Fatalf("Wire layout mismatch, got: %s, want: %s", got, want)
	}
}

func TestPacketDecodeFailures(t *testing.T) {
	bss := map[string]string{
		"empty stream":               "",
		"partial length":             "0a00",
		"header only partially sent": "0a00000011111111",
		"negative body length":       "d6ffffff1111111122222222",
		"minimum int32 body length":  "000000801111111122222222",
		"body length below wrapper":  "090000001111111122222222",
		"body shorter than declared": "0e0000001111111122222222aa",
		"missing terminator":         "0a0000001111111122222222",
		"half a terminator":          "0a000000111111112222222200",
	}

	for name, bs := range bss {
		t.Run(
			name,
			func(t *testing.T) {
				b, err := hex.DecodeString(bs)
				if err != nil {
					t.Fatalf("invalid hex string in test table: %s, %s", bs, err)
				}

				p := rcon.Packet{ID: 99, Body: []byte("untouched")}
				_, err = p.ReadFrom(bytes.NewReader(b))
				if !errors.Is(err, rcon.ErrMalformedFrame) {
					t.Fatalf("Packet.ReadFrom(%s) returned %v, want a malformed frame error", bs, err)
				}
				if p.ID != 99 || string(p.Body) != "untouched" {
					t.Fatalf("Packet.ReadFrom(%s) modified the receiver on failure: %#v", bs, p)
				}
			},
		)
	}
}

func TestPacketTerminatorNotValidated(t *testing.T) {
	b, err := hex.DecodeString("0e0000002a00000000000000696e666fffee")
	if err != nil {
		t.Fatal(err)
	}

	var p rcon.Packet
	if err := p.UnmarshalBinary(b); err != nil {
		t.Fatalf("Packet.UnmarshalBinary() rejected non-zero terminator bytes: %s", err)
	}
	if p.ID != 42 || string(p.Body) != "info" {
		t.Fatalf("Unexpected decoded packet: %#v", p)
	}
}

func TestPacketUnmarshalTrailingBytes(t *testing.T) {
	b, err := hex.DecodeString("0a0000001111111122222222000033")
	if err != nil {
		t.Fatal(err)
	}

	var p rcon.Packet
	err = p.UnmarshalBinary(b)
	if !errors.Is(err, rcon.ErrMalformedFrame) {
		t.Fatalf("Packet.UnmarshalBinary() with trailing bytes returned %v", err)
	}
}

func TestReadPacketLimit(t *testing.T) {
	p := rcon.Packet{ID: 1, Body: make([]byte, 100)}
	b, err := p.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := rcon.ReadPacket(bytes.NewReader(b), p.Size()); err != nil {
		t.Fatalf("ReadPacket() at exactly the limit failed: %s", err)
	}

	_, err = rcon.ReadPacket(bytes.NewReader(b), p.Size()-1)
	if !errors.Is(err, rcon.ErrMalformedFrame) {
		t.Fatalf("ReadPacket() above the limit returned %v", err)
	}
}

func TestReadPacketHugeDeclaredLength(t *testing.T) {
	b, _ := hex.DecodeString("ffffff7f0100000000000000616263")

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err := rcon.ReadPacket(bytes.NewReader(b), 0)
	runtime.ReadMemStats(&after)

	if !errors.Is(err, rcon.ErrMalformedFrame) {
		t.Fatalf("ReadPacket() of a truncated huge frame returned %v", err)
	}
	if allocated := after.TotalAlloc - before.TotalAlloc; allocated > 1<<20 {
		t.Fatalf("ReadPacket() allocated %d bytes for a 3 byte body", allocated)
	}
}

func TestPacketReadFromCount(t *testing.T) {
	tests := []struct {
		name string
		hex  string
		want int64
	}{
		{"short header", "0e0000000100", 6},
		{"negative length", "f6ffffff0100000002000000", 12},
		{"short body", "0e00000001000000020000006162", 14},
		{"short terminator", "0e000000010000000200000061626364", 16},
		{"complete", "0e0000000100000002000000616263640000", 18},
	}
	for _, tc := range tests {
		t.Run(
			tc.name,
			func(t *testing.T) {
				b, _ := hex.DecodeString(tc.hex)
				var p rcon.Packet
				n, _ := p.ReadFrom(bytes.NewReader(b))
				if n != tc.want {
					t.Fatalf("Packet.ReadFrom(%s) reported %d bytes, want %d", tc.hex, n, tc.want)
				}
			},
		)
	}
}

func TestReadPacketTransportFailure(t *testing.T) {
	_, err := rcon.ReadPacket(failingReader{}, 0)
	if !errors.Is(err, rcon.ErrTransport) {
		t.Fatalf("ReadPacket() from a failing reader returned %v, want a transport error", err)
	}
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("ReadPacket() did not preserve the reader's error: %v", err)
	}
}

func TestReadPacketSequential(t *testing.T) {
	var buf bytes.Buffer
	for i := int32(0); i < 3; i++ {
		p := rcon.Packet{ID: i, Type: rcon.PacketTypeResponseValue, Body: []byte(strconv.Itoa(int(i)))}
		if _, err := p.WriteTo(&buf); err != nil {
			t.Fatal(err)
		}
	}

	for i := int32(0); i < 3; i++ {
		p, err := rcon.ReadPacket(&buf, 0)
		if err != nil {
			t.Fatalf("ReadPacket() #%d failed: %s", i, err)
		}
		if p.ID != i || string(p.Body) != strconv.Itoa(int(i)) {
			t.Fatalf("ReadPacket() #%d got %#v", i, p)
		}
	}

	if _, err := rcon.ReadPacket(&buf, 0); !errors.Is(err, rcon.ErrMalformedFrame) {
		t.Fatalf("ReadPacket() on an exhausted stream returned %v", err)
	}
}

func TestPacketEqualTo(t *testing.T) {
	p := rcon.Packet{}
	if !p.EqualTo(p) {
		t.Fatalf("Packet[%#v].EqualTo(%#v) returned false when comparing a packet to itself", p, p)
	}

	p = rcon.Packet{
		ID:   12345,
		Type: rcon.PacketTypeResponseValue,
		Body: []byte("some command response value goes here..."),
	}
	if !p.EqualTo(p) {
		t.Fatalf("Packet[%#v].EqualTo(%#v) returned false when comparing a packet to itself", p, p)
	}

	p2 := p.Clone()
	if !p.EqualTo(p2) {
		t.Fatalf("Packet[%#v].EqualTo(%#v) returned false when comparing a packet to a clone of itself", p, p2)
	}
	p2.Body[0] = 'S'
	if p.Body[0] == 'S' {
		t.Fatal("Packet.Clone() shares its body with the original")
	}
	p2.Body[0] = p.Body[0]

	p2.ID = p.ID - 1
	if p.EqualTo(p2) {
		t.Fatalf("Packet[%#v].EqualTo(%#v) incorrectly returned true for different IDs", p, p2)
	}

	p2.ID = p.ID
	p2.Type = p.Type + 1
	if p.EqualTo(p2) {
		t.Fatalf("Packet[%#v].EqualTo(%#v) incorrectly returned true for different types", p, p2)
	}

	p2.Type = p.Type
	p2.Body = append(p2.Body, 'X')
	if p.EqualTo(p2) {
		t.Fatalf("Packet[%#v].EqualTo(%#v) incorrectly returned true for different bodies", p, p2)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func BenchmarkMarshalBinary(b *testing.B) {
	bodySizes := []int{0, 5, 25, 125, 500, 2000, 4086, 65536}

	for _, bodySize := range bodySizes {
		b.Run(
			strconv.Itoa(bodySize),
			func(b *testing.B) {
				for n := 0; n < b.N; n++ {
					p := rcon.Packet{
						Body: make([]byte, bodySize),
					}
					bs, err := p.MarshalBinary()
					if err != nil {
						b.Fatal(err)
					}
					b.SetBytes(int64(len(bs)))
				}
			},
		)
	}
}
