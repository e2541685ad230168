// Package protocol implements the wire framing shared by every client and
// server connection: a fixed 16-byte header followed by an optional payload.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// HeaderSize is the fixed size, in bytes, of every packet header.
const HeaderSize = 16

// Packet type values (client→server and server→client), per the wire table.
const (
	TypeLogin    byte = 1
	TypeUsers    byte = 2
	TypeInvite   byte = 3
	TypeRevoke   byte = 4
	TypeAccept   byte = 5
	TypeDecline  byte = 6
	TypeMove     byte = 7
	TypeResign   byte = 8
	TypeAck      byte = 9
	TypeNack     byte = 10
	TypeInvited  byte = 11
	TypeRevoked  byte = 12
	TypeAccepted byte = 13
	TypeDeclined byte = 14
	TypeMoved    byte = 15
	TypeResigned byte = 16
	TypeEnded    byte = 17
)

// Role identifies which side of a game a participant plays.
type Role byte

const (
	RoleNone   Role = 0
	RoleFirst  Role = 1
	RoleSecond Role = 2
)

// Other returns the opposing role. RoleNone maps to itself.
func (r Role) Other() Role {
	switch r {
	case RoleFirst:
		return RoleSecond
	case RoleSecond:
		return RoleFirst
	default:
		return RoleNone
	}
}

func (r Role) String() string {
	switch r {
	case RoleFirst:
		return "FIRST"
	case RoleSecond:
		return "SECOND"
	default:
		return "NONE"
	}
}

// Header is the fixed portion of every packet, in the order it appears on
// the wire. Size, Sec and Nsec are transmitted in network byte order.
type Header struct {
	Type byte
	ID   byte
	Role Role
	Size uint16
	Sec  uint32
	Nsec uint32
}

// NewHeader builds a header stamped with the current time.
func NewHeader(typ, id byte, role Role, payloadLen int) Header {
	now := time.Now()
	return Header{
		Type: typ,
		ID:   id,
		Role: role,
		Size: uint16(payloadLen),
		Sec:  uint32(now.Unix()),
		Nsec: uint32(now.Nanosecond()),
	}
}

func (h Header) encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = h.Type
	buf[1] = h.ID
	buf[2] = byte(h.Role)
	buf[3] = 0 // reserved, zero on send
	binary.BigEndian.PutUint16(buf[4:6], h.Size)
	binary.BigEndian.PutUint32(buf[6:10], h.Sec)
	binary.BigEndian.PutUint32(buf[10:14], h.Nsec)
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		Type: buf[0],
		ID:   buf[1],
		Role: Role(buf[2]),
		Size: binary.BigEndian.Uint16(buf[4:6]),
		Sec:  binary.BigEndian.Uint32(buf[6:10]),
		Nsec: binary.BigEndian.Uint32(buf[10:14]),
	}
}

// Send writes header followed by exactly len(payload) bytes to w. Writes
// loop internally to absorb short writes; a write that returns 0 with a nil
// error is treated as failure rather than retried forever.
func Send(w io.Writer, header Header, payload []byte) error {
	if int(header.Size) != len(payload) {
		return fmt.Errorf("sending packet: header size %d does not match payload length %d", header.Size, len(payload))
	}

	buf := header.encode()
	if err := writeFull(w, buf[:]); err != nil {
		return fmt.Errorf("writing packet header: %w", err)
	}

	if len(payload) > 0 {
		if err := writeFull(w, payload); err != nil {
			return fmt.Errorf("writing packet payload: %w", err)
		}
	}

	return nil
}

// Encode returns the framed wire bytes for header+payload, for callers that
// queue an already-framed packet (e.g. onto a per-connection send channel)
// rather than write it directly with Send.
func Encode(header Header, payload []byte) ([]byte, error) {
	return EncodeInto(make([]byte, HeaderSize+len(payload)), header, payload)
}

// EncodeInto frames header+payload into dst instead of allocating, for
// callers that supply a buffer drawn from a pool. dst must have length
// exactly HeaderSize+len(payload).
func EncodeInto(dst []byte, header Header, payload []byte) ([]byte, error) {
	if int(header.Size) != len(payload) {
		return nil, fmt.Errorf("encoding packet: header size %d does not match payload length %d", header.Size, len(payload))
	}
	if len(dst) != HeaderSize+len(payload) {
		return nil, fmt.Errorf("encoding packet: destination buffer has length %d, want %d", len(dst), HeaderSize+len(payload))
	}

	h := header.encode()
	copy(dst, h[:])
	copy(dst[HeaderSize:], payload)
	return dst, nil
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if n == 0 && err == nil {
			return fmt.Errorf("write returned 0 bytes with no error")
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Recv reads one packet from r. End-of-stream while reading the header is
// returned as io.EOF — the normal termination signal for a session driver.
// End-of-stream partway through the payload is returned as a non-EOF error,
// since a truncated payload is a transport failure, not a clean close.
//
// The returned payload slice has one extra, zeroed trailing byte beyond
// header.Size, reserved as a NUL terminator for callers that treat the
// payload as a C-style string (e.g. usernames).
func Recv(r io.Reader) (Header, []byte, error) {
	var hbuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		return Header{}, nil, io.EOF
	}

	header := decodeHeader(hbuf[:])

	if header.Size == 0 {
		return header, nil, nil
	}

	payload := make([]byte, int(header.Size)+1)
	if _, err := io.ReadFull(r, payload[:header.Size]); err != nil {
		return Header{}, nil, fmt.Errorf("reading packet payload: unexpected end of stream: %w", err)
	}

	return header, payload[:header.Size], nil
}
