// Package wire implements the kernel's framed binary protocol: a fixed
// 17-byte header (magic, agent id, opcode, payload length) followed by a
// JSON payload. The codec is purely mechanical and stateless — it knows
// nothing about opcodes or dispatch, only how to turn bytes on a stream
// into a Frame and back.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic identifies a well-formed frame header: 0x41474E54, the ASCII bytes
// "AGNT" read as a big-endian integer. It is written little-endian like
// every header field, so the first four bytes on the wire are "TNGA".
const Magic uint32 = 0x41474E54

// HeaderSize is the fixed size of a frame header in bytes.
const HeaderSize = 4 + 4 + 1 + 8

// MaxPayload is the hard cap on a frame's payload length, per the wire
// contract: a frame whose declared length exceeds this is a protocol
// violation, not an application error.
const MaxPayload = 1 << 20 // 1 MiB

// ErrBadMagic is returned when a header's magic field does not match Magic.
var ErrBadMagic = errors.New("wire: bad magic")

// ErrPayloadTooLarge is returned when a header declares a payload_length
// greater than MaxPayload.
var ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum frame size")

// Frame is one decoded protocol message: either a request arriving from an
// agent or a reply destined for one.
type Frame struct {
	AgentID uint32
	Opcode  byte
	Payload []byte
}

// Encode writes f to w as a complete frame: header then payload. Encode
// does not validate f.Payload's length against MaxPayload — callers that
// build replies internally are trusted; ReadFrame enforces the cap on
// data coming off the wire.
func Encode(w io.Writer, f Frame) error {
	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], Magic)
	binary.LittleEndian.PutUint32(header[4:8], f.AgentID)
	header[8] = f.Opcode
	binary.LittleEndian.PutUint64(header[9:17], uint64(len(f.Payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadFrame blocks until a full header and, if declared, a full payload
// have been read from r. A bad magic or an oversize payload_length are
// returned as ErrBadMagic / ErrPayloadTooLarge — the caller (the transport
// server) treats both as fatal to the connection per the wire contract.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != Magic {
		return Frame{}, ErrBadMagic
	}

	agentID := binary.LittleEndian.Uint32(header[4:8])
	opcode := header[8]
	length := binary.LittleEndian.Uint64(header[9:17])

	if length > MaxPayload {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("wire: read payload: %w", err)
		}
	}

	return Frame{AgentID: agentID, Opcode: opcode, Payload: payload}, nil
}
