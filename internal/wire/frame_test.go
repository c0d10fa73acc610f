package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{AgentID: 7, Opcode: 0x00, Payload: []byte("hello")}
	if err := Encode(&buf, want); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.AgentID != want.AgentID || got.Opcode != want.Opcode || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, Frame{AgentID: 0, Opcode: 0xFE}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("expected exactly %d bytes for empty payload, got %d", HeaderSize, buf.Len())
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got.Payload))
	}
}

func TestReadFrameBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	_, err := ReadFrame(bufio.NewReader(buf))
	if err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestReadFramePayloadTooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, Frame{AgentID: 1, Opcode: 0x02}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw := buf.Bytes()[:9] // magic + agent_id + opcode, drop the original length+payload
	huge := []byte{0, 0, 0, 0, 0, 0, 1, 0}  // 2^48, far beyond MaxPayload
	b := bytes.NewBuffer(append(append([]byte{}, raw...), huge...))

	_, err := ReadFrame(bufio.NewReader(b))
	if err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
