package lib

import (
	"bytes"
	"testing"
)

func TestPacketMarshalUnmarshal(t *testing.T) {
	payload := []byte("hello, this is a test packet!")
	original := &Packet{
		Version:           ProtocolVersion,
		Flags:             ACKFlag,
		ConnID:            4242,
		SequenceNumber:    7,
		AcknowledgmentNum: 3,
		WindowSize:        5,
		Payload:           payload,
	}

	buffer := make([]byte, DefaultMaxPayloadSize+HeaderLength)
	n, err := original.Marshal(buffer)
	if err != nil {
		t.Fatalf("Marshal failed: %s", err)
	}
	if n != HeaderLength+len(payload) {
		t.Fatalf("Marshal returned %d bytes, want %d", n, HeaderLength+len(payload))
	}

	if !VerifyChecksum(buffer[:n]) {
		t.Fatal("VerifyChecksum rejected a freshly marshalled frame")
	}

	parsed := &Packet{}
	if err := parsed.Unmarshal(buffer[:n]); err != nil {
		t.Fatalf("Unmarshal failed: %s", err)
	}
	defer parsed.ReturnChunk()

	if parsed.Version != original.Version ||
		parsed.Flags != original.Flags ||
		parsed.ConnID != original.ConnID ||
		parsed.SequenceNumber != original.SequenceNumber ||
		parsed.AcknowledgmentNum != original.AcknowledgmentNum ||
		parsed.WindowSize != original.WindowSize {
		t.Errorf("Header fields do not survive the roundtrip: got %+v", parsed)
	}
	if !bytes.Equal(parsed.Payload, payload) {
		t.Errorf("Payload does not survive the roundtrip: got %q", parsed.Payload)
	}
}

func TestControlPacketRoundtrip(t *testing.T) {
	original := &Packet{
		Version:           ProtocolVersion,
		Flags:             SYNFlag | ACKFlag,
		ConnID:            1,
		AcknowledgmentNum: 1,
		WindowSize:        10,
	}

	buffer := make([]byte, HeaderLength)
	n, err := original.Marshal(buffer)
	if err != nil {
		t.Fatalf("Marshal failed: %s", err)
	}
	if n != HeaderLength {
		t.Fatalf("control frame length %d, want %d", n, HeaderLength)
	}

	parsed := &Packet{}
	if err := parsed.Unmarshal(buffer[:n]); err != nil {
		t.Fatalf("Unmarshal failed: %s", err)
	}
	if parsed.Flags != SYNFlag|ACKFlag || len(parsed.Payload) != 0 {
		t.Errorf("control frame parsed wrong: flags %#x payload %d bytes", parsed.Flags, len(parsed.Payload))
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	packet := &Packet{
		Version:        ProtocolVersion,
		Flags:          ACKFlag,
		ConnID:         99,
		SequenceNumber: 1,
		Payload:        []byte("corruption target"),
	}

	buffer := make([]byte, DefaultMaxPayloadSize+HeaderLength)
	n, err := packet.Marshal(buffer)
	if err != nil {
		t.Fatalf("Marshal failed: %s", err)
	}

	// flip a single bit in every byte position, one at a time
	for i := 0; i < n; i++ {
		buffer[i] ^= 0x01
		if VerifyChecksum(buffer[:n]) {
			t.Errorf("bit flip at offset %d went undetected", i)
		}
		buffer[i] ^= 0x01
	}

	if !VerifyChecksum(buffer[:n]) {
		t.Error("restored frame no longer verifies")
	}
}

func TestUnmarshalRejectsShortFrame(t *testing.T) {
	parsed := &Packet{}
	if err := parsed.Unmarshal(make([]byte, HeaderLength-1)); err == nil {
		t.Error("expected an error for a frame shorter than the header")
	}
}

func TestUnmarshalRejectsLengthMismatch(t *testing.T) {
	packet := &Packet{
		Version: ProtocolVersion,
		Flags:   ACKFlag,
		Payload: []byte("abcdef"),
	}
	buffer := make([]byte, 256)
	n, err := packet.Marshal(buffer)
	if err != nil {
		t.Fatalf("Marshal failed: %s", err)
	}

	parsed := &Packet{}
	// truncate the payload without touching the declared length
	if err := parsed.Unmarshal(buffer[:n-2]); err == nil {
		parsed.ReturnChunk()
		t.Error("expected an error when the declared payload length disagrees with the frame")
	}
}

func TestMarshalAfterChunkReturnFails(t *testing.T) {
	buffer := make([]byte, 256)
	packet := &Packet{
		Version: ProtocolVersion,
		Flags:   ACKFlag,
		Payload: []byte("short lived"),
	}
	if _, err := packet.Marshal(buffer); err != nil {
		t.Fatalf("first Marshal failed: %s", err)
	}

	packet.ReturnChunk()
	if _, err := packet.Marshal(buffer); err != errPacketReleased {
		t.Errorf("Marshal after ReturnChunk returned %v, want errPacketReleased", err)
	}
}

func TestMarshalRejectsSmallBuffer(t *testing.T) {
	packet := &Packet{
		Version: ProtocolVersion,
		Payload: []byte("does not fit"),
	}
	if _, err := packet.Marshal(make([]byte, HeaderLength)); err == nil {
		t.Error("expected an error when the buffer cannot hold the frame")
	}
}
