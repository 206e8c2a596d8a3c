package udpnan

import (
	"bytes"
	"testing"
)

func TestFrameCodec(t *testing.T) {
	f := frame{
		SenderInstance: 23,
		PeerInstance:   42,
		Payload:        []byte("paftp datagram"),
	}

	data := marshalFrame(f)

	f2, err := unmarshalFrame(data)
	if err != nil {
		t.Fatal(err)
	}

	if f2.SenderInstance != f.SenderInstance || f2.PeerInstance != f.PeerInstance {
		t.Fatalf("frames differ: %v, %v", f, f2)
	}
	if !bytes.Equal(f2.Payload, f.Payload) {
		t.Fatalf("payload differs: %x", f2.Payload)
	}
}

func TestFrameCorruption(t *testing.T) {
	data := marshalFrame(frame{SenderInstance: 1, Payload: []byte{1, 2, 3}})

	// Flip one payload bit; the check sequence must catch it.
	data[frameHeaderSize] ^= 0x01

	if _, err := unmarshalFrame(data); err == nil {
		t.Fatal("corrupted frame passed verification")
	}
}

func TestFrameTooShort(t *testing.T) {
	if _, err := unmarshalFrame([]byte("PF")); err == nil {
		t.Fatal("short frame passed verification")
	}
}
