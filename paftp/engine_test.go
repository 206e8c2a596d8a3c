package paftp

import (
	"bytes"
	"errors"
	"testing"
)

// fragmentMessage drives the Engine until the whole message was fragmented,
// returning all produced datagrams.
func fragmentMessage(t *testing.T, e *Engine, message []byte, sendAck bool) (datagrams [][]byte) {
	if !e.HandleCharacteristicSend(WrapBuffer(message), sendAck) {
		t.Fatal("fragmenter rejected new message")
	}
	datagrams = append(datagrams, e.BorrowTxPacket().Bytes())

	for e.TxState() == EngineInProgress {
		if !e.HandleCharacteristicSend(nil, false) {
			t.Fatal("fragmenter rejected continuation")
		}
		datagrams = append(datagrams, e.BorrowTxPacket().Bytes())
	}

	return
}

func TestEngineFragmentation(t *testing.T) {
	var e Engine
	e.Init(false)
	e.SetTxFragmentSize(200)

	message := make([]byte, 300)
	for i := range message {
		message[i] = byte(i)
	}

	datagrams := fragmentMessage(t, &e, message, false)
	if len(datagrams) != 2 {
		t.Fatalf("message became %d instead of 2 fragments", len(datagrams))
	}

	p0, err := DecodePacket(datagrams[0])
	if err != nil {
		t.Fatal(err)
	}
	if !p0.Flags.Has(StartMessage) || p0.Flags.Has(EndMessage) {
		t.Fatalf("first fragment has wrong flags: %x", p0.Flags)
	}
	if p0.Sequence != 1 || p0.TotalLength != 300 {
		t.Fatalf("first fragment: seq %d, total length %d", p0.Sequence, p0.TotalLength)
	}
	if len(datagrams[0]) != 200 {
		t.Fatalf("first fragment is %d instead of 200 bytes", len(datagrams[0]))
	}

	p1, err := DecodePacket(datagrams[1])
	if err != nil {
		t.Fatal(err)
	}
	if !p1.Flags.Has(ContinueMessage) || !p1.Flags.Has(EndMessage) {
		t.Fatalf("second fragment has wrong flags: %x", p1.Flags)
	}
	if p1.Sequence != 2 {
		t.Fatalf("second fragment: seq %d", p1.Sequence)
	}

	if !bytes.Equal(append(append([]byte{}, p0.Payload...), p1.Payload...), message) {
		t.Fatal("fragment payloads do not concatenate to the message")
	}

	if e.TxState() != EngineComplete {
		t.Fatalf("fragmenter is %v instead of complete", e.TxState())
	}
	if !e.ExpectingAck() || e.GetNewestUnackedSentSequenceNumber() != 2 {
		t.Fatal("unacked sent range was not recorded")
	}
}

func TestEngineRoundTrip(t *testing.T) {
	var tx, rx Engine
	tx.Init(false)
	rx.Init(true)
	tx.SetTxFragmentSize(64)

	message := make([]byte, 500)
	for i := range message {
		message[i] = byte(i * 7)
	}

	for _, datagram := range fragmentMessage(t, &tx, message, false) {
		if _, _, err := rx.HandleCharacteristicReceived(WrapBuffer(datagram)); err != nil {
			t.Fatal(err)
		}
	}

	if rx.RxState() != EngineComplete {
		t.Fatalf("reassembler is %v instead of complete", rx.RxState())
	}

	if received := rx.TakeRxPacket(); !bytes.Equal(received.Bytes(), message) {
		t.Fatal("reassembled message differs")
	}
	if rx.RxState() != EngineIdle {
		t.Fatal("reassembler did not return to idle")
	}
}

func TestEngineSequenceValidation(t *testing.T) {
	var e Engine
	e.Init(false)

	p := Packet{Flags: StartMessage | EndMessage, Sequence: 3, TotalLength: 1, Payload: []byte{0x23}}
	if _, _, err := e.HandleCharacteristicReceived(WrapBuffer(p.Encode())); !errors.Is(err, ErrInvalidSequenceNumber) {
		t.Fatalf("expected ErrInvalidSequenceNumber, got %v", err)
	}
}

func TestEngineAckValidation(t *testing.T) {
	var e Engine
	e.Init(false)
	fragmentMessage(t, &e, []byte("hi"), false) // occupies seq 1

	ack := Packet{Flags: FragmentAck, Ack: 5, Sequence: 1}
	if _, _, err := e.HandleCharacteristicReceived(WrapBuffer(ack.Encode())); !errors.Is(err, ErrInvalidAckNumber) {
		t.Fatalf("expected ErrInvalidAckNumber, got %v", err)
	}

	e.Init(false)
	fragmentMessage(t, &e, []byte("hi"), false)

	ack = Packet{Flags: FragmentAck, Ack: 1, Sequence: 1}
	if _, didReceiveAck, err := e.HandleCharacteristicReceived(WrapBuffer(ack.Encode())); err != nil || !didReceiveAck {
		t.Fatalf("valid ack was rejected: %v", err)
	}
	if e.ExpectingAck() {
		t.Fatal("engine still expects an ack")
	}
}

func TestEngineReassemblyOverflow(t *testing.T) {
	var e Engine
	e.Init(false)

	start := Packet{Flags: StartMessage, Sequence: 1, TotalLength: 4, Payload: []byte{1, 2, 3}}
	if _, _, err := e.HandleCharacteristicReceived(WrapBuffer(start.Encode())); err != nil {
		t.Fatal(err)
	}

	cont := Packet{Flags: ContinueMessage | EndMessage, Sequence: 2, Payload: []byte{4, 5}}
	if _, _, err := e.HandleCharacteristicReceived(WrapBuffer(cont.Encode())); !errors.Is(err, ErrProtocolAbort) {
		t.Fatalf("expected ErrProtocolAbort, got %v", err)
	}
}

func TestEngineStandAloneAck(t *testing.T) {
	var e Engine
	e.Init(false)

	// Accept a single fragment message first, which then awaits an ack.
	p := Packet{Flags: StartMessage | EndMessage, Sequence: 1, TotalLength: 1, Payload: []byte{0x42}}
	if _, _, err := e.HandleCharacteristicReceived(WrapBuffer(p.Encode())); err != nil {
		t.Fatal(err)
	}
	if !e.HasUnackedData() {
		t.Fatal("accepted fragment is not awaiting an ack")
	}

	buf, _ := NewBuffer(StandaloneAckSize)
	e.EncodeStandAloneAck(buf)

	ack, err := DecodePacket(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !ack.Flags.Has(FragmentAck) || ack.Ack != 1 || ack.Sequence != 1 {
		t.Fatalf("unexpected stand-alone ack: %v", ack)
	}

	if e.HasUnackedData() {
		t.Fatal("stand-alone ack did not clear the pending ack")
	}
	if !e.ExpectingAck() {
		t.Fatal("stand-alone ack itself expects no ack")
	}
}
