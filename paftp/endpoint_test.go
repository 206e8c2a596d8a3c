package paftp

import (
	"bytes"
	"errors"
	"testing"
)

// harness wires an Endpoint to a mockSystem and mockTransport, recording all
// callbacks.
type harness struct {
	t *testing.T

	system    *mockSystem
	transport *mockTransport
	ep        *Endpoint

	connected   int
	connectErrs []error
	messages    [][]byte
	closed      []error
}

func newHarness(t *testing.T, role Role) (h *harness) {
	h = &harness{
		t:         t,
		system:    &mockSystem{},
		transport: &mockTransport{},
	}

	session := Session{
		ID:       1,
		PeerID:   2,
		PeerAddr: [6]byte{0x02, 0x00, 0x00, 0x23, 0x42, 0x05},
		Role:     role,
	}

	callbacks := Callbacks{
		OnConnectComplete: func(_ *Endpoint) {
			h.connected++
		},
		OnConnectError: func(_ *Endpoint, err error) {
			h.connectErrs = append(h.connectErrs, err)
		},
		OnMessageReceived: func(_ Session, message *Buffer) {
			h.messages = append(h.messages, message.Bytes())
		},
		OnConnectionClosed: func(_ Session, err error) {
			h.closed = append(h.closed, err)
		},
	}

	ep, err := NewEndpoint(h.system, h.transport, session, callbacks)
	if err != nil {
		t.Fatal(err)
	}
	h.ep = ep

	return
}

// connectSubscriber performs the subscriber's handshake against a faked
// publisher answering with the given parameters.
func (h *harness) connectSubscriber(fragmentSize uint16, windowSize uint8) {
	if err := h.ep.StartConnect(); err != nil {
		h.t.Fatal(err)
	}
	h.ep.HandleSendConfirmation(true)

	resp := CapabilitiesResponse{
		SelectedProtocolVersion: ProtocolVersionMax,
		FragmentSize:            fragmentSize,
		WindowSize:              windowSize,
	}
	if err := h.ep.Receive(WrapBuffer(resp.Encode())); err != nil {
		h.t.Fatal(err)
	}

	if h.ep.State() != StateConnected || h.connected != 1 {
		h.t.Fatalf("handshake did not connect: state %v", h.ep.State())
	}
}

// receive feeds an encoded Packet into the Endpoint.
func (h *harness) receive(p Packet) error {
	return h.ep.Receive(WrapBuffer(p.Encode()))
}

func TestEndpointHandshakeSubscriber(t *testing.T) {
	h := newHarness(t, RoleSubscriber)

	if err := h.ep.StartConnect(); err != nil {
		t.Fatal(err)
	}
	if h.ep.State() != StateConnecting {
		t.Fatalf("state is %v", h.ep.State())
	}
	if !h.system.armed(ConnectTimeout) {
		t.Fatal("connect timer is not armed")
	}

	req, err := DecodeCapabilitiesRequest(h.transport.lastSent())
	if err != nil {
		t.Fatal(err)
	}
	if req.Mtu != DefaultMTU || req.WindowSize != MaxReceiveWindowSize {
		t.Fatalf("unexpected request: %v", req)
	}
	if req.SupportedProtocolVersion(0) != ProtocolVersionMax {
		t.Fatal("request misses highest supported version")
	}

	h.ep.HandleSendConfirmation(true)

	resp := CapabilitiesResponse{SelectedProtocolVersion: 4, FragmentSize: 244, WindowSize: 4}
	if err := h.ep.Receive(WrapBuffer(resp.Encode())); err != nil {
		t.Fatal(err)
	}

	if h.ep.State() != StateConnected || h.connected != 1 {
		t.Fatalf("subscriber did not connect: state %v", h.ep.State())
	}
	if h.ep.localRxWindow != 3 || h.ep.remoteRxWindow != 4 || h.ep.rxWindowMax != 4 {
		t.Fatalf("window sizes: local %d, remote %d, max %d",
			h.ep.localRxWindow, h.ep.remoteRxWindow, h.ep.rxWindowMax)
	}
	if !h.system.armed(SendAckTimeout) {
		t.Fatal("send-ack timer is not armed")
	}
	if h.system.armed(ConnectTimeout) {
		t.Fatal("connect timer is still armed")
	}
}

func TestEndpointHandshakePublisher(t *testing.T) {
	h := newHarness(t, RolePublisher)

	req := CapabilitiesRequest{Mtu: 244, WindowSize: 4}
	req.SetSupportedProtocolVersion(0, 4)
	if err := h.ep.Receive(WrapBuffer(req.Encode())); err != nil {
		t.Fatal(err)
	}

	resp, err := DecodeCapabilitiesResponse(h.transport.lastSent())
	if err != nil {
		t.Fatal(err)
	}
	if resp.SelectedProtocolVersion != 4 || resp.FragmentSize != 244 || resp.WindowSize != 4 {
		t.Fatalf("unexpected response: %v", resp)
	}

	if h.ep.State() != StateConnected || h.connected != 1 {
		t.Fatalf("publisher did not connect: state %v", h.ep.State())
	}

	h.ep.HandleSendConfirmation(true)
	if h.ep.sendQueue != nil {
		t.Fatal("stashed capabilities response was not freed")
	}
}

func TestEndpointHandshakeIncompatiblePublisher(t *testing.T) {
	h := newHarness(t, RolePublisher)

	req := CapabilitiesRequest{Mtu: 244, WindowSize: 4}
	req.SetSupportedProtocolVersion(0, 1)
	req.SetSupportedProtocolVersion(1, 2)
	if err := h.ep.Receive(WrapBuffer(req.Encode())); err != nil {
		t.Fatal(err)
	}

	resp, err := DecodeCapabilitiesResponse(h.transport.lastSent())
	if err != nil {
		t.Fatal(err)
	}
	if resp.SelectedProtocolVersion != ProtocolVersionNone {
		t.Fatalf("response selected version %d", resp.SelectedProtocolVersion)
	}
	if h.ep.State() != StateAborting {
		t.Fatalf("state is %v instead of aborting", h.ep.State())
	}

	// The response's confirmation completes the teardown.
	h.ep.HandleSendConfirmation(true)

	if h.ep.State() != StateClosed {
		t.Fatalf("state is %v instead of closed", h.ep.State())
	}
	if len(h.closed) != 1 || !errors.Is(h.closed[0], ErrIncompatibleVersions) {
		t.Fatalf("close callbacks: %v", h.closed)
	}
	if len(h.transport.closed) != 1 {
		t.Fatal("transport session was not closed")
	}
}

func TestEndpointHandshakeIncompatibleSubscriber(t *testing.T) {
	h := newHarness(t, RoleSubscriber)

	if err := h.ep.StartConnect(); err != nil {
		t.Fatal(err)
	}
	h.ep.HandleSendConfirmation(true)

	resp := CapabilitiesResponse{SelectedProtocolVersion: 7, FragmentSize: 244, WindowSize: 4}
	if err := h.ep.Receive(WrapBuffer(resp.Encode())); !errors.Is(err, ErrIncompatibleVersions) {
		t.Fatalf("expected ErrIncompatibleVersions, got %v", err)
	}

	if h.ep.State() != StateClosed {
		t.Fatalf("state is %v instead of closed", h.ep.State())
	}
	if len(h.connectErrs) != 1 || !errors.Is(h.connectErrs[0], ErrIncompatibleVersions) {
		t.Fatalf("connect error callbacks: %v", h.connectErrs)
	}
}

func TestEndpointSendPiggybackAck(t *testing.T) {
	h := newHarness(t, RoleSubscriber)
	h.connectSubscriber(200, 4)

	message := make([]byte, 300)
	for i := range message {
		message[i] = byte(i)
	}

	if err := h.ep.Send(WrapBuffer(message)); err != nil {
		t.Fatal(err)
	}

	// First fragment: piggybacked ack for the handshake response, full 200
	// bytes, sequence number 1.
	p0, err := DecodePacket(h.transport.lastSent())
	if err != nil {
		t.Fatal(err)
	}
	if !p0.Flags.Has(StartMessage) || !p0.Flags.Has(FragmentAck) || p0.Flags.Has(EndMessage) {
		t.Fatalf("first fragment flags: %x", p0.Flags)
	}
	if p0.Sequence != 1 || p0.Ack != 0 || p0.TotalLength != 300 {
		t.Fatalf("first fragment: %v", p0)
	}
	if len(h.transport.lastSent()) != 200 {
		t.Fatalf("first fragment is %d bytes", len(h.transport.lastSent()))
	}
	if h.ep.localRxWindow != 4 {
		t.Fatalf("local rx window was not reset: %d", h.ep.localRxWindow)
	}

	// Confirmation triggers the second and last fragment.
	h.ep.HandleSendConfirmation(true)

	p1, err := DecodePacket(h.transport.lastSent())
	if err != nil {
		t.Fatal(err)
	}
	if !p1.Flags.Has(ContinueMessage) || !p1.Flags.Has(EndMessage) {
		t.Fatalf("second fragment flags: %x", p1.Flags)
	}
	if p1.Sequence != 2 {
		t.Fatalf("second fragment sequence number: %d", p1.Sequence)
	}

	h.ep.HandleSendConfirmation(true)

	// The peer acknowledges sequence number 2 piggybacked on its own data
	// fragment with sequence number 1.
	peerData := []byte("pong")
	err = h.receive(Packet{
		Flags:       StartMessage | EndMessage | FragmentAck,
		Ack:         2,
		Sequence:    1,
		TotalLength: uint16(len(peerData)),
		Payload:     peerData,
	})
	if err != nil {
		t.Fatal(err)
	}

	if h.ep.engine.ExpectingAck() {
		t.Fatal("endpoint still expects an ack")
	}
	if h.ep.engine.txOldestUnacked != 3 {
		t.Fatalf("oldest unacked tx seq is %d instead of 3", h.ep.engine.txOldestUnacked)
	}
	if h.ep.remoteRxWindow != 4 {
		t.Fatalf("remote rx window is %d instead of 4", h.ep.remoteRxWindow)
	}

	if len(h.messages) != 1 || !bytes.Equal(h.messages[0], peerData) {
		t.Fatalf("peer message was not delivered: %v", h.messages)
	}
}

func TestEndpointReorder(t *testing.T) {
	h := newHarness(t, RoleSubscriber)
	h.connectSubscriber(244, 5)

	msg := func(seq SequenceNumber) Packet {
		payload := []byte{byte(seq)}
		return Packet{
			Flags:       StartMessage | EndMessage,
			Sequence:    seq,
			TotalLength: uint16(len(payload)),
			Payload:     payload,
		}
	}

	// Sequence number 1 arrives in order, 3 and 4 out of order. Receiving
	// 2 fills the hole and drains the queue within the same call.
	for _, seq := range []SequenceNumber{1, 3, 4, 2} {
		if err := h.receive(msg(seq)); err != nil {
			t.Fatal(err)
		}
	}

	if len(h.messages) != 4 {
		t.Fatalf("delivered %d instead of 4 messages", len(h.messages))
	}
	for i, message := range h.messages {
		if message[0] != byte(i+1) {
			t.Fatalf("message %d out of order: %x", i, message)
		}
	}

	if h.ep.engine.GetRxNextSeqNum() != 5 {
		t.Fatalf("next expected seq is %d instead of 5", h.ep.engine.GetRxNextSeqNum())
	}
	if h.ep.itemsInReorderQueue != 0 {
		t.Fatalf("%d stale items in reorder queue", h.ep.itemsInReorderQueue)
	}
}

func TestEndpointDuplicate(t *testing.T) {
	h := newHarness(t, RoleSubscriber)
	h.connectSubscriber(244, 4)

	p := Packet{
		Flags:       StartMessage | EndMessage,
		Sequence:    1,
		TotalLength: 2,
		Payload:     []byte("hi"),
	}

	if err := h.receive(p); err != nil {
		t.Fatal(err)
	}

	// The duplicate's offset of 255 exceeds the reorder window; it is
	// handled directly and its sequence number error swallowed.
	if err := h.receive(p); err != nil {
		t.Fatalf("duplicate was not swallowed: %v", err)
	}

	if h.ep.State() != StateConnected {
		t.Fatalf("state is %v", h.ep.State())
	}
	if len(h.messages) != 1 {
		t.Fatalf("delivered %d instead of 1 message", len(h.messages))
	}
}

func TestEndpointRetransmit(t *testing.T) {
	h := newHarness(t, RoleSubscriber)
	h.connectSubscriber(244, 4)

	if err := h.ep.Send(WrapBuffer([]byte("hello"))); err != nil {
		t.Fatal(err)
	}
	h.ep.HandleSendConfirmation(true)

	fragment := h.transport.lastSent()
	sendsBefore := len(h.transport.sent)

	// No ack arrives, the ack-received timer fires.
	h.system.fire(AckTimeout)

	if h.ep.retransmitCount != 1 {
		t.Fatalf("retransmit count is %d instead of 1", h.ep.retransmitCount)
	}
	if len(h.transport.sent) != sendsBefore+1 {
		t.Fatal("no retransmission was sent")
	}
	if !bytes.Equal(h.transport.lastSent(), fragment) {
		t.Fatal("retransmitted datagram differs from the original")
	}

	h.ep.HandleSendConfirmation(true)

	// The peer finally acks.
	if err := h.receive(Packet{Flags: FragmentAck, Ack: 1, Sequence: 1}); err != nil {
		t.Fatal(err)
	}

	if h.ep.retransmitCount != 0 {
		t.Fatalf("retransmit count was not reset: %d", h.ep.retransmitCount)
	}
	if h.ep.engine.ExpectingAck() {
		t.Fatal("endpoint still expects an ack")
	}
	if h.ep.lastTxPacket != nil {
		t.Fatal("last tx datagram was not dropped")
	}
	if h.ep.State() != StateConnected {
		t.Fatalf("state is %v", h.ep.State())
	}
}

func TestEndpointRetransmitExhaustion(t *testing.T) {
	h := newHarness(t, RoleSubscriber)
	h.connectSubscriber(244, 4)

	if err := h.ep.Send(WrapBuffer([]byte("hello"))); err != nil {
		t.Fatal(err)
	}
	h.ep.HandleSendConfirmation(true)

	// The peer never acks: three retransmissions, then the close.
	for i := 0; i < MaxRetransmitAttempts+1; i++ {
		h.system.fire(AckTimeout)
	}

	if h.ep.State() != StateClosed {
		t.Fatalf("state is %v instead of closed", h.ep.State())
	}
	if len(h.closed) != 1 || !errors.Is(h.closed[0], ErrFragmentAckTimedOut) {
		t.Fatalf("close callbacks: %v", h.closed)
	}
}

func TestEndpointRetransmitTimerExhaustion(t *testing.T) {
	h := newHarness(t, RoleSubscriber)
	h.connectSubscriber(244, 4)

	h.ep.lastTxPacket = WrapBuffer([]byte{byte(ContinueMessage), 0x01})
	h.ep.retransmitCount = MaxRetransmitAttempts
	h.ep.startRetransmitTimer()

	h.system.fire(RetransmitTimeout)

	if h.ep.State() != StateClosed {
		t.Fatalf("state is %v instead of closed", h.ep.State())
	}
	if len(h.closed) != 1 || !errors.Is(h.closed[0], ErrMaxRetransmitAttemptsReached) {
		t.Fatalf("close callbacks: %v", h.closed)
	}
}

func TestEndpointGracefulClose(t *testing.T) {
	h := newHarness(t, RoleSubscriber)
	h.connectSubscriber(200, 4)

	message := make([]byte, 300)
	if err := h.ep.Send(WrapBuffer(message)); err != nil {
		t.Fatal(err)
	}

	// Close while the fragmenter still holds the message's tail.
	h.ep.Close(true)

	if h.ep.State() != StateClosing {
		t.Fatalf("state is %v instead of closing", h.ep.State())
	}
	if len(h.closed) != 1 || h.closed[0] != nil {
		t.Fatalf("close callbacks: %v", h.closed)
	}

	// Transmission continues draining.
	h.ep.HandleSendConfirmation(true)
	h.ep.HandleSendConfirmation(true)

	p, err := DecodePacket(h.transport.lastSent())
	if err != nil {
		t.Fatal(err)
	}
	if !p.Flags.Has(EndMessage) {
		t.Fatal("final fragment was not sent while closing")
	}

	// The final ack finalizes the close.
	if err := h.receive(Packet{Flags: FragmentAck, Ack: 2, Sequence: 1}); err != nil {
		t.Fatal(err)
	}

	if h.ep.State() != StateClosed {
		t.Fatalf("state is %v instead of closed", h.ep.State())
	}
	if len(h.closed) != 1 {
		t.Fatalf("close callback fired %d times", len(h.closed))
	}
	if len(h.transport.closed) != 1 {
		t.Fatal("transport session was not closed")
	}
}

func TestEndpointSendIncorrectState(t *testing.T) {
	h := newHarness(t, RoleSubscriber)

	if err := h.ep.Send(WrapBuffer([]byte("early"))); !errors.Is(err, ErrIncorrectState) {
		t.Fatalf("expected ErrIncorrectState, got %v", err)
	}
}

func TestEndpointWaitResource(t *testing.T) {
	h := newHarness(t, RoleSubscriber)
	h.connectSubscriber(244, 4)

	h.transport.unavailable = true
	sendsBefore := len(h.transport.sent)

	if err := h.ep.Send(WrapBuffer([]byte("blocked"))); err != nil {
		t.Fatal(err)
	}

	if len(h.transport.sent) != sendsBefore {
		t.Fatal("datagram was sent despite unavailable resources")
	}
	if h.ep.resourceWaitCount != 1 || !h.system.armed(WaitResourceTimeout) {
		t.Fatal("wait-resource timer is not armed")
	}

	// Resources return, the timer retries the transmission.
	h.transport.unavailable = false
	h.system.fire(WaitResourceTimeout)

	if len(h.transport.sent) != sendsBefore+1 {
		t.Fatal("datagram was not sent after resources returned")
	}
	if h.ep.resourceWaitCount != 0 {
		t.Fatalf("resource wait count was not reset: %d", h.ep.resourceWaitCount)
	}
}

func TestEndpointWaitResourceExhaustion(t *testing.T) {
	h := newHarness(t, RoleSubscriber)
	h.connectSubscriber(244, 4)

	h.transport.unavailable = true
	h.ep.resourceWaitCount = MaxResourceBlockCount - 1

	if err := h.ep.Send(WrapBuffer([]byte("blocked"))); err != nil {
		t.Fatal(err)
	}

	if h.ep.State() != StateClosed {
		t.Fatalf("state is %v instead of closed", h.ep.State())
	}
	if len(h.closed) != 1 || !errors.Is(h.closed[0], ErrNotConnected) {
		t.Fatalf("close callbacks: %v", h.closed)
	}
}
