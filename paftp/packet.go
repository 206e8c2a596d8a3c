// SPDX-FileCopyrightText: 2025 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package paftp

import (
	"encoding/binary"
	"fmt"
)

// Header field sizes in bytes. All multi-byte integers are little-endian.
const (
	headerFlagsSize = 1
	mgmtOpSize      = 1
	ackSize         = 1
	seqSize         = 1
	totalLengthSize = 2

	// StandaloneAckSize is the exact length of a stand-alone ack datagram:
	// header flags, ack number and sequence number.
	StandaloneAckSize = headerFlagsSize + ackSize + seqSize
)

// Packet is the decoded form of a single PAFTP datagram. Which fields are
// meaningful is determined by Flags; the sequence number is present on every
// non-handshake datagram.
type Packet struct {
	Flags            HeaderFlags
	ManagementOpcode uint8
	Ack              SequenceNumber
	Sequence         SequenceNumber
	TotalLength      uint16
	Payload          []byte
}

// headerSize returns the encoded length of this Packet's header.
func (p Packet) headerSize() int {
	size := headerFlagsSize
	if p.Flags.Has(ManagementOpcode) {
		size += mgmtOpSize
	}
	if p.Flags.Has(FragmentAck) {
		size += ackSize
	}
	if !p.Flags.Has(Handshake) {
		size += seqSize
		if p.Flags.Has(StartMessage) {
			size += totalLengthSize
		}
	}
	return size
}

// Encode serializes this Packet into a fresh byte slice.
func (p Packet) Encode() []byte {
	data := make([]byte, 0, p.headerSize()+len(p.Payload))

	data = append(data, byte(p.Flags))
	if p.Flags.Has(ManagementOpcode) {
		data = append(data, p.ManagementOpcode)
	}
	if p.Flags.Has(FragmentAck) {
		data = append(data, byte(p.Ack))
	}
	if !p.Flags.Has(Handshake) {
		data = append(data, byte(p.Sequence))
		if p.Flags.Has(StartMessage) {
			var length [totalLengthSize]byte
			binary.LittleEndian.PutUint16(length[:], p.TotalLength)
			data = append(data, length[:]...)
		}
	}

	return append(data, p.Payload...)
}

// DecodePacket parses a received datagram into a Packet.
func DecodePacket(data []byte) (p Packet, err error) {
	if len(data) < headerFlagsSize {
		err = fmt.Errorf("datagram of %d bytes is too short: %w", len(data), ErrInvalidArgument)
		return
	}

	p.Flags = HeaderFlags(data[0])
	if err = p.Flags.checkValid(); err != nil {
		return
	}

	pos := headerFlagsSize
	read := func(n int) ([]byte, error) {
		if len(data) < pos+n {
			return nil, fmt.Errorf("datagram misses header fields: %w", ErrInvalidArgument)
		}
		field := data[pos : pos+n]
		pos += n
		return field, nil
	}

	var field []byte
	if p.Flags.Has(ManagementOpcode) {
		if field, err = read(mgmtOpSize); err != nil {
			return
		}
		p.ManagementOpcode = field[0]
	}
	if p.Flags.Has(FragmentAck) {
		if field, err = read(ackSize); err != nil {
			return
		}
		p.Ack = SequenceNumber(field[0])
	}
	if !p.Flags.Has(Handshake) {
		if field, err = read(seqSize); err != nil {
			return
		}
		p.Sequence = SequenceNumber(field[0])

		if p.Flags.Has(StartMessage) {
			if field, err = read(totalLengthSize); err != nil {
				return
			}
			p.TotalLength = binary.LittleEndian.Uint16(field)
		}
	}

	p.Payload = data[pos:]
	return
}

// PeekSequenceNumber extracts a datagram's sequence number without decoding
// the whole packet. Handshake datagrams carry no sequence number, which is
// indicated by an error.
func PeekSequenceNumber(data []byte) (seq SequenceNumber, err error) {
	if len(data) < headerFlagsSize {
		err = fmt.Errorf("datagram of %d bytes is too short: %w", len(data), ErrInvalidArgument)
		return
	}

	flags := HeaderFlags(data[0])
	if flags.Has(Handshake) {
		err = fmt.Errorf("handshake datagram carries no sequence number: %w", ErrInvalidArgument)
		return
	}

	offset := headerFlagsSize
	if flags.Has(ManagementOpcode) {
		offset += mgmtOpSize
	}
	if flags.Has(FragmentAck) {
		offset += ackSize
	}

	if len(data) <= offset {
		err = fmt.Errorf("datagram misses sequence number: %w", ErrInvalidArgument)
		return
	}

	seq = SequenceNumber(data[offset])
	return
}
