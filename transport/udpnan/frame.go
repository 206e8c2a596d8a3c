// SPDX-FileCopyrightText: 2025 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package udpnan

import (
	"encoding/binary"
	"fmt"

	"github.com/howeyc/crc16"
)

// A frame encapsulates one PAFTP datagram on the UDP wire, emulating a NAN
// follow-up service discovery frame. Both instance identifiers address the
// publish/subscribe instances of sender and receiver; a CRC16-CCITT check
// sequence closes the frame.
//
//	+--------+---------+-----------------+----------------+
//	| "PF"   | version | sender instance | peer instance  |
//	| 2 byte | 1 byte  | 4 byte LE       | 4 byte LE      |
//	+--------+---------+-----------------+----------------+
//	| payload length   | payload         | CRC16-CCITT    |
//	| 2 byte LE        | n byte          | 2 byte LE      |
//	+------------------+-----------------+----------------+
type frame struct {
	SenderInstance uint32
	PeerInstance   uint32
	Payload        []byte
}

const (
	frameMagic   = "PF"
	frameVersion = 0x01

	frameHeaderSize = 2 + 1 + 4 + 4 + 2
	frameCheckSize  = 2
)

var crcTable = crc16.MakeTable(crc16.CCITT)

// marshalFrame serializes a frame, including its check sequence.
func marshalFrame(f frame) []byte {
	data := make([]byte, frameHeaderSize, frameHeaderSize+len(f.Payload)+frameCheckSize)

	copy(data[0:2], frameMagic)
	data[2] = frameVersion
	binary.LittleEndian.PutUint32(data[3:7], f.SenderInstance)
	binary.LittleEndian.PutUint32(data[7:11], f.PeerInstance)
	binary.LittleEndian.PutUint16(data[11:13], uint16(len(f.Payload)))

	data = append(data, f.Payload...)

	var check [frameCheckSize]byte
	binary.LittleEndian.PutUint16(check[:], crc16.Checksum(data, crcTable))
	return append(data, check[:]...)
}

// unmarshalFrame parses and verifies a received frame.
func unmarshalFrame(data []byte) (f frame, err error) {
	if len(data) < frameHeaderSize+frameCheckSize {
		err = fmt.Errorf("frame of %d bytes is too short", len(data))
		return
	}

	if string(data[0:2]) != frameMagic || data[2] != frameVersion {
		err = fmt.Errorf("frame preamble mismatches: %x", data[:3])
		return
	}

	check := binary.LittleEndian.Uint16(data[len(data)-frameCheckSize:])
	if crc16.Checksum(data[:len(data)-frameCheckSize], crcTable) != check {
		err = fmt.Errorf("frame check sequence mismatches")
		return
	}

	f.SenderInstance = binary.LittleEndian.Uint32(data[3:7])
	f.PeerInstance = binary.LittleEndian.Uint32(data[7:11])

	length := int(binary.LittleEndian.Uint16(data[11:13]))
	payload := data[frameHeaderSize : len(data)-frameCheckSize]
	if len(payload) != length {
		err = fmt.Errorf("frame payload length %d mismatches field %d", len(payload), length)
		return
	}

	f.Payload = payload
	return
}
