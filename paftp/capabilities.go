// SPDX-FileCopyrightText: 2025 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package paftp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// capabilitiesMagic starts the body of every capabilities request.
const capabilitiesMagic = "nlPAFTP"

// Encoded lengths of both capability handshake messages.
const (
	CapabilitiesRequestLength = headerFlagsSize + mgmtOpSize + len(capabilitiesMagic) +
		NumSupportedProtocolVersions/2 + 2 + 1
	CapabilitiesResponseLength = headerFlagsSize + mgmtOpSize + 1 + 2 + 1
)

// CapabilitiesRequest opens the PAFTP handshake. The subscriber announces
// all its supported protocol versions, packed as nibbles, next to the
// observed MTU and its receive window size.
type CapabilitiesRequest struct {
	SupportedVersions [NumSupportedProtocolVersions / 2]byte
	Mtu               uint16
	WindowSize        uint8
}

// SetSupportedProtocolVersion stores a version nibble at the given index,
// counted from the front of the version vector.
func (req *CapabilitiesRequest) SetSupportedProtocolVersion(idx int, version uint8) {
	if idx < 0 || idx >= NumSupportedProtocolVersions {
		return
	}

	if idx%2 == 0 {
		req.SupportedVersions[idx/2] = (req.SupportedVersions[idx/2] & 0xF0) | (version & 0x0F)
	} else {
		req.SupportedVersions[idx/2] = (req.SupportedVersions[idx/2] & 0x0F) | (version << 4)
	}
}

// SupportedProtocolVersion reads the version nibble at the given index.
func (req CapabilitiesRequest) SupportedProtocolVersion(idx int) uint8 {
	if idx < 0 || idx >= NumSupportedProtocolVersions {
		return ProtocolVersionNone
	}

	if idx%2 == 0 {
		return req.SupportedVersions[idx/2] & 0x0F
	}
	return req.SupportedVersions[idx/2] >> 4
}

// Encode serializes this CapabilitiesRequest into a complete datagram.
func (req CapabilitiesRequest) Encode() []byte {
	data := make([]byte, 0, CapabilitiesRequestLength)

	data = append(data, byte(Handshake|ManagementOpcode))
	data = append(data, ManagementOpcodeCapabilitiesRequest)
	data = append(data, capabilitiesMagic...)
	data = append(data, req.SupportedVersions[:]...)

	var mtu [2]byte
	binary.LittleEndian.PutUint16(mtu[:], req.Mtu)
	data = append(data, mtu[:]...)

	return append(data, req.WindowSize)
}

// DecodeCapabilitiesRequest parses a capabilities request datagram.
func DecodeCapabilitiesRequest(data []byte) (req CapabilitiesRequest, err error) {
	if len(data) != CapabilitiesRequestLength {
		err = fmt.Errorf("capabilities request of %d instead of %d bytes: %w",
			len(data), CapabilitiesRequestLength, ErrInvalidArgument)
		return
	}

	flags := HeaderFlags(data[0])
	if !flags.Has(Handshake) || !flags.Has(ManagementOpcode) ||
		data[1] != ManagementOpcodeCapabilitiesRequest {
		err = fmt.Errorf("not a capabilities request: %w", ErrInvalidArgument)
		return
	}

	body := data[headerFlagsSize+mgmtOpSize:]
	if !bytes.Equal(body[:len(capabilitiesMagic)], []byte(capabilitiesMagic)) {
		err = fmt.Errorf("capabilities request misses magic preamble: %w", ErrInvalidArgument)
		return
	}
	body = body[len(capabilitiesMagic):]

	copy(req.SupportedVersions[:], body[:NumSupportedProtocolVersions/2])
	body = body[NumSupportedProtocolVersions/2:]

	req.Mtu = binary.LittleEndian.Uint16(body[:2])
	req.WindowSize = body[2]
	return
}

// CapabilitiesResponse completes the PAFTP handshake. The publisher reports
// the selected protocol version, or ProtocolVersionNone as the incompatible
// sentinel, next to the negotiated fragment and window sizes.
type CapabilitiesResponse struct {
	SelectedProtocolVersion uint8
	FragmentSize            uint16
	WindowSize              uint8
}

// Encode serializes this CapabilitiesResponse into a complete datagram.
func (resp CapabilitiesResponse) Encode() []byte {
	data := make([]byte, 0, CapabilitiesResponseLength)

	data = append(data, byte(Handshake|ManagementOpcode))
	data = append(data, ManagementOpcodeCapabilitiesResponse)
	data = append(data, resp.SelectedProtocolVersion&0x0F)

	var fragmentSize [2]byte
	binary.LittleEndian.PutUint16(fragmentSize[:], resp.FragmentSize)
	data = append(data, fragmentSize[:]...)

	return append(data, resp.WindowSize)
}

// DecodeCapabilitiesResponse parses a capabilities response datagram.
func DecodeCapabilitiesResponse(data []byte) (resp CapabilitiesResponse, err error) {
	if len(data) != CapabilitiesResponseLength {
		err = fmt.Errorf("capabilities response of %d instead of %d bytes: %w",
			len(data), CapabilitiesResponseLength, ErrInvalidArgument)
		return
	}

	flags := HeaderFlags(data[0])
	if !flags.Has(Handshake) || !flags.Has(ManagementOpcode) ||
		data[1] != ManagementOpcodeCapabilitiesResponse {
		err = fmt.Errorf("not a capabilities response: %w", ErrInvalidArgument)
		return
	}

	resp.SelectedProtocolVersion = data[2] & 0x0F
	resp.FragmentSize = binary.LittleEndian.Uint16(data[3:5])
	resp.WindowSize = data[5]
	return
}

// HighestSupportedProtocolVersion selects the numerically highest version
// present both in the request's vector and our own supported range, falling
// back to ProtocolVersionNone.
func HighestSupportedProtocolVersion(req CapabilitiesRequest) uint8 {
	selected := ProtocolVersionNone
	for i := 0; i < NumSupportedProtocolVersions; i++ {
		version := req.SupportedProtocolVersion(i)
		if version >= ProtocolVersionMin && version <= ProtocolVersionMax && version > selected {
			selected = version
		}
	}
	return selected
}
