// SPDX-FileCopyrightText: 2025 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package paftp

import (
	"github.com/hashicorp/go-multierror"
)

// HeaderFlags is the first byte of every PAFTP datagram, describing which
// optional header fields follow and how the payload relates to the current
// application message.
type HeaderFlags uint8

const (
	// StartMessage: the payload begins a new application message.
	StartMessage HeaderFlags = 0x01

	// ContinueMessage: the payload continues the current message.
	ContinueMessage HeaderFlags = 0x02

	// EndMessage: the payload completes the current message.
	EndMessage HeaderFlags = 0x04

	// FragmentAck: a one byte ack number field is present.
	FragmentAck HeaderFlags = 0x08

	// Handshake: this datagram is a capabilities request or response.
	Handshake HeaderFlags = 0x10

	// ManagementOpcode: a one byte management opcode field is present.
	ManagementOpcode HeaderFlags = 0x20

	// flagsReserved must be zero on the wire.
	flagsReserved HeaderFlags = 0xC0
)

// Management opcodes, present if the ManagementOpcode flag is set.
const (
	// ManagementOpcodeCapabilitiesRequest tags a capabilities request.
	ManagementOpcodeCapabilitiesRequest uint8 = 0x01

	// ManagementOpcodeCapabilitiesResponse tags a capabilities response.
	ManagementOpcodeCapabilitiesResponse uint8 = 0x02
)

// Has returns true if a given flag or mask of flags is set.
func (hf HeaderFlags) Has(flag HeaderFlags) bool {
	return (hf & flag) != 0
}

// checkValid inspects the flag byte for wire format violations.
func (hf HeaderFlags) checkValid() (errs error) {
	if hf.Has(flagsReserved) {
		errs = multierror.Append(errs,
			ErrInvalidArgument)
	}

	if hf.Has(StartMessage) && hf.Has(ContinueMessage) {
		errs = multierror.Append(errs,
			ErrProtocolAbort)
	}

	if hf.Has(Handshake) && !hf.Has(ManagementOpcode) {
		errs = multierror.Append(errs,
			ErrInvalidArgument)
	}

	return
}
