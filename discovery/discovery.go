// SPDX-FileCopyrightText: 2025 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery emulates the publish/subscribe service discovery of the
// Wi-Fi Aware lower layer through UDP multicast packets: each node announces
// its reachable PAFTP transports while discovering new peers.
package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

const (
	// DiscoveryAddress4 is the default multicast IPv4 address used for
	// discovery.
	DiscoveryAddress4 = "224.23.23.23"

	// DiscoveryAddress6 is the default multicast IPv6 address used for
	// discovery.
	DiscoveryAddress6 = "ff02::23:23:23"

	// DiscoveryPort is the default multicast port used for discovery.
	DiscoveryPort = 35043
)

// TransportType is the first field of an Announcement, naming a transport.
type TransportType uint64

const (
	// UDPNAN is the NAN-like framed UDP transport.
	UDPNAN TransportType = 0

	// QUICDG is the QUIC DATAGRAM transport.
	QUICDG TransportType = 1
)

func (tt TransportType) String() string {
	switch tt {
	case UDPNAN:
		return "udpnan"
	case QUICDG:
		return "quicdg"
	default:
		return "unknown"
	}
}

// Announcement is the kind of message used by this peer discovery: a node's
// publish/subscribe instance identifier next to one reachable transport.
type Announcement struct {
	Type     TransportType
	Instance uint32
	Port     uint
}

func (a Announcement) String() string {
	return fmt.Sprintf("Announcement(%v,%d,%d)", a.Type, a.Instance, a.Port)
}

// MarshalCbor writes this Announcement's CBOR representation.
func (a *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}

	fields := []uint64{uint64(a.Type), uint64(a.Instance), uint64(a.Port)}
	for _, field := range fields {
		if err := cboring.WriteUInt(field, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads an Announcement from its CBOR representation.
func (a *Announcement) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 3 {
		return fmt.Errorf("Announcement has %d instead of 3 fields", n)
	}

	fields := make([]uint64, 3)
	for i := range fields {
		if field, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			fields[i] = field
		}
	}

	a.Type = TransportType(fields[0])
	a.Instance = uint32(fields[1])
	a.Port = uint(fields[2])

	return nil
}

// MarshalAnnouncements returns the CBOR byte string of an Announcement
// array.
func MarshalAnnouncements(as []Announcement) ([]byte, error) {
	var buf bytes.Buffer

	if err := cboring.WriteArrayLength(uint64(len(as)), &buf); err != nil {
		return nil, err
	}
	for i := range as {
		if err := as[i].MarshalCbor(&buf); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// UnmarshalAnnouncements parses a CBOR byte string of an Announcement array.
func UnmarshalAnnouncements(data []byte) ([]Announcement, error) {
	buf := bytes.NewBuffer(data)

	n, err := cboring.ReadArrayLength(buf)
	if err != nil {
		return nil, err
	}

	as := make([]Announcement, n)
	for i := range as {
		if err := as[i].UnmarshalCbor(buf); err != nil {
			return nil, err
		}
	}

	return as, nil
}
