// SPDX-FileCopyrightText: 2025 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/dtn7/paftp-go/paftp"
)

// JournalRecord is one archived message, serialized as a CBOR array of the
// session identifier, the peer identifier, a unix nano timestamp and the
// message payload.
type JournalRecord struct {
	SessionID uint32
	PeerID    uint32
	Stamp     time.Time
	Payload   []byte
}

// MarshalCbor writes this JournalRecord's CBOR representation.
func (jr *JournalRecord) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}

	fields := []uint64{uint64(jr.SessionID), uint64(jr.PeerID), uint64(jr.Stamp.UnixNano())}
	for _, field := range fields {
		if err := cboring.WriteUInt(field, w); err != nil {
			return err
		}
	}

	return cboring.WriteByteString(jr.Payload, w)
}

// UnmarshalCbor reads a JournalRecord from its CBOR representation.
func (jr *JournalRecord) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 4 {
		return fmt.Errorf("JournalRecord has %d instead of 4 fields", n)
	}

	fields := make([]uint64, 3)
	for i := range fields {
		if field, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			fields[i] = field
		}
	}
	jr.SessionID = uint32(fields[0])
	jr.PeerID = uint32(fields[1])
	jr.Stamp = time.Unix(0, int64(fields[2]))

	if payload, err := cboring.ReadByteString(r); err != nil {
		return err
	} else {
		jr.Payload = payload
	}

	return nil
}

// JournalMessage archives one delivered message as an xz-compressed record
// file below the journal directory.
func (s *Store) JournalMessage(session paftp.Session, message []byte) error {
	stamp := time.Now()
	filename := s.journalFilename(session, stamp)

	record := JournalRecord{
		SessionID: session.ID,
		PeerID:    session.PeerID,
		Stamp:     stamp,
		Payload:   message,
	}

	var buf bytes.Buffer
	if err := record.MarshalCbor(&buf); err != nil {
		return err
	}

	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}

	xzW, err := xz.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return err
	}

	if _, err := io.Copy(xzW, &buf); err != nil {
		_ = xzW.Close()
		_ = f.Close()
		return err
	}

	if err := xzW.Close(); err != nil {
		_ = f.Close()
		return err
	}

	log.WithFields(log.Fields{
		"session": session,
		"file":    filename,
		"length":  len(message),
	}).Debug("Journaled message")

	return f.Close()
}

// ReadJournalMessage loads one journaled record back from its file.
func ReadJournalMessage(filename string) (record JournalRecord, err error) {
	f, fErr := os.Open(filename)
	if fErr != nil {
		err = fErr
		return
	}
	defer f.Close()

	xzR, xzErr := xz.NewReader(f)
	if xzErr != nil {
		err = xzErr
		return
	}

	err = record.UnmarshalCbor(xzR)
	return
}
