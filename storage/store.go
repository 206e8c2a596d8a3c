// SPDX-FileCopyrightText: 2025 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage persists what survives a PAFTP connection: a record per
// known peer with its last negotiated parameters, and an optional journal of
// delivered messages. Connection state itself is volatile by design and
// never stored.
package storage

import (
	"fmt"
	"os"
	"path"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/dtn7/paftp-go/paftp"
)

const (
	dirBadger  string = "db"
	dirJournal string = "journal"
)

// PeerRecord is the persisted knowledge about one peer, keyed by its
// instance identifier.
type PeerRecord struct {
	PeerID uint32 `badgerhold:"key"`

	LastSessionID   uint32
	SelectedVersion uint8
	FragmentSize    uint16
	WindowSize      uint8

	Messages uint64
	LastSeen time.Time
}

// Store keeps PeerRecords in a badgerhold database and journals delivered
// messages below its directory.
type Store struct {
	bh *badgerhold.Store

	badgerDir  string
	journalDir string
}

// NewStore opens a Store below the given directory, creating it if needed.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)
	journalDir := path.Join(dir, dirJournal)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}
	if dirErr := os.MkdirAll(journalDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{
			bh: bh,

			badgerDir:  badgerDir,
			journalDir: journalDir,
		}
	}
	return
}

// Close the Store's database.
func (s *Store) Close() error {
	return s.bh.Close()
}

// UpdatePeer inserts or refreshes the record of the given Session's peer,
// stamping the negotiated connection parameters.
func (s *Store) UpdatePeer(session paftp.Session, version uint8, fragmentSize uint16, windowSize uint8) error {
	record, err := s.QueryPeer(session.PeerID)
	if err != nil {
		log.WithFields(log.Fields{
			"peer": session.PeerID,
		}).Info("Peer ID is unknown, inserting PeerRecord")

		record = PeerRecord{PeerID: session.PeerID}
	}

	record.LastSessionID = session.ID
	record.SelectedVersion = version
	record.FragmentSize = fragmentSize
	record.WindowSize = windowSize
	record.LastSeen = time.Now()

	return s.bh.Upsert(record.PeerID, record)
}

// CountMessage increments the peer's delivered message counter.
func (s *Store) CountMessage(session paftp.Session) error {
	record, err := s.QueryPeer(session.PeerID)
	if err != nil {
		record = PeerRecord{PeerID: session.PeerID}
	}

	record.Messages++
	record.LastSeen = time.Now()

	return s.bh.Upsert(record.PeerID, record)
}

// QueryPeer fetches the record of a peer by its instance identifier.
func (s *Store) QueryPeer(peerID uint32) (record PeerRecord, err error) {
	err = s.bh.Get(peerID, &record)
	return
}

// QueryAll fetches all known PeerRecords.
func (s *Store) QueryAll() (records []PeerRecord, err error) {
	err = s.bh.Find(&records, nil)
	return
}

// journalFilename names one journaled message.
func (s *Store) journalFilename(session paftp.Session, stamp time.Time) string {
	return path.Join(s.journalDir,
		fmt.Sprintf("%d-%d-%d.xz", session.PeerID, session.ID, stamp.UnixNano()))
}
