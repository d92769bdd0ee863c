// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package evtstore archives zap events and their waveforms in an
// embedded key/value database.
package evtstore // import "github.com/go-lpc/zappy/evtstore"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketEvents = []byte("events")

	// ErrNotFound is returned when an event is not in the store.
	ErrNotFound = errors.New("evtstore: event not found")
)

// Store is an archive of zap events.
type Store struct {
	db *bbolt.DB
}

// Open opens the archive at path, creating it if needed.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("evtstore: could not open %q: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("evtstore: could not create events bucket: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// Put appends evt to the archive and returns its identifier.
// Identifiers are strictly increasing, starting at 1.
func (s *Store) Put(evt *Event) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketEvents)
		var err error
		id, err = bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("could not allocate event id: %w", err)
		}

		buf := new(bytes.Buffer)
		err = NewEncoder(buf).Encode(evt)
		if err != nil {
			return err
		}
		return bkt.Put(key(id), buf.Bytes())
	})
	if err != nil {
		return 0, fmt.Errorf("evtstore: could not store event: %w", err)
	}
	evt.ID = id
	return id, nil
}

// Get retrieves the event id.
func (s *Store) Get(id uint64) (Event, error) {
	var evt Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEvents).Get(key(id))
		if raw == nil {
			return ErrNotFound
		}
		return NewDecoder(bytes.NewReader(raw)).Decode(&evt)
	})
	if err != nil {
		return evt, fmt.Errorf("evtstore: could not load event %d: %w", id, err)
	}
	evt.ID = id
	return evt, nil
}

// Len returns the number of archived events.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return n, err
}

// Walk calls f with each archived event, in identifier order, until f
// returns an error.
func (s *Store) Walk(f func(evt Event) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			evt := Event{ID: binary.BigEndian.Uint64(k)}
			err := NewDecoder(bytes.NewReader(v)).Decode(&evt)
			if err != nil {
				return fmt.Errorf("evtstore: could not decode event %d: %w", evt.ID, err)
			}
			return f(evt)
		})
	})
}
