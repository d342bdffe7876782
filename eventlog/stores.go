// Copyright 2021-2023, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package eventlog

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/syndtr/goleveldb/leveldb"
)

type levelStore struct {
	db *leveldb.DB
}

func openLevelDB(dir string) (store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &levelStore{db}, nil
}

func (s *levelStore) get(key []byte) ([]byte, error) {
	val, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, errNotFound
	}
	return val, err
}

func (s *levelStore) put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *levelStore) close() error {
	return s.db.Close()
}

type pebbleStore struct {
	db *pebble.DB
}

func openPebble(dir string) (store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &pebbleStore{db}, nil
}

func (s *pebbleStore) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, val...), nil
}

func (s *pebbleStore) put(key, value []byte) error {
	return s.db.Set(key, value, pebble.Sync)
}

func (s *pebbleStore) close() error {
	return s.db.Close()
}
