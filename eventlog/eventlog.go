// Copyright 2021-2023, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package eventlog persists committed settlement events to an on-disk journal.
package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	flag "github.com/spf13/pflag"

	"github.com/offchainlabs/rollup-settlement/l1"
)

type Config struct {
	Enable    bool   `koanf:"enable"`
	Directory string `koanf:"directory"`
	DBEngine  string `koanf:"db-engine"`
}

var DefaultConfig = Config{
	Enable:    true,
	Directory: "eventlog",
	DBEngine:  "leveldb",
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Bool(prefix+".enable", DefaultConfig.Enable, "journal every committed event to disk")
	f.String(prefix+".directory", DefaultConfig.Directory, "directory of the event journal")
	f.String(prefix+".db-engine", DefaultConfig.DBEngine, "backing database implementation to use ('leveldb' or 'pebble')")
}

func (c *Config) Validate() error {
	if c.DBEngine != "leveldb" && c.DBEngine != "pebble" {
		return fmt.Errorf("invalid db-engine %q", c.DBEngine)
	}
	return nil
}

var errNotFound = errors.New("not found")

// Keys that must not collide with entry keys start with '.', which sorts before the 'e' prefix.
var countKey = []byte(".count")

const entryPrefix = 'e'

type store interface {
	get(key []byte) ([]byte, error)
	put(key, value []byte) error
	close() error
}

// Entry is one journaled event.
type Entry struct {
	Seq         uint64
	BlockNumber uint64
	Kind        string
	Payload     []byte
}

type Journal struct {
	lock  sync.Mutex
	db    store
	count uint64
}

func Open(config *Config) (*Journal, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	var db store
	var err error
	switch config.DBEngine {
	case "leveldb":
		db, err = openLevelDB(config.Directory)
	case "pebble":
		db, err = openPebble(config.Directory)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %v journal at %v: %w", config.DBEngine, config.Directory, err)
	}
	j := &Journal{db: db}
	raw, err := db.get(countKey)
	switch {
	case errors.Is(err, errNotFound):
	case err != nil:
		return nil, err
	default:
		j.count = binary.BigEndian.Uint64(raw)
	}
	log.Info("opened event journal", "engine", config.DBEngine, "dir", config.Directory, "entries", j.count)
	return j, nil
}

func idxToKey(idx uint64) []byte {
	key := make([]byte, 9)
	key[0] = entryPrefix
	binary.BigEndian.PutUint64(key[1:], idx)
	return key
}

func (j *Journal) Append(blockNumber uint64, kind string, payload []byte) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	entry := Entry{Seq: j.count, BlockNumber: blockNumber, Kind: kind, Payload: payload}
	enc, err := rlp.EncodeToBytes(&entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	if err := j.db.put(idxToKey(j.count), enc); err != nil {
		return err
	}
	j.count++
	return j.db.put(countKey, binary.BigEndian.AppendUint64(nil, j.count))
}

// Deliver implements l1.EventSink, encoding each event with RLP.
func (j *Journal) Deliver(blockNumber uint64, evs []l1.Event) {
	for _, ev := range evs {
		payload, err := rlp.EncodeToBytes(ev)
		if err != nil {
			log.Error("failed to encode event for journal", "event", ev.EventName(), "err", err)
			continue
		}
		if err := j.Append(blockNumber, ev.EventName(), payload); err != nil {
			log.Error("failed to journal event", "event", ev.EventName(), "err", err)
		}
	}
}

func (j *Journal) Len() uint64 {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.count
}

// Replay calls fn on every entry in journal order.
func (j *Journal) Replay(fn func(*Entry) error) error {
	j.lock.Lock()
	count := j.count
	j.lock.Unlock()
	for i := uint64(0); i < count; i++ {
		raw, err := j.db.get(idxToKey(i))
		if err != nil {
			return fmt.Errorf("reading entry %v: %w", i, err)
		}
		var entry Entry
		if err := rlp.DecodeBytes(raw, &entry); err != nil {
			return fmt.Errorf("decoding entry %v: %w", i, err)
		}
		if err := fn(&entry); err != nil {
			return err
		}
	}
	return nil
}

// DecodePayload decodes an entry payload into the event type it was written from.
func DecodePayload[T any](entry *Entry) (*T, error) {
	var ev T
	if err := rlp.DecodeBytes(entry.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decoding %v payload: %w", entry.Kind, err)
	}
	return &ev, nil
}

func (j *Journal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.db.close()
}
