// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package l1 models the base ledger the settlement contracts run on: a serialized sequence of
// atomic transactions over native balances and a registry of contract addresses.
package l1

import (
	"errors"
	"fmt"
	"math/big"
	"runtime/debug"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	flag "github.com/spf13/pflag"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAddressInUse        = errors.New("address already has a contract")
	ErrTxPanicked          = errors.New("transaction panicked")

	txCommittedCounter = metrics.NewRegisteredCounter("arb/l1/tx/committed", nil)
	txRevertedCounter  = metrics.NewRegisteredCounter("arb/l1/tx/reverted", nil)
)

type Config struct {
	GenesisBlock     uint64 `koanf:"genesis-block"`
	GenesisTimestamp uint64 `koanf:"genesis-timestamp"`
	BlockTime        uint64 `koanf:"block-time"`
	BaseFee          uint64 `koanf:"base-fee"`
}

var DefaultConfig = Config{
	GenesisBlock:     1,
	GenesisTimestamp: 1_700_000_000,
	BlockTime:        12,
	BaseFee:          1_000_000_000,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Uint64(prefix+".genesis-block", DefaultConfig.GenesisBlock, "block number of the simulated base ledger at start")
	f.Uint64(prefix+".genesis-timestamp", DefaultConfig.GenesisTimestamp, "timestamp of the simulated base ledger at start")
	f.Uint64(prefix+".block-time", DefaultConfig.BlockTime, "seconds between base ledger blocks")
	f.Uint64(prefix+".base-fee", DefaultConfig.BaseFee, "base fee reported to batch posting reports")
}

func (c *Config) Validate() error {
	if c.BlockTime == 0 {
		return errors.New("block-time must be positive")
	}
	return nil
}

// PanicError is returned by Tx when the transaction body panicked.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v: %v", ErrTxPanicked, e.Value)
}

func (e *PanicError) Unwrap() error {
	return ErrTxPanicked
}

// Contract is a component reachable through a nested ledger call.
type Contract interface {
	Call(tx *ActiveTx, caller common.Address, value *big.Int, data []byte) ([]byte, error)
}

// Reverter is implemented by errors that carry revert data for the caller.
type Reverter interface {
	RevertData() []byte
}

// Event is anything a contract emits during a transaction.
type Event interface {
	EventName() string
}

// EventSink receives the events of every committed transaction, in emission order.
type EventSink interface {
	Deliver(blockNumber uint64, evs []Event)
}

type Ledger struct {
	mutex       sync.RWMutex
	blockNumber uint64
	timestamp   uint64
	blockTime   uint64
	baseFee     *big.Int
	balances    map[common.Address]*big.Int
	contracts   map[common.Address]Contract
	sinks       []EventSink
	nonce       uint64
}

func NewLedger(config *Config) *Ledger {
	return &Ledger{
		blockNumber: config.GenesisBlock,
		timestamp:   config.GenesisTimestamp,
		blockTime:   config.BlockTime,
		baseFee:     new(big.Int).SetUint64(config.BaseFee),
		balances:    make(map[common.Address]*big.Int),
		contracts:   make(map[common.Address]Contract),
	}
}

func (l *Ledger) Subscribe(sink EventSink) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.sinks = append(l.sinks, sink)
}

// NewContractAddress derives a fresh deterministic address for a contract deployment.
func (l *Ledger) NewContractAddress(label string) common.Address {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.nonce++
	return common.BytesToAddress(crypto.Keccak256([]byte(label), common.BigToHash(new(big.Int).SetUint64(l.nonce)).Bytes())[12:])
}

func (l *Ledger) Register(addr common.Address, c Contract) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if _, ok := l.contracts[addr]; ok {
		return fmt.Errorf("%w: %v", ErrAddressInUse, addr)
	}
	l.contracts[addr] = c
	return nil
}

func (l *Ledger) BlockNumber() uint64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.blockNumber
}

func (l *Ledger) Timestamp() uint64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.timestamp
}

// AdvanceBlocks mines n empty blocks, moving the clock forward by the block time for each.
func (l *Ledger) AdvanceBlocks(n uint64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.blockNumber += n
	l.timestamp += n * l.blockTime
}

// AdvanceTime moves the clock without producing blocks.
func (l *Ledger) AdvanceTime(seconds uint64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.timestamp += seconds
}

func (l *Ledger) SetBaseFee(fee *big.Int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.baseFee = new(big.Int).Set(fee)
}

// Mint credits native funds outside of any transaction, as a genesis allocation.
func (l *Ledger) Mint(addr common.Address, amount *big.Int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.balances[addr] = new(big.Int).Add(l.balanceOf(addr), amount)
}

func (l *Ledger) balanceOf(addr common.Address) *big.Int {
	if b, ok := l.balances[addr]; ok {
		return b
	}
	return common.Big0
}

// Tx runs clo as one atomic transaction sent by origin. If clo returns an error or panics every
// write it made is undone and its events are dropped. A panic is reported as a *PanicError.
func (l *Ledger) Tx(origin common.Address, clo func(tx *ActiveTx) error) error {
	tx := &ActiveTx{
		ledger:   l,
		origin:   origin,
		txStatus: readWriteTxStatus,
	}
	blockNumber, sinks, err := l.runTx(tx, clo)
	if err != nil {
		txRevertedCounter.Inc(1)
		log.Trace("base ledger transaction reverted", "origin", origin, "block", blockNumber, "err", err)
		return err
	}
	txCommittedCounter.Inc(1)
	for _, hook := range tx.onCommit {
		hook()
	}
	if len(tx.events) > 0 {
		for _, sink := range sinks {
			sink.Deliver(blockNumber, tx.events)
		}
	}
	return nil
}

func (l *Ledger) runTx(tx *ActiveTx, clo func(tx *ActiveTx) error) (blockNumber uint64, sinks []EventSink, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	blockNumber = l.blockNumber
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Value: recovered, Stack: debug.Stack()}
			log.Error("base ledger transaction panicked", "origin", tx.origin, "block", blockNumber, "panic", recovered)
		}
		if err != nil {
			tx.RevertToSnapshot(0)
			tx.onCommit = nil
		}
		tx.txStatus = deadTxStatus
	}()
	if err = clo(tx); err != nil {
		return blockNumber, nil, err
	}
	return blockNumber, append([]EventSink{}, l.sinks...), nil
}

// Call runs clo as a read-only view of the ledger.
func (l *Ledger) Call(clo func(tx *ActiveTx) error) error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	tx := &ActiveTx{ledger: l, txStatus: readOnlyTxStatus}
	err := clo(tx)
	tx.txStatus = deadTxStatus
	return err
}

const (
	deadTxStatus = iota
	readOnlyTxStatus
	readWriteTxStatus
)

type snapshot struct {
	journalLen int
	eventsLen  int
}

// ActiveTx is a transaction that is currently being processed.
type ActiveTx struct {
	ledger    *Ledger
	origin    common.Address
	txStatus  int
	journal   []func()
	events    []Event
	snapshots []snapshot
	onCommit  []func()
}

// verifyRead is a helper function to verify that the transaction is still live.
func (tx *ActiveTx) verifyRead() {
	if tx.txStatus == deadTxStatus {
		panic("tried to read ledger after call ended")
	}
}

// verifyReadWrite is a helper function to verify that the transaction is read-write.
func (tx *ActiveTx) verifyReadWrite() {
	if tx.txStatus != readWriteTxStatus {
		panic("tried to modify ledger in read-only call")
	}
}

func (tx *ActiveTx) Origin() common.Address {
	return tx.origin
}

func (tx *ActiveTx) BlockNumber() uint64 {
	tx.verifyRead()
	return tx.ledger.blockNumber
}

func (tx *ActiveTx) Timestamp() uint64 {
	tx.verifyRead()
	return tx.ledger.timestamp
}

func (tx *ActiveTx) BaseFee() *big.Int {
	tx.verifyRead()
	return new(big.Int).Set(tx.ledger.baseFee)
}

func (tx *ActiveTx) IsContract(addr common.Address) bool {
	tx.verifyRead()
	_, ok := tx.ledger.contracts[addr]
	return ok
}

// Emit buffers an event until the transaction commits.
func (tx *ActiveTx) Emit(ev Event) {
	tx.verifyReadWrite()
	tx.events = append(tx.events, ev)
}

// OnCommit schedules fn to run after the transaction commits, outside the ledger lock.
func (tx *ActiveTx) OnCommit(fn func()) {
	tx.verifyReadWrite()
	tx.onCommit = append(tx.onCommit, fn)
}

// Snapshot returns an identifier for the current write position.
func (tx *ActiveTx) Snapshot() int {
	tx.verifyReadWrite()
	tx.snapshots = append(tx.snapshots, snapshot{len(tx.journal), len(tx.events)})
	return len(tx.snapshots)
}

// RevertToSnapshot undoes every write made after the given snapshot. Snapshot 0 is the start of
// the transaction.
func (tx *ActiveTx) RevertToSnapshot(id int) {
	target := snapshot{}
	if id > 0 {
		target = tx.snapshots[id-1]
		tx.snapshots = tx.snapshots[:id-1]
	} else {
		tx.snapshots = nil
	}
	for i := len(tx.journal) - 1; i >= target.journalLen; i-- {
		tx.journal[i]()
	}
	tx.journal = tx.journal[:target.journalLen]
	tx.events = tx.events[:target.eventsLen]
}

func (tx *ActiveTx) Balance(addr common.Address) *big.Int {
	tx.verifyRead()
	return new(big.Int).Set(tx.ledger.balanceOf(addr))
}

// Transfer moves native funds between accounts.
func (tx *ActiveTx) Transfer(from, to common.Address, amount *big.Int) error {
	tx.verifyReadWrite()
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	balance := tx.ledger.balanceOf(from)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %v has %v, needs %v", ErrInsufficientBalance, from, balance, amount)
	}
	MapSet(tx, tx.ledger.balances, from, new(big.Int).Sub(balance, amount))
	MapSet(tx, tx.ledger.balances, to, new(big.Int).Add(tx.ledger.balanceOf(to), amount))
	return nil
}

// CallContract transfers value and invokes the contract at to on behalf of caller. A failing
// callee has its writes rolled back and is reported with its revert data, the way a low-level
// call reports failure to its caller. Calling an account without code just moves the value.
func (tx *ActiveTx) CallContract(caller, to common.Address, value *big.Int, data []byte) (bool, []byte) {
	snap := tx.Snapshot()
	if err := tx.Transfer(caller, to, value); err != nil {
		tx.RevertToSnapshot(snap)
		return false, []byte(err.Error())
	}
	contract, ok := tx.ledger.contracts[to]
	if !ok {
		return true, nil
	}
	ret, err := contract.Call(tx, caller, value, data)
	if err != nil {
		tx.RevertToSnapshot(snap)
		var reverter Reverter
		if errors.As(err, &reverter) {
			return false, reverter.RevertData()
		}
		return false, []byte(err.Error())
	}
	return true, ret
}
