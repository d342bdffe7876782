// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package outbox executes rollup-to-base-ledger messages out of confirmed send roots, each at
// most once.
package outbox

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/offchainlabs/rollup-settlement/access"
	"github.com/offchainlabs/rollup-settlement/bridge"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/util/arbmath"
	"github.com/offchainlabs/rollup-settlement/util/bitset"
	"github.com/offchainlabs/rollup-settlement/util/merkletree"
)

var (
	executedCounter       = metrics.NewRegisteredCounter("arb/outbox/executed", nil)
	executedFailedCounter = metrics.NewRegisteredCounter("arb/outbox/executed/failed", nil)
	sendRootsGauge        = metrics.NewRegisteredGauge("arb/outbox/roots", nil)
)

// MaxProofLength bounds the Merkle path; index must fit in the path.
const MaxProofLength = 256

// bitsPerSpentWord is how many usable entries each 256-bit spent word holds; the top bit of
// every word is never assigned.
const bitsPerSpentWord = 255

// L2ToL1Context describes the outgoing message currently being executed.
type L2ToL1Context struct {
	L2Sender  common.Address
	L2Block   uint64
	L1Block   uint64
	Timestamp uint64
	OutputId  common.Hash
}

type Outbox struct {
	addr   common.Address
	bridge *bridge.Bridge
	policy *access.Policy

	roots    map[common.Hash]common.Hash
	spent    *bitset.Bitset
	contexts []L2ToL1Context
}

func NewOutbox(addr common.Address, b *bridge.Bridge, policy *access.Policy) *Outbox {
	return &Outbox{
		addr:   addr,
		bridge: b,
		policy: policy,
		roots:  make(map[common.Hash]common.Hash),
		spent:  bitset.New(),
	}
}

func (o *Outbox) Address() common.Address {
	return o.addr
}

// UpdateSendRoot records the send root of a newly confirmed node.
func (o *Outbox) UpdateSendRoot(tx *l1.ActiveTx, caller common.Address, sendRoot, l2BlockHash common.Hash) error {
	if err := o.policy.Require(access.Rollup, caller); err != nil {
		return err
	}
	l1.MapSet(tx, o.roots, sendRoot, l2BlockHash)
	tx.Emit(&SendRootUpdated{OutputRoot: sendRoot, L2BlockHash: l2BlockHash})
	count := int64(len(o.roots))
	tx.OnCommit(func() { sendRootsGauge.Update(count) })
	log.Debug("send root updated", "root", sendRoot, "blockHash", l2BlockHash)
	return nil
}

// Roots returns the block hash recorded for a send root, or the zero hash.
func (o *Outbox) Roots(sendRoot common.Hash) common.Hash {
	return o.roots[sendRoot]
}

// L2ToL1Context returns the context of the innermost execution in progress.
func (o *Outbox) L2ToL1Context() (L2ToL1Context, bool) {
	if len(o.contexts) == 0 {
		return L2ToL1Context{}, false
	}
	return o.contexts[len(o.contexts)-1], true
}

func (o *Outbox) L2ToL1Sender() common.Address {
	ctx, _ := o.L2ToL1Context()
	return ctx.L2Sender
}

func CalculateItemHash(
	l2Sender common.Address,
	to common.Address,
	l2Block uint64,
	l1Block uint64,
	l2Timestamp uint64,
	value *big.Int,
	data []byte,
) common.Hash {
	if value == nil {
		value = new(big.Int)
	}
	return crypto.Keccak256Hash(
		l2Sender.Bytes(),
		to.Bytes(),
		arbmath.Uint64ToU256Bytes(l2Block),
		arbmath.Uint64ToU256Bytes(l1Block),
		arbmath.Uint64ToU256Bytes(l2Timestamp),
		arbmath.U256Bytes(value),
		data,
	)
}

// CalculateMerkleRoot folds a proof from the leaf of item. Bit i of index set means the
// running hash is the right child at level i.
func CalculateMerkleRoot(proof []common.Hash, index uint64, item common.Hash) common.Hash {
	return merkletree.CalculateRoot(merkletree.LeafHash(item), index, proof)
}

// spentSlot locates index in the spent map as a 64-bit word and an offset in it. Each 256-bit
// spent word spans four 64-bit words.
func spentSlot(index uint64) (uint64, uint64) {
	bit := index % bitsPerSpentWord
	return (index/bitsPerSpentWord)*4 + bit/64, bit % 64
}

func (o *Outbox) IsSpent(index uint64) bool {
	return o.spent.GetAt(spentSlot(index))
}

func (o *Outbox) recordOutputAsSpent(tx *l1.ActiveTx, proof []common.Hash, index uint64, item common.Hash) error {
	if len(proof) >= MaxProofLength {
		return &ProofTooLongError{ProofLength: len(proof)}
	}
	if len(proof) < 64 && index >= uint64(1)<<len(proof) {
		return &PathNotMinimalError{Index: index, MaxIndex: uint64(1)<<len(proof) - 1}
	}
	root := CalculateMerkleRoot(proof, index, item)
	if o.roots[root] == (common.Hash{}) {
		return &UnknownRootError{Root: root}
	}
	word, offset := spentSlot(index)
	if o.spent.SetAt(word, offset) {
		return &AlreadySpentError{Index: index}
	}
	l1.Record(tx, func() { o.spent.ClearAt(word, offset) })
	return nil
}

func (o *Outbox) executeBridgeCall(tx *l1.ActiveTx, context L2ToL1Context, to common.Address, value *big.Int, data []byte) (bool, []byte, error) {
	l1.Append(tx, &o.contexts, context)
	success, returnData, err := o.bridge.ExecuteCall(tx, o.addr, to, value, data)
	l1.Pop(tx, &o.contexts)
	return success, returnData, err
}

// ExecuteTransaction proves an outgoing message against a confirmed send root, marks it spent
// and calls its target through the bridge. A reverting target does not undo the spent mark; the
// failure is reported through the returned flag and revert data.
func (o *Outbox) ExecuteTransaction(
	tx *l1.ActiveTx,
	caller common.Address,
	proof []common.Hash,
	index uint64,
	l2Sender common.Address,
	to common.Address,
	l2Block uint64,
	l1Block uint64,
	l2Timestamp uint64,
	value *big.Int,
	data []byte,
) (bool, []byte, error) {
	item := CalculateItemHash(l2Sender, to, l2Block, l1Block, l2Timestamp, value, data)
	if err := o.recordOutputAsSpent(tx, proof, index, item); err != nil {
		return false, nil, err
	}
	context := L2ToL1Context{
		L2Sender:  l2Sender,
		L2Block:   l2Block,
		L1Block:   l1Block,
		Timestamp: l2Timestamp,
		OutputId:  common.BigToHash(new(big.Int).SetUint64(index)),
	}
	success, returnData, err := o.executeBridgeCall(tx, context, to, value, data)
	if err != nil {
		return false, nil, err
	}
	tx.Emit(&OutBoxTransactionExecuted{
		To:               to,
		L2Sender:         l2Sender,
		ZeroIndex:        0,
		TransactionIndex: index,
		Success:          success,
	})
	tx.OnCommit(func() {
		executedCounter.Inc(1)
		if !success {
			executedFailedCounter.Inc(1)
		}
	})
	if !success {
		log.Warn("outbox target call failed", "index", index, "to", to, "caller", caller)
	}
	return success, returnData, nil
}

// ExecuteTransactionSimulation runs an outgoing message without a proof and without recording
// it. Every write it makes, including those of the target, is discarded.
func (o *Outbox) ExecuteTransactionSimulation(
	tx *l1.ActiveTx,
	index uint64,
	l2Sender common.Address,
	to common.Address,
	l2Block uint64,
	l1Block uint64,
	l2Timestamp uint64,
	value *big.Int,
	data []byte,
) ([]byte, error) {
	snap := tx.Snapshot()
	defer tx.RevertToSnapshot(snap)
	context := L2ToL1Context{
		L2Sender:  l2Sender,
		L2Block:   l2Block,
		L1Block:   l1Block,
		Timestamp: l2Timestamp,
		OutputId:  common.BigToHash(new(big.Int).SetUint64(index)),
	}
	success, returnData, err := o.executeBridgeCall(tx, context, to, value, data)
	if err != nil {
		return nil, err
	}
	if !success {
		return nil, &BridgeCallFailedError{ReturnData: returnData}
	}
	return returnData, nil
}
