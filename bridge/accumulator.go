// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package bridge

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/offchainlabs/rollup-settlement/l1"
)

// NextAccumulator is the accumulator step acc[i] = keccak(acc[i-1] ‖ messageHash).
func NextAccumulator(prev, messageHash common.Hash) common.Hash {
	return crypto.Keccak256Hash(prev.Bytes(), messageHash.Bytes())
}

// Accumulator is an append-only hash chain. acc[i] commits to every message up to and
// including i; the value before the first message is the zero hash.
type Accumulator struct {
	accs []common.Hash
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Len() uint64 {
	return uint64(len(a.accs))
}

func (a *Accumulator) At(index uint64) (common.Hash, error) {
	if index >= uint64(len(a.accs)) {
		return common.Hash{}, fmt.Errorf("%w: accumulator index %v, length %v", ErrOutOfRange, index, len(a.accs))
	}
	return a.accs[index], nil
}

// Last returns the newest value, or the zero hash when empty.
func (a *Accumulator) Last() common.Hash {
	if len(a.accs) == 0 {
		return common.Hash{}
	}
	return a.accs[len(a.accs)-1]
}

// Append chains messageHash onto the accumulator.
func (a *Accumulator) Append(tx *l1.ActiveTx, messageHash common.Hash) (index uint64, before, after common.Hash) {
	before = a.Last()
	after = NextAccumulator(before, messageHash)
	index = a.push(tx, after)
	return
}

func (a *Accumulator) push(tx *l1.ActiveTx, acc common.Hash) uint64 {
	index := uint64(len(a.accs))
	l1.Append(tx, &a.accs, acc)
	return index
}
