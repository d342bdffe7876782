// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package merkletree

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Accumulator keeps only the roots of the complete subtrees ("partials") of a
// MerkleTree, which is enough to append and to compute the root.
type Accumulator struct {
	size     uint64
	partials []common.Hash
}

var ErrInconsistentPartials = errors.New("partials don't match accumulator size")

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// NewAccumulatorFromPartials rebuilds an accumulator; a zero partial is an empty level.
func NewAccumulatorFromPartials(partials []common.Hash) *Accumulator {
	size := uint64(0)
	levelSize := uint64(1)
	for i := range partials {
		if partials[i] != (common.Hash{}) {
			size += levelSize
		}
		levelSize *= 2
	}
	return &Accumulator{size, append([]common.Hash{}, partials...)}
}

func (acc *Accumulator) Clone() *Accumulator {
	return &Accumulator{acc.size, append([]common.Hash{}, acc.partials...)}
}

func (acc *Accumulator) Size() uint64 {
	return acc.size
}

func (acc *Accumulator) Partials() []common.Hash {
	return append([]common.Hash{}, acc.partials...)
}

// Append adds an item; the item is hashed into its leaf node as in MerkleTree.
func (acc *Accumulator) Append(itemHash common.Hash) {
	level := 0
	soFar := LeafHash(itemHash)
	for {
		if level == len(acc.partials) {
			acc.partials = append(acc.partials, soFar)
			break
		}
		thisLevel := acc.partials[level]
		if thisLevel == (common.Hash{}) {
			acc.partials[level] = soFar
			break
		}
		soFar = crypto.Keccak256Hash(thisLevel.Bytes(), soFar.Bytes())
		acc.partials[level] = common.Hash{}
		level++
	}
	acc.size++
}

func (acc *Accumulator) Root() common.Hash {
	if acc.size == 0 {
		return common.Hash{}
	}
	var hashSoFar *common.Hash
	var capacityInHash uint64
	capacity := uint64(1)
	for level := range acc.partials {
		partial := acc.partials[level]
		if partial != (common.Hash{}) {
			if hashSoFar == nil {
				h := partial
				hashSoFar = &h
				capacityInHash = capacity
			} else {
				for capacityInHash < capacity {
					h := crypto.Keccak256Hash(hashSoFar.Bytes(), make([]byte, 32))
					hashSoFar = &h
					capacityInHash *= 2
				}
				h := crypto.Keccak256Hash(partial.Bytes(), hashSoFar.Bytes())
				hashSoFar = &h
				capacityInHash = 2 * capacity
			}
		}
		capacity *= 2
	}
	return *hashSoFar
}
