// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package merkletree

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MerkleTree is an append-only binary Merkle tree. Leaves hash as keccak(item),
// internal nodes as keccak(left ‖ right), and empty subtrees as the zero hash.
type MerkleTree interface {
	Hash() common.Hash
	Size() uint64
	Capacity() uint64
	Append(common.Hash) MerkleTree
	SummarizeUpTo(num uint64) MerkleTree
	// prove returns the leaf item at index and appends the sibling hashes on the
	// path up to this node, bottom first.
	prove(index uint64, siblings []common.Hash) (common.Hash, []common.Hash, error)
}

var ErrSummarized = errors.New("cannot prove into a summarized subtree")

func NewEmptyMerkleTree() MerkleTree {
	return NewMerkleEmpty(0)
}

// NewMerkleTreeFromItems builds a tree by appending every item in order.
func NewMerkleTreeFromItems(items []common.Hash) MerkleTree {
	tree := NewEmptyMerkleTree()
	for _, item := range items {
		tree = tree.Append(item)
	}
	return tree
}

// LeafHash is the node hash a leaf item occupies in the tree.
func LeafHash(item common.Hash) common.Hash {
	return crypto.Keccak256Hash(item.Bytes())
}

type merkleTreeLeaf struct {
	hash common.Hash
}

func NewMerkleLeaf(hash common.Hash) MerkleTree {
	return &merkleTreeLeaf{hash}
}

func (leaf *merkleTreeLeaf) Hash() common.Hash {
	return LeafHash(leaf.hash)
}

func (leaf *merkleTreeLeaf) Size() uint64 {
	return 1
}

func (leaf *merkleTreeLeaf) Capacity() uint64 {
	return 1
}

func (leaf *merkleTreeLeaf) Append(newHash common.Hash) MerkleTree {
	return NewMerkleInternal(leaf, NewMerkleLeaf(newHash))
}

func (leaf *merkleTreeLeaf) SummarizeUpTo(num uint64) MerkleTree {
	return leaf
}

func (leaf *merkleTreeLeaf) prove(index uint64, siblings []common.Hash) (common.Hash, []common.Hash, error) {
	if index != 0 {
		return common.Hash{}, nil, fmt.Errorf("leaf index %v out of range", index)
	}
	return leaf.hash, siblings, nil
}

type merkleEmpty struct {
	capacity uint64
}

func NewMerkleEmpty(capacity uint64) MerkleTree {
	return &merkleEmpty{capacity}
}

func (me *merkleEmpty) Hash() common.Hash {
	return common.Hash{}
}

func (me *merkleEmpty) Size() uint64 {
	return 0
}

func (me *merkleEmpty) Capacity() uint64 {
	return me.capacity
}

func (me *merkleEmpty) Append(newHash common.Hash) MerkleTree {
	if me.capacity <= 1 {
		return NewMerkleLeaf(newHash)
	}
	halfSizeEmpty := NewMerkleEmpty(me.capacity / 2)
	return NewMerkleInternal(halfSizeEmpty.Append(newHash), halfSizeEmpty)
}

func (me *merkleEmpty) SummarizeUpTo(num uint64) MerkleTree {
	return me
}

func (me *merkleEmpty) prove(index uint64, siblings []common.Hash) (common.Hash, []common.Hash, error) {
	return common.Hash{}, nil, fmt.Errorf("index %v is in an empty subtree", index)
}

type merkleInternal struct {
	hash     common.Hash
	size     uint64
	capacity uint64
	left     MerkleTree
	right    MerkleTree
}

func NewMerkleInternal(left, right MerkleTree) MerkleTree {
	return &merkleInternal{
		crypto.Keccak256Hash(left.Hash().Bytes(), right.Hash().Bytes()),
		left.Size() + right.Size(),
		left.Capacity() + right.Capacity(),
		left,
		right,
	}
}

func (mi *merkleInternal) Hash() common.Hash {
	return mi.hash
}

func (mi *merkleInternal) Size() uint64 {
	return mi.size
}

func (mi *merkleInternal) Capacity() uint64 {
	return mi.capacity
}

func (mi *merkleInternal) Append(newHash common.Hash) MerkleTree {
	if mi.size == mi.capacity {
		return NewMerkleInternal(mi, NewMerkleEmpty(mi.capacity).Append(newHash))
	} else if 2*mi.size < mi.capacity {
		return NewMerkleInternal(mi.left.Append(newHash), mi.right)
	} else {
		return NewMerkleInternal(mi.left, mi.right.Append(newHash))
	}
}

func (mi *merkleInternal) SummarizeUpTo(num uint64) MerkleTree {
	if num == mi.capacity {
		return summaryFromMerkleTree(mi)
	}
	leftSize := mi.left.Size()
	if num <= leftSize {
		return NewMerkleInternal(mi.left.SummarizeUpTo(num), mi.right)
	}
	return NewMerkleInternal(summaryFromMerkleTree(mi.left), mi.right.SummarizeUpTo(num-leftSize))
}

func (mi *merkleInternal) prove(index uint64, siblings []common.Hash) (common.Hash, []common.Hash, error) {
	leftCapacity := mi.left.Capacity()
	if index < leftCapacity {
		item, siblings, err := mi.left.prove(index, siblings)
		if err != nil {
			return common.Hash{}, nil, err
		}
		return item, append(siblings, mi.right.Hash()), nil
	}
	item, siblings, err := mi.right.prove(index-leftCapacity, siblings)
	if err != nil {
		return common.Hash{}, nil, err
	}
	return item, append(siblings, mi.left.Hash()), nil
}

type merkleCompleteSubtreeSummary struct {
	hash     common.Hash
	capacity uint64
}

func NewSummaryMerkleTree(hash common.Hash, capacity uint64) MerkleTree {
	return &merkleCompleteSubtreeSummary{hash, capacity}
}

func summaryFromMerkleTree(subtree MerkleTree) MerkleTree {
	if subtree.Size() == 1 {
		return subtree
	}
	if subtree.Size() != subtree.Capacity() {
		panic("tried to summarize a non-full MerkleTree node")
	}
	return &merkleCompleteSubtreeSummary{subtree.Hash(), subtree.Capacity()}
}

func (sum *merkleCompleteSubtreeSummary) Hash() common.Hash {
	return sum.hash
}

func (sum *merkleCompleteSubtreeSummary) Size() uint64 {
	return sum.capacity
}

func (sum *merkleCompleteSubtreeSummary) Capacity() uint64 {
	return sum.capacity
}

func (sum *merkleCompleteSubtreeSummary) Append(newHash common.Hash) MerkleTree {
	return NewMerkleInternal(sum, NewMerkleEmpty(sum.capacity).Append(newHash))
}

func (sum *merkleCompleteSubtreeSummary) SummarizeUpTo(num uint64) MerkleTree {
	return sum
}

func (sum *merkleCompleteSubtreeSummary) prove(uint64, []common.Hash) (common.Hash, []common.Hash, error) {
	return common.Hash{}, nil, ErrSummarized
}

// Prove builds the inclusion proof of the leaf at index.
func Prove(tree MerkleTree, index uint64) (*MerkleProof, error) {
	if index >= tree.Size() {
		return nil, fmt.Errorf("leaf index %v out of range for tree of size %v", index, tree.Size())
	}
	item, siblings, err := tree.prove(index, nil)
	if err != nil {
		return nil, err
	}
	return &MerkleProof{
		RootHash:  tree.Hash(),
		LeafHash:  item,
		LeafIndex: index,
		Proof:     siblings,
	}, nil
}

type MerkleProof struct {
	RootHash  common.Hash
	LeafHash  common.Hash
	LeafIndex uint64
	Proof     []common.Hash
}

// CalculateRoot folds a proof from a leaf node hash up to a root. A zero bit in
// index keeps the running hash on the left, a one bit puts it on the right.
func CalculateRoot(node common.Hash, index uint64, proof []common.Hash) common.Hash {
	hash := node
	for _, hashFromProof := range proof {
		if index&1 == 0 {
			hash = crypto.Keccak256Hash(hash.Bytes(), hashFromProof.Bytes())
		} else {
			hash = crypto.Keccak256Hash(hashFromProof.Bytes(), hash.Bytes())
		}
		index = index / 2
	}
	return hash
}

// IsCorrect checks the proof of item LeafHash, which is hashed into its leaf node first.
func (proof *MerkleProof) IsCorrect() bool {
	if len(proof.Proof) < 64 && proof.LeafIndex>>uint(len(proof.Proof)) != 0 {
		return false
	}
	return CalculateRoot(LeafHash(proof.LeafHash), proof.LeafIndex, proof.Proof) == proof.RootHash
}
