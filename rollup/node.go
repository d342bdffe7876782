// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package rollup

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

const GenesisNode uint64 = 0

type Node struct {
	// StateHash commits to the claimed end state and the inbox size when the node was created.
	StateHash common.Hash
	// ChallengeHash commits to the data a challenge over this node starts from.
	ChallengeHash common.Hash
	// ConfirmData commits to the block hash and send root published on confirmation.
	ConfirmData common.Hash
	PrevNum     uint64
	// DeadlineBlock is the earliest block this node can be resolved at.
	DeadlineBlock uint64
	// NoChildConfirmedBeforeBlock is the earliest block a child of this node can be confirmed at.
	NoChildConfirmedBeforeBlock uint64
	StakerCount                 uint64
	ChildStakerCount            uint64
	// FirstChildBlock is when the first child was created, zero while childless. The dispute
	// window of all children runs from here.
	FirstChildBlock   uint64
	LatestChildNumber uint64
	CreatedAtBlock    uint64
	NodeHash          common.Hash
}

func newNode(stateHash, challengeHash, confirmData common.Hash, prevNum, deadlineBlock, createdAt uint64, nodeHash common.Hash) *Node {
	return &Node{
		StateHash:                   stateHash,
		ChallengeHash:               challengeHash,
		ConfirmData:                 confirmData,
		PrevNum:                     prevNum,
		DeadlineBlock:               deadlineBlock,
		NoChildConfirmedBeforeBlock: deadlineBlock,
		CreatedAtBlock:              createdAt,
		NodeHash:                    nodeHash,
	}
}

func (n *Node) childCreated(number, blockNumber uint64) {
	if n.FirstChildBlock == 0 {
		n.FirstChildBlock = blockNumber
	}
	n.LatestChildNumber = number
}

func (n *Node) newChildConfirmDeadline(deadline uint64) {
	n.NoChildConfirmedBeforeBlock = deadline
}

func (n *Node) requirePastDeadline(blockNumber uint64) error {
	if blockNumber < n.DeadlineBlock {
		return errors.Wrapf(ErrBeforeDeadline, "block %d, deadline %d", blockNumber, n.DeadlineBlock)
	}
	return nil
}

func (n *Node) requirePastChildConfirmDeadline(blockNumber uint64) error {
	if blockNumber < n.NoChildConfirmedBeforeBlock {
		return errors.Wrapf(ErrChildTooRecent, "block %d, child confirm deadline %d", blockNumber, n.NoChildConfirmedBeforeBlock)
	}
	return nil
}

type Staker struct {
	AmountStaked     *big.Int
	Index            uint64
	LatestStakedNode uint64
	// CurrentChallenge is zero when the staker isn't in a challenge.
	CurrentChallenge uint64
	IsStaked         bool
}

// Zombie is a staker that lost a challenge. It keeps counting as staked on its nodes until
// those are resolved or it is removed.
type Zombie struct {
	StakerAddress    common.Address
	LatestStakedNode uint64
}
