// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package rollup

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	ErrNoNode                = errors.New("no such node")
	ErrNotStaked             = errors.New("not staked")
	ErrAlreadyStaked         = errors.New("already staked")
	ErrStakerIsZombie        = errors.New("staker is a zombie")
	ErrNotEnoughStake        = errors.New("not enough stake")
	ErrTooLittleStake        = errors.New("target stake not below current stake")
	ErrInChallenge           = errors.New("staker in challenge")
	ErrNoChallenge           = errors.New("stakers not in the same challenge")
	ErrTimeDelta             = errors.New("assertion too soon after its parent")
	ErrTooSmall              = errors.New("assertion doesn't consume enough of the inbox")
	ErrEmptyAssertion        = errors.New("assertion covers no blocks")
	ErrBadPrevStatus         = errors.New("previous state not finished")
	ErrBadAfterStatus        = errors.New("after state neither finished nor errored")
	ErrPrevStateHash         = errors.New("before state doesn't match the parent node")
	ErrInboxBackwards        = errors.New("inbox position went backwards")
	ErrInboxPastEnd          = errors.New("assertion reads past the end of the inbox")
	ErrUnexpectedNodeHash    = errors.New("unexpected node hash")
	ErrNodeNumOutOfRange     = errors.New("node number out of range")
	ErrNodeReorg             = errors.New("node hash doesn't match")
	ErrNotStakedPrev         = errors.New("not staked on the parent node")
	ErrNoUnresolvedNodes     = errors.New("no unresolved nodes")
	ErrBeforeDeadline        = errors.New("node deadline not reached")
	ErrChildTooRecent        = errors.New("child confirm deadline not reached")
	ErrNoStakers             = errors.New("no live stakers on node")
	ErrNotAllStaked          = errors.New("not all stakers agree on the node")
	ErrConfirmData           = errors.New("confirm data mismatch")
	ErrStakedOnTarget        = errors.New("staker is staked on the node being rejected")
	ErrHasStakers            = errors.New("node has live stakers")
	ErrNodeResolved          = errors.New("node already resolved")
	ErrTooRecent             = errors.New("staked node not yet confirmed")
	ErrWrongOrder            = errors.New("challenged nodes out of order")
	ErrNotProposed           = errors.New("node not proposed")
	ErrAlreadyConfirmed      = errors.New("node already confirmed")
	ErrDifferentPrev         = errors.New("nodes don't share a parent")
	ErrChallengeHash         = errors.New("challenge data doesn't match the node")
	ErrNoSuchZombie          = errors.New("no such zombie")
	ErrInvalidStakeAmount    = errors.New("stake amount must be positive")
	ErrStakerNotStakedOnNode = errors.New("staker not staked on node")
)

type NotEnoughStakeError struct {
	Required *big.Int
	Provided *big.Int
}

func (e *NotEnoughStakeError) Error() string {
	return fmt.Sprintf("%v: required %v, provided %v", ErrNotEnoughStake, e.Required, e.Provided)
}

func (e *NotEnoughStakeError) Unwrap() error { return ErrNotEnoughStake }

type NodeNumOutOfRangeError struct {
	NodeNum           uint64
	FirstUnresolved   uint64
	LatestNodeCreated uint64
}

func (e *NodeNumOutOfRangeError) Error() string {
	return fmt.Sprintf("%v: %d not in [%d, %d]", ErrNodeNumOutOfRange, e.NodeNum, e.FirstUnresolved, e.LatestNodeCreated)
}

func (e *NodeNumOutOfRangeError) Unwrap() error { return ErrNodeNumOutOfRange }

type InboxPastEndError struct {
	AfterInboxCount uint64
	InboxSize       uint64
}

func (e *InboxPastEndError) Error() string {
	return fmt.Sprintf("%v: assertion needs %d messages, inbox has %d", ErrInboxPastEnd, e.AfterInboxCount, e.InboxSize)
}

func (e *InboxPastEndError) Unwrap() error { return ErrInboxPastEnd }

type UnexpectedNodeHashError struct {
	Expected common.Hash
	Actual   common.Hash
}

func (e *UnexpectedNodeHashError) Error() string {
	return fmt.Sprintf("%v: expected %v, computed %v", ErrUnexpectedNodeHash, e.Expected, e.Actual)
}

func (e *UnexpectedNodeHashError) Unwrap() error { return ErrUnexpectedNodeHash }

type TimeDeltaError struct {
	Elapsed uint64
	Minimum uint64
}

func (e *TimeDeltaError) Error() string {
	return fmt.Sprintf("%v: %d blocks since parent, minimum %d", ErrTimeDelta, e.Elapsed, e.Minimum)
}

func (e *TimeDeltaError) Unwrap() error { return ErrTimeDelta }

type NotAllStakedError struct {
	NodeNum          uint64
	ChildStakerCount uint64
	Agreeing         uint64
}

func (e *NotAllStakedError) Error() string {
	return fmt.Sprintf("%v: node %d has %d agreeing of %d child stakers", ErrNotAllStaked, e.NodeNum, e.Agreeing, e.ChildStakerCount)
}

func (e *NotAllStakedError) Unwrap() error { return ErrNotAllStaked }
