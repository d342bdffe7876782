// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package staker

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/offchainlabs/rollup-settlement/challenge"
	"github.com/offchainlabs/rollup-settlement/l1"
)

type ConfirmType uint8

const (
	CONFIRM_TYPE_NONE ConfirmType = iota
	CONFIRM_TYPE_VALID
	CONFIRM_TYPE_INVALID
)

// CheckDecidableNextNode reports whether the first unresolved node can be confirmed or
// rejected at blockNumber.
func (r *RollupWatcher) CheckDecidableNextNode(blockNumber uint64) ConfirmType {
	firstUnresolved := r.FirstUnresolvedNode()
	if firstUnresolved > r.LatestNodeCreated() {
		return CONFIRM_TYPE_NONE
	}
	node, ok := r.GetNode(firstUnresolved)
	if !ok {
		return CONFIRM_TYPE_NONE
	}
	latestConfirmed := r.LatestConfirmed()
	if node.PrevNum != latestConfirmed {
		// its parent was rejected
		return CONFIRM_TYPE_INVALID
	}
	prev, _ := r.GetNode(node.PrevNum)
	if blockNumber < node.DeadlineBlock || blockNumber < prev.NoChildConfirmedBeforeBlock {
		return CONFIRM_TYPE_NONE
	}
	stakedZombies := r.CountStakedZombies(firstUnresolved)
	if node.StakerCount > stakedZombies {
		zombiesOnOtherChildren := r.CountZombiesStakedOnChildren(node.PrevNum) - stakedZombies
		if prev.ChildStakerCount == node.StakerCount+zombiesOnOtherChildren {
			return CONFIRM_TYPE_VALID
		}
		return CONFIRM_TYPE_NONE
	}
	// rejecting needs a staker on a sibling, which the caller supplies
	return CONFIRM_TYPE_INVALID
}

// AreUnresolvedNodesLinear reports whether every unresolved node builds on the one before it.
func (r *RollupWatcher) AreUnresolvedNodesLinear() bool {
	first := r.FirstUnresolvedNode()
	last := r.LatestNodeCreated()
	for i := first; i <= last; i++ {
		node, ok := r.GetNode(i)
		if !ok {
			return false
		}
		if i == first {
			if node.PrevNum != r.LatestConfirmed() {
				return false
			}
		} else if node.PrevNum != i-1 {
			return false
		}
	}
	return true
}

// TimedOutChallenges returns up to max challenges between current stakers whose responder ran
// out of time.
func (r *RollupWatcher) TimedOutChallenges(ledger *l1.Ledger, manager *challenge.Manager, max int) ([]uint64, error) {
	var found []uint64
	seen := make(map[uint64]bool)
	err := ledger.Call(func(tx *l1.ActiveTx) error {
		for _, staker := range r.StakerAddresses() {
			if len(found) >= max {
				break
			}
			index := r.CurrentChallenge(staker)
			if index == 0 || seen[index] {
				continue
			}
			seen[index] = true
			timedOut, err := manager.IsTimedOut(tx, index)
			if err != nil {
				return err
			}
			if timedOut {
				found = append(found, index)
			}
		}
		return nil
	})
	return found, err
}

// GetStakers returns the stakers from start on, at most max of them, and whether more remain.
func (r *RollupWatcher) GetStakers(start, max uint64) ([]common.Address, bool) {
	all := r.StakerAddresses()
	if start >= uint64(len(all)) {
		return nil, false
	}
	end := start + max
	if end > uint64(len(all)) {
		end = uint64(len(all))
	}
	return all[start:end], end < uint64(len(all))
}
