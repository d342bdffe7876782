// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package staker

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/offchainlabs/rollup-settlement/events"
	"github.com/offchainlabs/rollup-settlement/rollup"
	"github.com/offchainlabs/rollup-settlement/validator"
)

type NodeInfo struct {
	NodeNum            uint64
	BlockProposed      uint64
	Assertion          *validator.Assertion
	InboxMaxCount      uint64
	AfterInboxBatchAcc common.Hash
	NodeHash           common.Hash
	ParentNodeHash     common.Hash
	ExecutionHash      common.Hash
	WasmModuleRoot     common.Hash
}

func (n *NodeInfo) AfterState() *validator.ExecutionState {
	return &n.Assertion.AfterState
}

func (n *NodeInfo) MachineStatuses() [2]validator.MachineStatus {
	return [2]validator.MachineStatus{
		n.Assertion.BeforeState.MachineStatus,
		n.Assertion.AfterState.MachineStatus,
	}
}

func (n *NodeInfo) GlobalStates() [2]validator.GoGlobalState {
	return [2]validator.GoGlobalState{
		n.Assertion.BeforeState.GlobalState,
		n.Assertion.AfterState.GlobalState,
	}
}

type StakerInfo struct {
	Index            uint64
	LatestStakedNode uint64
	AmountStaked     *big.Int
	CurrentChallenge *uint64
}

type ConflictType uint8

const (
	CONFLICT_TYPE_NONE ConflictType = iota
	CONFLICT_TYPE_FOUND
	CONFLICT_TYPE_INDETERMINATE
	CONFLICT_TYPE_INCOMPLETE
)

// RollupWatcher answers the staker's questions about the rollup from its state and the
// events it emitted.
type RollupWatcher struct {
	*rollup.Rollup
	recorder *events.Recorder
}

func NewRollupWatcher(r *rollup.Rollup, recorder *events.Recorder) *RollupWatcher {
	return &RollupWatcher{Rollup: r, recorder: recorder}
}

func (r *RollupWatcher) genesisInfo() (*NodeInfo, error) {
	node, ok := r.GetNode(rollup.GenesisNode)
	if !ok {
		return nil, errors.New("rollup has no genesis node")
	}
	config := r.Config()
	state := validator.ExecutionState{GlobalState: config.GenesisState, MachineStatus: validator.MachineStatusFinished}
	return &NodeInfo{
		NodeNum:        rollup.GenesisNode,
		BlockProposed:  node.CreatedAtBlock,
		Assertion:      &validator.Assertion{BeforeState: state, AfterState: state},
		InboxMaxCount:  config.GenesisInboxMaxCount,
		NodeHash:       node.NodeHash,
		WasmModuleRoot: r.WasmModuleRoot(),
	}, nil
}

func nodeInfoFromEvent(ev *rollup.NodeCreated, proposed uint64) *NodeInfo {
	assertion := ev.Assertion
	return &NodeInfo{
		NodeNum:            ev.NodeNum,
		BlockProposed:      proposed,
		Assertion:          &assertion,
		InboxMaxCount:      ev.InboxMaxCount,
		AfterInboxBatchAcc: ev.AfterInboxBatchAcc,
		NodeHash:           ev.NodeHash,
		ParentNodeHash:     ev.ParentNodeHash,
		ExecutionHash:      ev.ExecutionHash,
		WasmModuleRoot:     ev.WasmModuleRoot,
	}
}

func (r *RollupWatcher) LookupNode(number uint64) (*NodeInfo, error) {
	if number == rollup.GenesisNode {
		return r.genesisInfo()
	}
	evs := events.Filter(r.recorder, func(ev *rollup.NodeCreated) bool { return ev.NodeNum == number })
	if len(evs) == 0 {
		return nil, fmt.Errorf("couldn't find requested node %d", number)
	}
	if len(evs) > 1 {
		return nil, fmt.Errorf("found multiple instances of requested node %d", number)
	}
	node, ok := r.GetNode(number)
	if !ok {
		return nil, fmt.Errorf("node %d no longer stored", number)
	}
	return nodeInfoFromEvent(evs[0], node.CreatedAtBlock), nil
}

// LookupNodeChildren returns the still stored nodes created on top of parent, oldest first.
func (r *RollupWatcher) LookupNodeChildren(parent uint64) ([]*NodeInfo, error) {
	parentNode, ok := r.GetNode(parent)
	if !ok {
		return nil, fmt.Errorf("couldn't find parent node %d", parent)
	}
	evs := events.Filter(r.recorder, func(ev *rollup.NodeCreated) bool { return ev.ParentNodeHash == parentNode.NodeHash })
	infos := make([]*NodeInfo, 0, len(evs))
	for _, ev := range evs {
		node, ok := r.GetNode(ev.NodeNum)
		if !ok {
			// rejected and destroyed
			continue
		}
		infos = append(infos, nodeInfoFromEvent(ev, node.CreatedAtBlock))
	}
	return infos, nil
}

func (r *RollupWatcher) LookupChallengedNode(challengeIndex uint64) (uint64, error) {
	ev, ok := events.Last(r.recorder, func(ev *rollup.RollupChallengeStarted) bool { return ev.ChallengeIndex == challengeIndex })
	if !ok {
		return 0, fmt.Errorf("no matching challenge %d", challengeIndex)
	}
	return ev.ChallengedNode, nil
}

// StakerInfo returns nil if staker isn't staked.
func (r *RollupWatcher) StakerInfo(staker common.Address) *StakerInfo {
	s, ok := r.GetStaker(staker)
	if !ok || !s.IsStaked {
		return nil
	}
	info := &StakerInfo{
		Index:            s.Index,
		LatestStakedNode: s.LatestStakedNode,
		AmountStaked:     new(big.Int).Set(s.AmountStaked),
	}
	if s.CurrentChallenge != 0 {
		chal := s.CurrentChallenge
		info.CurrentChallenge = &chal
	}
	return info
}

// LatestStaked returns the node staker is staked on, or the latest confirmed node if it isn't
// staked.
func (r *RollupWatcher) LatestStaked(staker common.Address) (uint64, common.Hash) {
	num := r.LatestConfirmed()
	if r.IsStaked(staker) {
		num = r.LatestStakedNode(staker)
	}
	node, _ := r.GetNode(num)
	return num, node.NodeHash
}

// FindStakerConflict walks the branches of two stakers back until they meet. A found conflict
// is the pair of sibling nodes the two branches descend from, in staker order.
func (r *RollupWatcher) FindStakerConflict(staker1, staker2 common.Address, maxDepth int) (ConflictType, uint64, uint64) {
	node1 := r.LatestStakedNode(staker1)
	node2 := r.LatestStakedNode(staker2)
	firstUnresolved := r.FirstUnresolvedNode()
	prevNum := func(num uint64) (uint64, bool) {
		n, ok := r.GetNode(num)
		return n.PrevNum, ok
	}
	node1Prev, ok1 := prevNum(node1)
	node2Prev, ok2 := prevNum(node2)
	if !ok1 || !ok2 {
		return CONFLICT_TYPE_INDETERMINATE, 0, 0
	}
	for i := 0; i < maxDepth; i++ {
		if node1 == node2 {
			return CONFLICT_TYPE_NONE, node1, node2
		}
		if node1Prev == node2Prev {
			return CONFLICT_TYPE_FOUND, node1, node2
		}
		if node1Prev < firstUnresolved && node2Prev < firstUnresolved {
			return CONFLICT_TYPE_INDETERMINATE, 0, 0
		}
		var ok bool
		if node1Prev < node2Prev {
			node2 = node2Prev
			node2Prev, ok = prevNum(node2)
		} else {
			node1 = node1Prev
			node1Prev, ok = prevNum(node1)
		}
		if !ok {
			return CONFLICT_TYPE_INDETERMINATE, 0, 0
		}
	}
	return CONFLICT_TYPE_INCOMPLETE, 0, 0
}
