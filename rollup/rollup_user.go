// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package rollup

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/offchainlabs/rollup-settlement/access"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/util/arbmath"
	"github.com/offchainlabs/rollup-settlement/validator"
)

// newNodeFrame holds everything derived while validating an assertion against its parent.
type newNodeFrame struct {
	prevNode          *Node
	currentInboxSize  uint64
	sequencerBatchAcc common.Hash
	executionHash     common.Hash
	deadlineBlock     uint64
	nodeHash          common.Hash
}

func (r *Rollup) prepareNode(blockNumber uint64, assertion *validator.Assertion, prevNodeNum, prevNodeInboxMaxCount uint64) (*newNodeFrame, error) {
	after := &assertion.AfterState
	before := &assertion.BeforeState
	if after.MachineStatus != validator.MachineStatusFinished && after.MachineStatus != validator.MachineStatusErrored {
		return nil, errors.Wrapf(ErrBadAfterStatus, "status %v", after.MachineStatus)
	}
	prevNode, err := r.getNode(prevNodeNum)
	if err != nil {
		return nil, err
	}
	frame := &newNodeFrame{
		prevNode:         prevNode,
		currentInboxSize: r.bridge.SequencerMessageCount(),
	}
	if validator.StateHash(before, prevNodeInboxMaxCount) != prevNode.StateHash {
		return nil, errors.Wrapf(ErrPrevStateHash, "node %d", prevNodeNum)
	}
	afterInboxCount := after.GlobalState.Batch
	prevInboxPosition := before.GlobalState.Batch
	if afterInboxCount < prevInboxPosition {
		return nil, errors.Wrapf(ErrInboxBackwards, "batch %d after %d", afterInboxCount, prevInboxPosition)
	}
	if afterInboxCount == prevInboxPosition && after.GlobalState.PosInBatch < before.GlobalState.PosInBatch {
		return nil, errors.Wrapf(ErrInboxBackwards, "position %d after %d in batch %d", after.GlobalState.PosInBatch, before.GlobalState.PosInBatch, afterInboxCount)
	}
	afterInboxCount = after.RequiredBatches()
	if afterInboxCount > frame.currentInboxSize {
		return nil, &InboxPastEndError{AfterInboxCount: afterInboxCount, InboxSize: frame.currentInboxSize}
	}
	if afterInboxCount > 0 {
		frame.sequencerBatchAcc, err = r.bridge.SequencerInboxAcc(afterInboxCount - 1)
		if err != nil {
			return nil, err
		}
	}
	frame.executionHash, err = assertion.ExecutionHash()
	if err != nil {
		return nil, err
	}
	frame.deadlineBlock = arbmath.MaxInt(blockNumber+r.config.ConfirmPeriodBlocks, prevNode.DeadlineBlock)
	hasSibling := prevNode.LatestChildNumber > 0
	lastHash := prevNode.NodeHash
	if hasSibling {
		// a destroyed sibling hashes as zero
		lastHash = common.Hash{}
		if sibling, ok := r.nodes[prevNode.LatestChildNumber]; ok {
			lastHash = sibling.NodeHash
		}
	}
	frame.nodeHash = validator.NodeHash(hasSibling, lastHash, frame.executionHash, frame.sequencerBatchAcc, r.wasmModuleRoot)
	return frame, nil
}

// ExpectedNodeHash computes the hash a node created for assertion on top of prevNodeNum would
// get at blockNumber, for use as the expectedNodeHash of a new node.
func (r *Rollup) ExpectedNodeHash(blockNumber uint64, assertion *validator.Assertion, prevNodeNum, prevNodeInboxMaxCount uint64) (common.Hash, error) {
	frame, err := r.prepareNode(blockNumber, assertion, prevNodeNum, prevNodeInboxMaxCount)
	if err != nil {
		return common.Hash{}, err
	}
	return frame.nodeHash, nil
}

func (r *Rollup) createNewNode(tx *l1.ActiveTx, assertion *validator.Assertion, prevNodeNum, prevNodeInboxMaxCount uint64, expectedNodeHash common.Hash) (uint64, error) {
	frame, err := r.prepareNode(tx.BlockNumber(), assertion, prevNodeNum, prevNodeInboxMaxCount)
	if err != nil {
		return 0, err
	}
	if expectedNodeHash != (common.Hash{}) && expectedNodeHash != frame.nodeHash {
		return 0, &UnexpectedNodeHashError{Expected: expectedNodeHash, Actual: frame.nodeHash}
	}
	node := newNode(
		validator.StateHash(&assertion.AfterState, frame.currentInboxSize),
		validator.ChallengeRootHash(frame.executionHash, tx.BlockNumber(), r.wasmModuleRoot),
		validator.ConfirmHash(assertion.AfterState.GlobalState.BlockHash, assertion.AfterState.GlobalState.SendRoot),
		prevNodeNum,
		frame.deadlineBlock,
		tx.BlockNumber(),
		frame.nodeHash,
	)
	nodeNum := r.latestNodeCreated + 1
	r.updateNode(tx, prevNodeNum, func(prev *Node) { prev.childCreated(nodeNum, tx.BlockNumber()) })
	r.nodeCreated(tx, node)
	tx.Emit(&NodeCreated{
		NodeNum:            nodeNum,
		ParentNodeHash:     frame.prevNode.NodeHash,
		NodeHash:           frame.nodeHash,
		ExecutionHash:      frame.executionHash,
		Assertion:          *assertion,
		AfterInboxBatchAcc: frame.sequencerBatchAcc,
		WasmModuleRoot:     r.wasmModuleRoot,
		InboxMaxCount:      frame.currentInboxSize,
	})
	tx.OnCommit(func() {
		log.Info("node created", "node", nodeNum, "prev", prevNodeNum, "blocks", assertion.NumBlocks, "after", assertion.AfterState.GlobalState, "status", assertion.AfterState.MachineStatus)
	})
	return nodeNum, nil
}

func (r *Rollup) newStake(tx *l1.ActiveTx, caller common.Address, deposit *big.Int) error {
	if err := r.policy.Require(access.Validator, caller); err != nil {
		return err
	}
	if r.IsStaked(caller) {
		return errors.Wrapf(ErrAlreadyStaked, "%v", caller)
	}
	if r.IsZombie(caller) {
		return errors.Wrapf(ErrStakerIsZombie, "%v", caller)
	}
	required := r.CurrentRequiredStake(tx)
	if deposit == nil || deposit.Cmp(required) < 0 {
		return &NotEnoughStakeError{Required: required, Provided: deposit}
	}
	if err := tx.Transfer(caller, r.addr, deposit); err != nil {
		return err
	}
	r.createNewStake(tx, caller, deposit)
	return nil
}

// NewStakeOnNewNode stakes deposit and creates a node for assertion in one step.
func (r *Rollup) NewStakeOnNewNode(tx *l1.ActiveTx, caller common.Address, deposit *big.Int, assertion *validator.Assertion, expectedNodeHash common.Hash, prevNodeInboxMaxCount uint64) (uint64, error) {
	if err := r.newStake(tx, caller, deposit); err != nil {
		return 0, err
	}
	return r.StakeOnNewNode(tx, caller, assertion, expectedNodeHash, prevNodeInboxMaxCount)
}

func (r *Rollup) NewStakeOnExistingNode(tx *l1.ActiveTx, caller common.Address, deposit *big.Int, nodeNum uint64, nodeHash common.Hash) error {
	if err := r.newStake(tx, caller, deposit); err != nil {
		return err
	}
	return r.StakeOnExistingNode(tx, caller, nodeNum, nodeHash)
}

// StakeOnNewNode creates a child of the caller's latest staked node and moves the caller's
// stake onto it. prevNodeInboxMaxCount is the inbox size recorded when the parent was created.
func (r *Rollup) StakeOnNewNode(tx *l1.ActiveTx, caller common.Address, assertion *validator.Assertion, expectedNodeHash common.Hash, prevNodeInboxMaxCount uint64) (uint64, error) {
	if err := r.policy.Require(access.Validator, caller); err != nil {
		return 0, err
	}
	if err := r.requireStaked(caller); err != nil {
		return 0, err
	}
	prevNum := r.stakers[caller].LatestStakedNode
	prev, err := r.getNode(prevNum)
	if err != nil {
		return 0, err
	}
	elapsed := tx.BlockNumber() - prev.CreatedAtBlock
	if elapsed < r.config.MinimumAssertionPeriod {
		return 0, &TimeDeltaError{Elapsed: elapsed, Minimum: r.config.MinimumAssertionPeriod}
	}
	after := &assertion.AfterState
	// An errored machine can't consume later batches, so it's exempt from the size minimum.
	if after.MachineStatus != validator.MachineStatusErrored && after.GlobalState.Batch < prevNodeInboxMaxCount {
		return 0, errors.Wrapf(ErrTooSmall, "batch %d, parent inbox size %d", after.GlobalState.Batch, prevNodeInboxMaxCount)
	}
	if assertion.NumBlocks == 0 {
		return 0, ErrEmptyAssertion
	}
	if assertion.BeforeState.MachineStatus != validator.MachineStatusFinished {
		return 0, errors.Wrapf(ErrBadPrevStatus, "status %v", assertion.BeforeState.MachineStatus)
	}
	nodeNum, err := r.createNewNode(tx, assertion, prevNum, prevNodeInboxMaxCount, expectedNodeHash)
	if err != nil {
		return 0, err
	}
	if err := r.stakeOnNode(tx, caller, nodeNum); err != nil {
		return 0, err
	}
	return nodeNum, nil
}

// StakeOnExistingNode moves the caller's stake onto a child of its latest staked node.
func (r *Rollup) StakeOnExistingNode(tx *l1.ActiveTx, caller common.Address, nodeNum uint64, nodeHash common.Hash) error {
	if err := r.policy.Require(access.Validator, caller); err != nil {
		return err
	}
	if err := r.requireStaked(caller); err != nil {
		return err
	}
	if nodeNum < r.firstUnresolvedNode || nodeNum > r.latestNodeCreated {
		return &NodeNumOutOfRangeError{NodeNum: nodeNum, FirstUnresolved: r.firstUnresolvedNode, LatestNodeCreated: r.latestNodeCreated}
	}
	node := r.nodes[nodeNum]
	if node.NodeHash != nodeHash {
		return errors.Wrapf(ErrNodeReorg, "node %d is %v, not %v", nodeNum, node.NodeHash, nodeHash)
	}
	if latest := r.stakers[caller].LatestStakedNode; latest != node.PrevNum {
		return errors.Wrapf(ErrNotStakedPrev, "staked on %d, node %d builds on %d", latest, nodeNum, node.PrevNum)
	}
	return r.stakeOnNode(tx, caller, nodeNum)
}

// AddToDeposit adds amount from the caller to stakerAddress's stake.
func (r *Rollup) AddToDeposit(tx *l1.ActiveTx, caller, stakerAddress common.Address, amount *big.Int) error {
	if err := r.policy.Require(access.Validator, caller); err != nil {
		return err
	}
	if err := r.requireUnchallengedStaker(stakerAddress); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidStakeAmount
	}
	if err := tx.Transfer(caller, r.addr, amount); err != nil {
		return err
	}
	r.increaseStakeBy(tx, stakerAddress, amount)
	return nil
}

// ReduceDeposit lowers the caller's stake to target, but never below the current requirement.
// The difference becomes withdrawable.
func (r *Rollup) ReduceDeposit(tx *l1.ActiveTx, caller common.Address, target *big.Int) error {
	if err := r.policy.Require(access.Validator, caller); err != nil {
		return err
	}
	if err := r.requireUnchallengedStaker(caller); err != nil {
		return err
	}
	target = arbmath.BigMax(target, r.CurrentRequiredStake(tx))
	if target.Cmp(r.stakers[caller].AmountStaked) >= 0 {
		return errors.Wrapf(ErrTooLittleStake, "target %v, staked %v", target, r.stakers[caller].AmountStaked)
	}
	r.reduceStakeTo(tx, caller, target)
	return nil
}

// ReturnOldDeposit releases the stake of a staker whose latest staked node has been confirmed.
func (r *Rollup) ReturnOldDeposit(tx *l1.ActiveTx, caller, stakerAddress common.Address) error {
	if err := r.policy.Require(access.Validator, caller); err != nil {
		return err
	}
	if err := r.requireUnchallengedStaker(stakerAddress); err != nil {
		return err
	}
	if latest := r.stakers[stakerAddress].LatestStakedNode; latest > r.latestConfirmed {
		return errors.Wrapf(ErrTooRecent, "staked on %d, latest confirmed %d", latest, r.latestConfirmed)
	}
	return r.withdrawStaker(tx, stakerAddress)
}

// WithdrawStakerFunds pays out the caller's withdrawable funds.
func (r *Rollup) WithdrawStakerFunds(tx *l1.ActiveTx, caller common.Address) (*big.Int, error) {
	amount := r.withdrawFunds(tx, caller)
	if err := tx.Transfer(r.addr, caller, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// ConfirmNextNode confirms the first unresolved node once its deadline passed and every live
// staker on its siblings has moved onto it. blockHash and sendRoot must open its confirm data.
func (r *Rollup) ConfirmNextNode(tx *l1.ActiveTx, caller common.Address, blockHash, sendRoot common.Hash) error {
	if err := r.policy.Require(access.Validator, caller); err != nil {
		return err
	}
	if err := r.requireUnresolvedExists(); err != nil {
		return err
	}
	nodeNum := r.firstUnresolvedNode
	node := r.nodes[nodeNum]
	if err := node.requirePastDeadline(tx.BlockNumber()); err != nil {
		return err
	}
	if node.PrevNum != r.latestConfirmed {
		return errors.Errorf("node %d doesn't build on latest confirmed node %d", nodeNum, r.latestConfirmed)
	}
	prev := r.nodes[node.PrevNum]
	if err := prev.requirePastChildConfirmDeadline(tx.BlockNumber()); err != nil {
		return err
	}
	r.removeOldZombies(tx, 0)
	stakedZombies := r.CountStakedZombies(nodeNum)
	zombiesStakedOnOtherChildren := r.CountZombiesStakedOnChildren(node.PrevNum) - stakedZombies
	if node.StakerCount <= stakedZombies {
		return errors.Wrapf(ErrNoStakers, "node %d", nodeNum)
	}
	if prev.ChildStakerCount != node.StakerCount+zombiesStakedOnOtherChildren {
		return &NotAllStakedError{
			NodeNum:          nodeNum,
			ChildStakerCount: prev.ChildStakerCount,
			Agreeing:         node.StakerCount + zombiesStakedOnOtherChildren,
		}
	}
	return r.confirmNode(tx, nodeNum, blockHash, sendRoot)
}

// RejectNextNode rejects the first unresolved node. When it builds on the latest confirmed
// node, stakerAddress must witness a live sibling: staked, on an unresolved node, and not on
// the node being rejected.
func (r *Rollup) RejectNextNode(tx *l1.ActiveTx, caller, stakerAddress common.Address) error {
	if err := r.policy.Require(access.Validator, caller); err != nil {
		return err
	}
	if err := r.requireUnresolvedExists(); err != nil {
		return err
	}
	nodeNum := r.firstUnresolvedNode
	node := r.nodes[nodeNum]
	if node.PrevNum == r.latestConfirmed {
		if err := r.requireStaked(stakerAddress); err != nil {
			return err
		}
		if err := r.requireUnresolved(r.stakers[stakerAddress].LatestStakedNode); err != nil {
			return err
		}
		if r.NodeHasStaker(nodeNum, stakerAddress) {
			return errors.Wrapf(ErrStakedOnTarget, "%v on node %d", stakerAddress, nodeNum)
		}
		if err := node.requirePastDeadline(tx.BlockNumber()); err != nil {
			return err
		}
		if err := r.nodes[r.latestConfirmed].requirePastChildConfirmDeadline(tx.BlockNumber()); err != nil {
			return err
		}
		r.removeOldZombies(tx, 0)
		if node.StakerCount != r.CountStakedZombies(nodeNum) {
			return errors.Wrapf(ErrHasStakers, "node %d", nodeNum)
		}
	}
	r.rejectNextNodeUnchecked(tx)
	return nil
}

// RemoveZombie unstakes a zombie from up to maxNodes of its unresolved nodes, dropping it once
// none remain.
func (r *Rollup) RemoveZombie(tx *l1.ActiveTx, zombieNum uint64, maxNodes uint64) error {
	if zombieNum >= uint64(len(r.zombies)) {
		return errors.Wrapf(ErrNoSuchZombie, "zombie %d of %d", zombieNum, len(r.zombies))
	}
	zombie := r.zombies[zombieNum]
	firstUnresolved := r.firstUnresolvedNode
	nodeNum := zombie.LatestStakedNode
	for removed := uint64(0); nodeNum >= firstUnresolved && removed < maxNodes; removed++ {
		if r.NodeHasStaker(nodeNum, zombie.StakerAddress) {
			if err := r.removeStaker(tx, nodeNum, zombie.StakerAddress); err != nil {
				return err
			}
		}
		nodeNum = r.nodes[nodeNum].PrevNum
	}
	if nodeNum < firstUnresolved {
		r.removeZombieAt(tx, int(zombieNum))
	} else {
		r.setZombieLatestStakedNode(tx, int(zombieNum), nodeNum)
	}
	return nil
}

// RemoveOldZombies drops zombies from startIndex on that only back resolved nodes.
func (r *Rollup) RemoveOldZombies(tx *l1.ActiveTx, startIndex uint64) {
	r.removeOldZombies(tx, int(startIndex))
}

// CreateChallenge starts a dispute between the stakers of two sibling nodes. The statuses,
// states and numBlocks open the first node's challenge hash; secondExecutionHash opens the
// second's. A second node proposed after the first node's dispute window loses outright, in
// which case no challenge is created and zero is returned.
func (r *Rollup) CreateChallenge(
	tx *l1.ActiveTx,
	caller common.Address,
	stakers [2]common.Address,
	nodeNums [2]uint64,
	machineStatuses [2]validator.MachineStatus,
	globalStates [2]validator.GoGlobalState,
	numBlocks uint64,
	secondExecutionHash common.Hash,
	proposedBlocks [2]uint64,
	wasmModuleRoots [2]common.Hash,
) (uint64, error) {
	if err := r.policy.Require(access.Validator, caller); err != nil {
		return 0, err
	}
	if nodeNums[0] >= nodeNums[1] {
		return 0, errors.Wrapf(ErrWrongOrder, "nodes %d and %d", nodeNums[0], nodeNums[1])
	}
	if nodeNums[1] > r.latestNodeCreated {
		return 0, errors.Wrapf(ErrNotProposed, "node %d", nodeNums[1])
	}
	if r.latestConfirmed >= nodeNums[0] {
		return 0, errors.Wrapf(ErrAlreadyConfirmed, "node %d", nodeNums[0])
	}
	node1, err := r.getNode(nodeNums[0])
	if err != nil {
		return 0, err
	}
	node2, err := r.getNode(nodeNums[1])
	if err != nil {
		return 0, err
	}
	if node1.PrevNum != node2.PrevNum {
		return 0, errors.Wrapf(ErrDifferentPrev, "nodes %d and %d", nodeNums[0], nodeNums[1])
	}
	for _, staker := range stakers {
		if err := r.requireUnchallengedStaker(staker); err != nil {
			return 0, err
		}
	}
	for i, staker := range stakers {
		if !r.NodeHasStaker(nodeNums[i], staker) {
			return 0, errors.Wrapf(ErrStakerNotStakedOnNode, "%v on node %d", staker, nodeNums[i])
		}
	}
	before, err := validator.BlockStateHash(machineStatuses[0], globalStates[0].Hash())
	if err != nil {
		return 0, err
	}
	after, err := validator.BlockStateHash(machineStatuses[1], globalStates[1].Hash())
	if err != nil {
		return 0, err
	}
	executionHash := validator.ExecutionHash(numBlocks, before, after)
	if node1.ChallengeHash != validator.ChallengeRootHash(executionHash, proposedBlocks[0], wasmModuleRoots[0]) {
		return 0, errors.Wrapf(ErrChallengeHash, "node %d", nodeNums[0])
	}
	if node2.ChallengeHash != validator.ChallengeRootHash(secondExecutionHash, proposedBlocks[1], wasmModuleRoots[1]) {
		return 0, errors.Wrapf(ErrChallengeHash, "node %d", nodeNums[1])
	}
	// The dispute window of a node opens when its parent's first child is created.
	parent, err := r.getNode(node1.PrevNum)
	if err != nil {
		return 0, err
	}
	commonEndBlock := parent.FirstChildBlock + (node1.DeadlineBlock - proposedBlocks[0]) + r.config.ExtraChallengeTimeBlocks
	if commonEndBlock < proposedBlocks[1] {
		log.Info("second node proposed after the dispute window", "node", nodeNums[1], "proposed", proposedBlocks[1], "windowEnd", commonEndBlock)
		r.completeChallengeImpl(tx, stakers[0], stakers[1])
		return 0, nil
	}
	index, err := r.challengeManager.CreateChallenge(
		tx, r.addr, wasmModuleRoots[0], machineStatuses, globalStates, numBlocks,
		stakers[0], stakers[1],
		(commonEndBlock-proposedBlocks[0])*r.config.SecondsPerBlock,
		(commonEndBlock-proposedBlocks[1])*r.config.SecondsPerBlock,
	)
	if err != nil {
		return 0, errors.Wrap(err, "creating challenge")
	}
	r.challengeStarted(tx, stakers[0], stakers[1], index)
	tx.Emit(&RollupChallengeStarted{
		ChallengeIndex: index,
		Asserter:       stakers[0],
		Challenger:     stakers[1],
		ChallengedNode: nodeNums[0],
	})
	tx.OnCommit(func() {
		log.Info("challenge started", "challenge", index, "asserter", stakers[0], "challenger", stakers[1], "node", nodeNums[0])
	})
	return index, nil
}

// CompleteChallenge settles a finished challenge. Only the challenge manager reports results.
func (r *Rollup) CompleteChallenge(tx *l1.ActiveTx, caller common.Address, challengeIndex uint64, winner, loser common.Address) error {
	if err := r.policy.Require(access.ChallengeManager, caller); err != nil {
		return err
	}
	index, err := r.inChallenge(winner, loser)
	if err != nil {
		return err
	}
	if index != challengeIndex {
		return errors.Wrapf(ErrNoChallenge, "stakers in challenge %d, not %d", index, challengeIndex)
	}
	r.completeChallengeImpl(tx, winner, loser)
	return nil
}

// completeChallengeImpl awards the winner half of the loser's stake, capped at the winner's
// own stake, and escrows the rest. The loser becomes a zombie.
func (r *Rollup) completeChallengeImpl(tx *l1.ActiveTx, winner, loser common.Address) {
	remainingLoserStake := r.AmountStaked(loser)
	winnerStake := r.AmountStaked(winner)
	if remainingLoserStake.Cmp(winnerStake) > 0 {
		remainingLoserStake = arbmath.BigSub(remainingLoserStake, r.reduceStakeTo(tx, loser, winnerStake))
	}
	amountWon := arbmath.BigDivByUint(remainingLoserStake, 2)
	r.increaseStakeBy(tx, winner, amountWon)
	remainingLoserStake = arbmath.BigSub(remainingLoserStake, amountWon)
	// The loser stays marked as in a challenge until it is turned into a zombie.
	r.clearChallenge(tx, winner)
	r.increaseWithdrawableFunds(tx, r.loserStakeEscrow, remainingLoserStake)
	r.turnIntoZombie(tx, loser)
	tx.OnCommit(func() {
		log.Info("challenge completed", "winner", winner, "loser", loser, "won", amountWon)
	})
}

// ForceResolveChallenge lets the owner end the challenge between two stakers without a
// winner. Both keep their stakes.
func (r *Rollup) ForceResolveChallenge(tx *l1.ActiveTx, caller, stakerA, stakerB common.Address) error {
	if err := r.policy.Require(access.Owner, caller); err != nil {
		return err
	}
	index, err := r.inChallenge(stakerA, stakerB)
	if err != nil {
		return err
	}
	r.clearChallenge(tx, stakerA)
	r.clearChallenge(tx, stakerB)
	return r.challengeManager.ClearChallenge(tx, r.addr, index)
}
