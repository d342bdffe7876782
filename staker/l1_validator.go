// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package staker

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/offchainlabs/rollup-settlement/challenge"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/validator"
)

// L1Validator reads the rollup and compares its nodes against our own execution of the chain.
type L1Validator struct {
	rollup  *RollupWatcher
	ledger  *l1.Ledger
	manager *challenge.Manager
	chain   *L2Chain
	address common.Address

	// transactions sent during the current act
	txCount int
}

func NewL1Validator(
	ledger *l1.Ledger,
	rollup *RollupWatcher,
	manager *challenge.Manager,
	chain *L2Chain,
	address common.Address,
) (*L1Validator, error) {
	if rollup.WasmModuleRoot() != chain.WasmModuleRoot() {
		return nil, fmt.Errorf("rollup wasm module root %v doesn't match our block program %v", rollup.WasmModuleRoot(), chain.WasmModuleRoot())
	}
	return &L1Validator{
		rollup:  rollup,
		ledger:  ledger,
		manager: manager,
		chain:   chain,
		address: address,
	}, nil
}

func (v *L1Validator) Address() common.Address {
	return v.address
}

func (v *L1Validator) sendTx(clo func(tx *l1.ActiveTx) error) error {
	err := v.ledger.Tx(v.address, clo)
	if err == nil {
		v.txCount++
	}
	return err
}

func (v *L1Validator) resolveTimedOutChallenges() (bool, error) {
	challengesToEliminate, err := v.rollup.TimedOutChallenges(v.ledger, v.manager, 10)
	if err != nil {
		return false, err
	}
	if len(challengesToEliminate) == 0 {
		return false, nil
	}
	log.Info("timing out challenges", "count", len(challengesToEliminate))
	return true, v.sendTx(func(tx *l1.ActiveTx) error {
		for _, index := range challengesToEliminate {
			if err := v.manager.Timeout(tx, v.address, index); err != nil {
				return err
			}
		}
		return nil
	})
}

func (v *L1Validator) resolveNextNode(ctx context.Context, info *StakerInfo, latestConfirmedNode *uint64) (bool, error) {
	confirmType := v.rollup.CheckDecidableNextNode(v.ledger.BlockNumber())
	unresolvedNodeIndex := v.rollup.FirstUnresolvedNode()
	switch confirmType {
	case CONFIRM_TYPE_INVALID:
		if info == nil || info.LatestStakedNode <= unresolvedNodeIndex {
			// We aren't an example of someone staked on a competitor
			return false, nil
		}
		log.Warn("rejecting node", "node", unresolvedNodeIndex)
		return true, v.sendTx(func(tx *l1.ActiveTx) error {
			return v.rollup.RejectNextNode(tx, v.address, v.address)
		})
	case CONFIRM_TYPE_VALID:
		nodeInfo, err := v.rollup.LookupNode(unresolvedNodeIndex)
		if err != nil {
			return false, err
		}
		valid, caughtUp, err := v.chain.ValidateState(ctx, nodeInfo.AfterState())
		if err != nil {
			return false, err
		}
		if !caughtUp {
			return false, nil
		}
		if !valid {
			log.Error("refusing to confirm incorrect node", "node", unresolvedNodeIndex, "afterState", nodeInfo.AfterState().GlobalState)
			return false, nil
		}
		afterGs := nodeInfo.AfterState().GlobalState
		log.Info("confirming node", "node", unresolvedNodeIndex)
		err = v.sendTx(func(tx *l1.ActiveTx) error {
			return v.rollup.ConfirmNextNode(tx, v.address, afterGs.BlockHash, afterGs.SendRoot)
		})
		if err != nil {
			return false, err
		}
		*latestConfirmedNode = unresolvedNodeIndex
		return true, nil
	default:
		return false, nil
	}
}

func (v *L1Validator) isRequiredStakeElevated() (bool, error) {
	var requiredStake *big.Int
	err := v.ledger.Call(func(tx *l1.ActiveTx) error {
		requiredStake = v.rollup.CurrentRequiredStake(tx)
		return nil
	})
	if err != nil {
		return false, err
	}
	baseStake := v.rollup.Config().BaseStakeWei()
	return requiredStake.Cmp(baseStake) > 0, nil
}

type createNodeAction struct {
	assertion         *validator.Assertion
	prevInboxMaxCount uint64
	hash              common.Hash
}

type existingNodeAction struct {
	number uint64
	hash   common.Hash
}

type nodeAction interface{}

type OurStakerInfo struct {
	LatestStakedNode     uint64
	LatestStakedNodeHash common.Hash
	CanProgress          bool
	StakeExists          bool
	*StakerInfo
}

func (v *L1Validator) generateNodeAction(
	ctx context.Context,
	stakerInfo *OurStakerInfo,
	strategy StakerStrategy,
	makeAssertionInterval uint64,
) (nodeAction, bool, error) {
	startState, prevInboxMaxCount, startStateProposed, err := lookupNodeStartState(
		v.rollup, stakerInfo.LatestStakedNode, stakerInfo.LatestStakedNodeHash,
	)
	if err != nil {
		return nil, false, fmt.Errorf(
			"error looking up node %v (hash %v) start state: %w",
			stakerInfo.LatestStakedNode, stakerInfo.LatestStakedNodeHash, err,
		)
	}

	localBatchCount := v.chain.inbox.SequencerMessageCount()
	if localBatchCount < startState.RequiredBatches() || localBatchCount == 0 {
		log.Info(
			"catching up to chain batches", "localBatches", localBatchCount,
			"target", startState.RequiredBatches(),
		)
		return nil, false, nil
	}

	startCount, err := v.chain.BlockIndex(startState.GlobalState)
	if err != nil {
		return nil, false, fmt.Errorf("start state not in chain: %w", err)
	}
	ourStart, err := v.chain.StateAt(ctx, startCount)
	if err != nil {
		return nil, false, err
	}
	if ourStart != startState.GlobalState {
		return nil, false, fmt.Errorf("%w: staked on node %v ending at %v but block %v is %v", ErrGlobalStateNotInChain, stakerInfo.LatestStakedNode, startState.GlobalState, startCount, ourStart)
	}

	validatedCount := v.chain.AvailableBlocks()
	validatedGlobalState, err := v.chain.StateAt(ctx, validatedCount)
	if err != nil {
		return nil, false, err
	}

	currentBlock := v.ledger.BlockNumber()
	minAssertionPeriod := v.rollup.Config().MinimumAssertionPeriod
	timeSinceProposed := currentBlock - startStateProposed
	if timeSinceProposed < minAssertionPeriod {
		// Too soon to assert
		return nil, false, nil
	}

	successorNodes, err := v.rollup.LookupNodeChildren(stakerInfo.LatestStakedNode)
	if err != nil {
		return nil, false, fmt.Errorf("error looking up node %v (hash %v) children: %w", stakerInfo.LatestStakedNode, stakerInfo.LatestStakedNodeHash, err)
	}

	var correctNode nodeAction
	wrongNodesExist := false
	if len(successorNodes) > 0 {
		log.Debug("examining existing potential successors", "count", len(successorNodes))
	}
	for _, nd := range successorNodes {
		if correctNode != nil && wrongNodesExist {
			// We've found everything we could hope to find
			break
		}
		if correctNode != nil {
			log.Error("found younger sibling to correct assertion (implicitly invalid)", "node", nd.NodeNum)
			wrongNodesExist = true
			continue
		}
		if nd.Assertion.AfterState.MachineStatus != validator.MachineStatusFinished {
			wrongNodesExist = true
			log.Error("Found incorrect assertion: Machine status not finished", "node", nd.NodeNum, "machineStatus", nd.Assertion.AfterState.MachineStatus)
			continue
		}
		valid, caughtUp, err := v.chain.ValidateState(ctx, nd.AfterState())
		if err != nil {
			return nil, false, fmt.Errorf("error validating node %v: %w", nd.NodeNum, err)
		}
		if !caughtUp {
			log.Info("staker: waiting for batches to catch up to assertion", "node", nd.NodeNum, "current", localBatchCount, "target", nd.AfterState().RequiredBatches())
			return nil, false, nil
		}
		afterGS := nd.AfterState().GlobalState
		if !valid {
			wrongNodesExist = true
			log.Error("Found incorrect assertion", "node", nd.NodeNum, "afterGS", afterGS)
			continue
		}
		log.Info(
			"found correct assertion",
			"node", nd.NodeNum,
			"batch", afterGS.Batch,
			"posInBatch", afterGS.PosInBatch,
			"blockHash", afterGS.BlockHash,
		)
		correctNode = existingNodeAction{
			number: nd.NodeNum,
			hash:   nd.NodeHash,
		}
	}

	if correctNode != nil || strategy == WatchtowerStrategy {
		return correctNode, wrongNodesExist, nil
	}

	if wrongNodesExist || (strategy >= MakeNodesStrategy && timeSinceProposed >= makeAssertionInterval) {
		// There's no correct node; create one.
		action, err := v.createNewNodeAction(stakerInfo, prevInboxMaxCount, startCount, startState, validatedCount, validatedGlobalState)
		if err != nil {
			return nil, wrongNodesExist, fmt.Errorf("error generating create new node action (from pos %d to %d): %w", startCount, validatedCount, err)
		}
		return action, wrongNodesExist, nil
	}

	return nil, wrongNodesExist, nil
}

func (v *L1Validator) createNewNodeAction(
	stakerInfo *OurStakerInfo,
	prevInboxMaxCount uint64,
	startCount uint64,
	startState *validator.ExecutionState,
	validatedCount uint64,
	validatedGS validator.GoGlobalState,
) (nodeAction, error) {
	if validatedCount <= startCount {
		// we haven't validated any new blocks
		return nil, nil
	}
	if validatedGS.Batch < prevInboxMaxCount {
		// didn't validate enough batches
		log.Info("staker: not enough batches validated to create new assertion", "validated.Batch", validatedGS.Batch, "posInBatch", validatedGS.PosInBatch, "required batch", prevInboxMaxCount)
		return nil, nil
	}
	assertion := &validator.Assertion{
		BeforeState: *startState,
		AfterState: validator.ExecutionState{
			GlobalState:   validatedGS,
			MachineStatus: validator.MachineStatusFinished,
		},
		NumBlocks: validatedCount - startCount,
	}
	newNodeHash, err := v.rollup.ExpectedNodeHash(v.ledger.BlockNumber(), assertion, stakerInfo.LatestStakedNode, prevInboxMaxCount)
	if err != nil {
		return nil, err
	}
	action := createNodeAction{
		assertion:         assertion,
		hash:              newNodeHash,
		prevInboxMaxCount: prevInboxMaxCount,
	}
	log.Info("creating node", "hash", newNodeHash, "parentNode", stakerInfo.LatestStakedNode, "blocks", assertion.NumBlocks)
	return action, nil
}

// Returns (execution state, inbox max count, ledger block proposed, error)
func lookupNodeStartState(rollup *RollupWatcher, nodeNum uint64, nodeHash common.Hash) (*validator.ExecutionState, uint64, uint64, error) {
	node, err := rollup.LookupNode(nodeNum)
	if err != nil {
		return nil, 0, 0, err
	}
	if node.NodeHash != nodeHash {
		return nil, 0, 0, errors.New("looked up starting node but found wrong hash")
	}
	return node.AfterState(), node.InboxMaxCount, node.BlockProposed, nil
}
