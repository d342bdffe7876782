// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package staker

import (
	"context"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"github.com/offchainlabs/rollup-settlement/challenge"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/validator"
)

// BlockChallengeBackend serves the block states of our chain during the block phase of a
// challenge. Step zero is the agreed start state.
type BlockChallengeBackend struct {
	chain         *L2Chain
	startBlock    uint64
	startPosition uint64
	endPosition   uint64
	startGs       validator.GoGlobalState
	endGs         validator.GoGlobalState
	// blocks reading this batch or later run out of inbox
	tooFarBatch uint64
}

// Assert that BlockChallengeBackend implements ChallengeBackend
var _ ChallengeBackend = (*BlockChallengeBackend)(nil)

func NewBlockChallengeBackend(
	ctx context.Context,
	initialState *challenge.InitiatedChallenge,
	maxBatchesRead uint64,
	chain *L2Chain,
) (*BlockChallengeBackend, error) {
	startGs := initialState.StartState
	startBlock, err := chain.BlockIndex(startGs)
	if err != nil {
		return nil, err
	}
	ours, err := chain.StateAt(ctx, startBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to find start block %d: %w", startBlock, err)
	}
	if ours != startGs {
		return nil, fmt.Errorf("%w: challenge starts at %v but block %d is %v", ErrGlobalStateNotInChain, startGs, startBlock, ours)
	}
	return &BlockChallengeBackend{
		chain:         chain,
		startBlock:    startBlock,
		startGs:       startGs,
		startPosition: 0,
		endPosition:   math.MaxUint64,
		endGs:         initialState.EndState,
		tooFarBatch:   maxBatchesRead,
	}, nil
}

func (b *BlockChallengeBackend) GetBlockNrAtStep(step uint64) uint64 {
	return b.startBlock + step
}

func (b *BlockChallengeBackend) GetInfoAtStep(ctx context.Context, step uint64) (validator.GoGlobalState, validator.MachineStatus, error) {
	count := b.GetBlockNrAtStep(step)
	if step > 0 && b.chain.BatchReadByBlock(count) >= b.tooFarBatch {
		return validator.GoGlobalState{}, validator.MachineStatusTooFar, nil
	}
	gs, err := b.chain.StateAt(ctx, count)
	if err != nil {
		return validator.GoGlobalState{}, 0, fmt.Errorf("failed to get block %d in block challenge: %w", count, err)
	}
	return gs, validator.MachineStatusFinished, nil
}

func (b *BlockChallengeBackend) SetRange(ctx context.Context, start uint64, end uint64) error {
	if b.startPosition == start && b.endPosition == end {
		return nil
	}
	newStartGs, _, err := b.GetInfoAtStep(ctx, start)
	if err != nil {
		return err
	}
	newEndGs, endStatus, err := b.GetInfoAtStep(ctx, end)
	if err != nil {
		return err
	}
	if b.startPosition == start && b.startGs != newStartGs {
		return fmt.Errorf("challenge start position remains at %v but global state changed from %v to %v", start, b.startGs, newStartGs)
	}
	b.startPosition = start
	b.endPosition = end
	b.startGs = newStartGs
	if endStatus == validator.MachineStatusFinished {
		b.endGs = newEndGs
	}
	return nil
}

func (b *BlockChallengeBackend) GetHashAtStep(ctx context.Context, position uint64) (common.Hash, error) {
	gs, status, err := b.GetInfoAtStep(ctx, position)
	if err != nil {
		return common.Hash{}, err
	}
	return validator.BlockStateHash(status, gs.Hash())
}

// IssueExecChallenge narrows the block challenge to the block after startSegment, claiming
// our own start and end of it.
func (b *BlockChallengeBackend) IssueExecChallenge(
	ctx context.Context,
	core *challengeCore,
	oldState *ChallengeState,
	startSegment int,
	numsteps uint64,
) error {
	position := oldState.Segments[startSegment].Position
	machineStatuses := [2]validator.MachineStatus{}
	globalStates := [2]validator.GoGlobalState{}
	var err error
	globalStates[0], machineStatuses[0], err = b.GetInfoAtStep(ctx, position)
	if err != nil {
		return err
	}
	globalStates[1], machineStatuses[1], err = b.GetInfoAtStep(ctx, position+1)
	if err != nil {
		return err
	}
	globalStateHashes := [2]common.Hash{
		globalStates[0].Hash(),
		globalStates[1].Hash(),
	}
	return core.ledger.Tx(core.actor, func(tx *l1.ActiveTx) error {
		return core.con.ChallengeExecution(
			tx,
			core.actor,
			core.challengeIndex,
			oldState.selection(startSegment),
			machineStatuses,
			globalStateHashes,
			numsteps,
		)
	})
}
