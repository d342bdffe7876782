// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package staker

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/offchainlabs/rollup-settlement/machine"
	"github.com/offchainlabs/rollup-settlement/validator"
)

// ExecutionChallengeBackend serves machine hashes and one step proofs of a single block.
type ExecutionChallengeBackend struct {
	initialMachine *machine.Machine
	machineCache   *machine.HashCache
	// step count of the machine the cache starts from
	cacheStart uint64
	cacheSize  int
	rangeStart uint64
	rangeEnd   uint64
}

// Assert that ExecutionChallengeBackend implements ChallengeBackend
var _ ChallengeBackend = (*ExecutionChallengeBackend)(nil)

func NewExecutionChallengeBackend(initialMachine *machine.Machine, cacheSize int) (*ExecutionChallengeBackend, error) {
	if initialMachine.GetStepCount() != 0 {
		return nil, errors.New("initialMachine not at step count 0")
	}
	b := &ExecutionChallengeBackend{
		initialMachine: initialMachine,
		cacheSize:      cacheSize,
	}
	b.resetCache(initialMachine)
	return b, nil
}

func (b *ExecutionChallengeBackend) resetCache(start *machine.Machine) {
	b.machineCache = machine.NewHashCache(start, b.cacheSize)
	b.cacheStart = start.GetStepCount()
}

// SetRange restarts the cache at the start of a newly disputed range, so its hashes are
// replayed from there instead of from the beginning of the block.
func (b *ExecutionChallengeBackend) SetRange(ctx context.Context, start uint64, end uint64) error {
	if b.rangeStart == start && b.rangeEnd == end {
		return nil
	}
	startMach, err := b.getMachineAt(ctx, start)
	if err != nil {
		return err
	}
	b.resetCache(startMach)
	b.rangeStart = start
	b.rangeEnd = end
	return nil
}

func (b *ExecutionChallengeBackend) getMachineAt(ctx context.Context, step uint64) (*machine.Machine, error) {
	if step < b.cacheStart {
		b.resetCache(b.initialMachine)
	}
	return b.machineCache.MachineAt(ctx, step)
}

func (b *ExecutionChallengeBackend) GetHashAtStep(ctx context.Context, position uint64) (common.Hash, error) {
	if position < b.cacheStart {
		b.resetCache(b.initialMachine)
	}
	return b.machineCache.HashAt(ctx, position)
}

func (b *ExecutionChallengeBackend) GetProofAt(ctx context.Context, step uint64) ([]byte, error) {
	mach, err := b.getMachineAt(ctx, step)
	if err != nil {
		return nil, err
	}
	return mach.ProveNextStep()
}

func (b *ExecutionChallengeBackend) GetFinalState(ctx context.Context) (uint64, validator.GoGlobalState, validator.MachineStatus, error) {
	mach := b.initialMachine.Clone()
	if err := mach.Run(ctx); err != nil {
		return 0, validator.GoGlobalState{}, 0, err
	}
	log.Debug("ran block to its end", "steps", mach.GetStepCount(), "status", mach.Status)
	return mach.GetStepCount(), mach.GlobalState, mach.Status, nil
}
