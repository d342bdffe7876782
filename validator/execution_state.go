// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package validator holds the execution state model shared by the rollup, the challenge
// arena, the reference machine and the off-chain agents, along with the hashes that bind them.
package validator

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"github.com/offchainlabs/rollup-settlement/arbutil"
)

type GoGlobalState struct {
	BlockHash  common.Hash
	SendRoot   common.Hash
	Batch      uint64
	PosInBatch uint64
}

func u64ToBe(x uint64) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, x)
	return data
}

func (s GoGlobalState) Hash() common.Hash {
	return arbutil.Keccak256Tagged(
		"Global state:",
		s.BlockHash.Bytes(),
		s.SendRoot.Bytes(),
		u64ToBe(s.Batch),
		u64ToBe(s.PosInBatch),
	)
}

// GetU64 and SetU64 address the integer slots of the state the way the machine does:
// 0 is the batch (inbox position) and 1 the position within it.
func (s GoGlobalState) GetU64(idx uint64) (uint64, error) {
	switch idx {
	case 0:
		return s.Batch, nil
	case 1:
		return s.PosInBatch, nil
	default:
		return 0, fmt.Errorf("global state u64 index %d out of range", idx)
	}
}

func (s *GoGlobalState) SetU64(idx uint64, val uint64) error {
	switch idx {
	case 0:
		s.Batch = val
	case 1:
		s.PosInBatch = val
	default:
		return fmt.Errorf("global state u64 index %d out of range", idx)
	}
	return nil
}

func (s GoGlobalState) String() string {
	return fmt.Sprintf("{block %v, sendRoot %v, batch %d, pos %d}", s.BlockHash, s.SendRoot, s.Batch, s.PosInBatch)
}

type MachineStatus uint8

const (
	MachineStatusRunning  MachineStatus = 0
	MachineStatusFinished MachineStatus = 1
	MachineStatusErrored  MachineStatus = 2
	MachineStatusTooFar   MachineStatus = 3
)

func (s MachineStatus) String() string {
	switch s {
	case MachineStatusRunning:
		return "running"
	case MachineStatusFinished:
		return "finished"
	case MachineStatusErrored:
		return "errored"
	case MachineStatusTooFar:
		return "too far"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

type ExecutionState struct {
	GlobalState   GoGlobalState
	MachineStatus MachineStatus
}

// RequiredBatches determines the batch count required to reach the execution state.
// If the machine errored or the state is after the beginning of the batch,
// the current batch is required to reach the state.
// That's because if the machine errored, it might've read the current batch before erroring,
// and if it's in the middle of a batch, it had to read prior parts of the batch to get there.
// However, if the machine finished successfully and the new state is the start of the batch,
// it hasn't read the batch yet, as it just finished the last batch.
func (s *ExecutionState) RequiredBatches() uint64 {
	count := s.GlobalState.Batch
	if (s.MachineStatus == MachineStatusErrored || s.GlobalState.PosInBatch > 0) && count < math.MaxUint64 {
		// The current batch was read
		count++
	}
	return count
}

// BlockStateHash is the hash a block challenge commits to for this state. Only halted states
// have one.
func (s *ExecutionState) BlockStateHash() (common.Hash, error) {
	return BlockStateHash(s.MachineStatus, s.GlobalState.Hash())
}

type Assertion struct {
	BeforeState ExecutionState
	AfterState  ExecutionState
	NumBlocks   uint64
}

func (a *Assertion) ExecutionHash() (common.Hash, error) {
	before, err := a.BeforeState.BlockStateHash()
	if err != nil {
		return common.Hash{}, err
	}
	after, err := a.AfterState.BlockStateHash()
	if err != nil {
		return common.Hash{}, err
	}
	return ExecutionHash(a.NumBlocks, before, after), nil
}

// InboxReader exposes the sequencer accumulator to machines reading inbox messages.
type InboxReader interface {
	SequencerInboxAcc(index uint64) (common.Hash, error)
}

// ExecutionContext is what a one step proof may consult beyond the proof bytes.
type ExecutionContext struct {
	MaxInboxMessagesRead uint64
	Inbox                InboxReader
}
