// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package validator

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/offchainlabs/rollup-settlement/arbutil"
	"github.com/offchainlabs/rollup-settlement/util/arbmath"
)

var ErrBadBlockStatus = errors.New("block state hash of a running machine")

// StateHash commits to a node's claimed end state and the inbox size it was bounded by.
func StateHash(state *ExecutionState, inboxMaxCount uint64) common.Hash {
	return crypto.Keccak256Hash(
		state.GlobalState.Hash().Bytes(),
		arbmath.Uint64ToU256Bytes(inboxMaxCount),
		[]byte{uint8(state.MachineStatus)},
	)
}

func BlockStateHash(status MachineStatus, globalStateHash common.Hash) (common.Hash, error) {
	switch status {
	case MachineStatusFinished:
		return arbutil.Keccak256Tagged("Block state:", globalStateHash.Bytes()), nil
	case MachineStatusErrored:
		return arbutil.Keccak256Tagged("Block state, errored:", globalStateHash.Bytes()), nil
	case MachineStatusTooFar:
		return arbutil.Keccak256Tagged("Block state, too far:"), nil
	default:
		return common.Hash{}, fmt.Errorf("%w: status %v", ErrBadBlockStatus, status)
	}
}

// HashChallengeState commits to a segment array covering [start, start+length].
func HashChallengeState(segmentsStart uint64, segmentsLength uint64, segments []common.Hash) common.Hash {
	data := make([]byte, 0, 64+32*len(segments))
	data = append(data, arbmath.Uint64ToU256Bytes(segmentsStart)...)
	data = append(data, arbmath.Uint64ToU256Bytes(segmentsLength)...)
	for _, s := range segments {
		data = append(data, s.Bytes()...)
	}
	return crypto.Keccak256Hash(data)
}

// ExecutionHash is the initial block challenge commitment of an assertion: a single segment
// spanning all of its blocks.
func ExecutionHash(numBlocks uint64, beforeBlockState, afterBlockState common.Hash) common.Hash {
	return HashChallengeState(0, numBlocks, []common.Hash{beforeBlockState, afterBlockState})
}

func ChallengeRootHash(executionHash common.Hash, proposedBlock uint64, wasmModuleRoot common.Hash) common.Hash {
	return crypto.Keccak256Hash(
		executionHash.Bytes(),
		arbmath.Uint64ToU256Bytes(proposedBlock),
		wasmModuleRoot.Bytes(),
	)
}

func ConfirmHash(blockHash, sendRoot common.Hash) common.Hash {
	return crypto.Keccak256Hash(blockHash.Bytes(), sendRoot.Bytes())
}

// NodeHash chains a node to its predecessor's hash. hasSibling records whether the parent
// already had a child when this one was created.
func NodeHash(hasSibling bool, lastHash, assertionExecHash, inboxAcc, wasmModuleRoot common.Hash) common.Hash {
	var sibling byte
	if hasSibling {
		sibling = 1
	}
	return crypto.Keccak256Hash(
		[]byte{sibling},
		lastHash.Bytes(),
		assertionExecHash.Bytes(),
		inboxAcc.Bytes(),
		wasmModuleRoot.Bytes(),
	)
}
