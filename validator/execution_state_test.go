// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package validator

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/rollup-settlement/util/testhelpers"
)

func TestGlobalStateHashLayout(t *testing.T) {
	gs := GoGlobalState{
		BlockHash:  testhelpers.RandomHash(),
		SendRoot:   testhelpers.RandomHash(),
		Batch:      7,
		PosInBatch: 3,
	}
	var data []byte
	data = append(data, []byte("Global state:")...)
	data = append(data, gs.BlockHash.Bytes()...)
	data = append(data, gs.SendRoot.Bytes()...)
	data = append(data, 0, 0, 0, 0, 0, 0, 0, 7)
	data = append(data, 0, 0, 0, 0, 0, 0, 0, 3)
	require.Equal(t, crypto.Keccak256Hash(data), gs.Hash())

	other := gs
	other.PosInBatch = 4
	require.NotEqual(t, gs.Hash(), other.Hash())
}

func TestGlobalStateU64Slots(t *testing.T) {
	var gs GoGlobalState
	require.NoError(t, gs.SetU64(0, 5))
	require.NoError(t, gs.SetU64(1, 9))
	batch, err := gs.GetU64(0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), batch)
	pos, err := gs.GetU64(1)
	require.NoError(t, err)
	require.Equal(t, uint64(9), pos)
	require.Error(t, gs.SetU64(2, 1))
	_, err = gs.GetU64(2)
	require.Error(t, err)
}

func TestRequiredBatches(t *testing.T) {
	cases := []struct {
		state ExecutionState
		want  uint64
	}{
		{ExecutionState{GoGlobalState{Batch: 3}, MachineStatusFinished}, 3},
		{ExecutionState{GoGlobalState{Batch: 3, PosInBatch: 1}, MachineStatusFinished}, 4},
		{ExecutionState{GoGlobalState{Batch: 3}, MachineStatusErrored}, 4},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.state.RequiredBatches(), "state %v", c.state.GlobalState)
	}
}

func TestBlockStateDomains(t *testing.T) {
	gsHash := GoGlobalState{Batch: 1}.Hash()
	finished, err := BlockStateHash(MachineStatusFinished, gsHash)
	require.NoError(t, err)
	errored, err := BlockStateHash(MachineStatusErrored, gsHash)
	require.NoError(t, err)
	tooFar, err := BlockStateHash(MachineStatusTooFar, gsHash)
	require.NoError(t, err)
	otherTooFar, err := BlockStateHash(MachineStatusTooFar, common.Hash{})
	require.NoError(t, err)

	require.NotEqual(t, finished, errored)
	require.NotEqual(t, finished, tooFar)
	require.Equal(t, tooFar, otherTooFar)
	_, err = BlockStateHash(MachineStatusRunning, gsHash)
	require.ErrorIs(t, err, ErrBadBlockStatus)
}

func TestAssertionExecutionHash(t *testing.T) {
	assertion := Assertion{
		BeforeState: ExecutionState{GoGlobalState{}, MachineStatusFinished},
		AfterState:  ExecutionState{GoGlobalState{BlockHash: common.HexToHash("0x01"), Batch: 1}, MachineStatusFinished},
		NumBlocks:   4,
	}
	got, err := assertion.ExecutionHash()
	require.NoError(t, err)
	before, _ := assertion.BeforeState.BlockStateHash()
	after, _ := assertion.AfterState.BlockStateHash()
	require.Equal(t, HashChallengeState(0, 4, []common.Hash{before, after}), got)

	assertion.AfterState.MachineStatus = MachineStatusRunning
	_, err = assertion.ExecutionHash()
	require.Error(t, err)
}

func TestNodeHashSiblingBit(t *testing.T) {
	prev := testhelpers.RandomHash()
	exec := testhelpers.RandomHash()
	acc := testhelpers.RandomHash()
	root := testhelpers.RandomHash()
	require.NotEqual(t, NodeHash(false, prev, exec, acc, root), NodeHash(true, prev, exec, acc, root))
	require.Equal(t,
		crypto.Keccak256Hash([]byte{1}, prev.Bytes(), exec.Bytes(), acc.Bytes(), root.Bytes()),
		NodeHash(true, prev, exec, acc, root),
	)
}

func TestStateHashCommitsToInboxCount(t *testing.T) {
	state := &ExecutionState{GoGlobalState{Batch: 2}, MachineStatusFinished}
	require.NotEqual(t, StateHash(state, 2), StateHash(state, 3))
	errored := *state
	errored.MachineStatus = MachineStatusErrored
	require.NotEqual(t, StateHash(state, 2), StateHash(&errored, 2))
}
