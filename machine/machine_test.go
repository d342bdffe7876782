// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package machine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/rollup-settlement/outbox"
	"github.com/offchainlabs/rollup-settlement/util/arbmath"
	"github.com/offchainlabs/rollup-settlement/util/merkletree"
	"github.com/offchainlabs/rollup-settlement/util/testhelpers"
	"github.com/offchainlabs/rollup-settlement/validator"
)

type testInbox []common.Hash

func (i testInbox) SequencerInboxAcc(index uint64) (common.Hash, error) {
	if index >= uint64(len(i)) {
		return common.Hash{}, fmt.Errorf("inbox index %d out of range", index)
	}
	return i[index], nil
}

var withdrawTo = common.HexToAddress("0x1234")

func newTestInbox(count int) testInbox {
	inbox := make(testInbox, count)
	for i := range inbox {
		inbox[i] = testhelpers.RandomHash()
	}
	return inbox
}

func execCtxFor(inbox testInbox) validator.ExecutionContext {
	return validator.ExecutionContext{MaxInboxMessagesRead: uint64(len(inbox)), Inbox: inbox}
}

func newTestMachine(t *testing.T, program *Program, gs validator.GoGlobalState, partials []common.Hash, inbox testInbox) *Machine {
	t.Helper()
	mach, err := NewMachine(program, gs, partials, execCtxFor(inbox))
	require.NoError(t, err)
	return mach
}

func TestInternalRefRoundTrip(t *testing.T) {
	pc := ProgramCounter{Module: 3, Function: 0xfffffffe, Pc: 17}
	got, err := NewInternalRef(pc).ProgramCounter()
	require.NoError(t, err)
	require.Equal(t, pc, got)

	_, err = NewI64(5).ProgramCounter()
	require.ErrorIs(t, err, errNotInternalRef)
}

func TestValueHashing(t *testing.T) {
	require.NotEqual(t, NewI32(1).Hash(), NewI64(1).Hash(), "type must be committed to")
	require.NotEqual(t, NewI64(1).Hash(), NewI64(2).Hash())

	var empty ValueStack
	require.Equal(t, common.Hash{}, empty.Hash())

	stack := ValueStack{Values: []Value{NewI64(1), NewI64(2), NewI64(3), NewI64(4)}}
	split := stack.Split(2)
	require.Equal(t, 2, split.Len())
	require.Equal(t, stack.Hash(), split.Hash())
	require.NotEqual(t, common.Hash{}, split.RemainingHash)

	// popping past what a split reveals can't be mistaken for an underflow
	_, err := split.Pop()
	require.NoError(t, err)
	_, err = split.Pop()
	require.NoError(t, err)
	_, err = split.Pop()
	require.ErrorIs(t, err, errProofIncomplete)
	_, err = empty.Pop()
	require.ErrorIs(t, err, errStackUnderflow)
}

func expectedBlockHash(prev common.Hash, acc common.Hash, batch, pos uint64) common.Hash {
	h := crypto.Keccak256Hash(prev.Bytes(), acc.Bytes())
	return crypto.Keccak256Hash(h.Bytes(), arbmath.UintToBytes(batch), arbmath.UintToBytes(pos))
}

func TestBlockProgramRunsBlocks(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(3)
	program := BlockProgram(2, 4, withdrawTo)

	gs := validator.GoGlobalState{}
	sends := merkletree.NewAccumulator()
	for block := uint64(0); block < 5; block++ {
		mach := newTestMachine(t, program, gs, sends.Partials(), inbox)
		require.NoError(t, mach.Run(ctx))
		require.Equal(t, validator.MachineStatusFinished, mach.Status, "block %d", block)

		wantHash := expectedBlockHash(gs.BlockHash, inbox[gs.Batch], gs.Batch, gs.PosInBatch)
		sends.Append(outbox.CalculateItemHash(BlockProgramL2Sender, withdrawTo, block, 0, 0, nil, wantHash.Bytes()))
		want := validator.GoGlobalState{
			BlockHash:  wantHash,
			SendRoot:   sends.Root(),
			Batch:      (block + 1) / 2,
			PosInBatch: (block + 1) % 2,
		}
		if diff := cmp.Diff(want, mach.GlobalState); diff != "" {
			t.Fatalf("block %d global state mismatch (-want +got):\n%s", block, diff)
		}
		require.Equal(t, sends.Partials(), mach.SendPartials())
		gs = mach.GlobalState
	}
}

func TestRunningOutOfInboxIsTooFar(t *testing.T) {
	inbox := newTestInbox(1)
	program := BlockProgram(1, 0, withdrawTo)
	mach := newTestMachine(t, program, validator.GoGlobalState{Batch: 1}, nil, inbox)
	require.NoError(t, mach.Run(context.Background()))
	require.Equal(t, validator.MachineStatusTooFar, mach.Status)
	want, err := EndMachineHash(validator.MachineStatusTooFar, common.Hash{})
	require.NoError(t, err)
	require.Equal(t, want, mach.Hash())
}

func TestUnreachableErrors(t *testing.T) {
	program := NewProgram(Module{Functions: []Function{{Code: []Instruction{Inst(OpNop), Inst(OpUnreachable)}}}})
	gs := validator.GoGlobalState{BlockHash: testhelpers.RandomHash()}
	mach := newTestMachine(t, program, gs, nil, nil)
	require.NoError(t, mach.Run(context.Background()))
	require.Equal(t, validator.MachineStatusErrored, mach.Status)
	require.Equal(t, uint64(2), mach.GetStepCount())
	want, err := EndMachineHash(validator.MachineStatusErrored, gs.Hash())
	require.NoError(t, err)
	require.Equal(t, want, mach.Hash())
}

func TestStartMachineHash(t *testing.T) {
	program := BlockProgram(4, 1, withdrawTo)
	gs := validator.GoGlobalState{BlockHash: testhelpers.RandomHash(), Batch: 3}
	mach := newTestMachine(t, program, gs, nil, newTestInbox(4))
	require.Equal(t, StartMachineHash(gs.Hash(), program.ModulesRoot()), mach.Hash())
}

func TestOneStepProofsReplayExecution(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(2)
	execCtx := execCtxFor(inbox)
	program := BlockProgram(1, 3, withdrawTo)
	sends := merkletree.NewAccumulator()
	sends.Append(testhelpers.RandomHash())
	gs := validator.GoGlobalState{BlockHash: testhelpers.RandomHash(), SendRoot: sends.Root(), Batch: 1}
	mach := newTestMachine(t, program, gs, sends.Partials(), inbox)
	prover := NewOneStepProver()

	// a few extra steps check that halted machines prove to themselves
	for step := uint64(0); mach.IsRunning() || step < mach.GetStepCount()+3; step++ {
		before := mach.Hash()
		proof, err := mach.ProveNextStep()
		require.NoError(t, err)
		require.NoError(t, mach.Step(ctx, 1))
		after, err := prover.Evaluate(execCtx, step, before, proof)
		require.NoError(t, err, "step %d", step)
		require.Equal(t, mach.Hash(), after, "step %d", step)
	}
	require.Equal(t, validator.MachineStatusFinished, mach.Status)
}

func TestOneStepProofRejectsTampering(t *testing.T) {
	inbox := newTestInbox(1)
	execCtx := execCtxFor(inbox)
	program := BlockProgram(1, 1, withdrawTo)
	mach := newTestMachine(t, program, validator.GoGlobalState{}, nil, inbox)
	require.NoError(t, mach.Step(context.Background(), 5))
	before := mach.Hash()
	proofBytes, err := mach.ProveNextStep()
	require.NoError(t, err)
	prover := NewOneStepProver()

	_, err = prover.Evaluate(execCtx, 5, testhelpers.RandomHash(), proofBytes)
	require.ErrorIs(t, err, ErrProofMismatch)

	_, err = prover.Evaluate(execCtx, 5, before, proofBytes[:len(proofBytes)/2])
	require.ErrorIs(t, err, ErrInvalidProof)

	var proof oneStepProof
	require.NoError(t, rlp.DecodeBytes(proofBytes, &proof))
	proof.Instruction = Inst(OpHaltAndSetFinish)
	tampered, err := rlp.EncodeToBytes(&proof)
	require.NoError(t, err)
	_, err = prover.Evaluate(execCtx, 5, before, tampered)
	require.ErrorIs(t, err, ErrInvalidProof)

	require.NoError(t, rlp.DecodeBytes(proofBytes, &proof))
	proof.Values = nil
	proof.ValuesRemaining = mach.ValueStack.Hash()
	hidden, err := rlp.EncodeToBytes(&proof)
	require.NoError(t, err)
	_, err = prover.Evaluate(execCtx, 5, before, hidden)
	require.True(t, errors.Is(err, ErrInvalidProof), "hiding the operands must not pass: %v", err)
}

func TestFaultDivergesFromHonestExecution(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(1)
	execCtx := execCtxFor(inbox)
	program := BlockProgram(1, 2, withdrawTo)
	honest := newTestMachine(t, program, validator.GoGlobalState{}, nil, inbox)
	faulty := honest.Clone()
	const faultStep = 9
	faulty.SetFault(faultStep)

	require.NoError(t, honest.Step(ctx, faultStep-1))
	require.NoError(t, faulty.Step(ctx, faultStep-1))
	require.Equal(t, honest.Hash(), faulty.Hash())

	proof, err := faulty.ProveNextStep()
	require.NoError(t, err)
	before := faulty.Hash()
	require.NoError(t, honest.Step(ctx, 1))
	require.NoError(t, faulty.Step(ctx, 1))
	require.NotEqual(t, honest.Hash(), faulty.Hash())

	after, err := NewOneStepProver().Evaluate(execCtx, faultStep-1, before, proof)
	require.NoError(t, err)
	require.Equal(t, honest.Hash(), after)

	require.NoError(t, honest.Run(ctx))
	require.NoError(t, faulty.Run(ctx))
	require.NotEqual(t, honest.GlobalState.BlockHash, faulty.GlobalState.BlockHash)
}

func TestHashCache(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(1)
	program := BlockProgram(1, 5, withdrawTo)
	start := newTestMachine(t, program, validator.GoGlobalState{}, nil, inbox)
	cache := NewHashCache(start, 8)

	reference := start.Clone()
	var hashes []common.Hash
	for reference.IsRunning() {
		hashes = append(hashes, reference.Hash())
		require.NoError(t, reference.Step(ctx, 1))
	}
	hashes = append(hashes, reference.Hash())

	for _, step := range []uint64{7, 3, 20, 0, uint64(len(hashes) - 1), 7} {
		got, err := cache.HashAt(ctx, step)
		require.NoError(t, err)
		require.Equal(t, hashes[step], got, "step %d", step)
	}
	past, err := cache.HashAt(ctx, uint64(len(hashes)+10))
	require.NoError(t, err)
	require.Equal(t, hashes[len(hashes)-1], past)
	require.Equal(t, uint64(0), start.GetStepCount())
}
