// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package machine

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/offchainlabs/rollup-settlement/util/merkletree"
	"github.com/offchainlabs/rollup-settlement/validator"
)

var (
	ErrProofMismatch = errors.New("proof doesn't match the machine hash")
	ErrInvalidProof  = errors.New("invalid one step proof")

	proofsEvaluatedCounter = metrics.NewRegisteredCounter("arb/machine/osp/evaluated", nil)
)

// How much of each stack a proof reveals; no instruction touches more.
const (
	provenValues   = 3
	provenInternal = 1
	provenFrames   = 1
)

type proofValue struct {
	Type     ValueType
	Contents common.Hash
}

type proofFrame struct {
	ReturnPc              proofValue
	LocalsMerkleRoot      common.Hash
	CallerModule          uint32
	CallerModuleInternals uint32
}

type oneStepProof struct {
	Status            validator.MachineStatus
	Values            []proofValue
	ValuesRemaining   common.Hash
	Internal          []proofValue
	InternalRemaining common.Hash
	Frames            []proofFrame
	FramesRemaining   common.Hash
	GlobalState       validator.GoGlobalState
	ModuleIdx         uint32
	FunctionIdx       uint32
	FunctionPc        uint32
	ModulesRoot       common.Hash

	Module           ModuleHeader
	ModuleProof      []common.Hash
	Function         FunctionHeader
	FunctionProof    []common.Hash
	Instruction      Instruction
	InstructionProof []common.Hash
	SendPartials     []common.Hash
}

func encodeValue(v Value) proofValue {
	return proofValue{Type: v.Type, Contents: v.Contents.Bytes32()}
}

func decodeValue(v proofValue) Value {
	var val Value
	val.Type = v.Type
	val.Contents.SetBytes32(v.Contents[:])
	return val
}

func encodeValues(values []Value) []proofValue {
	out := make([]proofValue, len(values))
	for i, v := range values {
		out[i] = encodeValue(v)
	}
	return out
}

func decodeValues(values []proofValue) []Value {
	out := make([]Value, len(values))
	for i, v := range values {
		out[i] = decodeValue(v)
	}
	return out
}

// ProveNextStep serializes what a one step prover needs to execute the next instruction.
func (m *Machine) ProveNextStep() ([]byte, error) {
	values := m.ValueStack.Split(provenValues)
	internal := m.InternalStack.Split(provenInternal)
	frames := m.FrameStack.Split(provenFrames)
	proof := oneStepProof{
		Status:            m.Status,
		Values:            encodeValues(values.Values),
		ValuesRemaining:   values.RemainingHash,
		Internal:          encodeValues(internal.Values),
		InternalRemaining: internal.RemainingHash,
		GlobalState:       m.GlobalState,
		ModuleIdx:         m.ModuleIdx,
		FunctionIdx:       m.FunctionIdx,
		FunctionPc:        m.FunctionPc,
		ModulesRoot:       m.ModulesRoot,
		FramesRemaining:   frames.RemainingHash,
	}
	for _, f := range frames.Frames {
		proof.Frames = append(proof.Frames, proofFrame{
			ReturnPc:              encodeValue(f.ReturnPc),
			LocalsMerkleRoot:      f.LocalsMerkleRoot,
			CallerModule:          f.CallerModule,
			CallerModuleInternals: f.CallerModuleInternals,
		})
	}
	if m.IsRunning() {
		code, err := m.program.proveCode(m.pc())
		if err != nil {
			return nil, err
		}
		proof.Module = code.module
		proof.ModuleProof = code.moduleProof
		proof.Function = code.function
		proof.FunctionProof = code.functionProof
		proof.Instruction = code.instruction
		proof.InstructionProof = code.instructionProof
		if code.instruction.Opcode == OpAppendSendMerkle {
			proof.SendPartials = m.sendMerkle.Partials()
		}
	}
	return rlp.EncodeToBytes(&proof)
}

func (p *oneStepProof) machine() *Machine {
	m := &Machine{
		Status:        p.Status,
		ValueStack:    ValueStack{Values: decodeValues(p.Values), RemainingHash: p.ValuesRemaining},
		InternalStack: ValueStack{Values: decodeValues(p.Internal), RemainingHash: p.InternalRemaining},
		FrameStack:    FrameStack{RemainingHash: p.FramesRemaining},
		GlobalState:   p.GlobalState,
		ModuleIdx:     p.ModuleIdx,
		FunctionIdx:   p.FunctionIdx,
		FunctionPc:    p.FunctionPc,
		ModulesRoot:   p.ModulesRoot,
	}
	for _, f := range p.Frames {
		m.FrameStack.Frames = append(m.FrameStack.Frames, StackFrame{
			ReturnPc:              decodeValue(f.ReturnPc),
			LocalsMerkleRoot:      f.LocalsMerkleRoot,
			CallerModule:          f.CallerModule,
			CallerModuleInternals: f.CallerModuleInternals,
		})
	}
	return m
}

// verifyMembership checks item sits at index under root, with a path no longer than needed.
func verifyMembership(root common.Hash, item common.Hash, index uint64, proof []common.Hash) bool {
	if len(proof) < 64 && index>>uint(len(proof)) != 0 {
		return false
	}
	return merkletree.CalculateRoot(merkletree.LeafHash(item), index, proof) == root
}

// OneStepProver executes a single instruction of a machine from a proof produced by
// ProveNextStep.
type OneStepProver struct{}

func NewOneStepProver() *OneStepProver {
	return &OneStepProver{}
}

func (p *OneStepProver) Evaluate(execCtx validator.ExecutionContext, step uint64, beforeHash common.Hash, proofBytes []byte) (common.Hash, error) {
	var proof oneStepProof
	if err := rlp.DecodeBytes(proofBytes, &proof); err != nil {
		return common.Hash{}, fmt.Errorf("%w: decoding step %d: %v", ErrInvalidProof, step, err)
	}
	mach := proof.machine()
	if mach.Status > validator.MachineStatusTooFar {
		return common.Hash{}, fmt.Errorf("%w: bad status %d", ErrInvalidProof, mach.Status)
	}
	if got := mach.Hash(); got != beforeHash {
		return common.Hash{}, fmt.Errorf("%w: step %d proves %v, expected %v", ErrProofMismatch, step, got, beforeHash)
	}
	proofsEvaluatedCounter.Inc(1)
	if !mach.IsRunning() {
		return beforeHash, nil
	}
	if !verifyMembership(mach.ModulesRoot, proof.Module.Hash(), uint64(mach.ModuleIdx), proof.ModuleProof) {
		return common.Hash{}, fmt.Errorf("%w: module %d not in modules root", ErrInvalidProof, mach.ModuleIdx)
	}
	if mach.FunctionIdx >= proof.Module.NumFunctions {
		mach.Status = validator.MachineStatusErrored
		return mach.Hash(), nil
	}
	if !verifyMembership(proof.Module.FunctionsRoot, proof.Function.Hash(), uint64(mach.FunctionIdx), proof.FunctionProof) {
		return common.Hash{}, fmt.Errorf("%w: function %d not in module", ErrInvalidProof, mach.FunctionIdx)
	}
	if mach.FunctionPc >= proof.Function.CodeLength {
		mach.Status = validator.MachineStatusErrored
		return mach.Hash(), nil
	}
	if !verifyMembership(proof.Function.CodeRoot, proof.Instruction.Hash(), uint64(mach.FunctionPc), proof.InstructionProof) {
		return common.Hash{}, fmt.Errorf("%w: instruction %d not in function", ErrInvalidProof, mach.FunctionPc)
	}
	if proof.Instruction.Opcode == OpAppendSendMerkle {
		sendMerkle := merkletree.NewAccumulatorFromPartials(proof.SendPartials)
		if sendMerkle.Root() != mach.GlobalState.SendRoot {
			return common.Hash{}, fmt.Errorf("%w: send partials don't match the send root", ErrInvalidProof)
		}
		mach.sendMerkle = sendMerkle
	}
	mach.execCtx = execCtx
	if err := mach.execute(proof.Instruction, proof.Module); err != nil {
		if errors.Is(err, errProofIncomplete) {
			return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
		return common.Hash{}, err
	}
	after := mach.Hash()
	log.Trace("one step proof evaluated", "step", step, "opcode", proof.Instruction.Opcode, "before", beforeHash, "after", after)
	return after, nil
}
