// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package machine is the reference virtual machine disputed in execution challenges: a
// Merkleized machine state, the block state transition program it runs, and a one step prover
// that replays a single instruction from a partial machine revealed by a proof.
package machine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/offchainlabs/rollup-settlement/arbutil"
	"github.com/offchainlabs/rollup-settlement/outbox"
	"github.com/offchainlabs/rollup-settlement/util/arbmath"
	"github.com/offchainlabs/rollup-settlement/util/merkletree"
	"github.com/offchainlabs/rollup-settlement/validator"
)

var (
	errStackUnderflow  = errors.New("stack underflow")
	errProofIncomplete = errors.New("proof does not reveal enough of the machine")
	ErrNotRunning      = errors.New("machine is not running")
)

// StartingValues are on the value stack of a freshly started machine.
func StartingValues() []Value {
	return []Value{NewRefNull(), NewI32(0), NewI32(0)}
}

type Machine struct {
	Status        validator.MachineStatus
	ValueStack    ValueStack
	InternalStack ValueStack
	FrameStack    FrameStack
	GlobalState   validator.GoGlobalState
	ModuleIdx     uint32
	FunctionIdx   uint32
	FunctionPc    uint32
	ModulesRoot   common.Hash

	program    *Program
	sendMerkle *merkletree.Accumulator
	execCtx    validator.ExecutionContext
	stepCount  uint64
	faultStep  uint64
}

// NewMachine starts program at its first instruction on top of globalState. sendPartials is the
// send Merkle accumulator matching globalState.SendRoot.
func NewMachine(program *Program, globalState validator.GoGlobalState, sendPartials []common.Hash, execCtx validator.ExecutionContext) (*Machine, error) {
	sendMerkle := merkletree.NewAccumulatorFromPartials(sendPartials)
	if sendMerkle.Root() != globalState.SendRoot {
		return nil, fmt.Errorf("send partials root %v doesn't match global state send root %v", sendMerkle.Root(), globalState.SendRoot)
	}
	return &Machine{
		Status:      validator.MachineStatusRunning,
		ValueStack:  ValueStack{Values: StartingValues()},
		GlobalState: globalState,
		ModulesRoot: program.ModulesRoot(),
		program:     program,
		sendMerkle:  sendMerkle,
		execCtx:     execCtx,
	}, nil
}

// SetFault makes the machine corrupt its block hash right after executing its step-th step.
// Zero disables the fault.
func (m *Machine) SetFault(step uint64) {
	m.faultStep = step
}

func (m *Machine) Hash() common.Hash {
	switch m.Status {
	case validator.MachineStatusRunning:
		return arbutil.Keccak256Tagged(
			"Machine running:",
			m.ValueStack.Hash().Bytes(),
			m.InternalStack.Hash().Bytes(),
			m.FrameStack.Hash().Bytes(),
			m.GlobalState.Hash().Bytes(),
			arbmath.Uint32ToBytes(m.ModuleIdx),
			arbmath.Uint32ToBytes(m.FunctionIdx),
			arbmath.Uint32ToBytes(m.FunctionPc),
			m.ModulesRoot.Bytes(),
		)
	default:
		h, err := EndMachineHash(m.Status, m.GlobalState.Hash())
		if err != nil {
			panic(err)
		}
		return h
	}
}

// StartMachineHash is the hash of a machine about to run a block from the given state.
func StartMachineHash(globalStateHash common.Hash, wasmModuleRoot common.Hash) common.Hash {
	values := ValueStack{Values: StartingValues()}
	var internal ValueStack
	var frames FrameStack
	return arbutil.Keccak256Tagged(
		"Machine running:",
		values.Hash().Bytes(),
		internal.Hash().Bytes(),
		frames.Hash().Bytes(),
		globalStateHash.Bytes(),
		arbmath.Uint32ToBytes(0),
		arbmath.Uint32ToBytes(0),
		arbmath.Uint32ToBytes(0),
		wasmModuleRoot.Bytes(),
	)
}

// EndMachineHash is the hash of a halted machine.
func EndMachineHash(status validator.MachineStatus, globalStateHash common.Hash) (common.Hash, error) {
	switch status {
	case validator.MachineStatusFinished:
		return arbutil.Keccak256Tagged("Machine finished:", globalStateHash.Bytes()), nil
	case validator.MachineStatusErrored:
		return arbutil.Keccak256Tagged("Machine errored:", globalStateHash.Bytes()), nil
	case validator.MachineStatusTooFar:
		return arbutil.Keccak256Tagged("Machine too far:"), nil
	default:
		return common.Hash{}, fmt.Errorf("bad machine status %v for an end hash", status)
	}
}

func (m *Machine) Clone() *Machine {
	c := *m
	c.ValueStack = m.ValueStack.clone()
	c.InternalStack = m.InternalStack.clone()
	c.FrameStack = m.FrameStack.clone()
	if m.sendMerkle != nil {
		c.sendMerkle = m.sendMerkle.Clone()
	}
	return &c
}

func (m *Machine) GetStepCount() uint64 {
	return m.stepCount
}

func (m *Machine) IsRunning() bool {
	return m.Status == validator.MachineStatusRunning
}

func (m *Machine) ValidForStep(requestedStep uint64) bool {
	haveStep := m.GetStepCount()
	if haveStep > requestedStep {
		return false
	} else if haveStep == requestedStep {
		return true
	} else { // haveStep < requestedStep
		// if the machine is halted, its state persists for future steps
		return !m.IsRunning()
	}
}

func (m *Machine) SendPartials() []common.Hash {
	return m.sendMerkle.Partials()
}

func (m *Machine) pc() ProgramCounter {
	return ProgramCounter{Module: m.ModuleIdx, Function: m.FunctionIdx, Pc: m.FunctionPc}
}

const stepsPerContextCheck = 1 << 16

// Step runs up to count instructions, stopping early once the machine halts.
func (m *Machine) Step(ctx context.Context, count uint64) error {
	for i := uint64(0); i < count && m.IsRunning(); i++ {
		if i%stepsPerContextCheck == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		header, _ := m.program.moduleHeader(m.ModuleIdx)
		inst, ok := m.program.instruction(m.pc())
		if !ok {
			m.Status = validator.MachineStatusErrored
		} else if err := m.execute(inst, header); err != nil {
			return err
		}
		m.stepCount++
		if m.faultStep != 0 && m.stepCount == m.faultStep {
			m.GlobalState.BlockHash = crypto.Keccak256Hash(m.GlobalState.BlockHash.Bytes(), []byte("fault"))
		}
	}
	return nil
}

// Run steps the machine until it halts.
func (m *Machine) Run(ctx context.Context) error {
	for m.IsRunning() {
		if err := m.Step(ctx, stepsPerContextCheck); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) popValue() (Value, bool, error) {
	v, err := m.ValueStack.Pop()
	return m.checkPop(v, err)
}

func (m *Machine) checkPop(v Value, err error) (Value, bool, error) {
	if errors.Is(err, errStackUnderflow) {
		m.Status = validator.MachineStatusErrored
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, err
	}
	return v, true, nil
}

func (m *Machine) popTyped(ty ValueType) (Value, bool, error) {
	v, ok, err := m.popValue()
	if !ok || err != nil {
		return v, ok, err
	}
	if v.Type != ty {
		m.Status = validator.MachineStatusErrored
		return Value{}, false, nil
	}
	return v, true, nil
}

// execute applies one instruction. Faults of the program move the machine to the errored
// state; a returned error means the machine could not be evaluated at all.
func (m *Machine) execute(inst Instruction, module ModuleHeader) error {
	m.FunctionPc++
	switch inst.Opcode {
	case OpUnreachable:
		m.Status = validator.MachineStatusErrored
	case OpNop:
	case OpDrop:
		_, _, err := m.popValue()
		return err
	case OpDup:
		v, ok, err := m.popValue()
		if !ok || err != nil {
			return err
		}
		m.ValueStack.Push(v)
		m.ValueStack.Push(v)
	case OpI32Const:
		m.ValueStack.Push(NewI32(uint32(inst.ArgumentU64())))
	case OpI64Const:
		m.ValueStack.Push(NewI64(inst.ArgumentU64()))
	case OpI64Add, OpI64Sub, OpI64Mul:
		b, ok, err := m.popTyped(ValueTypeI64)
		if !ok || err != nil {
			return err
		}
		a, ok, err := m.popTyped(ValueTypeI64)
		if !ok || err != nil {
			return err
		}
		x, y := a.Contents.Uint64(), b.Contents.Uint64()
		var r uint64
		switch inst.Opcode {
		case OpI64Add:
			r = x + y
		case OpI64Sub:
			r = x - y
		default:
			r = x * y
		}
		m.ValueStack.Push(NewI64(r))
	case OpI64Eqz:
		a, ok, err := m.popTyped(ValueTypeI64)
		if !ok || err != nil {
			return err
		}
		var r uint32
		if a.Contents.IsZero() {
			r = 1
		}
		m.ValueStack.Push(NewI32(r))
	case OpJump:
		m.FunctionPc = uint32(inst.ArgumentU64())
	case OpJumpIf:
		cond, ok, err := m.popTyped(ValueTypeI32)
		if !ok || err != nil {
			return err
		}
		if !cond.Contents.IsZero() {
			m.FunctionPc = uint32(inst.ArgumentU64())
		}
	case OpCall:
		target := inst.ArgumentU64()
		if target >= uint64(module.NumFunctions) {
			m.Status = validator.MachineStatusErrored
			return nil
		}
		m.FrameStack.Push(StackFrame{
			ReturnPc:              NewInternalRef(m.pc()),
			CallerModule:          m.ModuleIdx,
			CallerModuleInternals: module.InternalsOffset,
		})
		m.FunctionIdx = uint32(target)
		m.FunctionPc = 0
	case OpReturn:
		frame, err := m.FrameStack.Pop()
		if errors.Is(err, errStackUnderflow) {
			m.Status = validator.MachineStatusErrored
			return nil
		}
		if err != nil {
			return err
		}
		pc, err := frame.ReturnPc.ProgramCounter()
		if err != nil {
			m.Status = validator.MachineStatusErrored
			return nil
		}
		m.ModuleIdx, m.FunctionIdx, m.FunctionPc = pc.Module, pc.Function, pc.Pc
	case OpMoveToInternal:
		v, ok, err := m.popValue()
		if !ok || err != nil {
			return err
		}
		m.InternalStack.Push(v)
	case OpMoveFromInternal:
		v, ok, err := m.checkPop(m.InternalStack.Pop())
		if !ok || err != nil {
			return err
		}
		m.ValueStack.Push(v)
	case OpGetGlobalStateU64:
		idx, ok, err := m.popTyped(ValueTypeI32)
		if !ok || err != nil {
			return err
		}
		val, err := m.GlobalState.GetU64(idx.Contents.Uint64())
		if err != nil {
			m.Status = validator.MachineStatusErrored
			return nil
		}
		m.ValueStack.Push(NewI64(val))
	case OpSetGlobalStateU64:
		val, ok, err := m.popTyped(ValueTypeI64)
		if !ok || err != nil {
			return err
		}
		idx, ok, err := m.popTyped(ValueTypeI32)
		if !ok || err != nil {
			return err
		}
		if err := m.GlobalState.SetU64(idx.Contents.Uint64(), val.Contents.Uint64()); err != nil {
			m.Status = validator.MachineStatusErrored
		}
	case OpReadInboxMessage:
		idx, ok, err := m.popTyped(ValueTypeI64)
		if !ok || err != nil {
			return err
		}
		msgIdx := idx.Contents.Uint64()
		if msgIdx >= m.execCtx.MaxInboxMessagesRead {
			m.Status = validator.MachineStatusTooFar
			return nil
		}
		if m.execCtx.Inbox == nil {
			return errors.New("no inbox to read messages from")
		}
		acc, err := m.execCtx.Inbox.SequencerInboxAcc(msgIdx)
		if err != nil {
			return fmt.Errorf("reading inbox message %d: %w", msgIdx, err)
		}
		m.GlobalState.BlockHash = crypto.Keccak256Hash(m.GlobalState.BlockHash.Bytes(), acc.Bytes())
	case OpHashBlock:
		m.GlobalState.BlockHash = crypto.Keccak256Hash(
			m.GlobalState.BlockHash.Bytes(),
			arbmath.UintToBytes(m.GlobalState.Batch),
			arbmath.UintToBytes(m.GlobalState.PosInBatch),
		)
	case OpAppendSendMerkle:
		count, ok, err := m.popTyped(ValueTypeI64)
		if !ok || err != nil {
			return err
		}
		if m.sendMerkle == nil || m.sendMerkle.Size() != count.Contents.Uint64() {
			m.Status = validator.MachineStatusErrored
			return nil
		}
		to := common.BytesToAddress(inst.Argument[12:])
		item := outbox.CalculateItemHash(BlockProgramL2Sender, to, count.Contents.Uint64(), 0, 0, nil, m.GlobalState.BlockHash.Bytes())
		m.sendMerkle.Append(item)
		m.GlobalState.SendRoot = m.sendMerkle.Root()
	case OpHaltAndSetFinish:
		m.Status = validator.MachineStatusFinished
	default:
		m.Status = validator.MachineStatusErrored
	}
	return nil
}
