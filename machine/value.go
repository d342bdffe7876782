// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package machine

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/offchainlabs/rollup-settlement/arbutil"
	"github.com/offchainlabs/rollup-settlement/util/arbmath"
)

type ValueType uint8

const (
	ValueTypeI32 ValueType = iota
	ValueTypeI64
	ValueTypeF32
	ValueTypeF64
	ValueTypeRefNull
	ValueTypeFuncRef
	ValueTypeInternalRef
)

func (t ValueType) String() string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeRefNull:
		return "ref.null"
	case ValueTypeFuncRef:
		return "funcref"
	case ValueTypeInternalRef:
		return "internalref"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

type Value struct {
	Type     ValueType
	Contents uint256.Int
}

func NewI32(v uint32) Value {
	var val Value
	val.Type = ValueTypeI32
	val.Contents.SetUint64(uint64(v))
	return val
}

func NewI64(v uint64) Value {
	var val Value
	val.Type = ValueTypeI64
	val.Contents.SetUint64(v)
	return val
}

func NewRefNull() Value {
	return Value{Type: ValueTypeRefNull}
}

// ProgramCounter locates an instruction. As an internal reference it packs as
// pc | function<<32 | module<<64.
type ProgramCounter struct {
	Module   uint32
	Function uint32
	Pc       uint32
}

func NewInternalRef(pc ProgramCounter) Value {
	var val Value
	val.Type = ValueTypeInternalRef
	val.Contents.SetUint64(uint64(pc.Module))
	val.Contents.Lsh(&val.Contents, 32)
	val.Contents.Or(&val.Contents, uint256.NewInt(uint64(pc.Function)))
	val.Contents.Lsh(&val.Contents, 32)
	val.Contents.Or(&val.Contents, uint256.NewInt(uint64(pc.Pc)))
	return val
}

var errNotInternalRef = errors.New("value is not an internal reference")

func (v Value) ProgramCounter() (ProgramCounter, error) {
	if v.Type != ValueTypeInternalRef {
		return ProgramCounter{}, errNotInternalRef
	}
	var rest uint256.Int
	rest.Set(&v.Contents)
	pc := uint32(rest.Uint64())
	rest.Rsh(&rest, 32)
	function := uint32(rest.Uint64())
	rest.Rsh(&rest, 32)
	if !rest.IsUint64() || rest.Uint64() > uint64(^uint32(0)) {
		return ProgramCounter{}, errNotInternalRef
	}
	return ProgramCounter{Module: uint32(rest.Uint64()), Function: function, Pc: pc}, nil
}

func (v Value) Hash() common.Hash {
	return arbutil.Keccak256Tagged("Value:", []byte{uint8(v.Type)}, arbmath.Uint256Bytes(&v.Contents))
}

func (v Value) String() string {
	return fmt.Sprintf("%v(%v)", v.Type, v.Contents.Dec())
}

// ValueStack is the visible top of a stack; RemainingHash commits to everything below it.
// Values are ordered bottom first.
type ValueStack struct {
	Values        []Value
	RemainingHash common.Hash
}

func (s *ValueStack) Hash() common.Hash {
	h := s.RemainingHash
	for _, v := range s.Values {
		h = arbutil.Keccak256Tagged("Value stack:", v.Hash().Bytes(), h.Bytes())
	}
	return h
}

func (s *ValueStack) Push(v Value) {
	s.Values = append(s.Values, v)
}

// Pop reports errProofIncomplete when the popped value was only committed to, and
// errStackUnderflow when the stack is empty.
func (s *ValueStack) Pop() (Value, error) {
	if len(s.Values) == 0 {
		if s.RemainingHash != (common.Hash{}) {
			return Value{}, errProofIncomplete
		}
		return Value{}, errStackUnderflow
	}
	v := s.Values[len(s.Values)-1]
	s.Values = s.Values[:len(s.Values)-1]
	return v, nil
}

func (s *ValueStack) Len() int {
	return len(s.Values)
}

// Split keeps at most keep values visible and folds the rest into RemainingHash.
func (s *ValueStack) Split(keep int) ValueStack {
	if keep >= len(s.Values) {
		return s.clone()
	}
	cut := len(s.Values) - keep
	below := ValueStack{Values: s.Values[:cut], RemainingHash: s.RemainingHash}
	return ValueStack{
		Values:        append([]Value{}, s.Values[cut:]...),
		RemainingHash: below.Hash(),
	}
}

func (s *ValueStack) clone() ValueStack {
	return ValueStack{Values: append([]Value{}, s.Values...), RemainingHash: s.RemainingHash}
}

type StackFrame struct {
	ReturnPc              Value
	LocalsMerkleRoot      common.Hash
	CallerModule          uint32
	CallerModuleInternals uint32
}

func (f *StackFrame) Hash() common.Hash {
	return arbutil.Keccak256Tagged(
		"Stack frame:",
		f.ReturnPc.Hash().Bytes(),
		f.LocalsMerkleRoot.Bytes(),
		arbmath.Uint32ToBytes(f.CallerModule),
		arbmath.Uint32ToBytes(f.CallerModuleInternals),
	)
}

type FrameStack struct {
	Frames        []StackFrame
	RemainingHash common.Hash
}

func (s *FrameStack) Hash() common.Hash {
	h := s.RemainingHash
	for i := range s.Frames {
		h = arbutil.Keccak256Tagged("Stack frame stack:", s.Frames[i].Hash().Bytes(), h.Bytes())
	}
	return h
}

func (s *FrameStack) Push(f StackFrame) {
	s.Frames = append(s.Frames, f)
}

func (s *FrameStack) Pop() (StackFrame, error) {
	if len(s.Frames) == 0 {
		if s.RemainingHash != (common.Hash{}) {
			return StackFrame{}, errProofIncomplete
		}
		return StackFrame{}, errStackUnderflow
	}
	f := s.Frames[len(s.Frames)-1]
	s.Frames = s.Frames[:len(s.Frames)-1]
	return f, nil
}

func (s *FrameStack) Split(keep int) FrameStack {
	if keep >= len(s.Frames) {
		return s.clone()
	}
	cut := len(s.Frames) - keep
	below := FrameStack{Frames: s.Frames[:cut], RemainingHash: s.RemainingHash}
	return FrameStack{
		Frames:        append([]StackFrame{}, s.Frames[cut:]...),
		RemainingHash: below.Hash(),
	}
}

func (s *FrameStack) clone() FrameStack {
	return FrameStack{Frames: append([]StackFrame{}, s.Frames...), RemainingHash: s.RemainingHash}
}
