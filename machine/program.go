// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package machine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/offchainlabs/rollup-settlement/arbutil"
	"github.com/offchainlabs/rollup-settlement/util/arbmath"
	"github.com/offchainlabs/rollup-settlement/util/merkletree"
)

type Opcode uint16

const (
	OpUnreachable       Opcode = 0x00
	OpNop               Opcode = 0x01
	OpReturn            Opcode = 0x0F
	OpCall              Opcode = 0x10
	OpDrop              Opcode = 0x1A
	OpI32Const          Opcode = 0x41
	OpI64Const          Opcode = 0x42
	OpI64Eqz            Opcode = 0x50
	OpI64Add            Opcode = 0x7C
	OpI64Sub            Opcode = 0x7D
	OpI64Mul            Opcode = 0x7E
	OpJump              Opcode = 0x8002
	OpJumpIf            Opcode = 0x8003
	OpMoveToInternal    Opcode = 0x8005
	OpMoveFromInternal  Opcode = 0x8006
	OpDup               Opcode = 0x8008
	OpGetGlobalStateU64 Opcode = 0x8012
	OpSetGlobalStateU64 Opcode = 0x8013
	OpReadInboxMessage  Opcode = 0x8021
	OpHaltAndSetFinish  Opcode = 0x8022
	OpHashBlock         Opcode = 0x8030
	OpAppendSendMerkle  Opcode = 0x8031
)

var opcodeNames = map[Opcode]string{
	OpUnreachable:       "unreachable",
	OpNop:               "nop",
	OpReturn:            "return",
	OpCall:              "call",
	OpDrop:              "drop",
	OpI32Const:          "i32.const",
	OpI64Const:          "i64.const",
	OpI64Eqz:            "i64.eqz",
	OpI64Add:            "i64.add",
	OpI64Sub:            "i64.sub",
	OpI64Mul:            "i64.mul",
	OpJump:              "jump",
	OpJumpIf:            "jump_if",
	OpMoveToInternal:    "move_to_internal",
	OpMoveFromInternal:  "move_from_internal",
	OpDup:               "dup",
	OpGetGlobalStateU64: "get_global_state_u64",
	OpSetGlobalStateU64: "set_global_state_u64",
	OpReadInboxMessage:  "read_inbox_message",
	OpHaltAndSetFinish:  "halt_and_set_finished",
	OpHashBlock:         "hash_block",
	OpAppendSendMerkle:  "append_send_merkle",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%#x)", uint16(o))
}

type Instruction struct {
	Opcode   Opcode
	Argument common.Hash
}

func Inst(op Opcode) Instruction {
	return Instruction{Opcode: op}
}

func InstWithArg(op Opcode, arg uint64) Instruction {
	return Instruction{Opcode: op, Argument: common.BigToHash(arbmath.UintToBig(arg))}
}

func (i Instruction) ArgumentU64() uint64 {
	return arbmath.BytesToUint(i.Argument[24:])
}

func (i Instruction) Hash() common.Hash {
	return arbutil.Keccak256Tagged("Instruction:", arbmath.Uint16ToBytes(uint16(i.Opcode)), i.Argument.Bytes())
}

func (i Instruction) String() string {
	if i.Argument == (common.Hash{}) {
		return i.Opcode.String()
	}
	return fmt.Sprintf("%v %#x", i.Opcode, i.Argument.Big())
}

type Function struct {
	Code []Instruction
}

// FunctionHeader is the commitment to a function that a proof reveals.
type FunctionHeader struct {
	CodeRoot   common.Hash
	CodeLength uint32
}

func (h FunctionHeader) Hash() common.Hash {
	return arbutil.Keccak256Tagged("Function:", h.CodeRoot.Bytes(), arbmath.Uint32ToBytes(h.CodeLength))
}

type Module struct {
	Functions []Function
	// InternalsOffset is the index of the first function only the module may call into.
	InternalsOffset uint32
}

// ModuleHeader is the commitment to a module that a proof reveals.
type ModuleHeader struct {
	FunctionsRoot   common.Hash
	NumFunctions    uint32
	InternalsOffset uint32
}

func (h ModuleHeader) Hash() common.Hash {
	return arbutil.Keccak256Tagged(
		"Module:",
		h.FunctionsRoot.Bytes(),
		arbmath.Uint32ToBytes(h.NumFunctions),
		arbmath.Uint32ToBytes(h.InternalsOffset),
	)
}

type compiledFunction struct {
	header FunctionHeader
	code   merkletree.MerkleTree
}

type compiledModule struct {
	header    ModuleHeader
	functions []compiledFunction
	tree      merkletree.MerkleTree
}

// Program is an immutable set of modules with their Merkle commitments precomputed.
// Its ModulesRoot is the wasm module root a rollup is configured with.
type Program struct {
	modules     []Module
	compiled    []compiledModule
	modulesTree merkletree.MerkleTree
}

func NewProgram(modules ...Module) *Program {
	p := &Program{modules: modules}
	moduleHashes := make([]common.Hash, 0, len(modules))
	for _, mod := range modules {
		cm := compiledModule{}
		funcHashes := make([]common.Hash, 0, len(mod.Functions))
		for _, fn := range mod.Functions {
			instHashes := make([]common.Hash, len(fn.Code))
			for i, inst := range fn.Code {
				instHashes[i] = inst.Hash()
			}
			tree := merkletree.NewMerkleTreeFromItems(instHashes)
			cf := compiledFunction{
				header: FunctionHeader{CodeRoot: tree.Hash(), CodeLength: uint32(len(fn.Code))},
				code:   tree,
			}
			cm.functions = append(cm.functions, cf)
			funcHashes = append(funcHashes, cf.header.Hash())
		}
		cm.tree = merkletree.NewMerkleTreeFromItems(funcHashes)
		cm.header = ModuleHeader{
			FunctionsRoot:   cm.tree.Hash(),
			NumFunctions:    uint32(len(mod.Functions)),
			InternalsOffset: mod.InternalsOffset,
		}
		p.compiled = append(p.compiled, cm)
		moduleHashes = append(moduleHashes, cm.header.Hash())
	}
	p.modulesTree = merkletree.NewMerkleTreeFromItems(moduleHashes)
	return p
}

func (p *Program) ModulesRoot() common.Hash {
	return p.modulesTree.Hash()
}

func (p *Program) moduleHeader(idx uint32) (ModuleHeader, bool) {
	if int(idx) >= len(p.compiled) {
		return ModuleHeader{}, false
	}
	return p.compiled[idx].header, true
}

// instruction returns the instruction at pc, or false when pc is outside the program.
func (p *Program) instruction(pc ProgramCounter) (Instruction, bool) {
	if int(pc.Module) >= len(p.modules) {
		return Instruction{}, false
	}
	mod := p.modules[pc.Module]
	if int(pc.Function) >= len(mod.Functions) {
		return Instruction{}, false
	}
	code := mod.Functions[pc.Function].Code
	if int(pc.Pc) >= len(code) {
		return Instruction{}, false
	}
	return code[pc.Pc], true
}

type codeProof struct {
	module           ModuleHeader
	moduleProof      []common.Hash
	function         FunctionHeader
	functionProof    []common.Hash
	instruction      Instruction
	instructionProof []common.Hash
}

func (p *Program) proveCode(pc ProgramCounter) (*codeProof, error) {
	if int(pc.Module) >= len(p.compiled) {
		return nil, fmt.Errorf("module %d out of range", pc.Module)
	}
	cm := p.compiled[pc.Module]
	modProof, err := merkletree.Prove(p.modulesTree, uint64(pc.Module))
	if err != nil {
		return nil, err
	}
	res := &codeProof{module: cm.header, moduleProof: modProof.Proof}
	if int(pc.Function) >= len(cm.functions) {
		return res, nil
	}
	cf := cm.functions[pc.Function]
	fnProof, err := merkletree.Prove(cm.tree, uint64(pc.Function))
	if err != nil {
		return nil, err
	}
	res.function = cf.header
	res.functionProof = fnProof.Proof
	if pc.Pc >= cf.header.CodeLength {
		return res, nil
	}
	instProof, err := merkletree.Prove(cf.code, uint64(pc.Pc))
	if err != nil {
		return nil, err
	}
	res.instruction = p.modules[pc.Module].Functions[pc.Function].Code[pc.Pc]
	res.instructionProof = instProof.Proof
	return res, nil
}

// BlockProgramL2Sender is the rollup sender of every message the block program sends out.
var BlockProgramL2Sender = common.HexToAddress("0x64")

// BlockProgram builds the state transition run once per rollup block. Each block folds the
// sequencer accumulator entry of the current batch and its inbox position into the block hash,
// burns spinIterations loop rounds, sends one outgoing message to withdrawTo carrying the new
// block hash, and advances one position, moving to the next batch after messagesPerBatch.
func BlockProgram(messagesPerBatch uint64, spinIterations uint64, withdrawTo common.Address) *Program {
	if messagesPerBatch == 0 {
		panic("messagesPerBatch must be positive")
	}
	to := common.BytesToHash(withdrawTo.Bytes())
	main := Function{Code: []Instruction{
		// the entry values are not used
		Inst(OpDrop),
		Inst(OpDrop),
		Inst(OpDrop),
		// 3
		InstWithArg(OpI32Const, 0),
		Inst(OpGetGlobalStateU64),
		Inst(OpReadInboxMessage),
		Inst(OpHashBlock),
		InstWithArg(OpCall, 1),
		// 8: sends so far = batch*messagesPerBatch + pos
		InstWithArg(OpI32Const, 0),
		Inst(OpGetGlobalStateU64),
		InstWithArg(OpI64Const, messagesPerBatch),
		Inst(OpI64Mul),
		InstWithArg(OpI32Const, 1),
		Inst(OpGetGlobalStateU64),
		Inst(OpI64Add),
		{Opcode: OpAppendSendMerkle, Argument: to},
		// 16: pos++
		InstWithArg(OpI32Const, 1),
		InstWithArg(OpI32Const, 1),
		Inst(OpGetGlobalStateU64),
		InstWithArg(OpI64Const, 1),
		Inst(OpI64Add),
		Inst(OpSetGlobalStateU64),
		// 22
		InstWithArg(OpI32Const, 1),
		Inst(OpGetGlobalStateU64),
		InstWithArg(OpI64Const, messagesPerBatch),
		Inst(OpI64Sub),
		Inst(OpI64Eqz),
		InstWithArg(OpJumpIf, 29),
		Inst(OpHaltAndSetFinish),
		// 29: batch++, pos = 0
		InstWithArg(OpI32Const, 0),
		InstWithArg(OpI32Const, 0),
		Inst(OpGetGlobalStateU64),
		InstWithArg(OpI64Const, 1),
		Inst(OpI64Add),
		Inst(OpSetGlobalStateU64),
		InstWithArg(OpI32Const, 1),
		InstWithArg(OpI64Const, 0),
		Inst(OpSetGlobalStateU64),
		Inst(OpHaltAndSetFinish),
		Inst(OpUnreachable),
	}}
	spin := Function{Code: []Instruction{
		InstWithArg(OpI64Const, spinIterations),
		Inst(OpMoveToInternal),
		// 2
		Inst(OpMoveFromInternal),
		Inst(OpDup),
		Inst(OpI64Eqz),
		InstWithArg(OpJumpIf, 10),
		InstWithArg(OpI64Const, 1),
		Inst(OpI64Sub),
		Inst(OpMoveToInternal),
		InstWithArg(OpJump, 2),
		// 10
		Inst(OpDrop),
		Inst(OpNop),
		Inst(OpReturn),
	}}
	return NewProgram(Module{Functions: []Function{main, spin}, InternalsOffset: 2})
}
