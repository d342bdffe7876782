// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package staker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/offchainlabs/rollup-settlement/machine"
	"github.com/offchainlabs/rollup-settlement/outbox"
	"github.com/offchainlabs/rollup-settlement/util/containers"
	"github.com/offchainlabs/rollup-settlement/util/merkletree"
	"github.com/offchainlabs/rollup-settlement/validator"
)

var ErrGlobalStateNotInChain = errors.New("global state not in chain")

// InboxReaderInterface is the part of the bridge the L2 chain reads batches from.
type InboxReaderInterface interface {
	validator.InboxReader
	SequencerMessageCount() uint64
}

type machineKey struct {
	block       uint64
	maxMessages uint64
}

// L2Chain executes the block program over the sequencer inbox and remembers the global state
// after every block. Block b takes the state after b-1 blocks to the state after b blocks.
type L2Chain struct {
	mutex      sync.Mutex
	config     L2ChainConfig
	program    *machine.Program
	inbox      InboxReaderInterface
	withdrawTo common.Address
	fault      DangerousConfig

	states   []validator.GoGlobalState
	partials [][]common.Hash
	sends    []common.Hash
	machines *containers.LruCache[machineKey, *machine.Machine]
}

func NewL2Chain(config *L2ChainConfig, inbox InboxReaderInterface, genesis validator.GoGlobalState, fault DangerousConfig) (*L2Chain, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if genesis.Batch != 0 || genesis.PosInBatch != 0 || genesis.SendRoot != (common.Hash{}) {
		return nil, fmt.Errorf("genesis state %v must start at the beginning of the inbox with no sends", genesis)
	}
	withdrawTo := config.WithdrawToAddress()
	return &L2Chain{
		config:     *config,
		program:    machine.BlockProgram(config.MessagesPerBatch, config.SpinIterations, withdrawTo),
		inbox:      inbox,
		withdrawTo: withdrawTo,
		fault:      fault,
		states:     []validator.GoGlobalState{genesis},
		partials:   [][]common.Hash{nil},
		machines:   containers.NewLruCache[machineKey, *machine.Machine](config.StateCacheSize),
	}, nil
}

func (c *L2Chain) Program() *machine.Program {
	return c.program
}

func (c *L2Chain) WasmModuleRoot() common.Hash {
	return c.program.ModulesRoot()
}

func (c *L2Chain) WithdrawTo() common.Address {
	return c.withdrawTo
}

// BlockIndex is the number of blocks after which the chain reaches the position of gs.
func (c *L2Chain) BlockIndex(gs validator.GoGlobalState) (uint64, error) {
	if gs.PosInBatch >= c.config.MessagesPerBatch {
		return 0, fmt.Errorf("%w: position %d past the %d blocks of a batch", ErrGlobalStateNotInChain, gs.PosInBatch, c.config.MessagesPerBatch)
	}
	return gs.Batch*c.config.MessagesPerBatch + gs.PosInBatch, nil
}

// BatchReadByBlock is the batch block reads its inbox message from.
func (c *L2Chain) BatchReadByBlock(block uint64) uint64 {
	return (block - 1) / c.config.MessagesPerBatch
}

// AvailableBlocks is how many blocks the batches posted so far produce.
func (c *L2Chain) AvailableBlocks() uint64 {
	return c.inbox.SequencerMessageCount() * c.config.MessagesPerBatch
}

func (c *L2Chain) execContext() validator.ExecutionContext {
	return validator.ExecutionContext{
		MaxInboxMessagesRead: c.inbox.SequencerMessageCount(),
		Inbox:                c.inbox,
	}
}

func (c *L2Chain) newBlockMachine(block uint64, execCtx validator.ExecutionContext) (*machine.Machine, error) {
	mach, err := machine.NewMachine(c.program, c.states[block-1], c.partials[block-1], execCtx)
	if err != nil {
		return nil, err
	}
	if block == c.fault.FaultBlock {
		mach.SetFault(c.fault.FaultStep)
	}
	return mach, nil
}

func (c *L2Chain) extendTo(ctx context.Context, count uint64) error {
	if count > c.AvailableBlocks() {
		return fmt.Errorf("block %d not yet available, inbox produces %d blocks", count, c.AvailableBlocks())
	}
	for block := uint64(len(c.states)); block <= count; block++ {
		mach, err := c.newBlockMachine(block, c.execContext())
		if err != nil {
			return err
		}
		if err := mach.Run(ctx); err != nil {
			return fmt.Errorf("executing block %d: %w", block, err)
		}
		if mach.Status != validator.MachineStatusFinished {
			return fmt.Errorf("block %d ended with machine status %v", block, mach.Status)
		}
		gs := mach.GlobalState
		c.sends = append(c.sends, outbox.CalculateItemHash(machine.BlockProgramL2Sender, c.withdrawTo, block-1, 0, 0, nil, gs.BlockHash.Bytes()))
		c.states = append(c.states, gs)
		c.partials = append(c.partials, mach.SendPartials())
		if block == c.fault.FaultBlock {
			log.Warn("executed faulty block", "block", block, "step", c.fault.FaultStep, "blockHash", gs.BlockHash)
		}
	}
	return nil
}

// StateAt returns the global state after count blocks.
func (c *L2Chain) StateAt(ctx context.Context, count uint64) (validator.GoGlobalState, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.extendTo(ctx, count); err != nil {
		return validator.GoGlobalState{}, err
	}
	return c.states[count], nil
}

// BlockStartMachine returns a machine about to execute block, reading at most maxMessages
// batches.
func (c *L2Chain) BlockStartMachine(ctx context.Context, block uint64, maxMessages uint64) (*machine.Machine, error) {
	if block == 0 {
		return nil, errors.New("no block before genesis to execute")
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	key := machineKey{block, maxMessages}
	if mach, ok := c.machines.Get(key); ok {
		return mach.Clone(), nil
	}
	if err := c.extendTo(ctx, block-1); err != nil {
		return nil, err
	}
	mach, err := c.newBlockMachine(block, validator.ExecutionContext{MaxInboxMessagesRead: maxMessages, Inbox: c.inbox})
	if err != nil {
		return nil, err
	}
	c.machines.Add(key, mach)
	return mach.Clone(), nil
}

// ValidateState reports whether the chain reaches state. caughtUp is false when the batches
// needed to tell haven't been posted yet.
func (c *L2Chain) ValidateState(ctx context.Context, state *validator.ExecutionState) (valid bool, caughtUp bool, err error) {
	if state.MachineStatus != validator.MachineStatusFinished {
		return false, true, nil
	}
	count, err := c.BlockIndex(state.GlobalState)
	if err != nil {
		return false, true, nil
	}
	if count > c.AvailableBlocks() {
		return false, false, nil
	}
	ours, err := c.StateAt(ctx, count)
	if err != nil {
		return false, false, err
	}
	return ours == state.GlobalState, true, nil
}

// Withdrawal is the outgoing message of one block.
type Withdrawal struct {
	Index    uint64
	L2Sender common.Address
	To       common.Address
	L2Block  uint64
	Data     []byte
	Proof    []common.Hash
}

// WithdrawalProof proves the outgoing message of block index+1 against the send root after
// count blocks.
func (c *L2Chain) WithdrawalProof(ctx context.Context, index uint64, count uint64) (*Withdrawal, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if index >= count {
		return nil, fmt.Errorf("send %d not within the first %d blocks", index, count)
	}
	if err := c.extendTo(ctx, count); err != nil {
		return nil, err
	}
	tree := merkletree.NewMerkleTreeFromItems(c.sends[:count])
	proof, err := merkletree.Prove(tree, index)
	if err != nil {
		return nil, err
	}
	if proof.RootHash != c.states[count].SendRoot {
		return nil, fmt.Errorf("send tree root %v doesn't match send root %v", proof.RootHash, c.states[count].SendRoot)
	}
	return &Withdrawal{
		Index:    index,
		L2Sender: machine.BlockProgramL2Sender,
		To:       c.withdrawTo,
		L2Block:  index,
		Data:     c.states[index+1].BlockHash.Bytes(),
		Proof:    proof.Proof,
	}, nil
}
