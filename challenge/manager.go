// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package challenge runs pairwise interactive disputes between two stakers. A dispute bisects
// the blocks of two conflicting assertions down to a single block, then bisects the execution
// of that block down to a single machine step settled by a one step proof.
package challenge

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/pkg/errors"

	"github.com/offchainlabs/rollup-settlement/access"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/machine"
	"github.com/offchainlabs/rollup-settlement/validator"
)

var (
	challengesCreatedCounter = metrics.NewRegisteredCounter("arb/challenge/created", nil)
	challengeMovesCounter    = metrics.NewRegisteredCounter("arb/challenge/moves", nil)
	challengesActiveGauge    = metrics.NewRegisteredGauge("arb/challenge/active", nil)
)

type Mode uint8

const (
	ModeNone Mode = iota
	ModeBlock
	ModeExecution
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeBlock:
		return "block"
	case ModeExecution:
		return "execution"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

type Participant struct {
	Addr     common.Address
	TimeLeft uint64
}

type Challenge struct {
	Current            Participant
	Next               Participant
	LastMoveTimestamp  uint64
	WasmModuleRoot     common.Hash
	ChallengeStateHash common.Hash
	MaxInboxMessages   uint64
	Mode               Mode
}

// OneStepProofEvaluator executes a single machine step from a proof, returning the hash of the
// machine after it.
type OneStepProofEvaluator interface {
	Evaluate(ctx validator.ExecutionContext, step uint64, beforeHash common.Hash, proof []byte) (common.Hash, error)
}

// ResultReceiver is told the outcome of every challenge that ends with a winner.
type ResultReceiver interface {
	CompleteChallenge(tx *l1.ActiveTx, caller common.Address, challengeIndex uint64, winner, loser common.Address) error
}

type Manager struct {
	addr           common.Address
	policy         *access.Policy
	inbox          validator.InboxReader
	osp            OneStepProofEvaluator
	resultReceiver ResultReceiver
	config         Config

	totalChallengesCreated uint64
	challenges             map[uint64]*Challenge
}

func NewManager(addr common.Address, policy *access.Policy, inbox validator.InboxReader, osp OneStepProofEvaluator, config *Config) *Manager {
	return &Manager{
		addr:       addr,
		policy:     policy,
		inbox:      inbox,
		osp:        osp,
		config:     *config,
		challenges: make(map[uint64]*Challenge),
	}
}

// SetResultReceiver wires the rollup the manager reports to. It is set once while deploying.
func (m *Manager) SetResultReceiver(r ResultReceiver) {
	m.resultReceiver = r
}

func (m *Manager) Address() common.Address {
	return m.addr
}

func (m *Manager) Config() Config {
	return m.config
}

func (m *Manager) TotalChallengesCreated() uint64 {
	return m.totalChallengesCreated
}

// Challenge returns a copy of an active challenge.
func (m *Manager) Challenge(index uint64) (Challenge, bool) {
	c, ok := m.challenges[index]
	if !ok {
		return Challenge{}, false
	}
	return *c, true
}

func (m *Manager) get(index uint64) (*Challenge, error) {
	c, ok := m.challenges[index]
	if !ok {
		return nil, errors.Wrapf(ErrNoChallenge, "challenge %d", index)
	}
	return c, nil
}

func (m *Manager) CurrentResponder(index uint64) (common.Address, error) {
	c, err := m.get(index)
	if err != nil {
		return common.Address{}, err
	}
	return c.Current.Addr, nil
}

func isTimedOut(c *Challenge, now uint64) bool {
	return now-c.LastMoveTimestamp > c.Current.TimeLeft
}

// IsTimedOut reports whether the current responder has run out of time.
func (m *Manager) IsTimedOut(tx *l1.ActiveTx, index uint64) (bool, error) {
	c, err := m.get(index)
	if err != nil {
		return false, err
	}
	return isTimedOut(c, tx.Timestamp()), nil
}

// CreateChallenge starts a block challenge over numBlocks between the claimed start and end
// states. The asserter defends the claim; the challenger moves first.
func (m *Manager) CreateChallenge(
	tx *l1.ActiveTx,
	caller common.Address,
	wasmModuleRoot common.Hash,
	startAndEndStatuses [2]validator.MachineStatus,
	startAndEndStates [2]validator.GoGlobalState,
	numBlocks uint64,
	asserter common.Address,
	challenger common.Address,
	asserterTimeLeft uint64,
	challengerTimeLeft uint64,
) (uint64, error) {
	if err := m.policy.Require(access.Rollup, caller); err != nil {
		return 0, err
	}
	if numBlocks == 0 {
		return 0, errors.New("challenge over zero blocks")
	}
	segments := make([]common.Hash, 2)
	for i := range segments {
		var err error
		segments[i], err = validator.BlockStateHash(startAndEndStatuses[i], startAndEndStates[i].Hash())
		if err != nil {
			return 0, errors.Wrap(err, "challenge state")
		}
	}
	index := m.totalChallengesCreated + 1
	l1.Set(tx, &m.totalChallengesCreated, index)

	end := validator.ExecutionState{GlobalState: startAndEndStates[1], MachineStatus: startAndEndStatuses[1]}
	c := &Challenge{
		Current:           Participant{Addr: challenger, TimeLeft: challengerTimeLeft},
		Next:              Participant{Addr: asserter, TimeLeft: asserterTimeLeft},
		LastMoveTimestamp: tx.Timestamp(),
		WasmModuleRoot:    wasmModuleRoot,
		MaxInboxMessages:  end.RequiredBatches(),
		Mode:              ModeBlock,
	}
	tx.Emit(&InitiatedChallenge{
		ChallengeIndex: index,
		StartState:     startAndEndStates[0],
		EndState:       startAndEndStates[1],
	})
	m.completeBisection(tx, c, index, 0, numBlocks, segments)
	l1.MapSet(tx, m.challenges, index, c)

	active := int64(len(m.challenges))
	tx.OnCommit(func() {
		challengesCreatedCounter.Inc(1)
		challengesActiveGauge.Update(active)
	})
	log.Info("challenge created", "index", index, "asserter", asserter, "challenger", challenger, "blocks", numBlocks)
	return index, nil
}

func (m *Manager) completeBisection(tx *l1.ActiveTx, c *Challenge, index uint64, start, length uint64, segments []common.Hash) {
	root := validator.HashChallengeState(start, length, segments)
	c.ChallengeStateHash = root
	tx.Emit(&Bisected{
		ChallengeIndex:          index,
		ChallengeRoot:           root,
		ChallengedSegmentStart:  start,
		ChallengedSegmentLength: length,
		ChainHashes:             append([]common.Hash{}, segments...),
	})
}

// takeTurn validates a move by the current responder against the stored challenge state and
// runs it on a copy of the challenge. Unless the move ended the challenge, the time since the
// last move is charged to the mover and the roles swap.
func (m *Manager) takeTurn(
	tx *l1.ActiveTx,
	caller common.Address,
	index uint64,
	selection *SegmentSelection,
	expectedMode Mode,
	move func(c *Challenge) error,
) error {
	stored, err := m.get(index)
	if err != nil {
		return err
	}
	if caller != stored.Current.Addr {
		return &NotResponderError{ChallengeIndex: index, Responder: stored.Current.Addr, Caller: caller}
	}
	now := tx.Timestamp()
	if isTimedOut(stored, now) {
		return errors.Wrapf(ErrDeadlinePassed, "challenge %d", index)
	}
	if expectedMode != ModeNone && stored.Mode != expectedMode {
		return &WrongModeError{Expected: expectedMode, Actual: stored.Mode}
	}
	if selection.stateHash() != stored.ChallengeStateHash {
		return errors.Wrapf(ErrBisectionState, "challenge %d", index)
	}
	if len(selection.OldSegments) < 2 || selection.ChallengePosition >= uint64(len(selection.OldSegments)-1) {
		return errors.Wrapf(ErrBadChallengePosition, "position %d of %d segments", selection.ChallengePosition, len(selection.OldSegments))
	}

	c := *stored
	if err := move(&c); err != nil {
		return err
	}
	tx.OnCommit(func() { challengeMovesCounter.Inc(1) })
	if _, active := m.challenges[index]; !active {
		return nil
	}
	c.Current.TimeLeft -= now - c.LastMoveTimestamp
	c.LastMoveTimestamp = now
	c.Current, c.Next = c.Next, c.Current
	l1.MapSet(tx, m.challenges, index, &c)
	return nil
}

func requireValidBisection(selection *SegmentSelection, startHash, endHash common.Hash) error {
	if selection.OldSegments[selection.ChallengePosition] != startHash {
		return ErrWrongStart
	}
	if selection.OldSegments[selection.ChallengePosition+1] == endHash {
		return ErrSameEnd
	}
	return nil
}

// BisectExecution replaces the selected segment with newSegments, which must agree with its
// start and disagree with its end.
func (m *Manager) BisectExecution(
	tx *l1.ActiveTx,
	caller common.Address,
	index uint64,
	selection *SegmentSelection,
	newSegments []common.Hash,
) error {
	return m.takeTurn(tx, caller, index, selection, ModeNone, func(c *Challenge) error {
		start, length := ExtractChallengeSegment(selection)
		if length <= 1 {
			return errors.Wrapf(ErrTooShort, "segment [%d, %d]", start, start+length)
		}
		expected := Degree(length, m.config.MaxBisectionDegree) + 1
		if uint64(len(newSegments)) != expected {
			return &WrongDegreeError{Expected: expected, Got: uint64(len(newSegments))}
		}
		if err := requireValidBisection(selection, newSegments[0], newSegments[len(newSegments)-1]); err != nil {
			return err
		}
		m.completeBisection(tx, c, index, start, length, newSegments)
		log.Debug("challenge bisected", "index", index, "start", start, "length", length, "mode", c.Mode)
		return nil
	})
}

// ChallengeExecution moves a block challenge narrowed to a single block into an execution
// challenge over numSteps machine steps of that block. The mover supplies its own claim of the
// block's start and end.
func (m *Manager) ChallengeExecution(
	tx *l1.ActiveTx,
	caller common.Address,
	index uint64,
	selection *SegmentSelection,
	machineStatuses [2]validator.MachineStatus,
	globalStateHashes [2]common.Hash,
	numSteps uint64,
) error {
	return m.takeTurn(tx, caller, index, selection, ModeBlock, func(c *Challenge) error {
		if numSteps < 1 || numSteps > MaxSteps {
			return &StepCountError{Steps: numSteps}
		}
		startHash, err := validator.BlockStateHash(machineStatuses[0], globalStateHashes[0])
		if err != nil {
			return err
		}
		endHash, err := validator.BlockStateHash(machineStatuses[1], globalStateHashes[1])
		if err != nil {
			return err
		}
		if err := requireValidBisection(selection, startHash, endHash); err != nil {
			return err
		}
		blockAt, length := ExtractChallengeSegment(selection)
		if length != 1 {
			return errors.Wrapf(ErrTooLong, "block segment of length %d", length)
		}
		if machineStatuses[0] != validator.MachineStatusFinished {
			// a halted machine can't execute further
			if machineStatuses[0] != machineStatuses[1] || globalStateHashes[0] != globalStateHashes[1] {
				return ErrHaltedChange
			}
			return m.currentWin(tx, index, c, TerminationBlockProof)
		}
		if machineStatuses[1] == validator.MachineStatusErrored && globalStateHashes[0] != globalStateHashes[1] {
			return ErrErrorChange
		}
		endMachine, err := machine.EndMachineHash(machineStatuses[1], globalStateHashes[1])
		if err != nil {
			return err
		}
		segments := []common.Hash{
			machine.StartMachineHash(globalStateHashes[0], c.WasmModuleRoot),
			endMachine,
		}
		c.Mode = ModeExecution
		m.completeBisection(tx, c, index, 0, numSteps, segments)
		tx.Emit(&ExecutionChallengeBegun{ChallengeIndex: index, BlockSteps: blockAt})
		log.Info("execution challenge begun", "index", index, "block", blockAt, "steps", numSteps)
		return nil
	})
}

// OneStepProveExecution settles an execution challenge narrowed to a single step. If the
// evaluated step disagrees with the claimed end the mover wins, otherwise its opponent does.
func (m *Manager) OneStepProveExecution(
	tx *l1.ActiveTx,
	caller common.Address,
	index uint64,
	selection *SegmentSelection,
	proof []byte,
) error {
	return m.takeTurn(tx, caller, index, selection, ModeExecution, func(c *Challenge) error {
		step, length := ExtractChallengeSegment(selection)
		if length != 1 {
			return errors.Wrapf(ErrTooLong, "execution segment of length %d", length)
		}
		execCtx := validator.ExecutionContext{MaxInboxMessagesRead: c.MaxInboxMessages, Inbox: m.inbox}
		afterHash, err := m.osp.Evaluate(execCtx, step, selection.OldSegments[selection.ChallengePosition], proof)
		if err != nil {
			return errors.Wrapf(err, "one step proof of challenge %d at step %d", index, step)
		}
		tx.Emit(&OneStepProofCompleted{ChallengeIndex: index})
		log.Info("one step proof completed", "index", index, "step", step, "afterHash", afterHash)
		if afterHash != selection.OldSegments[selection.ChallengePosition+1] {
			return m.currentWin(tx, index, c, TerminationExecutionProof)
		}
		return m.nextWin(tx, index, c, TerminationExecutionProof)
	})
}

// Timeout ends a challenge whose current responder ran out of time, in favor of its opponent.
func (m *Manager) Timeout(tx *l1.ActiveTx, caller common.Address, index uint64) error {
	c, err := m.get(index)
	if err != nil {
		return err
	}
	if !isTimedOut(c, tx.Timestamp()) {
		return errors.Wrapf(ErrNotTimedOut, "challenge %d", index)
	}
	return m.nextWin(tx, index, c, TerminationTimeout)
}

// ClearChallenge ends a challenge without a winner.
func (m *Manager) ClearChallenge(tx *l1.ActiveTx, caller common.Address, index uint64) error {
	if err := m.policy.Require(access.Rollup, caller); err != nil {
		return err
	}
	if _, err := m.get(index); err != nil {
		return err
	}
	m.remove(tx, index)
	tx.Emit(&ChallengeEnded{ChallengeIndex: index, Kind: TerminationCleared})
	log.Warn("challenge cleared", "index", index)
	return nil
}

func (m *Manager) remove(tx *l1.ActiveTx, index uint64) {
	l1.MapDelete(tx, m.challenges, index)
	active := int64(len(m.challenges))
	tx.OnCommit(func() { challengesActiveGauge.Update(active) })
}

func (m *Manager) currentWin(tx *l1.ActiveTx, index uint64, c *Challenge, kind TerminationType) error {
	return m.endChallenge(tx, index, c.Current.Addr, c.Next.Addr, kind)
}

func (m *Manager) nextWin(tx *l1.ActiveTx, index uint64, c *Challenge, kind TerminationType) error {
	return m.endChallenge(tx, index, c.Next.Addr, c.Current.Addr, kind)
}

func (m *Manager) endChallenge(tx *l1.ActiveTx, index uint64, winner, loser common.Address, kind TerminationType) error {
	if m.resultReceiver == nil {
		return errors.New("challenge manager has no result receiver")
	}
	m.remove(tx, index)
	tx.Emit(&ChallengeEnded{ChallengeIndex: index, Kind: kind})
	if err := m.resultReceiver.CompleteChallenge(tx, m.addr, index, winner, loser); err != nil {
		return errors.Wrapf(err, "completing challenge %d", index)
	}
	log.Info("challenge ended", "index", index, "winner", winner, "loser", loser, "kind", kind)
	return nil
}
