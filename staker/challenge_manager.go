// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package staker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/offchainlabs/rollup-settlement/challenge"
	"github.com/offchainlabs/rollup-settlement/events"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/validator"
)

type ChallengeBackend interface {
	SetRange(ctx context.Context, start uint64, end uint64) error
	GetHashAtStep(ctx context.Context, position uint64) (common.Hash, error)
}

// challengeCore is everything needed to send moves in one challenge.
type challengeCore struct {
	con            *challenge.Manager
	ledger         *l1.Ledger
	recorder       *events.Recorder
	actor          common.Address
	challengeIndex uint64
}

type ChallengeSegment struct {
	Hash     common.Hash
	Position uint64
}

type ChallengeState struct {
	Start       uint64
	End         uint64
	Segments    []ChallengeSegment
	RawSegments []common.Hash
}

func (s *ChallengeState) selection(startSegment int) *challenge.SegmentSelection {
	return &challenge.SegmentSelection{
		OldSegmentsStart:  s.Start,
		OldSegmentsLength: s.End - s.Start,
		OldSegments:       s.RawSegments,
		ChallengePosition: uint64(startSegment),
	}
}

// ChallengeManager plays one challenge on behalf of actor, bisecting down to a single block
// and then to a single machine step of it.
type ChallengeManager struct {
	*challengeCore

	blockChallengeBackend *BlockChallengeBackend
	chain                 *L2Chain
	hashCacheSize         int

	// maxBatchesRead is set for block challenges and caps the inbox blocks may read
	maxBatchesRead uint64
	wasmModuleRoot common.Hash

	// these fields are empty until the block challenge narrows to one block
	executionChallengeBackend *ExecutionChallengeBackend
	machineFinalStepCount     uint64
	initialMachineBlockNr     uint64
}

func NewChallengeManager(
	ctx context.Context,
	ledger *l1.Ledger,
	recorder *events.Recorder,
	con *challenge.Manager,
	actor common.Address,
	challengeIndex uint64,
	chain *L2Chain,
	hashCacheSize int,
) (*ChallengeManager, error) {
	chal, ok := con.Challenge(challengeIndex)
	if !ok {
		return nil, fmt.Errorf("challenge %v doesn't exist", challengeIndex)
	}
	initiated, ok := events.Last(recorder, func(ev *challenge.InitiatedChallenge) bool { return ev.ChallengeIndex == challengeIndex })
	if !ok {
		return nil, fmt.Errorf("didn't find InitiatedChallenge event for challenge %v", challengeIndex)
	}
	if chal.WasmModuleRoot != chain.WasmModuleRoot() {
		return nil, fmt.Errorf("challenge %v runs wasm module root %v but our chain runs %v", challengeIndex, chal.WasmModuleRoot, chain.WasmModuleRoot())
	}
	log.Info(
		"loaded challenge",
		"challenge", challengeIndex,
		"startBatch", initiated.StartState.Batch,
		"startPos", initiated.StartState.PosInBatch,
		"maxBatchesRead", chal.MaxInboxMessages,
	)
	backend, err := NewBlockChallengeBackend(ctx, initiated, chal.MaxInboxMessages, chain)
	if err != nil {
		return nil, err
	}
	return &ChallengeManager{
		challengeCore: &challengeCore{
			con:            con,
			ledger:         ledger,
			recorder:       recorder,
			actor:          actor,
			challengeIndex: challengeIndex,
		},
		blockChallengeBackend: backend,
		chain:                 chain,
		hashCacheSize:         hashCacheSize,
		maxBatchesRead:        chal.MaxInboxMessages,
		wasmModuleRoot:        chal.WasmModuleRoot,
	}, nil
}

func (m *ChallengeManager) ChallengeIndex() uint64 {
	return m.challengeIndex
}

// Given the challenge's state hash, resolve the full challenge state via the Bisected event.
func (m *ChallengeManager) resolveStateHash(stateHash common.Hash) (ChallengeState, error) {
	// Multiple events are in theory fine, as they should all reveal the same preimage.
	ev, ok := events.Last(m.recorder, func(ev *challenge.Bisected) bool {
		return ev.ChallengeIndex == m.challengeIndex && ev.ChallengeRoot == stateHash
	})
	if !ok {
		return ChallengeState{}, fmt.Errorf("didn't find Bisected event for challenge %v state hash %v", m.challengeIndex, stateHash)
	}
	if len(ev.ChainHashes) < 2 {
		return ChallengeState{}, fmt.Errorf("Bisected event for challenge %v has only %d segment hashes", m.challengeIndex, len(ev.ChainHashes))
	}
	state := ChallengeState{
		Start:       ev.ChallengedSegmentStart,
		End:         ev.ChallengedSegmentStart + ev.ChallengedSegmentLength,
		Segments:    make([]ChallengeSegment, len(ev.ChainHashes)),
		RawSegments: ev.ChainHashes,
	}
	positions := challenge.SegmentPositions(ev.ChallengedSegmentStart, ev.ChallengedSegmentLength, len(ev.ChainHashes))
	for i, h := range ev.ChainHashes {
		state.Segments[i] = ChallengeSegment{
			Hash:     h,
			Position: positions[i],
		}
	}
	return state, nil
}

func (m *ChallengeManager) bisect(ctx context.Context, backend ChallengeBackend, oldState *ChallengeState, startSegment int) error {
	startSegmentPosition := oldState.Segments[startSegment].Position
	endSegmentPosition := oldState.Segments[startSegment+1].Position
	newChallengeLength := endSegmentPosition - startSegmentPosition
	err := backend.SetRange(ctx, startSegmentPosition, endSegmentPosition)
	if err != nil {
		return fmt.Errorf("error setting challenge %v range of %v to %v on backend: %w", m.challengeIndex, startSegmentPosition, endSegmentPosition, err)
	}
	bisectionDegree := challenge.Degree(newChallengeLength, m.con.Config().MaxBisectionDegree)
	positions := challenge.SegmentPositions(startSegmentPosition, newChallengeLength, int(bisectionDegree+1))
	newSegments := make([]common.Hash, len(positions))
	for i, position := range positions {
		newSegments[i], err = backend.GetHashAtStep(ctx, position)
		if err != nil {
			return fmt.Errorf("error getting challenge %v hash at step %v: %w", m.challengeIndex, position, err)
		}
	}
	return m.ledger.Tx(m.actor, func(tx *l1.ActiveTx) error {
		return m.con.BisectExecution(tx, m.actor, m.challengeIndex, oldState.selection(startSegment), newSegments)
	})
}

func (m *ChallengeManager) IsMyTurn() (bool, error) {
	responder, err := m.con.CurrentResponder(m.challengeIndex)
	if err != nil {
		return false, fmt.Errorf("error getting current responder of challenge %v: %w", m.challengeIndex, err)
	}
	return responder == m.actor, nil
}

// OpponentTimedOut reports whether the opponent is up and has run out of time.
func (m *ChallengeManager) OpponentTimedOut() (bool, error) {
	responder, err := m.con.CurrentResponder(m.challengeIndex)
	if err != nil {
		return false, err
	}
	if responder == m.actor {
		return false, nil
	}
	var timedOut bool
	err = m.ledger.Call(func(tx *l1.ActiveTx) error {
		var err error
		timedOut, err = m.con.IsTimedOut(tx, m.challengeIndex)
		return err
	})
	return timedOut, err
}

func (m *ChallengeManager) GetChallengeState() (*ChallengeState, error) {
	chal, ok := m.con.Challenge(m.challengeIndex)
	if !ok {
		return nil, fmt.Errorf("challenge %v has ended", m.challengeIndex)
	}
	if chal.ChallengeStateHash == (common.Hash{}) {
		return nil, errors.New("lost challenge (state hash 0)")
	}
	state, err := m.resolveStateHash(chal.ChallengeStateHash)
	if err != nil {
		return nil, fmt.Errorf("error resolving challenge %v state hash %v: %w", m.challengeIndex, chal.ChallengeStateHash, err)
	}
	return &state, nil
}

// ScanChallengeState returns the segment whose start we agree with and whose end we don't.
func (m *ChallengeManager) ScanChallengeState(ctx context.Context, backend ChallengeBackend, state *ChallengeState) (int, error) {
	for i, segment := range state.Segments {
		ourHash, err := backend.GetHashAtStep(ctx, segment.Position)
		if err != nil {
			return 0, fmt.Errorf("error getting hash from challenge %v backend at step %v: %w", m.challengeIndex, segment.Position, err)
		}
		log.Debug("checking challenge segment", "challenge", m.challengeIndex, "position", segment.Position, "ourHash", ourHash, "segmentHash", segment.Hash)
		if segment.Hash != ourHash {
			if i == 0 {
				return 0, fmt.Errorf(
					"first segment of challenge %v doesn't match: at step count %v challenge has %v but resolved %v",
					m.challengeIndex, segment.Position, segment.Hash, ourHash,
				)
			}
			return i - 1, nil
		}
	}
	return 0, fmt.Errorf("agreed with entire challenge %v (start step count %v and end step count %v)", m.challengeIndex, state.Start, state.End)
}

// Checks if the challenge has moved into its execution phase.
// If it has but we don't have a backend for it, it creates the execution challenge backend.
// If we have a backend for it but the challenge is still in its block phase, it removes the
// execution challenge backend.
func (m *ChallengeManager) LoadExecChallengeIfExists(ctx context.Context) error {
	chal, ok := m.con.Challenge(m.challengeIndex)
	if !ok {
		return fmt.Errorf("challenge %v has ended", m.challengeIndex)
	}
	if chal.Mode != challenge.ModeExecution {
		m.executionChallengeBackend = nil
		return nil
	}
	if m.executionChallengeBackend != nil {
		return nil
	}
	evs := events.Filter(m.recorder, func(ev *challenge.ExecutionChallengeBegun) bool { return ev.ChallengeIndex == m.challengeIndex })
	if len(evs) == 0 {
		return fmt.Errorf("didn't find ExecutionChallengeBegun event for challenge %v", m.challengeIndex)
	}
	if len(evs) > 1 {
		return errors.New("expected only one ExecutionChallengeBegun event")
	}
	return m.createExecutionBackend(ctx, evs[0].BlockSteps)
}

func (m *ChallengeManager) IssueOneStepProof(
	ctx context.Context,
	oldState *ChallengeState,
	startSegment int,
) error {
	position := oldState.Segments[startSegment].Position
	proof, err := m.executionChallengeBackend.GetProofAt(ctx, position)
	if err != nil {
		return fmt.Errorf("error getting OSP from challenge %v backend at step %v: %w", m.challengeIndex, position, err)
	}
	return m.ledger.Tx(m.actor, func(tx *l1.ActiveTx) error {
		return m.con.OneStepProveExecution(tx, m.actor, m.challengeIndex, oldState.selection(startSegment), proof)
	})
}

func (m *ChallengeManager) createExecutionBackend(ctx context.Context, step uint64) error {
	blockNr := m.blockChallengeBackend.GetBlockNrAtStep(step) + 1
	if m.initialMachineBlockNr == blockNr && m.executionChallengeBackend != nil {
		return nil
	}
	m.executionChallengeBackend = nil
	mach, err := m.chain.BlockStartMachine(ctx, blockNr, m.maxBatchesRead)
	if err != nil {
		return fmt.Errorf("error creating machine for challenge %v block %v: %w", m.challengeIndex, blockNr, err)
	}
	backend, err := NewExecutionChallengeBackend(mach, m.hashCacheSize)
	if err != nil {
		return err
	}
	expectedState, expectedStatus, err := m.blockChallengeBackend.GetInfoAtStep(ctx, step+1)
	if err != nil {
		return fmt.Errorf("error getting info from block challenge backend: %w", err)
	}
	machineStepCount, computedState, computedStatus, err := backend.GetFinalState(ctx)
	if err != nil {
		return fmt.Errorf("error getting execution challenge final state: %w", err)
	}
	if expectedStatus != computedStatus {
		return fmt.Errorf("after block %v expected status %v but got %v", blockNr, expectedStatus, computedStatus)
	}
	if computedStatus == validator.MachineStatusFinished {
		if computedState != expectedState {
			return fmt.Errorf("after block %v expected global state %v but got %v", blockNr, expectedState, computedState)
		}
	}
	m.executionChallengeBackend = backend
	m.machineFinalStepCount = machineStepCount
	m.initialMachineBlockNr = blockNr
	return nil
}

// Act makes our next move in the challenge, if it's our turn, and reports whether it sent one.
// It claims a win by timeout when the opponent has let its clock run out.
func (m *ChallengeManager) Act(ctx context.Context) (bool, error) {
	timedOut, err := m.OpponentTimedOut()
	if err != nil {
		return false, fmt.Errorf("error checking challenge %v timeout: %w", m.challengeIndex, err)
	}
	if timedOut {
		log.Warn("opponent timed out", "challenge", m.challengeIndex)
		err = m.ledger.Tx(m.actor, func(tx *l1.ActiveTx) error {
			return m.con.Timeout(tx, m.actor, m.challengeIndex)
		})
		return err == nil, err
	}
	myTurn, err := m.IsMyTurn()
	if err != nil {
		return false, fmt.Errorf("error checking if it's our turn: %w", err)
	}
	if !myTurn {
		return false, nil
	}
	err = m.LoadExecChallengeIfExists(ctx)
	if err != nil {
		return false, fmt.Errorf("error loading execution challenge: %w", err)
	}
	state, err := m.GetChallengeState()
	if err != nil {
		return false, fmt.Errorf("error getting challenge state: %w", err)
	}

	var backend ChallengeBackend
	if m.executionChallengeBackend != nil {
		backend = m.executionChallengeBackend
	} else {
		backend = m.blockChallengeBackend
	}

	err = backend.SetRange(ctx, state.Start, state.End)
	if err != nil {
		return false, fmt.Errorf("error setting challenge range on backend: %w", err)
	}

	nextMovePos, err := m.ScanChallengeState(ctx, backend, state)
	if err != nil {
		return false, fmt.Errorf("error scanning challenge state: %w", err)
	}
	startPosition := state.Segments[nextMovePos].Position
	endPosition := state.Segments[nextMovePos+1].Position
	if startPosition+1 != endPosition {
		log.Info("bisecting execution", "challenge", m.challengeIndex, "startPosition", startPosition, "endPosition", endPosition)
		err = m.bisect(ctx, backend, state, nextMovePos)
		return err == nil, err
	}
	if m.executionChallengeBackend != nil {
		log.Info("sending onestepproof", "challenge", m.challengeIndex, "startPosition", startPosition, "endPosition", endPosition)
		err = m.IssueOneStepProof(
			ctx,
			state,
			nextMovePos,
		)
		return err == nil, err
	}
	_, startStatus, err := m.blockChallengeBackend.GetInfoAtStep(ctx, startPosition)
	if err != nil {
		return false, err
	}
	machineStepCount := uint64(1)
	if startStatus == validator.MachineStatusFinished {
		err = m.createExecutionBackend(ctx, startPosition)
		if err != nil {
			return false, fmt.Errorf("error creating execution backend: %w", err)
		}
		machineStepCount = m.machineFinalStepCount
	}
	log.Info("issuing execution challenge", "challenge", m.challengeIndex, "machineStepCount", machineStepCount, "block", m.blockChallengeBackend.GetBlockNrAtStep(startPosition)+1)
	err = m.blockChallengeBackend.IssueExecChallenge(
		ctx,
		m.challengeCore,
		state,
		nextMovePos,
		machineStepCount,
	)
	return err == nil, err
}
