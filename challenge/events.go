// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package challenge

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/offchainlabs/rollup-settlement/validator"
)

type TerminationType uint8

const (
	TerminationTimeout TerminationType = iota
	TerminationBlockProof
	TerminationExecutionProof
	TerminationCleared
)

func (t TerminationType) String() string {
	switch t {
	case TerminationTimeout:
		return "timeout"
	case TerminationBlockProof:
		return "block proof"
	case TerminationExecutionProof:
		return "execution proof"
	case TerminationCleared:
		return "cleared"
	default:
		return fmt.Sprintf("termination(%d)", uint8(t))
	}
}

type InitiatedChallenge struct {
	ChallengeIndex uint64
	StartState     validator.GoGlobalState
	EndState       validator.GoGlobalState
}

func (*InitiatedChallenge) EventName() string { return "InitiatedChallenge" }

// Bisected reveals the segments behind a new challenge state hash.
type Bisected struct {
	ChallengeIndex          uint64
	ChallengeRoot           common.Hash
	ChallengedSegmentStart  uint64
	ChallengedSegmentLength uint64
	ChainHashes             []common.Hash
}

func (*Bisected) EventName() string { return "Bisected" }

type ExecutionChallengeBegun struct {
	ChallengeIndex uint64
	BlockSteps     uint64
}

func (*ExecutionChallengeBegun) EventName() string { return "ExecutionChallengeBegun" }

type OneStepProofCompleted struct {
	ChallengeIndex uint64
}

func (*OneStepProofCompleted) EventName() string { return "OneStepProofCompleted" }

type ChallengeEnded struct {
	ChallengeIndex uint64
	Kind           TerminationType
}

func (*ChallengeEnded) EventName() string { return "ChallengeEnded" }
