// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package challenge

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	ErrNoChallenge          = errors.New("no such challenge")
	ErrNotResponder         = errors.New("not the current responder")
	ErrDeadlinePassed       = errors.New("challenge deadline passed")
	ErrNotTimedOut          = errors.New("challenge not timed out")
	ErrWrongMode            = errors.New("wrong challenge mode")
	ErrBisectionState       = errors.New("segments don't match the challenge state")
	ErrBadChallengePosition = errors.New("bad challenge position")
	ErrTooShort             = errors.New("segment too short to bisect")
	ErrWrongDegree          = errors.New("wrong bisection degree")
	ErrWrongStart           = errors.New("bisection start doesn't match the agreed segment")
	ErrSameEnd              = errors.New("bisection end agrees with the disputed segment")
	ErrTooLong              = errors.New("segment longer than one step")
	ErrStepCount            = errors.New("execution step count out of range")
	ErrHaltedChange         = errors.New("halted machine changed state")
	ErrErrorChange          = errors.New("errored machine changed global state")
)

type NotResponderError struct {
	ChallengeIndex uint64
	Responder      common.Address
	Caller         common.Address
}

func (e *NotResponderError) Error() string {
	return fmt.Sprintf("%v: challenge %d waits on %v, not %v", ErrNotResponder, e.ChallengeIndex, e.Responder, e.Caller)
}

func (e *NotResponderError) Unwrap() error { return ErrNotResponder }

type WrongModeError struct {
	Expected Mode
	Actual   Mode
}

func (e *WrongModeError) Error() string {
	return fmt.Sprintf("%v: expected %v, challenge is in %v", ErrWrongMode, e.Expected, e.Actual)
}

func (e *WrongModeError) Unwrap() error { return ErrWrongMode }

type WrongDegreeError struct {
	Expected uint64
	Got      uint64
}

func (e *WrongDegreeError) Error() string {
	return fmt.Sprintf("%v: expected %d segments, got %d", ErrWrongDegree, e.Expected, e.Got)
}

func (e *WrongDegreeError) Unwrap() error { return ErrWrongDegree }

type StepCountError struct {
	Steps uint64
}

func (e *StepCountError) Error() string {
	return fmt.Sprintf("%v: %d not in [1, %d]", ErrStepCount, e.Steps, MaxSteps)
}

func (e *StepCountError) Unwrap() error { return ErrStepCount }
