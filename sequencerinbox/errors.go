// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package sequencerinbox

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrBadSequencerNumber       = errors.New("bad sequencer number")
	ErrDataTooLarge             = errors.New("data too large")
	ErrDataNotAuthenticated     = errors.New("data not authenticated")
	ErrNoSuchKeyset             = errors.New("no such keyset")
	ErrAlreadyValidKeyset       = errors.New("keyset already valid")
	ErrDelayedBackwards         = errors.New("delayed messages read went backwards")
	ErrDelayedTooFar            = errors.New("delayed messages read beyond the delayed inbox")
	ErrForceIncludeBlockTooSoon = errors.New("force include block too soon")
	ErrForceIncludeTimeTooSoon  = errors.New("force include time too soon")
	ErrIncorrectMessagePreimage = errors.New("incorrect message preimage")
	ErrNotBatchPoster           = errors.New("not batch poster")
)

type BadSequencerNumberError struct {
	Stored   uint64
	Received uint64
}

func (e *BadSequencerNumberError) Error() string {
	return fmt.Sprintf("%v: stored %d, received %d", ErrBadSequencerNumber, e.Stored, e.Received)
}

func (e *BadSequencerNumberError) Unwrap() error { return ErrBadSequencerNumber }

type DataTooLargeError struct {
	DataLength uint64
	MaxLength  uint64
}

func (e *DataTooLargeError) Error() string {
	return fmt.Sprintf("%v: %d > %d", ErrDataTooLarge, e.DataLength, e.MaxLength)
}

func (e *DataTooLargeError) Unwrap() error { return ErrDataTooLarge }

type NoSuchKeysetError struct {
	KeysetHash common.Hash
}

func (e *NoSuchKeysetError) Error() string {
	return fmt.Sprintf("%v: %v", ErrNoSuchKeyset, e.KeysetHash)
}

func (e *NoSuchKeysetError) Unwrap() error { return ErrNoSuchKeyset }

type DelayedBackwardsError struct {
	Requested uint64
	Read      uint64
}

func (e *DelayedBackwardsError) Error() string {
	return fmt.Sprintf("%v: requested %d, already read %d", ErrDelayedBackwards, e.Requested, e.Read)
}

func (e *DelayedBackwardsError) Unwrap() error { return ErrDelayedBackwards }

type DelayedTooFarError struct {
	Requested uint64
	Available uint64
}

func (e *DelayedTooFarError) Error() string {
	return fmt.Sprintf("%v: requested %d, available %d", ErrDelayedTooFar, e.Requested, e.Available)
}

func (e *DelayedTooFarError) Unwrap() error { return ErrDelayedTooFar }

type ForceIncludeTooSoonError struct {
	sentinel error
	Message  uint64
	Earliest uint64
	Current  uint64
}

func (e *ForceIncludeTooSoonError) Error() string {
	return fmt.Sprintf("%v: message at %d, includable after %d, now %d", e.sentinel, e.Message, e.Earliest, e.Current)
}

func (e *ForceIncludeTooSoonError) Unwrap() error { return e.sentinel }
