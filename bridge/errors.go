// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package bridge

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrOutOfRange                = errors.New("index out of range")
	ErrNotContract               = errors.New("target is not a contract")
	ErrBadSequencerMessageNumber = errors.New("bad sequencer message number")
	ErrDataTooLarge              = errors.New("data too large")
	ErrNotOrigin                 = errors.New("caller is not the transaction origin")
	ErrPaused                    = errors.New("inbox paused")
	ErrNoOutbox                  = errors.New("no active outbox")
)

type BadSequencerMessageNumberError struct {
	Stored   uint64
	Received uint64
}

func (e *BadSequencerMessageNumberError) Error() string {
	return fmt.Sprintf("%v: stored %d, received %d", ErrBadSequencerMessageNumber, e.Stored, e.Received)
}

func (e *BadSequencerMessageNumberError) Unwrap() error { return ErrBadSequencerMessageNumber }

type NotContractError struct {
	Addr common.Address
}

func (e *NotContractError) Error() string {
	return fmt.Sprintf("%v: %v", ErrNotContract, e.Addr)
}

func (e *NotContractError) Unwrap() error { return ErrNotContract }

type DataTooLargeError struct {
	DataLength uint64
	MaxLength  uint64
}

func (e *DataTooLargeError) Error() string {
	return fmt.Sprintf("%v: %d > %d", ErrDataTooLarge, e.DataLength, e.MaxLength)
}

func (e *DataTooLargeError) Unwrap() error { return ErrDataTooLarge }
