// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package outbox

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrProofTooLong     = errors.New("merkle proof too long")
	ErrPathNotMinimal   = errors.New("merkle path not minimal")
	ErrUnknownRoot      = errors.New("unknown send root")
	ErrAlreadySpent     = errors.New("outbox entry already spent")
	ErrBridgeCallFailed = errors.New("bridge call failed")
)

type ProofTooLongError struct {
	ProofLength int
}

func (e *ProofTooLongError) Error() string {
	return fmt.Sprintf("%v: %d siblings", ErrProofTooLong, e.ProofLength)
}

func (e *ProofTooLongError) Unwrap() error { return ErrProofTooLong }

type PathNotMinimalError struct {
	Index    uint64
	MaxIndex uint64
}

func (e *PathNotMinimalError) Error() string {
	return fmt.Sprintf("%v: index %d, proof covers up to %d", ErrPathNotMinimal, e.Index, e.MaxIndex)
}

func (e *PathNotMinimalError) Unwrap() error { return ErrPathNotMinimal }

type UnknownRootError struct {
	Root common.Hash
}

func (e *UnknownRootError) Error() string {
	return fmt.Sprintf("%v: %v", ErrUnknownRoot, e.Root)
}

func (e *UnknownRootError) Unwrap() error { return ErrUnknownRoot }

type AlreadySpentError struct {
	Index uint64
}

func (e *AlreadySpentError) Error() string {
	return fmt.Sprintf("%v: index %d", ErrAlreadySpent, e.Index)
}

func (e *AlreadySpentError) Unwrap() error { return ErrAlreadySpent }

// BridgeCallFailedError carries the revert data of the target of a simulated execution.
type BridgeCallFailedError struct {
	ReturnData []byte
}

func (e *BridgeCallFailedError) Error() string {
	return fmt.Sprintf("%v: %x", ErrBridgeCallFailed, e.ReturnData)
}

func (e *BridgeCallFailedError) Unwrap() error { return ErrBridgeCallFailed }

func (e *BridgeCallFailedError) RevertData() []byte { return e.ReturnData }
