// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package rollup

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/offchainlabs/rollup-settlement/validator"
)

type NodeCreated struct {
	NodeNum            uint64
	ParentNodeHash     common.Hash
	NodeHash           common.Hash
	ExecutionHash      common.Hash
	Assertion          validator.Assertion
	AfterInboxBatchAcc common.Hash
	WasmModuleRoot     common.Hash
	InboxMaxCount      uint64
}

func (*NodeCreated) EventName() string { return "NodeCreated" }

type NodeConfirmed struct {
	NodeNum   uint64
	BlockHash common.Hash
	SendRoot  common.Hash
}

func (*NodeConfirmed) EventName() string { return "NodeConfirmed" }

type NodeRejected struct {
	NodeNum uint64
}

func (*NodeRejected) EventName() string { return "NodeRejected" }

type RollupChallengeStarted struct {
	ChallengeIndex uint64
	Asserter       common.Address
	Challenger     common.Address
	ChallengedNode uint64
}

func (*RollupChallengeStarted) EventName() string { return "RollupChallengeStarted" }

type UserStakeUpdated struct {
	User           common.Address
	InitialBalance *big.Int
	FinalBalance   *big.Int
}

func (*UserStakeUpdated) EventName() string { return "UserStakeUpdated" }

type UserWithdrawableFundsUpdated struct {
	User           common.Address
	InitialBalance *big.Int
	FinalBalance   *big.Int
}

func (*UserWithdrawableFundsUpdated) EventName() string { return "UserWithdrawableFundsUpdated" }
