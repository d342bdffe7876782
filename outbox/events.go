// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package outbox

import (
	"github.com/ethereum/go-ethereum/common"
)

type SendRootUpdated struct {
	OutputRoot  common.Hash
	L2BlockHash common.Hash
}

func (*SendRootUpdated) EventName() string { return "SendRootUpdated" }

type OutBoxTransactionExecuted struct {
	To               common.Address
	L2Sender         common.Address
	ZeroIndex        uint64
	TransactionIndex uint64
	Success          bool
}

func (*OutBoxTransactionExecuted) EventName() string { return "OutBoxTransactionExecuted" }
