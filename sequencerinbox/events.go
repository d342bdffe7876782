// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package sequencerinbox

import (
	"github.com/ethereum/go-ethereum/common"
)

type BatchDataLocation uint8

const (
	BatchDataTxInput BatchDataLocation = iota
	BatchDataSeparateEvent
	BatchDataNone
)

type SequencerBatchDelivered struct {
	BatchSequenceNumber      uint64
	BeforeAcc                common.Hash
	AfterAcc                 common.Hash
	DelayedAcc               common.Hash
	AfterDelayedMessagesRead uint64
	TimeBounds               TimeBounds
	DataLocation             BatchDataLocation
}

func (*SequencerBatchDelivered) EventName() string { return "SequencerBatchDelivered" }

type SequencerBatchData struct {
	BatchSequenceNumber uint64
	Data                []byte
}

func (*SequencerBatchData) EventName() string { return "SequencerBatchData" }

type SetValidKeyset struct {
	KeysetHash  common.Hash
	KeysetBytes []byte
}

func (*SetValidKeyset) EventName() string { return "SetValidKeyset" }

type InvalidateKeyset struct {
	KeysetHash common.Hash
}

func (*InvalidateKeyset) EventName() string { return "InvalidateKeyset" }

type OwnerFunctionCalled struct {
	ID uint64
}

func (*OwnerFunctionCalled) EventName() string { return "OwnerFunctionCalled" }
