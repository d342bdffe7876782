// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package bridge

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type MessageDelivered struct {
	MessageIndex    uint64
	BeforeInboxAcc  common.Hash
	Inbox           common.Address
	Kind            uint8
	Sender          common.Address
	MessageDataHash common.Hash
	BaseFeeL1       *big.Int
	BlockNumber     uint64
	Timestamp       uint64
}

func (*MessageDelivered) EventName() string { return "MessageDelivered" }

// Header reconstructs the delayed message header, as a force-inclusion caller needs it.
func (e *MessageDelivered) Header() *L1IncomingMessageHeader {
	requestId := common.BigToHash(new(big.Int).SetUint64(e.MessageIndex))
	return &L1IncomingMessageHeader{
		Kind:        e.Kind,
		Poster:      e.Sender,
		BlockNumber: e.BlockNumber,
		Timestamp:   e.Timestamp,
		RequestId:   &requestId,
		L1BaseFee:   new(big.Int).Set(e.BaseFeeL1),
	}
}

type InboxMessageDelivered struct {
	MessageNum uint64
	Data       []byte
}

func (*InboxMessageDelivered) EventName() string { return "InboxMessageDelivered" }

type BridgeCallTriggered struct {
	Outbox  common.Address
	To      common.Address
	Value   *big.Int
	Data    []byte
	Success bool
}

func (*BridgeCallTriggered) EventName() string { return "BridgeCallTriggered" }

type InboxToggle struct {
	Inbox   common.Address
	Enabled bool
}

func (*InboxToggle) EventName() string { return "InboxToggle" }

type OutboxToggle struct {
	Outbox  common.Address
	Enabled bool
}

func (*OutboxToggle) EventName() string { return "OutboxToggle" }

type SequencerInboxUpdated struct {
	NewSequencerInbox common.Address
}

func (*SequencerInboxUpdated) EventName() string { return "SequencerInboxUpdated" }
