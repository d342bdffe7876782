// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package bridge holds the base ledger side of message passing: the delayed and sequencer
// accumulators, the inbox allow-list, and outbound call execution on behalf of an outbox.
package bridge

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/offchainlabs/rollup-settlement/access"
	"github.com/offchainlabs/rollup-settlement/l1"
)

var (
	delayedMessageCounter   = metrics.NewRegisteredCounter("arb/bridge/delayed/count", nil)
	sequencerMessageCounter = metrics.NewRegisteredCounter("arb/bridge/sequencer/count", nil)
	bridgeCallCounter       = metrics.NewRegisteredCounter("arb/bridge/calls", nil)
	bridgeCallFailedCounter = metrics.NewRegisteredCounter("arb/bridge/calls/failed", nil)
)

type Bridge struct {
	addr      common.Address
	policy    *access.Policy
	delayed   *Accumulator
	sequencer *Accumulator

	sequencerReportedSubMessageCount uint64
	// Outboxes currently executing a call through the bridge, innermost last.
	activeOutboxes []common.Address
}

func NewBridge(addr common.Address, policy *access.Policy) *Bridge {
	return &Bridge{
		addr:      addr,
		policy:    policy,
		delayed:   NewAccumulator(),
		sequencer: NewAccumulator(),
	}
}

func (b *Bridge) Address() common.Address {
	return b.addr
}

// Call implements l1.Contract. The bridge accepts plain value transfers.
func (b *Bridge) Call(tx *l1.ActiveTx, caller common.Address, value *big.Int, data []byte) ([]byte, error) {
	if len(data) > 0 {
		return nil, fmt.Errorf("bridge has no fallback for calldata from %v", caller)
	}
	return nil, nil
}

func (b *Bridge) DelayedMessageCount() uint64 {
	return b.delayed.Len()
}

func (b *Bridge) SequencerMessageCount() uint64 {
	return b.sequencer.Len()
}

func (b *Bridge) DelayedInboxAcc(index uint64) (common.Hash, error) {
	return b.delayed.At(index)
}

func (b *Bridge) SequencerInboxAcc(index uint64) (common.Hash, error) {
	return b.sequencer.At(index)
}

func (b *Bridge) SequencerReportedSubMessageCount() uint64 {
	return b.sequencerReportedSubMessageCount
}

// ActiveOutbox returns the outbox whose call is currently executing, or the zero address.
func (b *Bridge) ActiveOutbox() common.Address {
	if len(b.activeOutboxes) == 0 {
		return common.Address{}
	}
	return b.activeOutboxes[len(b.activeOutboxes)-1]
}

// EnqueueDelayedMessage appends a message from an allowed delayed inbox, forwarding any value
// into the bridge.
func (b *Bridge) EnqueueDelayedMessage(
	tx *l1.ActiveTx,
	caller common.Address,
	kind uint8,
	sender common.Address,
	messageDataHash common.Hash,
	value *big.Int,
) (uint64, error) {
	if err := b.policy.Require(access.DelayedInbox, caller); err != nil {
		return 0, err
	}
	if err := tx.Transfer(caller, b.addr, value); err != nil {
		return 0, err
	}
	return b.addMessageToDelayedAccumulator(tx, caller, kind, sender, tx.BlockNumber(), tx.Timestamp(), tx.BaseFee(), messageDataHash), nil
}

func (b *Bridge) addMessageToDelayedAccumulator(
	tx *l1.ActiveTx,
	inbox common.Address,
	kind uint8,
	sender common.Address,
	blockNumber uint64,
	blockTimestamp uint64,
	baseFee *big.Int,
	messageDataHash common.Hash,
) uint64 {
	count := b.delayed.Len()
	messageHash := MessageHash(kind, sender, blockNumber, blockTimestamp, new(big.Int).SetUint64(count), baseFee, messageDataHash)
	index, before, _ := b.delayed.Append(tx, messageHash)
	tx.Emit(&MessageDelivered{
		MessageIndex:    index,
		BeforeInboxAcc:  before,
		Inbox:           inbox,
		Kind:            kind,
		Sender:          sender,
		MessageDataHash: messageDataHash,
		BaseFeeL1:       baseFee,
		BlockNumber:     blockNumber,
		Timestamp:       blockTimestamp,
	})
	tx.OnCommit(func() { delayedMessageCounter.Inc(1) })
	log.Trace("delayed message enqueued", "index", index, "kind", kind, "sender", sender)
	return index
}

// EnqueueSequencerMessage appends a batch to the sequencer accumulator. The new value commits
// to the previous one, the batch data hash, and the delayed accumulator at the read position.
func (b *Bridge) EnqueueSequencerMessage(
	tx *l1.ActiveTx,
	caller common.Address,
	dataHash common.Hash,
	afterDelayedMessagesRead uint64,
	prevMessageCount uint64,
	newMessageCount uint64,
) (seqMessageIndex uint64, beforeAcc, delayedAcc, acc common.Hash, err error) {
	if err = b.policy.Require(access.SequencerInbox, caller); err != nil {
		return
	}
	reported := b.sequencerReportedSubMessageCount
	if reported != prevMessageCount && prevMessageCount != 0 && reported != 0 {
		err = &BadSequencerMessageNumberError{Stored: reported, Received: prevMessageCount}
		return
	}
	if afterDelayedMessagesRead > b.delayed.Len() {
		err = fmt.Errorf("%w: delayed read %d beyond %d messages", ErrOutOfRange, afterDelayedMessagesRead, b.delayed.Len())
		return
	}
	l1.Set(tx, &b.sequencerReportedSubMessageCount, newMessageCount)

	beforeAcc = b.sequencer.Last()
	if afterDelayedMessagesRead > 0 {
		delayedAcc, _ = b.delayed.At(afterDelayedMessagesRead - 1)
	}
	acc = crypto.Keccak256Hash(beforeAcc.Bytes(), dataHash.Bytes(), delayedAcc.Bytes())
	seqMessageIndex = b.sequencer.push(tx, acc)
	tx.OnCommit(func() { sequencerMessageCounter.Inc(1) })
	return
}

// SubmitBatchSpendingReport enqueues a batch posting report as a delayed message on behalf of
// the sequencer inbox.
func (b *Bridge) SubmitBatchSpendingReport(tx *l1.ActiveTx, caller common.Address, sender common.Address, messageDataHash common.Hash) (uint64, error) {
	if err := b.policy.Require(access.SequencerInbox, caller); err != nil {
		return 0, err
	}
	return b.addMessageToDelayedAccumulator(
		tx,
		caller,
		L1MessageType_BatchPostingReport,
		sender,
		tx.BlockNumber(),
		tx.Timestamp(),
		tx.BaseFee(),
		messageDataHash,
	), nil
}

// ExecuteCall makes a call from the bridge on behalf of an allowed outbox. A reverting target
// is reported as an unsuccessful result rather than an error.
func (b *Bridge) ExecuteCall(tx *l1.ActiveTx, caller, to common.Address, value *big.Int, data []byte) (bool, []byte, error) {
	if err := b.policy.Require(access.Outbox, caller); err != nil {
		return false, nil, err
	}
	if len(data) > 0 && !tx.IsContract(to) {
		return false, nil, &NotContractError{Addr: to}
	}
	l1.Append(tx, &b.activeOutboxes, caller)
	success, returnData := tx.CallContract(b.addr, to, value, data)
	l1.Pop(tx, &b.activeOutboxes)

	if value == nil {
		value = new(big.Int)
	}
	tx.Emit(&BridgeCallTriggered{
		Outbox:  caller,
		To:      to,
		Value:   new(big.Int).Set(value),
		Data:    data,
		Success: success,
	})
	tx.OnCommit(func() {
		bridgeCallCounter.Inc(1)
		if !success {
			bridgeCallFailedCounter.Inc(1)
		}
	})
	return success, returnData, nil
}

func (b *Bridge) SetDelayedInbox(tx *l1.ActiveTx, caller, inbox common.Address, enabled bool) error {
	if err := b.policy.SetRole(tx, caller, access.DelayedInbox, inbox, enabled); err != nil {
		return err
	}
	tx.Emit(&InboxToggle{Inbox: inbox, Enabled: enabled})
	return nil
}

func (b *Bridge) SetOutbox(tx *l1.ActiveTx, caller, outbox common.Address, enabled bool) error {
	if err := b.policy.SetRole(tx, caller, access.Outbox, outbox, enabled); err != nil {
		return err
	}
	tx.Emit(&OutboxToggle{Outbox: outbox, Enabled: enabled})
	return nil
}

// SetSequencerInbox replaces the single sequencer inbox allowed to append batches.
func (b *Bridge) SetSequencerInbox(tx *l1.ActiveTx, caller, sequencerInbox common.Address) error {
	for _, old := range b.policy.Members(access.SequencerInbox) {
		if err := b.policy.SetRole(tx, caller, access.SequencerInbox, old, false); err != nil {
			return err
		}
	}
	if err := b.policy.SetRole(tx, caller, access.SequencerInbox, sequencerInbox, true); err != nil {
		return err
	}
	tx.Emit(&SequencerInboxUpdated{NewSequencerInbox: sequencerInbox})
	return nil
}
