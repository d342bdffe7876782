// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package sequencerinbox is the only writer of the sequencer accumulator. It accepts batches
// from batch posters and lets anyone force the inclusion of delayed messages the sequencer has
// withheld past the delay window.
package sequencerinbox

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/offchainlabs/rollup-settlement/access"
	"github.com/offchainlabs/rollup-settlement/bridge"
	"github.com/offchainlabs/rollup-settlement/l1"
)

var (
	batchCounter          = metrics.NewRegisteredCounter("arb/sequencerinbox/batches", nil)
	forceIncludedCounter  = metrics.NewRegisteredCounter("arb/sequencerinbox/forceincluded", nil)
	delayedMessagesReadGg = metrics.NewRegisteredGauge("arb/sequencerinbox/delayed/read", nil)
)

type keysetInfo struct {
	isValidKeyset bool
	creationBlock uint64
}

type SequencerInbox struct {
	addr        common.Address
	bridge      *bridge.Bridge
	policy      *access.Policy
	maxDataSize uint64

	maxTimeVariation         MaxTimeVariation
	totalDelayedMessagesRead uint64
	keysets                  map[common.Hash]keysetInfo
}

func NewSequencerInbox(addr common.Address, b *bridge.Bridge, policy *access.Policy, config *Config) *SequencerInbox {
	return &SequencerInbox{
		addr:             addr,
		bridge:           b,
		policy:           policy,
		maxDataSize:      config.MaxDataSize,
		maxTimeVariation: config.MaxTimeVariation,
		keysets:          make(map[common.Hash]keysetInfo),
	}
}

func (s *SequencerInbox) Address() common.Address {
	return s.addr
}

func (s *SequencerInbox) TotalDelayedMessagesRead() uint64 {
	return s.totalDelayedMessagesRead
}

func (s *SequencerInbox) BatchCount() uint64 {
	return s.bridge.SequencerMessageCount()
}

func (s *SequencerInbox) MaxTimeVariation() MaxTimeVariation {
	return s.maxTimeVariation
}

// TimeBounds returns the window a batch posted in this transaction commits to.
func (s *SequencerInbox) TimeBounds(tx *l1.ActiveTx) TimeBounds {
	return ComputeTimeBounds(&s.maxTimeVariation, tx.BlockNumber(), tx.Timestamp())
}

func (s *SequencerInbox) formDataHash(tx *l1.ActiveTx, data []byte, afterDelayedMessagesRead uint64) (common.Hash, TimeBounds, error) {
	fullDataLen := uint64(HeaderLength + len(data))
	if fullDataLen > s.maxDataSize {
		return common.Hash{}, TimeBounds{}, &DataTooLargeError{DataLength: fullDataLen, MaxLength: s.maxDataSize}
	}
	if len(data) > 0 && IsL1AuthenticatedMessageHeaderByte(data[0]) {
		return common.Hash{}, TimeBounds{}, ErrDataNotAuthenticated
	}
	// das batches carry the keyset hash right after the type byte
	if len(data) >= 33 && IsDASMessageHeaderByte(data[0]) {
		keysetHash := common.BytesToHash(data[1:33])
		if !s.keysets[keysetHash].isValidKeyset {
			return common.Hash{}, TimeBounds{}, &NoSuchKeysetError{KeysetHash: keysetHash}
		}
	}
	bounds := s.TimeBounds(tx)
	header := PackHeader(bounds, afterDelayedMessagesRead)
	return crypto.Keccak256Hash(header, data), bounds, nil
}

func (s *SequencerInbox) formEmptyDataHash(tx *l1.ActiveTx, afterDelayedMessagesRead uint64) (common.Hash, TimeBounds) {
	bounds := s.TimeBounds(tx)
	return crypto.Keccak256Hash(PackHeader(bounds, afterDelayedMessagesRead)), bounds
}

type batchResult struct {
	seqMessageIndex uint64
	beforeAcc       common.Hash
	delayedAcc      common.Hash
	afterAcc        common.Hash
}

func (s *SequencerInbox) addSequencerL2BatchImpl(
	tx *l1.ActiveTx,
	batchPoster common.Address,
	dataHash common.Hash,
	afterDelayedMessagesRead uint64,
	calldataLengthPosted int,
	prevMessageCount uint64,
	newMessageCount uint64,
) (*batchResult, error) {
	if afterDelayedMessagesRead < s.totalDelayedMessagesRead {
		return nil, &DelayedBackwardsError{Requested: afterDelayedMessagesRead, Read: s.totalDelayedMessagesRead}
	}
	if available := s.bridge.DelayedMessageCount(); afterDelayedMessagesRead > available {
		return nil, &DelayedTooFarError{Requested: afterDelayedMessagesRead, Available: available}
	}
	var res batchResult
	var err error
	res.seqMessageIndex, res.beforeAcc, res.delayedAcc, res.afterAcc, err = s.bridge.EnqueueSequencerMessage(
		tx, s.addr, dataHash, afterDelayedMessagesRead, prevMessageCount, newMessageCount,
	)
	if err != nil {
		return nil, err
	}
	l1.Set(tx, &s.totalDelayedMessagesRead, afterDelayedMessagesRead)

	if calldataLengthPosted > 0 {
		// credits the poster on the rollup through the delayed queue, not the current batch
		report := bridge.BatchPostingReportData(tx.Timestamp(), batchPoster, dataHash, res.seqMessageIndex, tx.BaseFee())
		msgNum, err := s.bridge.SubmitBatchSpendingReport(tx, s.addr, batchPoster, crypto.Keccak256Hash(report))
		if err != nil {
			return nil, err
		}
		tx.Emit(&bridge.InboxMessageDelivered{MessageNum: msgNum, Data: report})
	}
	read := afterDelayedMessagesRead
	tx.OnCommit(func() { delayedMessagesReadGg.Update(int64(read)) })
	return &res, nil
}

// AddSequencerL2Batch appends a batch posted by an authorized batch poster. sequenceNumber
// must equal the current batch count, or be MaxUint64 to skip the check.
func (s *SequencerInbox) AddSequencerL2Batch(
	tx *l1.ActiveTx,
	caller common.Address,
	sequenceNumber uint64,
	data []byte,
	afterDelayedMessagesRead uint64,
	prevMessageCount uint64,
	newMessageCount uint64,
) error {
	if !s.policy.Has(access.BatchPoster, caller) && !s.policy.Has(access.Rollup, caller) {
		return &access.NotAuthorizedError{Role: access.BatchPoster, Caller: caller}
	}
	count := s.bridge.SequencerMessageCount()
	if sequenceNumber != count && sequenceNumber != math.MaxUint64 {
		return &BadSequencerNumberError{Stored: count, Received: sequenceNumber}
	}
	dataHash, bounds, err := s.formDataHash(tx, data, afterDelayedMessagesRead)
	if err != nil {
		return err
	}
	res, err := s.addSequencerL2BatchImpl(tx, caller, dataHash, afterDelayedMessagesRead, len(data), prevMessageCount, newMessageCount)
	if err != nil {
		return err
	}
	tx.Emit(&SequencerBatchDelivered{
		BatchSequenceNumber:      res.seqMessageIndex,
		BeforeAcc:                res.beforeAcc,
		AfterAcc:                 res.afterAcc,
		DelayedAcc:               res.delayedAcc,
		AfterDelayedMessagesRead: afterDelayedMessagesRead,
		TimeBounds:               bounds,
		DataLocation:             BatchDataSeparateEvent,
	})
	tx.Emit(&SequencerBatchData{BatchSequenceNumber: res.seqMessageIndex, Data: data})
	tx.OnCommit(func() { batchCounter.Inc(1) })
	log.Debug("sequencer batch added", "seqNum", res.seqMessageIndex, "delayedRead", afterDelayedMessagesRead, "size", len(data))
	return nil
}

// ForceInclusion appends an empty batch reading every delayed message up to and including
// totalDelayedMessagesRead-1, whose fields the caller supplies. The newest included message
// must be older than the delay window in both blocks and seconds.
func (s *SequencerInbox) ForceInclusion(
	tx *l1.ActiveTx,
	caller common.Address,
	totalDelayedMessagesRead uint64,
	kind uint8,
	l1BlockAndTime [2]uint64,
	baseFeeL1 *big.Int,
	sender common.Address,
	messageDataHash common.Hash,
) error {
	if totalDelayedMessagesRead <= s.totalDelayedMessagesRead {
		return &DelayedBackwardsError{Requested: totalDelayedMessagesRead, Read: s.totalDelayedMessagesRead}
	}
	messageHash := bridge.MessageHash(
		kind,
		sender,
		l1BlockAndTime[0],
		l1BlockAndTime[1],
		new(big.Int).SetUint64(totalDelayedMessagesRead-1),
		baseFeeL1,
		messageDataHash,
	)
	if l1BlockAndTime[0]+s.maxTimeVariation.DelayBlocks >= tx.BlockNumber() {
		return &ForceIncludeTooSoonError{
			sentinel: ErrForceIncludeBlockTooSoon,
			Message:  l1BlockAndTime[0],
			Earliest: l1BlockAndTime[0] + s.maxTimeVariation.DelayBlocks + 1,
			Current:  tx.BlockNumber(),
		}
	}
	if l1BlockAndTime[1]+s.maxTimeVariation.DelaySeconds >= tx.Timestamp() {
		return &ForceIncludeTooSoonError{
			sentinel: ErrForceIncludeTimeTooSoon,
			Message:  l1BlockAndTime[1],
			Earliest: l1BlockAndTime[1] + s.maxTimeVariation.DelaySeconds + 1,
			Current:  tx.Timestamp(),
		}
	}

	if available := s.bridge.DelayedMessageCount(); totalDelayedMessagesRead > available {
		return &DelayedTooFarError{Requested: totalDelayedMessagesRead, Available: available}
	}
	var prevDelayedAcc common.Hash
	if totalDelayedMessagesRead > 1 {
		prevDelayedAcc, _ = s.bridge.DelayedInboxAcc(totalDelayedMessagesRead - 2)
	}
	delayedAcc, _ := s.bridge.DelayedInboxAcc(totalDelayedMessagesRead - 1)
	if delayedAcc != bridge.NextAccumulator(prevDelayedAcc, messageHash) {
		return ErrIncorrectMessagePreimage
	}

	dataHash, bounds := s.formEmptyDataHash(tx, totalDelayedMessagesRead)
	prevSeqMsgCount := s.bridge.SequencerReportedSubMessageCount()
	newSeqMsgCount := prevSeqMsgCount + totalDelayedMessagesRead - s.totalDelayedMessagesRead
	res, err := s.addSequencerL2BatchImpl(tx, caller, dataHash, totalDelayedMessagesRead, 0, prevSeqMsgCount, newSeqMsgCount)
	if err != nil {
		return err
	}
	tx.Emit(&SequencerBatchDelivered{
		BatchSequenceNumber:      res.seqMessageIndex,
		BeforeAcc:                res.beforeAcc,
		AfterAcc:                 res.afterAcc,
		DelayedAcc:               res.delayedAcc,
		AfterDelayedMessagesRead: totalDelayedMessagesRead,
		TimeBounds:               bounds,
		DataLocation:             BatchDataNone,
	})
	tx.OnCommit(func() {
		batchCounter.Inc(1)
		forceIncludedCounter.Inc(1)
	})
	log.Info("delayed messages force included", "through", totalDelayedMessagesRead, "by", caller)
	return nil
}

func (s *SequencerInbox) SetMaxTimeVariation(tx *l1.ActiveTx, caller common.Address, variation MaxTimeVariation) error {
	if err := s.policy.Require(access.Owner, caller); err != nil {
		return err
	}
	l1.Set(tx, &s.maxTimeVariation, variation)
	tx.Emit(&OwnerFunctionCalled{ID: 0})
	return nil
}

func (s *SequencerInbox) SetIsBatchPoster(tx *l1.ActiveTx, caller, poster common.Address, isBatchPoster bool) error {
	if err := s.policy.SetRole(tx, caller, access.BatchPoster, poster, isBatchPoster); err != nil {
		return err
	}
	tx.Emit(&OwnerFunctionCalled{ID: 1})
	return nil
}

// KeysetHash tags the keccak of the keyset bytes with the top bit set.
func KeysetHash(keysetBytes []byte) common.Hash {
	h := crypto.Keccak256Hash(keysetBytes)
	h[0] |= 0x80
	return h
}

func (s *SequencerInbox) SetValidKeyset(tx *l1.ActiveTx, caller common.Address, keysetBytes []byte) (common.Hash, error) {
	if err := s.policy.Require(access.Owner, caller); err != nil {
		return common.Hash{}, err
	}
	ksHash := KeysetHash(keysetBytes)
	if s.keysets[ksHash].isValidKeyset {
		return common.Hash{}, ErrAlreadyValidKeyset
	}
	l1.MapSet(tx, s.keysets, ksHash, keysetInfo{isValidKeyset: true, creationBlock: tx.BlockNumber()})
	tx.Emit(&SetValidKeyset{KeysetHash: ksHash, KeysetBytes: keysetBytes})
	tx.Emit(&OwnerFunctionCalled{ID: 2})
	return ksHash, nil
}

func (s *SequencerInbox) InvalidateKeysetHash(tx *l1.ActiveTx, caller common.Address, ksHash common.Hash) error {
	if err := s.policy.Require(access.Owner, caller); err != nil {
		return err
	}
	if !s.keysets[ksHash].isValidKeyset {
		return &NoSuchKeysetError{KeysetHash: ksHash}
	}
	l1.MapSet(tx, s.keysets, ksHash, keysetInfo{})
	tx.Emit(&InvalidateKeyset{KeysetHash: ksHash})
	tx.Emit(&OwnerFunctionCalled{ID: 3})
	return nil
}

func (s *SequencerInbox) IsValidKeysetHash(ksHash common.Hash) bool {
	return s.keysets[ksHash].isValidKeyset
}

func (s *SequencerInbox) GetKeysetCreationBlock(ksHash common.Hash) (uint64, error) {
	info := s.keysets[ksHash]
	if info.creationBlock == 0 {
		return 0, &NoSuchKeysetError{KeysetHash: ksHash}
	}
	return info.creationBlock, nil
}
