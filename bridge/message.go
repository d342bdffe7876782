// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package bridge

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/offchainlabs/rollup-settlement/util/arbmath"
)

const (
	L1MessageType_L2Message             = 3
	L1MessageType_EndOfBlock            = 6
	L1MessageType_L2FundedByL1          = 7
	L1MessageType_RollupEvent           = 8
	L1MessageType_SubmitRetryable       = 9
	L1MessageType_BatchForGasEstimation = 10 // probably won't use this in practice
	L1MessageType_Initialize            = 11
	L1MessageType_EthDeposit            = 12
	L1MessageType_BatchPostingReport    = 13
	L1MessageType_Invalid               = 0xFF
)

const (
	L2MessageKind_UnsignedUserTx  = 0
	L2MessageKind_ContractTx      = 1
	L2MessageKind_SignedTx        = 4
	L2MessageKind_Batch           = 3
	L2MessageKind_NonmutatingCall = 2
)

// L1IncomingMessageHeader holds the fields of a delayed message that its hash commits to.
type L1IncomingMessageHeader struct {
	Kind        uint8
	Poster      common.Address
	BlockNumber uint64
	Timestamp   uint64
	RequestId   *common.Hash `rlp:"nil"`
	L1BaseFee   *big.Int
}

func (h *L1IncomingMessageHeader) SeqNum() (uint64, error) {
	if h.RequestId == nil {
		return 0, errors.New("no requestId")
	}
	seqNumBig := h.RequestId.Big()
	if !seqNumBig.IsUint64() {
		return 0, errors.New("bad requestId")
	}
	return seqNumBig.Uint64(), nil
}

// Hash is the delayed message hash of this header over the given payload hash.
func (h *L1IncomingMessageHeader) Hash(messageDataHash common.Hash) common.Hash {
	var seqNum *big.Int
	if h.RequestId != nil {
		seqNum = h.RequestId.Big()
	} else {
		seqNum = new(big.Int)
	}
	baseFee := h.L1BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	return MessageHash(h.Kind, h.Poster, h.BlockNumber, h.Timestamp, seqNum, baseFee, messageDataHash)
}

// MessageHash packs kind(1) ‖ sender(20) ‖ blockNumber(8) ‖ timestamp(8) ‖ inboxSeqNum(32) ‖
// baseFeeL1(32) ‖ messageDataHash(32) and hashes the result.
func MessageHash(
	kind uint8,
	sender common.Address,
	blockNumber uint64,
	timestamp uint64,
	inboxSeqNum *big.Int,
	baseFeeL1 *big.Int,
	messageDataHash common.Hash,
) common.Hash {
	return crypto.Keccak256Hash(
		[]byte{kind},
		sender.Bytes(),
		arbmath.UintToBytes(blockNumber),
		arbmath.UintToBytes(timestamp),
		arbmath.U256Bytes(inboxSeqNum),
		arbmath.U256Bytes(baseFeeL1),
		messageDataHash.Bytes(),
	)
}

// BatchPostingReportData is the payload of the delayed message crediting a batch poster.
func BatchPostingReportData(timestamp uint64, batchPoster common.Address, dataHash common.Hash, seqMessageIndex uint64, baseFee *big.Int) []byte {
	return arbmath.ConcatByteSlices(
		arbmath.Uint64ToU256Bytes(timestamp),
		batchPoster.Bytes(),
		dataHash.Bytes(),
		arbmath.Uint64ToU256Bytes(seqMessageIndex),
		arbmath.U256Bytes(baseFee),
	)
}
