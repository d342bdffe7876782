// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package sequencerinbox

import (
	"encoding/binary"
	"fmt"
)

// HeaderLength is the size of the time bounds and delayed read count prefixed to every batch.
const HeaderLength = 40

// DASMessageHeaderFlag indicates that this data is a certificate for the data availability service,
// which will retrieve the full batch data.
const DASMessageHeaderFlag byte = 0x80

// L1AuthenticatedMessageHeaderFlag indicates that this message was authenticated by L1. Currently unused.
const L1AuthenticatedMessageHeaderFlag byte = 0x40

// ZeroheavyMessageHeaderFlag indicates that this message is zeroheavy-encoded.
const ZeroheavyMessageHeaderFlag byte = 0x20

// BrotliMessageHeaderByte indicates that the message is brotli-compressed.
const BrotliMessageHeaderByte byte = 0

// hasBits returns true if `checking` has all `bits`
func hasBits(checking byte, bits byte) bool {
	return (checking & bits) == bits
}

func IsL1AuthenticatedMessageHeaderByte(header byte) bool {
	return hasBits(header, L1AuthenticatedMessageHeaderFlag)
}

func IsDASMessageHeaderByte(header byte) bool {
	return hasBits(header, DASMessageHeaderFlag)
}

func IsZeroheavyEncodedHeaderByte(header byte) bool {
	return hasBits(header, ZeroheavyMessageHeaderFlag)
}

func IsBrotliMessageHeaderByte(b uint8) bool {
	return b == BrotliMessageHeaderByte
}

type TimeBounds struct {
	MinTimestamp   uint64
	MaxTimestamp   uint64
	MinBlockNumber uint64
	MaxBlockNumber uint64
}

// ComputeTimeBounds derives the window a batch posted at (blockNumber, timestamp) commits to.
// Lower bounds saturate at zero.
func ComputeTimeBounds(variation *MaxTimeVariation, blockNumber, timestamp uint64) TimeBounds {
	var bounds TimeBounds
	if timestamp > variation.DelaySeconds {
		bounds.MinTimestamp = timestamp - variation.DelaySeconds
	}
	bounds.MaxTimestamp = timestamp + variation.FutureSeconds
	if blockNumber > variation.DelayBlocks {
		bounds.MinBlockNumber = blockNumber - variation.DelayBlocks
	}
	bounds.MaxBlockNumber = blockNumber + variation.FutureBlocks
	return bounds
}

// PackHeader encodes minTimestamp ‖ maxTimestamp ‖ minBlock ‖ maxBlock ‖ afterDelayedMessagesRead.
func PackHeader(bounds TimeBounds, afterDelayedMessagesRead uint64) []byte {
	header := make([]byte, HeaderLength)
	binary.BigEndian.PutUint64(header[:8], bounds.MinTimestamp)
	binary.BigEndian.PutUint64(header[8:16], bounds.MaxTimestamp)
	binary.BigEndian.PutUint64(header[16:24], bounds.MinBlockNumber)
	binary.BigEndian.PutUint64(header[24:32], bounds.MaxBlockNumber)
	binary.BigEndian.PutUint64(header[32:40], afterDelayedMessagesRead)
	return header
}

func ParseHeader(data []byte) (TimeBounds, uint64, error) {
	if len(data) < HeaderLength {
		return TimeBounds{}, 0, fmt.Errorf("sequencer message missing L1 header: %d bytes", len(data))
	}
	bounds := TimeBounds{
		MinTimestamp:   binary.BigEndian.Uint64(data[:8]),
		MaxTimestamp:   binary.BigEndian.Uint64(data[8:16]),
		MinBlockNumber: binary.BigEndian.Uint64(data[16:24]),
		MaxBlockNumber: binary.BigEndian.Uint64(data[24:32]),
	}
	return bounds, binary.BigEndian.Uint64(data[32:40]), nil
}
