// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package challenge

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/offchainlabs/rollup-settlement/validator"
)

// SegmentSelection reveals the current segments of a challenge and picks the one the mover
// disputes.
type SegmentSelection struct {
	OldSegmentsStart  uint64
	OldSegmentsLength uint64
	OldSegments       []common.Hash
	ChallengePosition uint64
}

func (s *SegmentSelection) stateHash() common.Hash {
	return validator.HashChallengeState(s.OldSegmentsStart, s.OldSegmentsLength, s.OldSegments)
}

// ExtractChallengeSegment returns the range of the selected segment. Segments are even except
// the last, which also takes the remainder.
func ExtractChallengeSegment(s *SegmentSelection) (uint64, uint64) {
	oldDegree := uint64(len(s.OldSegments) - 1)
	length := s.OldSegmentsLength / oldDegree
	start := s.OldSegmentsStart + length*s.ChallengePosition
	if s.ChallengePosition == uint64(len(s.OldSegments)-2) {
		length += s.OldSegmentsLength % oldDegree
	}
	return start, length
}

// SegmentPositions returns the step each of count segment hashes over [start, start+length]
// commits to.
func SegmentPositions(start, length uint64, count int) []uint64 {
	positions := make([]uint64, count)
	normal := length / uint64(count-1)
	for i := range positions {
		positions[i] = start + normal*uint64(i)
	}
	positions[count-1] = start + length
	return positions
}

// Degree is the number of segments a range of the given length is bisected into.
func Degree(length uint64, maxDegree uint64) uint64 {
	if length < maxDegree {
		return length
	}
	return maxDegree
}
