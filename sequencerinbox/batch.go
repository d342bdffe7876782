// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package sequencerinbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/offchainlabs/rollup-settlement/arbcompress"
)

const (
	BatchSegmentKindL2Message            uint8 = 0
	BatchSegmentKindDelayedMessages      uint8 = 1
	BatchSegmentKindAdvanceTimestamp     uint8 = 2
	BatchSegmentKindAdvanceL1BlockNumber uint8 = 3
)

const MaxSegmentsPerSequencerMessage = 100 * 1024

const maxDecompressedLen = 1024 * 1024 * 16 // 16 MiB

var errBatchAlreadyClosed = errors.New("batch segments already closed")

// BatchBuilder accumulates rollup messages into RLP segments and brotli-compresses them into
// the payload a batch poster submits.
type BatchBuilder struct {
	compressedBuffer    *bytes.Buffer
	compressedWriter    *brotli.Writer
	rawSegments         [][]byte
	timestamp           uint64
	blockNum            uint64
	delayedMsg          uint64
	sizeLimit           int
	compressionLevel    int
	newUncompressedSize int
	lastCompressedSize  int
	trailingHeaders     int // how many trailing segments are headers
	isDone              bool
}

func NewBatchBuilder(firstDelayed uint64, config *BatchBuilderConfig) *BatchBuilder {
	compressedBuffer := bytes.NewBuffer(make([]byte, 0, config.MaxBatchSize*2))
	if config.MaxBatchSize <= HeaderLength {
		panic("MaxBatchSize too small")
	}
	return &BatchBuilder{
		compressedBuffer: compressedBuffer,
		compressedWriter: brotli.NewWriterLevel(compressedBuffer, config.CompressionLevel),
		sizeLimit:        config.MaxBatchSize - HeaderLength,
		compressionLevel: config.CompressionLevel,
		rawSegments:      make([][]byte, 0, 128),
		delayedMsg:       firstDelayed,
	}
}

func (s *BatchBuilder) recompressAll() error {
	s.compressedBuffer = bytes.NewBuffer(make([]byte, 0, s.sizeLimit*2))
	s.compressedWriter = brotli.NewWriterLevel(s.compressedBuffer, s.compressionLevel)
	s.newUncompressedSize = 0
	for _, segment := range s.rawSegments {
		err := s.addSegmentToCompressed(segment)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *BatchBuilder) testForOverflow() (bool, error) {
	// there is room, no need to flush
	if (s.lastCompressedSize + s.newUncompressedSize) < s.sizeLimit {
		return false, nil
	}
	// don't want to flush for headers
	if s.trailingHeaders > 0 {
		return false, nil
	}
	err := s.compressedWriter.Flush()
	if err != nil {
		return true, err
	}
	s.lastCompressedSize = s.compressedBuffer.Len()
	s.newUncompressedSize = 0
	if s.lastCompressedSize >= s.sizeLimit {
		return true, nil
	}
	return false, nil
}

func (s *BatchBuilder) close() error {
	s.rawSegments = s.rawSegments[:len(s.rawSegments)-s.trailingHeaders]
	s.trailingHeaders = 0
	err := s.recompressAll()
	if err != nil {
		return err
	}
	s.isDone = true
	return nil
}

func (s *BatchBuilder) addSegmentToCompressed(segment []byte) error {
	encoded, err := rlp.EncodeToBytes(segment)
	if err != nil {
		return err
	}
	lenWritten, err := s.compressedWriter.Write(encoded)
	s.newUncompressedSize += lenWritten
	return err
}

// returns false if segment was too large, error in case of real error
func (s *BatchBuilder) addSegment(segment []byte, isHeader bool) (bool, error) {
	if s.isDone {
		return false, errBatchAlreadyClosed
	}
	err := s.addSegmentToCompressed(segment)
	if err != nil {
		return false, err
	}
	overflow, err := s.testForOverflow()
	if err != nil {
		return false, err
	}
	if overflow || len(s.rawSegments) >= MaxSegmentsPerSequencerMessage {
		return false, s.close()
	}
	s.rawSegments = append(s.rawSegments, segment)
	if isHeader {
		s.trailingHeaders++
	} else {
		s.trailingHeaders = 0
	}
	return true, nil
}

func (s *BatchBuilder) AddL2Message(l2msg []byte) (bool, error) {
	segment := make([]byte, 1, len(l2msg)+1)
	segment[0] = BatchSegmentKindL2Message
	segment = append(segment, l2msg...)
	return s.addSegment(segment, false)
}

func (s *BatchBuilder) prepareIntSegment(val uint64, segmentHeader byte) ([]byte, error) {
	segment := make([]byte, 1, 16)
	segment[0] = segmentHeader
	enc, err := rlp.EncodeToBytes(val)
	if err != nil {
		return nil, err
	}
	return append(segment, enc...), nil
}

func (s *BatchBuilder) maybeAddDiffSegment(base *uint64, newVal uint64, segmentHeader byte) (bool, error) {
	if newVal == *base {
		return true, nil
	}
	diff := newVal - *base
	seg, err := s.prepareIntSegment(diff, segmentHeader)
	if err != nil {
		return false, err
	}
	success, err := s.addSegment(seg, true)
	if success {
		*base = newVal
	}
	return success, err
}

// AdvanceTo records the base ledger time and block the following messages were sequenced at.
func (s *BatchBuilder) AdvanceTo(timestamp, blockNum uint64) (bool, error) {
	success, err := s.maybeAddDiffSegment(&s.timestamp, timestamp, BatchSegmentKindAdvanceTimestamp)
	if !success {
		return false, err
	}
	return s.maybeAddDiffSegment(&s.blockNum, blockNum, BatchSegmentKindAdvanceL1BlockNumber)
}

func (s *BatchBuilder) AddDelayedMessage() (bool, error) {
	segment := []byte{BatchSegmentKindDelayedMessages}
	success, err := s.addSegment(segment, false)
	if (err == nil) && success {
		s.delayedMsg += 1
	}
	return success, err
}

// DelayedMessagesRead is the delayed read count after every segment added so far.
func (s *BatchBuilder) DelayedMessagesRead() uint64 {
	return s.delayedMsg
}

func (s *BatchBuilder) IsDone() bool {
	return s.isDone
}

func (s *BatchBuilder) IsEmpty() bool {
	return len(s.rawSegments) == 0
}

func (s *BatchBuilder) SegmentCount() int {
	return len(s.rawSegments)
}

// CloseAndGetBytes returns the brotli payload prefixed with its header byte, or nil when no
// segment was added.
func (s *BatchBuilder) CloseAndGetBytes() ([]byte, error) {
	if !s.isDone {
		err := s.close()
		if err != nil {
			return nil, err
		}
	}
	if len(s.rawSegments) == 0 {
		return nil, nil
	}
	err := s.compressedWriter.Close()
	if err != nil {
		return nil, err
	}
	compressedBytes := s.compressedBuffer.Bytes()
	fullMsg := make([]byte, 1, len(compressedBytes)+1)
	fullMsg[0] = BrotliMessageHeaderByte
	fullMsg = append(fullMsg, compressedBytes...)
	return fullMsg, nil
}

type SequencerMessage struct {
	TimeBounds           TimeBounds
	AfterDelayedMessages uint64
	Segments             [][]byte
}

// DecodeBatch parses a header-prefixed sequencer message as the rollup reads it.
func DecodeBatch(data []byte) (*SequencerMessage, error) {
	bounds, afterDelayed, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	msg := &SequencerMessage{TimeBounds: bounds, AfterDelayedMessages: afterDelayed}
	payload := data[HeaderLength:]
	if len(payload) == 0 {
		return msg, nil
	}
	if !IsBrotliMessageHeaderByte(payload[0]) {
		return nil, fmt.Errorf("unknown sequencer message format 0x%02x", payload[0])
	}
	decompressed, err := arbcompress.Decompress(payload[1:], maxDecompressedLen)
	if err != nil {
		return nil, err
	}
	stream := rlp.NewStream(bytes.NewReader(decompressed), uint64(len(decompressed)))
	for {
		var segment []byte
		err := stream.Decode(&segment)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warn("error parsing sequencer message segment", "err", err.Error())
			}
			break
		}
		msg.Segments = append(msg.Segments, segment)
	}
	return msg, nil
}
