// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package arbcompress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

const LEVEL_FAST = 0
const LEVEL_WELL = 11
const WINDOW_SIZE = 22 // BROTLI_DEFAULT_WINDOW

func compressedBufferSizeFor(length int) int {
	return length + (length>>10)*8 + 64 // actual limit is: length + (length >> 14) * 4 + 6
}

func CompressLevel(input []byte, level int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, compressedBufferSizeFor(len(input))))
	writer := brotli.NewWriterOptions(buf, brotli.WriterOptions{Quality: level, LGWin: WINDOW_SIZE})
	if _, err := writer.Write(input); err != nil {
		return nil, fmt.Errorf("failed compression: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed compression: %w", err)
	}
	return buf.Bytes(), nil
}

func CompressWell(input []byte) ([]byte, error) {
	return CompressLevel(input, LEVEL_WELL)
}

// Decompress inflates input, failing if the result would exceed maxSize bytes.
func Decompress(input []byte, maxSize int) ([]byte, error) {
	reader := brotli.NewReader(bytes.NewReader(input))
	out, err := io.ReadAll(io.LimitReader(reader, int64(maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("failed decompression: %w", err)
	}
	if len(out) > maxSize {
		return nil, fmt.Errorf("result too large: more than %d bytes", maxSize)
	}
	return out, nil
}
