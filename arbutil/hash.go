// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package arbutil

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// Keccak256Tagged hashes a domain tag followed by the given byte strings.
func Keccak256Tagged(tag string, data ...[]byte) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(tag))
	for _, d := range data {
		hasher.Write(d)
	}
	var out common.Hash
	hasher.Sum(out[:0])
	return out
}

// PaddedKeccak256 pads each argument to 32 bytes, concatenates and returns
// keccak256 hash of the result.
func PaddedKeccak256(args ...[]byte) []byte {
	var data []byte
	for _, arg := range args {
		data = append(data, common.BytesToHash(arg).Bytes()...)
	}
	return crypto.Keccak256(data)
}

func IsZeroHash(h common.Hash) bool {
	return h == (common.Hash{})
}
