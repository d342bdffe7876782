// Copyright 2021-2024, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package arbmath

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLog2ceil(t *testing.T) {
	cases := map[uint64]uint64{0: 0, 1: 1, 2: 2, 3: 2, 4: 3, 1023: 10, 1024: 11}
	for input, expected := range cases {
		require.Equal(t, expected, Log2ceil(input), "input %v", input)
	}
	require.Equal(t, uint64(1024), NextOrCurrentPowerOf2(1024))
	require.Equal(t, uint64(2048), NextOrCurrentPowerOf2(1025))
}

func TestSaturatingMath(t *testing.T) {
	require.Equal(t, uint64(math.MaxUint64), SaturatingUAdd(uint64(math.MaxUint64), 1))
	require.Equal(t, uint64(0), SaturatingUSub(uint64(3), 5))
	require.Equal(t, uint64(math.MaxUint64), SaturatingUMul(uint64(math.MaxUint64/2), 3))
	require.Equal(t, uint8(7), MinInt(uint8(7), 9))
	require.Equal(t, 9, MaxInt(3, 9, -2))
}

func TestSaturatingBigToU256(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 300)
	require.Equal(t, MaxUint256, SaturatingBigToU256(huge))
	require.Equal(t, int64(0), SaturatingBigToU256(big.NewInt(-5)).Int64())
	require.Len(t, Uint64ToU256Bytes(7), 32)
	require.Equal(t, byte(7), Uint64ToU256Bytes(7)[31])
}
