// Copyright 2021-2024, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package bitset

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitset(t *testing.T) {
	b := New()
	require.False(t, b.Get(1000))
	require.False(t, b.Set(1000))
	require.True(t, b.Set(1000))
	require.True(t, b.Get(1000))
	require.False(t, b.Get(999))
	require.Equal(t, uint64(1)<<(1000%64), b.Word(1000/64))

	b.Set(0)
	b.Set(63)
	b.Set(64)
	require.Equal(t, 4, b.Count())

	b.Clear(63)
	require.False(t, b.Get(63))
	b.Clear(1 << 20)
	require.Equal(t, 3, b.Count())
}

func TestBitsetSparse(t *testing.T) {
	b := New()
	require.False(t, b.Set(math.MaxUint64))
	require.True(t, b.Get(math.MaxUint64))
	require.False(t, b.SetAt(math.MaxUint64/4, 7))
	require.True(t, b.GetAt(math.MaxUint64/4, 7))
	require.Equal(t, 2, b.Words())

	b.ClearAt(math.MaxUint64/4, 7)
	b.Clear(math.MaxUint64)
	require.Equal(t, 0, b.Words())
	require.Equal(t, 0, b.Count())
}
