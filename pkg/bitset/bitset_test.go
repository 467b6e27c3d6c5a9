package bitset_test

import (
	"testing"

	"github.com/lsst/ap/pkg/bitset"
	"github.com/stretchr/testify/require"
)

func TestBitSetSingleBitOperations(t *testing.T) {
	b := bitset.New(70)
	require.Equal(t, 70, b.NumBits())

	for i := 0; i < 70; i++ {
		require.False(t, b.Test(i))
	}

	b.Set(0)
	b.Set(63)
	b.Set(64)
	b.Set(69)
	require.True(t, b.Test(0))
	require.True(t, b.Test(63))
	require.True(t, b.Test(64))
	require.True(t, b.Test(69))
	require.False(t, b.Test(1))
	require.False(t, b.Test(65))

	b.Reset(63)
	require.False(t, b.Test(63))

	b.SetAll()
	for i := 0; i < 70; i++ {
		require.True(t, b.Test(i))
	}
	b.ResetAll()
	for i := 0; i < 70; i++ {
		require.False(t, b.Test(i))
	}
}

func TestBitSetOutOfRangePanics(t *testing.T) {
	b := bitset.New(8)
	require.Panics(t, func() { b.Set(8) })
	require.Panics(t, func() { b.Reset(-1) })
	require.Panics(t, func() { b.Test(100) })
}

func TestBitSetBatchClaimAscendingOrder(t *testing.T) {
	b := bitset.New(128)
	indexes := make([]int, 5)
	require.True(t, b.SetFirstZeros(indexes))
	require.Equal(t, []int{0, 1, 2, 3, 4}, indexes)

	// Punch a hole; the next claim must take the lowest free
	// positions, which now includes the hole.
	b.ResetIndexes([]int{2})
	next := make([]int, 3)
	require.True(t, b.SetFirstZeros(next))
	require.Equal(t, []int{2, 5, 6}, next)
}

func TestBitSetBatchClaimAllOrNothing(t *testing.T) {
	b := bitset.New(10)
	claimed := make([]int, 8)
	require.True(t, b.SetFirstZeros(claimed))

	// Only two bits remain free. A claim for three must fail and
	// leave the set untouched.
	require.False(t, b.SetFirstZeros(make([]int, 3)))
	for i := 0; i < 8; i++ {
		require.True(t, b.Test(i))
	}
	require.False(t, b.Test(8))
	require.False(t, b.Test(9))

	rest := make([]int, 2)
	require.True(t, b.SetFirstZeros(rest))
	require.Equal(t, []int{8, 9}, rest)
}

func TestBitSetTailWordNeverCountsAsFree(t *testing.T) {
	// 66 bits leave 62 unusable positions in the second word. A
	// claim for all 66 must succeed; one more must fail.
	b := bitset.New(66)
	all := make([]int, 66)
	require.True(t, b.SetFirstZeros(all))
	require.Equal(t, 0, all[0])
	require.Equal(t, 65, all[65])
	require.False(t, b.SetFirstZeros(make([]int, 1)))
}

func TestBitSetClaimReleaseRoundTrip(t *testing.T) {
	b := bitset.New(64)
	first := make([]int, 7)
	require.True(t, b.SetFirstZeros(first))

	b.ResetIndexes(first)
	second := make([]int, 7)
	require.True(t, b.SetFirstZeros(second))
	require.Equal(t, first, second)
}
