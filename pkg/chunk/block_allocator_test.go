package chunk_test

import (
	"testing"

	"github.com/lsst/ap/pkg/chunk"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func allocatorConfiguration() *chunk.Configuration {
	return &chunk.Configuration{
		MaxVisitsInFlight: 16,
		MaxChunks:         16,
		BlockSize:         64,
		NumBlocks:         8,
		MaxBlocksPerChunk: 5,
		EntrySize:         16,
	}
}

func TestBlockAllocatorRoundTrip(t *testing.T) {
	conf := allocatorConfiguration()
	require.NoError(t, conf.Validate())
	a := chunk.NewBlockAllocator(conf, 0)

	// Claim five of the eight blocks. Offsets are handed out in
	// ascending order starting at the base.
	offsets := make([]int64, 5)
	require.NoError(t, a.AllocateBlocks(offsets))
	require.Equal(t, []int64{0, 64, 128, 192, 256}, offsets)

	// Only three blocks remain, so a request for four must fail
	// without claiming anything.
	require.Equal(t, codes.ResourceExhausted, status.Code(a.AllocateBlocks(make([]int64, 4))))

	// After freeing the first five, a request for four yields the
	// same offsets again.
	a.FreeBlocks(offsets)
	next := make([]int64, 4)
	require.NoError(t, a.AllocateBlocks(next))
	require.Equal(t, offsets[:4], next)
}

func TestBlockAllocatorSingleBlock(t *testing.T) {
	conf := allocatorConfiguration()
	conf.NumBlocks = 2
	a := chunk.NewBlockAllocator(conf, 0)

	first, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, int64(0), first)
	second, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, int64(64), second)

	_, err = a.Allocate()
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	a.FreeBlocks([]int64{first})
	again, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestBlockAllocatorRequestSizeBounds(t *testing.T) {
	a := chunk.NewBlockAllocator(allocatorConfiguration(), 0)

	require.Equal(t, codes.OutOfRange, status.Code(a.AllocateBlocks(nil)))
	require.Equal(t, codes.OutOfRange, status.Code(a.AllocateBlocks(make([]int64, 6))))
}

func TestBlockAllocatorBaseOffset(t *testing.T) {
	a := chunk.NewBlockAllocator(allocatorConfiguration(), 1024)

	offset, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, int64(1024), offset)

	a.FreeBlocks([]int64{offset})
}

func TestBlockAllocatorForeignOffsetPanics(t *testing.T) {
	a := chunk.NewBlockAllocator(allocatorConfiguration(), 0)

	require.Panics(t, func() { a.FreeBlocks([]int64{-64}) })
	require.Panics(t, func() { a.FreeBlocks([]int64{8 * 64}) })
	require.Panics(t, func() { a.FreeBlocks([]int64{13}) })
}
