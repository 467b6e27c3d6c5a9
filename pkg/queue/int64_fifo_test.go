package queue_test

import (
	"testing"

	"github.com/lsst/ap/pkg/queue"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestInt64FIFOCapacityMustBePowerOfTwo(t *testing.T) {
	for _, capacity := range []int{-4, 0, 3, 12, 100} {
		_, err := queue.New(capacity)
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	}
	for _, capacity := range []int{1, 2, 16, 1024} {
		_, err := queue.New(capacity)
		require.NoError(t, err)
	}
}

func TestInt64FIFOPreservesInsertionOrder(t *testing.T) {
	f, err := queue.New(8)
	require.NoError(t, err)
	require.True(t, f.Empty())

	inserted := []int64{42, -17, 0, 9000, 3, 3, 7}
	for _, v := range inserted {
		require.NoError(t, f.Enqueue(v))
	}
	require.Equal(t, len(inserted), f.Len())

	for _, want := range inserted {
		got, err := f.Dequeue()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.True(t, f.Empty())
}

func TestInt64FIFOWrapAround(t *testing.T) {
	f, err := queue.New(4)
	require.NoError(t, err)

	// Drive the ring indexes around the buffer several times.
	for round := int64(0); round < 10; round++ {
		require.NoError(t, f.Enqueue(round))
		require.NoError(t, f.Enqueue(round+100))
		got, err := f.Dequeue()
		require.NoError(t, err)
		require.Equal(t, round, got)
		got, err = f.Dequeue()
		require.NoError(t, err)
		require.Equal(t, round+100, got)
	}
}

func TestInt64FIFOOverflowAndUnderflow(t *testing.T) {
	f, err := queue.New(2)
	require.NoError(t, err)

	require.NoError(t, f.Enqueue(1))
	require.NoError(t, f.Enqueue(2))
	require.True(t, f.Full())
	require.Equal(t, codes.Internal, status.Code(f.Enqueue(3)))

	_, err = f.Dequeue()
	require.NoError(t, err)
	_, err = f.Dequeue()
	require.NoError(t, err)
	_, err = f.Dequeue()
	require.Equal(t, codes.Internal, status.Code(err))
}

func TestInt64FIFOClear(t *testing.T) {
	f, err := queue.New(4)
	require.NoError(t, err)
	require.NoError(t, f.Enqueue(5))
	require.NoError(t, f.Enqueue(6))

	f.Clear()
	require.True(t, f.Empty())
	_, err = f.Dequeue()
	require.Equal(t, codes.Internal, status.Code(err))
}
