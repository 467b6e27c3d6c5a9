package queue

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Int64FIFO is a First In, First Out queue of 64-bit integers with a
// fixed capacity. The capacity must be a positive power of two, which
// allows ring indexes to be computed with a mask instead of a modulo.
//
// Overflow and underflow indicate misuse by the caller. They are
// reported as errors rather than panics so that a caller holding a
// lock can surface them.
type Int64FIFO struct {
	buffer []int64
	size   int
	back   int
	front  int
}

// New creates an empty Int64FIFO with the given capacity.
func New(capacity int) (*Int64FIFO, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, status.Errorf(codes.InvalidArgument, "Queue capacity %d is not a positive power of two", capacity)
	}
	return &Int64FIFO{
		buffer: make([]int64, capacity),
	}, nil
}

// Clear empties the queue.
func (f *Int64FIFO) Clear() {
	f.size = 0
	f.back = 0
	f.front = 0
}

// Empty returns whether the queue holds no elements.
func (f *Int64FIFO) Empty() bool {
	return f.size == 0
}

// Full returns whether the queue is at capacity.
func (f *Int64FIFO) Full() bool {
	return f.size == len(f.buffer)
}

// Len returns the number of elements currently queued.
func (f *Int64FIFO) Len() int {
	return f.size
}

// Enqueue appends an element at the back of the queue.
func (f *Int64FIFO) Enqueue(v int64) error {
	if f.size == len(f.buffer) {
		return status.Error(codes.Internal, "Cannot insert element into full queue")
	}
	f.buffer[f.back] = v
	f.back = (f.back + 1) & (len(f.buffer) - 1)
	f.size++
	return nil
}

// Dequeue removes and returns the least recently inserted element.
func (f *Int64FIFO) Dequeue() (int64, error) {
	if f.size == 0 {
		return 0, status.Error(codes.Internal, "Cannot remove element from empty queue")
	}
	v := f.buffer[f.front]
	f.front = (f.front + 1) & (len(f.buffer) - 1)
	f.size--
	return v, nil
}
