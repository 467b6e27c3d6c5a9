package chunk

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Configuration carries the fixed sizes of a chunk manager instance.
// All capacities are set at construction; the manager never grows.
type Configuration struct {
	// MaxVisitsInFlight is the maximum number of visits that may be
	// registered at any one time. It must be a positive power of
	// two: it doubles as the capacity of each chunk's interest
	// queue and as the visit table size, both of which mask rather
	// than divide.
	MaxVisitsInFlight int

	// MaxChunks is the maximum number of live chunk descriptors.
	// It must be a positive power of two.
	MaxChunks int

	// BlockSize is the size in bytes of every block handed out by
	// the block allocator.
	BlockSize int

	// NumBlocks is the total number of blocks in the backing
	// region, which therefore spans NumBlocks*BlockSize bytes.
	NumBlocks int

	// MaxBlocksPerChunk bounds how many blocks a single chunk may
	// accrete.
	MaxBlocksPerChunk int

	// EntrySize is the size in bytes of one chunk entry. Entries
	// are stored back to back inside blocks, so BlockSize must be a
	// multiple of EntrySize.
	EntrySize int
}

func isPowerOfTwo(v int) bool {
	return v > 0 && v&(v-1) == 0
}

// Validate returns an error if the configuration cannot back a
// functioning manager.
func (c *Configuration) Validate() error {
	if !isPowerOfTwo(c.MaxVisitsInFlight) {
		return status.Errorf(codes.InvalidArgument, "Maximum number of visits in flight %d is not a positive power of two", c.MaxVisitsInFlight)
	}
	if !isPowerOfTwo(c.MaxChunks) {
		return status.Errorf(codes.InvalidArgument, "Maximum number of chunks %d is not a positive power of two", c.MaxChunks)
	}
	if c.BlockSize <= 0 {
		return status.Errorf(codes.InvalidArgument, "Block size %d is not positive", c.BlockSize)
	}
	if c.NumBlocks <= 0 {
		return status.Errorf(codes.InvalidArgument, "Number of blocks %d is not positive", c.NumBlocks)
	}
	if c.MaxBlocksPerChunk <= 0 || c.MaxBlocksPerChunk > c.NumBlocks {
		return status.Errorf(codes.InvalidArgument, "Maximum number of blocks per chunk %d is not in [1, %d]", c.MaxBlocksPerChunk, c.NumBlocks)
	}
	if c.EntrySize <= 0 || c.EntrySize > c.BlockSize || c.BlockSize%c.EntrySize != 0 {
		return status.Errorf(codes.InvalidArgument, "Entry size %d does not evenly divide block size %d", c.EntrySize, c.BlockSize)
	}
	return nil
}

// entriesPerBlock returns how many entries fit in one block.
func (c *Configuration) entriesPerBlock() int {
	return c.BlockSize / c.EntrySize
}

// regionSize returns the number of bytes of backing memory required.
func (c *Configuration) regionSize() int {
	return c.NumBlocks * c.BlockSize
}
