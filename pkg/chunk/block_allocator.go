package chunk

import (
	"fmt"
	"sync"

	"github.com/lsst/ap/pkg/bitset"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	blockAllocatorPrometheusMetrics sync.Once

	blockAllocatorBlocksAllocated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lsst_ap",
			Subsystem: "chunk",
			Name:      "block_allocator_blocks_allocated_total",
			Help:      "Number of blocks handed out by the block allocator",
		})
	blockAllocatorBlocksFreed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lsst_ap",
			Subsystem: "chunk",
			Name:      "block_allocator_blocks_freed_total",
			Help:      "Number of blocks returned to the block allocator",
		})
	blockAllocatorAllocationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lsst_ap",
			Subsystem: "chunk",
			Name:      "block_allocator_allocation_failures_total",
			Help:      "Number of allocation requests that failed because too few blocks were free",
		})
)

// BlockAllocator hands out fixed-size block offsets from a contiguous
// backing region. Offsets are expressed in bytes relative to the start
// of the region plus a fixed base, so the region itself may be mapped
// anywhere. The allocator has its own lock and is always acquired
// after the manager lock, never before.
type BlockAllocator struct {
	base              int64
	blockSize         int64
	numBlocks         int
	maxBlocksPerChunk int

	lock    sync.Mutex
	blocks  *bitset.BitSet
	scratch []int
}

// NewBlockAllocator creates an allocator managing conf.NumBlocks
// blocks. The first block starts base bytes into the backing region.
func NewBlockAllocator(conf *Configuration, base int64) *BlockAllocator {
	blockAllocatorPrometheusMetrics.Do(func() {
		prometheus.MustRegister(blockAllocatorBlocksAllocated)
		prometheus.MustRegister(blockAllocatorBlocksFreed)
		prometheus.MustRegister(blockAllocatorAllocationFailures)
	})

	return &BlockAllocator{
		base:              base,
		blockSize:         int64(conf.BlockSize),
		numBlocks:         conf.NumBlocks,
		maxBlocksPerChunk: conf.MaxBlocksPerChunk,
		blocks:            bitset.New(conf.NumBlocks),
		scratch:           make([]int, conf.MaxBlocksPerChunk),
	}
}

// Allocate claims a single block and returns its byte offset.
func (a *BlockAllocator) Allocate() (int64, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if !a.blocks.SetFirstZeros(a.scratch[:1]) {
		blockAllocatorAllocationFailures.Inc()
		return 0, status.Error(codes.ResourceExhausted, "No unused blocks available")
	}
	blockAllocatorBlocksAllocated.Inc()
	return a.base + int64(a.scratch[0])*a.blockSize, nil
}

// AllocateBlocks claims len(offsets) blocks, storing their byte
// offsets in ascending order. Either all blocks are claimed or none
// are.
func (a *BlockAllocator) AllocateBlocks(offsets []int64) error {
	n := len(offsets)
	if n <= 0 || n > a.maxBlocksPerChunk {
		return status.Errorf(codes.OutOfRange, "Invalid number of blocks %d in allocation request: must be in [1, %d]", n, a.maxBlocksPerChunk)
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	indexes := a.scratch[:n]
	if !a.blocks.SetFirstZeros(indexes) {
		blockAllocatorAllocationFailures.Inc()
		return status.Errorf(codes.ResourceExhausted, "Fewer than %d unused blocks available", n)
	}
	for i, index := range indexes {
		offsets[i] = a.base + int64(index)*a.blockSize
	}
	blockAllocatorBlocksAllocated.Add(float64(n))
	return nil
}

// FreeBlocks returns the blocks at the given byte offsets to the pool.
// Offsets that were not produced by this allocator indicate memory
// corruption and panic.
func (a *BlockAllocator) FreeBlocks(offsets []int64) {
	a.lock.Lock()
	defer a.lock.Unlock()

	for _, offset := range offsets {
		relative := offset - a.base
		if relative < 0 || relative >= int64(a.numBlocks)*a.blockSize {
			panic(fmt.Sprintf("chunk: block offset %d was not produced by this allocator", offset))
		}
		if relative%a.blockSize != 0 {
			panic(fmt.Sprintf("chunk: block offset %d is not a multiple of the block size", offset))
		}
		a.blocks.Reset(int(relative / a.blockSize))
	}
	blockAllocatorBlocksFreed.Add(float64(len(offsets)))
}
