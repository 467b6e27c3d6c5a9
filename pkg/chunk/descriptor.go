package chunk

import (
	"fmt"

	"github.com/lsst/ap/pkg/queue"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Descriptor is the manager's knowledge of a single chunk of sky data.
// Descriptors are stored inside a hashed set, so they embed their own
// identifier and chain link. The identifier is -1 on free slots.
type Descriptor struct {
	id          int64
	nextInChain int32

	// Identifier of the visit that currently owns the chunk. Every
	// live descriptor has exactly one owner.
	visitID int64

	// Whether a successful read or commit has made the in-memory
	// contents consistent with the durable image.
	usable bool

	// Visits waiting for ownership, in arrival order.
	interestedParties *queue.Int64FIFO

	// Byte offsets of the blocks backing this chunk's entries.
	// blocks[:numBlocks] are allocated; the first nextBlock of them
	// hold live entries.
	blocks    []int64
	numBlocks int
	nextBlock int

	// Total entry count, and the count that was already present
	// when the current visit acquired the chunk. Rolling back
	// truncates size to delta.
	size  int
	delta int
}

func (d *Descriptor) ID() int64                 { return d.id }
func (d *Descriptor) SetID(id int64)            { d.id = id }
func (d *Descriptor) NextInChain() int32        { return d.nextInChain }
func (d *Descriptor) SetNextInChain(next int32) { d.nextInChain = next }

// initialize prepares a freshly inserted (zeroed) descriptor for use
// by the given owner.
func (d *Descriptor) initialize(conf *Configuration, visitID int64) error {
	interestedParties, err := queue.New(conf.MaxVisitsInFlight)
	if err != nil {
		return err
	}
	d.visitID = visitID
	d.usable = false
	d.interestedParties = interestedParties
	d.blocks = make([]int64, conf.MaxBlocksPerChunk)
	return nil
}

// Handle is a caller-facing view of one chunk. It pairs the descriptor
// with the allocator and backing region, so that the owning visit can
// read and append entries without going through the manager lock.
// Handles remain valid until the chunk is deallocated by its owner's
// EndVisit.
type Handle struct {
	desc            *Descriptor
	allocator       *BlockAllocator
	region          []byte
	entrySize       int
	entriesPerBlock int
}

// ID returns the chunk identifier.
func (h Handle) ID() int64 {
	return h.desc.id
}

// VisitID returns the identifier of the visit that owns the chunk.
func (h Handle) VisitID() int64 {
	return h.desc.visitID
}

// Usable returns whether the chunk's in-memory contents have been
// filled from durable storage at least once and not invalidated.
func (h Handle) Usable() bool {
	return h.desc.usable
}

// MarkUsable is the reader's acknowledgement that the chunk has been
// populated from its durable image.
func (h Handle) MarkUsable() {
	h.desc.usable = true
}

// Size returns the number of entries currently stored.
func (h Handle) Size() int {
	return h.desc.size
}

// Delta returns the number of entries that predate the current owner's
// modifications.
func (h Handle) Delta() int {
	return h.desc.delta
}

// NumBlocks returns the number of blocks allocated to the chunk.
func (h Handle) NumBlocks() int {
	return h.desc.numBlocks
}

// Entry returns the bytes of the i-th entry. The returned slice
// aliases the backing region.
func (h Handle) Entry(i int) []byte {
	if i < 0 || i >= h.desc.size {
		panic(fmt.Sprintf("chunk: entry index %d out of range [0, %d)", i, h.desc.size))
	}
	offset := h.desc.blocks[i/h.entriesPerBlock] + int64((i%h.entriesPerBlock)*h.entrySize)
	return h.region[offset : offset+int64(h.entrySize)]
}

// Append stores one entry at the end of the chunk, allocating another
// block when the current ones are full.
func (h Handle) Append(entry []byte) error {
	d := h.desc
	if len(entry) != h.entrySize {
		panic(fmt.Sprintf("chunk: entry is %d bytes, configured entry size is %d", len(entry), h.entrySize))
	}
	if d.size == d.numBlocks*h.entriesPerBlock {
		if d.numBlocks == len(d.blocks) {
			return status.Errorf(codes.ResourceExhausted, "Chunk %d already spans the maximum of %d blocks", d.id, len(d.blocks))
		}
		offset, err := h.allocator.Allocate()
		if err != nil {
			return err
		}
		d.blocks[d.numBlocks] = offset
		d.numBlocks++
	}
	offset := d.blocks[d.size/h.entriesPerBlock] + int64((d.size%h.entriesPerBlock)*h.entrySize)
	copy(h.region[offset:offset+int64(h.entrySize)], entry)
	d.size++
	d.nextBlock = (d.size + h.entriesPerBlock - 1) / h.entriesPerBlock
	return nil
}

// Clear resets the in-memory entry state. Allocated blocks are
// retained for reuse by the next read.
func (h Handle) Clear() {
	d := h.desc
	d.size = 0
	d.delta = 0
	d.nextBlock = 0
}

// commit preserves the owner's modifications: successors start from
// the full contents, and the chunk is consistent.
func (h Handle) commit() {
	h.desc.delta = h.desc.size
	h.desc.usable = true
}

// rollback discards the owner's modifications, truncating the entry
// count back to the last committed state. Blocks past the truncated
// write position stay allocated but unused. Usability is left as it
// was: a chunk that was never successfully read stays unusable.
func (h Handle) rollback() {
	d := h.desc
	if d.size > d.delta {
		d.size = d.delta
	}
	d.nextBlock = (d.size + h.entriesPerBlock - 1) / h.entriesPerBlock
}

// interesting returns whether any visit is waiting for ownership.
func (h Handle) interesting() bool {
	return !h.desc.interestedParties.Empty()
}
