package chunk

import (
	"github.com/lsst/ap/pkg/hashedset"
	"github.com/lsst/ap/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// subManager owns the chunk descriptor table and implements the
// visit-centric operations over it. All methods are called with the
// manager lock held; the sub manager does no locking of its own.
type subManager struct {
	conf      *Configuration
	chunks    *hashedset.Set[Descriptor, *Descriptor]
	allocator *BlockAllocator
	region    []byte
}

func newSubManager(conf *Configuration, allocator *BlockAllocator, region []byte) (*subManager, error) {
	chunks, err := hashedset.New[Descriptor](conf.MaxChunks)
	if err != nil {
		return nil, err
	}
	return &subManager{
		conf:      conf,
		chunks:    chunks,
		allocator: allocator,
		region:    region,
	}, nil
}

func (m *subManager) space() int {
	return m.chunks.Space()
}

func (m *subManager) handle(d *Descriptor) Handle {
	return Handle{
		desc:            d,
		allocator:       m.allocator,
		region:          m.region,
		entrySize:       m.conf.EntrySize,
		entriesPerBlock: m.conf.entriesPerBlock(),
	}
}

// createOrRegisterInterest registers the given visit as an interested
// party of each of the given chunks. Identifiers without a descriptor
// get a fresh one owned by the visit; those chunks are returned in
// toRead, since their data must come from disk. Preexisting chunks
// are returned in toWaitFor: the visit must wait until it owns them.
// The chunk identifier list is assumed to be duplicate free.
func (m *subManager) createOrRegisterInterest(visitID int64, chunkIDs []int64) (toRead, toWaitFor []Handle, err error) {
	// Identifiers of visits that ended while queued stay in an
	// interest queue until the chunk changes hands, so a queue may be
	// full. Refuse before changing any state.
	for _, chunkID := range chunkIDs {
		if d := m.chunks.Find(chunkID); d != nil && d.interestedParties.Full() {
			return nil, nil, status.Errorf(codes.Internal, "Cannot register interest of visit %d in chunk %d: interest queue is full", visitID, chunkID)
		}
	}

	toRead = make([]Handle, 0, len(chunkIDs))
	toWaitFor = make([]Handle, 0, len(chunkIDs))
	for _, chunkID := range chunkIDs {
		d, inserted := m.chunks.FindOrInsert(chunkID)
		if inserted {
			if d == nil {
				return nil, nil, status.Errorf(codes.ResourceExhausted, "No space for a descriptor for chunk %d", chunkID)
			}
			if err := d.initialize(m.conf, visitID); err != nil {
				return nil, nil, err
			}
			toRead = append(toRead, m.handle(d))
		} else {
			if err := d.interestedParties.Enqueue(visitID); err != nil {
				return nil, nil, util.StatusWrapf(err, "Failed to register interest of visit %d in chunk %d", visitID, chunkID)
			}
			toWaitFor = append(toWaitFor, m.handle(d))
		}
	}
	return toRead, toWaitFor, nil
}

// checkForOwnership removes from toWaitFor every chunk now owned by
// the given visit. Removed chunks that are not usable (their previous
// owner failed before completing a read) are cleared and appended to
// toRead. Removal swaps with the last element, so the order of the
// remaining entries may change. Returns whether toWaitFor is empty.
func (m *subManager) checkForOwnership(visitID int64, toRead, toWaitFor *[]Handle) bool {
	pending := *toWaitFor
	for i := 0; i < len(pending); {
		c := pending[i]
		if c.VisitID() != visitID {
			i++
			continue
		}
		if !c.Usable() {
			c.Clear()
			*toRead = append(*toRead, c)
		}
		pending[i] = pending[len(pending)-1]
		pending = pending[:len(pending)-1]
	}
	*toWaitFor = pending
	return len(pending) == 0
}

// getChunks returns a handle for each identifier that corresponds to a
// live descriptor. Lookup only; nothing is created.
func (m *subManager) getChunks(chunkIDs []int64) []Handle {
	chunks := make([]Handle, 0, len(chunkIDs))
	for _, chunkID := range chunkIDs {
		if d := m.chunks.Find(chunkID); d != nil {
			chunks = append(chunks, m.handle(d))
		}
	}
	return chunks
}

// relinquishOwnership passes every chunk owned by the given visit on
// to its first interested party that is still in flight, committing or
// rolling back the chunk's contents first. Chunks with no live
// successor are deallocated. Returns whether any chunk changed hands.
func (m *subManager) relinquishOwnership(visitID int64, rollback bool, tracker *VisitTracker) bool {
	change := false
	for i := 0; i < m.chunks.NumSlots(); i++ {
		d := m.chunks.Slot(i)
		if d.id == -1 || d.visitID != visitID {
			continue
		}
		foundSuccessor := false
		for !d.interestedParties.Empty() {
			nextVisitID, err := d.interestedParties.Dequeue()
			if err != nil {
				break
			}
			if tracker.IsValid(nextVisitID) {
				d.visitID = nextVisitID
				change = true
				foundSuccessor = true
				break
			}
		}
		if foundSuccessor {
			c := m.handle(d)
			if rollback {
				c.rollback()
			} else {
				c.commit()
			}
		} else {
			m.allocator.FreeBlocks(d.blocks[:d.numBlocks])
			m.chunks.Erase(d.id)
		}
	}
	return change
}

// walk calls f for every live descriptor.
func (m *subManager) walk(f func(*Descriptor)) {
	for i := 0; i < m.chunks.NumSlots(); i++ {
		if d := m.chunks.Slot(i); d.id != -1 {
			f(d)
		}
	}
}
