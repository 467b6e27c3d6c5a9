package hashedset

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Entry is implemented by elements stored in a Set. Entries carry
// their own identifier and chain link, so that the set needs no
// allocation beyond its two fixed arrays. An identifier of -1 marks a
// free slot; the chain link is a slot index with -1 as the list
// terminator.
type Entry interface {
	ID() int64
	SetID(int64)
	NextInChain() int32
	SetNextInChain(int32)
}

// Hash mixes a 64-bit key down to 32 bits using Thomas Wang's integer
// hash. It is pure, so bucket placement is reproducible across runs.
func Hash(key int64) uint32 {
	k := uint64(key)
	k = ^k + k<<18
	k ^= k >> 31
	k *= 21
	k ^= k >> 11
	k += k << 6
	k ^= k >> 22
	return uint32(k)
}

// Set is a fixed-capacity table of entries keyed by 64-bit identifier.
// Entries live in a flat array of N slots; collisions chain through
// slot indexes embedded in the entries themselves, and free slots form
// an intrusive list through the same link field. The bucket array has
// 2N heads, which keeps chains short at full occupancy. There is no
// rehashing: when the set is full, insertion fails and the caller
// decides what to do.
type Set[E any, PE interface {
	Entry
	*E
}] struct {
	buckets []int32
	entries []E
	free    int32
	size    int
}

// New creates an empty Set with room for capacity entries. The
// capacity must be a positive power of two so that bucket selection
// can mask the hash.
func New[E any, PE interface {
	Entry
	*E
}](capacity int) (*Set[E, PE], error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, status.Errorf(codes.InvalidArgument, "Set capacity %d is not a positive power of two", capacity)
	}
	s := &Set[E, PE]{
		buckets: make([]int32, 2*capacity),
		entries: make([]E, capacity),
	}
	for i := range s.buckets {
		s.buckets[i] = -1
	}
	for i := 0; i < capacity; i++ {
		e := PE(&s.entries[i])
		e.SetID(-1)
		if i < capacity-1 {
			e.SetNextInChain(int32(i + 1))
		} else {
			e.SetNextInChain(-1)
		}
	}
	return s, nil
}

// Size returns the number of live entries.
func (s *Set[E, PE]) Size() int {
	return s.size
}

// Space returns the number of additional entries the set can hold.
func (s *Set[E, PE]) Space() int {
	return len(s.entries) - s.size
}

// Capacity returns the maximum number of live entries.
func (s *Set[E, PE]) Capacity() int {
	return len(s.entries)
}

// NumSlots returns the number of entry slots, live and free. Together
// with Slot it allows iteration over all entries; callers skip slots
// whose identifier is -1.
func (s *Set[E, PE]) NumSlots() int {
	return len(s.entries)
}

// Slot returns the entry stored in slot i, which may be free.
func (s *Set[E, PE]) Slot(i int) PE {
	return PE(&s.entries[i])
}

func (s *Set[E, PE]) bucket(id int64) uint32 {
	return Hash(id) & uint32(len(s.buckets)-1)
}

// Find returns the entry with the given identifier, or nil if there is
// no such entry.
func (s *Set[E, PE]) Find(id int64) PE {
	i := s.buckets[s.bucket(id)]
	for i >= 0 {
		e := PE(&s.entries[i])
		if e.ID() == id {
			return e
		}
		i = e.NextInChain()
	}
	return nil
}

// Insert adds a freshly zeroed entry with the given identifier and
// returns it. Nil is returned if an entry with the identifier already
// exists or the set is full.
func (s *Set[E, PE]) Insert(id int64) PE {
	if s.free < 0 {
		return nil
	}

	bucket := s.bucket(id)
	i := s.buckets[bucket]
	last := int32(-1)
	for i >= 0 {
		e := PE(&s.entries[i])
		if e.ID() == id {
			return nil
		}
		last = i
		i = e.NextInChain()
	}
	return s.claimSlot(bucket, last, id)
}

// FindOrInsert returns the entry with the given identifier, inserting
// a freshly zeroed one if none exists. The boolean reports whether an
// insertion took place. The entry is nil only when an insertion was
// needed but the set is full.
func (s *Set[E, PE]) FindOrInsert(id int64) (PE, bool) {
	bucket := s.bucket(id)
	i := s.buckets[bucket]
	last := int32(-1)
	for i >= 0 {
		e := PE(&s.entries[i])
		if e.ID() == id {
			return e, false
		}
		last = i
		i = e.NextInChain()
	}
	if s.free < 0 {
		return nil, true
	}
	return s.claimSlot(bucket, last, id), true
}

// claimSlot takes the head of the free list, zeroes it, assigns the
// identifier and links it at the tail of the given bucket chain.
func (s *Set[E, PE]) claimSlot(bucket uint32, last int32, id int64) PE {
	c := s.free
	s.free = PE(&s.entries[c]).NextInChain()

	if last < 0 {
		s.buckets[bucket] = c
	} else {
		PE(&s.entries[last]).SetNextInChain(c)
	}

	var zero E
	s.entries[c] = zero
	e := PE(&s.entries[c])
	e.SetID(id)
	e.SetNextInChain(-1)
	s.size++
	return e
}

// Erase removes the entry with the given identifier, returning whether
// such an entry existed. The freed slot is pushed onto the free list
// and will be reused by later insertions.
func (s *Set[E, PE]) Erase(id int64) bool {
	bucket := s.bucket(id)
	i := s.buckets[bucket]
	last := int32(-1)
	for i >= 0 {
		e := PE(&s.entries[i])
		if e.ID() == id {
			if last < 0 {
				s.buckets[bucket] = e.NextInChain()
			} else {
				PE(&s.entries[last]).SetNextInChain(e.NextInChain())
			}
			e.SetID(-1)
			e.SetNextInChain(s.free)
			s.free = i
			s.size--
			return true
		}
		last = i
		i = e.NextInChain()
	}
	return false
}
