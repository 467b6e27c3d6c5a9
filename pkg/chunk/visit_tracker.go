package chunk

import (
	"github.com/lsst/ap/pkg/hashedset"
)

// Visit represents one in-flight observation. Entries are embedded in
// the tracker's hashed set.
type Visit struct {
	id          int64
	nextInChain int32
	failed      bool
}

func (v *Visit) ID() int64                 { return v.id }
func (v *Visit) SetID(id int64)            { v.id = id }
func (v *Visit) NextInChain() int32        { return v.nextInChain }
func (v *Visit) SetNextInChain(next int32) { v.nextInChain = next }

// Failed returns whether the visit has been marked as failed.
func (v *Visit) Failed() bool {
	return v.failed
}

// VisitTracker is the authority on which visits are in flight. It is
// a hashed set of Visit entries with a failure flag on top.
type VisitTracker struct {
	visits *hashedset.Set[Visit, *Visit]
}

// NewVisitTracker creates a tracker holding at most maxVisitsInFlight
// visits. The capacity must be a positive power of two.
func NewVisitTracker(maxVisitsInFlight int) (*VisitTracker, error) {
	visits, err := hashedset.New[Visit](maxVisitsInFlight)
	if err != nil {
		return nil, err
	}
	return &VisitTracker{visits: visits}, nil
}

// Find returns the tracked visit with the given identifier, or nil.
func (t *VisitTracker) Find(visitID int64) *Visit {
	return t.visits.Find(visitID)
}

// Register starts tracking a visit. Nil is returned if the visit is
// already tracked or the tracker is full.
func (t *VisitTracker) Register(visitID int64) *Visit {
	return t.visits.Insert(visitID)
}

// Erase stops tracking a visit, returning whether it was tracked.
func (t *VisitTracker) Erase(visitID int64) bool {
	return t.visits.Erase(visitID)
}

// IsValid returns true iff the given visit is being tracked and has
// not been marked as failed.
func (t *VisitTracker) IsValid(visitID int64) bool {
	v := t.visits.Find(visitID)
	return v != nil && !v.failed
}

// Fail marks the given visit as failed. Failing an untracked visit,
// or one that already failed, has no effect.
func (t *VisitTracker) Fail(visitID int64) {
	if v := t.visits.Find(visitID); v != nil {
		v.failed = true
	}
}

// Size returns the number of tracked visits.
func (t *VisitTracker) Size() int {
	return t.visits.Size()
}

// Space returns how many more visits can be tracked.
func (t *VisitTracker) Space() int {
	return t.visits.Space()
}

// walk calls f for every tracked visit.
func (t *VisitTracker) walk(f func(*Visit)) {
	for i := 0; i < t.visits.NumSlots(); i++ {
		if v := t.visits.Slot(i); v.id != -1 {
			f(v)
		}
	}
}
