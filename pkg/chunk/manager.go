package chunk

import (
	"sync"
	"time"

	"github.com/lsst/ap/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	managerPrometheusMetrics sync.Once

	managerVisitsRegistered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lsst_ap",
			Subsystem: "chunk",
			Name:      "manager_visits_registered_total",
			Help:      "Number of visits registered with the chunk manager",
		})
	managerVisitsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lsst_ap",
			Subsystem: "chunk",
			Name:      "manager_visits_failed_total",
			Help:      "Number of visits marked as failed",
		})
	managerVisitsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lsst_ap",
			Subsystem: "chunk",
			Name:      "manager_visits_ended_total",
			Help:      "Number of visits ended, by whether their changes were committed",
		},
		[]string{"outcome"})
	managerChunkHandoffs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lsst_ap",
			Subsystem: "chunk",
			Name:      "manager_chunk_handoffs_total",
			Help:      "Number of visit ends that passed ownership of at least one chunk to a waiting visit",
		})
	managerOwnershipWaitTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lsst_ap",
			Subsystem: "chunk",
			Name:      "manager_ownership_wait_timeouts_total",
			Help:      "Number of ownership waits that gave up because their deadline expired",
		})
)

// Manager arbitrates ownership of sky-region chunks among concurrent
// visits. It combines a visit tracker and a chunk descriptor table
// under a single lock, and hands out fixed-size blocks of a
// preallocated backing region to store chunk entries.
//
// A visit's lifecycle is RegisterVisit, StartVisit (which splits the
// requested chunks into ones that must be read from disk and ones that
// must be waited for), WaitForOwnership, work, EndVisit. EndVisit
// passes each owned chunk to the first interested visit that is still
// in flight, or deallocates it when no such visit remains.
type Manager struct {
	conf   Configuration
	clock  clock.Clock
	region []byte

	lock   sync.Mutex
	visits *VisitTracker
	data   *subManager

	// Closed and replaced whenever chunk ownership changes, waking
	// all ownership waiters. Always touched with the lock held.
	ownershipWakeup chan struct{}
}

// NewManager creates a chunk manager with the given fixed sizes. The
// backing region of conf.NumBlocks*conf.BlockSize bytes is allocated
// here and retained for the manager's lifetime.
func NewManager(conf Configuration, clk clock.Clock) (*Manager, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	managerPrometheusMetrics.Do(func() {
		prometheus.MustRegister(managerVisitsRegistered)
		prometheus.MustRegister(managerVisitsFailed)
		prometheus.MustRegister(managerVisitsEnded)
		prometheus.MustRegister(managerChunkHandoffs)
		prometheus.MustRegister(managerOwnershipWaitTimeouts)
	})

	region := make([]byte, conf.regionSize())
	allocator := NewBlockAllocator(&conf, 0)
	visits, err := NewVisitTracker(conf.MaxVisitsInFlight)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		conf:            conf,
		clock:           clk,
		region:          region,
		visits:          visits,
		ownershipWakeup: make(chan struct{}),
	}
	m.data, err = newSubManager(&m.conf, allocator, region)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterVisit registers the given visit as in flight without
// performing any further action.
func (m *Manager) RegisterVisit(visitID int64) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.visits.Find(visitID) != nil {
		return status.Errorf(codes.AlreadyExists, "Cannot register visit %d: visit is already in flight", visitID)
	}
	if m.visits.Space() == 0 {
		return status.Errorf(codes.ResourceExhausted, "Cannot register visit %d: too many visits in flight", visitID)
	}
	m.visits.Register(visitID)
	managerVisitsRegistered.Inc()
	return nil
}

// IsVisitInFlight returns true iff the given visit is registered and
// has not been marked as failed.
func (m *Manager) IsVisitInFlight(visitID int64) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.visits.IsValid(visitID)
}

// FailVisit marks the given visit as failed. If the visit was never
// registered, or has already been marked as failed, the call has no
// effect. It never fails, making it a safe escape hatch for workers
// that cannot complete.
func (m *Manager) FailVisit(visitID int64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.visits.IsValid(visitID) {
		managerVisitsFailed.Inc()
	}
	m.visits.Fail(visitID)
}

// StartVisit registers the given visit as an interested party of each
// chunk in the given duplicate-free identifier list. Identifiers with
// no existing chunk get a fresh descriptor owned by this visit; those
// are returned in toRead and must be populated from disk. The rest
// are returned in toWaitFor, to be acquired through WaitForOwnership.
//
// Capacity and visit validity are checked before any state is
// modified, so a failed call leaves the manager unchanged.
func (m *Manager) StartVisit(visitID int64, chunkIDs []int64) (toRead, toWaitFor []Handle, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.data.space() < len(chunkIDs) {
		return nil, nil, status.Errorf(codes.ResourceExhausted, "Requested additional chunks exceed chunk manager capacity")
	}
	if !m.visits.IsValid(visitID) {
		return nil, nil, status.Errorf(codes.FailedPrecondition, "Cannot start processing for visit %d: visit is not in flight", visitID)
	}
	return m.data.createOrRegisterInterest(visitID, chunkIDs)
}

// WaitForOwnership blocks until the given visit owns every chunk in
// toWaitFor, or until the absolute deadline passes. Acquired chunks
// whose previous owner failed before completing a read are cleared and
// returned in toRead, since they must be read again. On success the
// returned remaining list is empty. On deadline expiry a
// DeadlineExceeded error is returned together with the chunks still
// not acquired, so the caller may retry or hand back what it already
// owns through EndVisit.
func (m *Manager) WaitForOwnership(visitID int64, toWaitFor []Handle, deadline time.Time) (toRead, remaining []Handle, err error) {
	toRead = make([]Handle, 0, len(toWaitFor))

	m.lock.Lock()
	for {
		if m.data.checkForOwnership(visitID, &toRead, &toWaitFor) {
			m.lock.Unlock()
			return toRead, nil, nil
		}
		wakeup := m.ownershipWakeup
		m.lock.Unlock()

		d := deadline.Sub(m.clock.Now())
		if d <= 0 {
			managerOwnershipWaitTimeouts.Inc()
			return toRead, toWaitFor, status.Errorf(codes.DeadlineExceeded, "Deadline for visit %d expired", visitID)
		}
		timer, timerChannel := m.clock.NewTimer(d)
		select {
		case <-wakeup:
			timer.Stop()
			m.lock.Lock()
		case <-timerChannel:
			// Ownership may still have changed while the
			// timer fired. Check once more before reporting
			// a timeout.
			m.lock.Lock()
			if m.data.checkForOwnership(visitID, &toRead, &toWaitFor) {
				m.lock.Unlock()
				return toRead, nil, nil
			}
			m.lock.Unlock()
			managerOwnershipWaitTimeouts.Inc()
			return toRead, toWaitFor, status.Errorf(codes.DeadlineExceeded, "Deadline for visit %d expired", visitID)
		}
	}
}

// GetChunks returns a handle for each identifier in the given list
// that corresponds to a managed chunk. Nothing is created.
func (m *Manager) GetChunks(chunkIDs []int64) []Handle {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.data.getChunks(chunkIDs)
}

// EndVisit removes the given visit from the set of in-flight visits
// and relinquishes ownership of its chunks: each one is committed or
// rolled back, then passed to its first still-valid interested party.
// Chunks with no live successor are deallocated. A rollback is forced
// when the visit failed. Returns true iff the visit existed, had not
// failed, and its changes were committed.
func (m *Manager) EndVisit(visitID int64, rollback bool) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	roll := rollback || !m.visits.IsValid(visitID)
	if !m.visits.Erase(visitID) {
		return false
	}
	if m.data.relinquishOwnership(visitID, roll, m.visits) {
		managerChunkHandoffs.Inc()
		// Wake all ownership waiters; each re-checks under the
		// lock, so spurious wakeups are harmless.
		close(m.ownershipWakeup)
		m.ownershipWakeup = make(chan struct{})
	}
	if roll {
		managerVisitsEnded.WithLabelValues("rolled_back").Inc()
	} else {
		managerVisitsEnded.WithLabelValues("committed").Inc()
	}
	return !roll
}
