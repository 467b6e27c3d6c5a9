package main

import (
	"bytes"
	"context"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lsst/ap/pkg/chunk"
	"github.com/lsst/ap/pkg/clock"
	"github.com/lsst/ap/pkg/util"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// A load generator for the chunk manager. It plays out many visits
// against a single manager from concurrent goroutines: every visit
// registers, starts with a deterministic set of chunk identifiers,
// populates the chunks it has to read, waits for ownership of the
// rest, populates any acquired chunk that must be read again, and
// ends. A configurable subset of
// visits rolls back or fails, so that successors exercise the
// unusable-chunk re-read path.

type managerConfiguration struct {
	MaxVisitsInFlight int `json:"maxVisitsInFlight"`
	MaxChunks         int `json:"maxChunks"`
	BlockSize         int `json:"blockSize"`
	NumBlocks         int `json:"numBlocks"`
	MaxBlocksPerChunk int `json:"maxBlocksPerChunk"`
	EntrySize         int `json:"entrySize"`
}

type applicationConfiguration struct {
	Manager             managerConfiguration `json:"manager"`
	Visits              int                  `json:"visits"`
	ChunksPerVisit      int                  `json:"chunksPerVisit"`
	ChunkIDRange        int64                `json:"chunkIdRange"`
	MaxConcurrentVisits int64                `json:"maxConcurrentVisits"`
	EntriesPerVisit     int                  `json:"entriesPerVisit"`
	RollbackEvery       int                  `json:"rollbackEvery"`
	FailEvery           int                  `json:"failEvery"`
	OwnershipTimeout    string               `json:"ownershipTimeout"`
}

// chunkIDsForVisit derives a duplicate-free chunk identifier list for
// one visit. Strided identifiers make successive visits overlap, which
// is what creates ownership contention.
func chunkIDsForVisit(visitID int64, conf *applicationConfiguration) []int64 {
	seen := make(map[int64]struct{}, conf.ChunksPerVisit)
	ids := make([]int64, 0, conf.ChunksPerVisit)
	for j := 0; len(ids) < conf.ChunksPerVisit && j < 4*conf.ChunksPerVisit; j++ {
		id := (visitID*31 + int64(j)*17) % conf.ChunkIDRange
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

type counters struct {
	committed  atomic.Int64
	rolledBack atomic.Int64
	failed     atomic.Int64
	timedOut   atomic.Int64
}

func runVisit(m *chunk.Manager, visitID int64, conf *applicationConfiguration, timeout time.Duration, stats *counters) error {
	if err := m.RegisterVisit(visitID); err != nil {
		return util.StatusWrapf(err, "Failed to register visit %d", visitID)
	}
	toRead, toWaitFor, err := m.StartVisit(visitID, chunkIDsForVisit(visitID, conf))
	if err != nil {
		// Chunk table pressure is expected under load; record
		// the failure and move on.
		m.FailVisit(visitID)
		m.EndVisit(visitID, true)
		stats.failed.Add(1)
		return nil
	}

	fail := conf.FailEvery > 0 && visitID%int64(conf.FailEvery) == 0
	entry := make([]byte, conf.Manager.EntrySize)

	// Populate freshly created chunks, leaving them unusable when
	// this visit is due to fail mid-read.
	for _, h := range toRead {
		if fail {
			break
		}
		for i := 0; i < conf.EntriesPerVisit; i++ {
			if err := h.Append(entry); err != nil {
				m.FailVisit(visitID)
				m.EndVisit(visitID, true)
				stats.failed.Add(1)
				return nil
			}
		}
		h.MarkUsable()
	}
	if fail {
		m.FailVisit(visitID)
		m.EndVisit(visitID, true)
		stats.failed.Add(1)
		return nil
	}

	acquired, _, err := m.WaitForOwnership(visitID, toWaitFor, time.Now().Add(timeout))
	if err != nil {
		if status.Code(err) == codes.DeadlineExceeded {
			// Give up on this visit; chunks already owned
			// are passed on by EndVisit.
			m.FailVisit(visitID)
			m.EndVisit(visitID, true)
			stats.timedOut.Add(1)
			return nil
		}
		return util.StatusWrapf(err, "Failed to wait for ownership for visit %d", visitID)
	}

	// Chunks acquired from a failed predecessor must be re-read.
	for _, h := range acquired {
		for i := 0; i < conf.EntriesPerVisit; i++ {
			if err := h.Append(entry); err != nil {
				m.FailVisit(visitID)
				m.EndVisit(visitID, true)
				stats.failed.Add(1)
				return nil
			}
		}
		h.MarkUsable()
	}

	rollback := conf.RollbackEvery > 0 && visitID%int64(conf.RollbackEvery) == 0
	if m.EndVisit(visitID, rollback) {
		stats.committed.Add(1)
	} else {
		stats.rolledBack.Add(1)
	}
	return nil
}

func run(ctx context.Context) error {
	if len(os.Args) != 2 {
		return status.Error(codes.InvalidArgument, "Usage: ap_chunk_load ap_chunk_load.jsonnet")
	}
	var configuration applicationConfiguration
	if err := util.UnmarshalConfigurationFromFile(os.Args[1], &configuration); err != nil {
		return util.StatusWrapf(err, "Failed to read configuration from %s", os.Args[1])
	}
	timeout, err := time.ParseDuration(configuration.OwnershipTimeout)
	if err != nil {
		return util.StatusWrap(err, "Failed to parse ownership timeout")
	}
	m, err := chunk.NewManager(chunk.Configuration{
		MaxVisitsInFlight: configuration.Manager.MaxVisitsInFlight,
		MaxChunks:         configuration.Manager.MaxChunks,
		BlockSize:         configuration.Manager.BlockSize,
		NumBlocks:         configuration.Manager.NumBlocks,
		MaxBlocksPerChunk: configuration.Manager.MaxBlocksPerChunk,
		EntrySize:         configuration.Manager.EntrySize,
	}, clock.SystemClock)
	if err != nil {
		return util.StatusWrap(err, "Failed to create chunk manager")
	}

	concurrency := semaphore.NewWeighted(configuration.MaxConcurrentVisits)
	var stats counters
	start := time.Now()

	group, groupCtx := errgroup.WithContext(ctx)
	for visitID := int64(0); visitID < int64(configuration.Visits); visitID++ {
		if err := concurrency.Acquire(groupCtx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer concurrency.Release(1)
			return runVisit(m, visitID, &configuration, timeout, &stats)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	log.Printf("Processed %d visits in %v: %d committed, %d rolled back, %d failed, %d timed out",
		configuration.Visits, time.Since(start),
		stats.committed.Load(), stats.rolledBack.Load(),
		stats.failed.Load(), stats.timedOut.Load())

	var b bytes.Buffer
	if err := m.WriteVisitStatus(&b); err != nil {
		return util.StatusWrap(err, "Failed to write visit status")
	}
	if err := m.WriteChunkStatus(&b); err != nil {
		return util.StatusWrap(err, "Failed to write chunk status")
	}
	log.Printf("Final manager state:\n%s", b.String())
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		log.Fatal("Fatal error: ", err)
	}
}
