package chunk

import (
	"fmt"
	"io"
	"sort"
)

// WriteVisitStatus writes a human-readable listing of all tracked
// visits, sorted by identifier.
func (m *Manager) WriteVisitStatus(w io.Writer) error {
	m.lock.Lock()
	ids := make([]int64, 0, m.visits.Size())
	failed := map[int64]bool{}
	m.visits.walk(func(v *Visit) {
		ids = append(ids, v.id)
		failed[v.id] = v.failed
	})
	m.lock.Unlock()

	if len(ids) == 0 {
		_, err := fmt.Fprintln(w, "    No visits being tracked")
		return err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		state := "in-flight"
		if failed[id] {
			state = "failed"
		}
		if _, err := fmt.Fprintf(w, "    visit %-20d: %s\n", id, state); err != nil {
			return err
		}
	}
	return nil
}

// chunkLine is a snapshot of one descriptor taken under the lock, so
// that formatting happens without it.
type chunkLine struct {
	id          int64
	visitID     int64
	usable      bool
	interesting bool
	size        int
	delta       int
	numBlocks   int
	nextBlock   int
}

func (m *Manager) snapshotChunks(filter func(*Descriptor) bool) []chunkLine {
	m.lock.Lock()
	defer m.lock.Unlock()
	var lines []chunkLine
	m.data.walk(func(d *Descriptor) {
		if filter != nil && !filter(d) {
			return
		}
		lines = append(lines, chunkLine{
			id:          d.id,
			visitID:     d.visitID,
			usable:      d.usable,
			interesting: !d.interestedParties.Empty(),
			size:        d.size,
			delta:       d.delta,
			numBlocks:   d.numBlocks,
			nextBlock:   d.nextBlock,
		})
	})
	return lines
}

// mergeable returns whether two adjacent listing lines can be folded
// into a single range line.
func mergeable(a, b chunkLine) bool {
	return a.visitID == b.visitID &&
		a.usable == b.usable &&
		a.interesting == b.interesting
}

func writeChunkLines(w io.Writer, lines []chunkLine) error {
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].visitID != lines[j].visitID {
			return lines[i].visitID < lines[j].visitID
		}
		return lines[i].id < lines[j].id
	})

	flags := func(c chunkLine) string {
		s := "unusable"
		if c.usable {
			s = "  usable"
		}
		if c.interesting {
			s += ", interesting"
		}
		return s
	}

	start := 0
	for i := 1; i <= len(lines); i++ {
		if i < len(lines) && mergeable(lines[start], lines[i]) {
			continue
		}
		c := lines[start]
		if start == 0 || lines[start-1].visitID != c.visitID {
			if _, err := fmt.Fprintf(w, "    Owned by visit %d:\n", c.visitID); err != nil {
				return err
			}
		}
		var err error
		if i-start > 1 {
			_, err = fmt.Fprintf(w, "        chunks %d-%d (%d chunks): %s\n", c.id, lines[i-1].id, i-start, flags(c))
		} else {
			_, err = fmt.Fprintf(w, "        chunk  %d: %s\n", c.id, flags(c))
		}
		if err != nil {
			return err
		}
		start = i
	}
	return nil
}

// WriteChunkStatus writes a listing of all live chunks grouped by
// owning visit. Runs of chunks with equal state are folded into a
// single line.
func (m *Manager) WriteChunkStatus(w io.Writer) error {
	lines := m.snapshotChunks(nil)
	if len(lines) == 0 {
		_, err := fmt.Fprintln(w, "    Chunks with an owner: None")
		return err
	}
	if _, err := fmt.Fprintln(w, "    Chunks with an owner:"); err != nil {
		return err
	}
	return writeChunkLines(w, lines)
}

// WriteVisitDetail writes the state of one visit and of every chunk it
// owns.
func (m *Manager) WriteVisitDetail(w io.Writer, visitID int64) error {
	m.lock.Lock()
	v := m.visits.Find(visitID)
	var state string
	switch {
	case v == nil:
		state = "not being tracked"
	case v.failed:
		state = "failed"
	default:
		state = "in-flight"
	}
	m.lock.Unlock()

	if _, err := fmt.Fprintf(w, "    visit %-20d: %s\n", visitID, state); err != nil {
		return err
	}
	lines := m.snapshotChunks(func(d *Descriptor) bool { return d.visitID == visitID })
	if len(lines) == 0 {
		_, err := fmt.Fprintf(w, "    Chunks belonging to visit %d: None\n", visitID)
		return err
	}
	if _, err := fmt.Fprintf(w, "    Chunks belonging to visit %d:\n", visitID); err != nil {
		return err
	}
	return writeChunkLines(w, lines)
}

// WriteChunkDetail writes the state of a single chunk.
func (m *Manager) WriteChunkDetail(w io.Writer, chunkID int64) error {
	lines := m.snapshotChunks(func(d *Descriptor) bool { return d.id == chunkID })
	if len(lines) == 0 {
		_, err := fmt.Fprintf(w, "    chunk %d: not being tracked\n", chunkID)
		return err
	}
	c := lines[0]
	usable := "unusable"
	if c.usable {
		usable = "usable"
	}
	interest := "uninteresting"
	if c.interesting {
		interest = "interesting"
	}
	delta := c.size - c.delta
	if delta < 0 {
		delta = 0
	}
	_, err := fmt.Fprintf(w,
		"    chunk %d:\n        owned by visit %d\n        %s\n        %s\n        %d entries in %d blocks (%d allocated)\n        %d entries in delta\n",
		c.id, c.visitID, usable, interest, c.size, c.nextBlock, c.numBlocks, delta)
	return err
}
