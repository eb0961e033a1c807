// Package framegroup implements the buffer pool's eviction unit: a
// fixed-size cluster of frames, a bounded free list, and the clock-style
// "cool sweep" that finds a victim when the free list runs dry.
//
// A bounded channel acts as the free list and a single mutex guards the
// fixed per-slot eviction-state array, the same way a clock replacer keeps
// its per-slot state under one mutex rather than per-slot locks.
package framegroup

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/atomic"

	"github.com/tuannm99/bpm/internal/frame"
)

// Size is the fixed number of frames per group.
const Size = 64

const logPrefix = "framegroup: "

// maxSweepAttempts bounds how many times GetFreeFrame will run a cool sweep
// before giving up, so a group with zero evictable pages (everything
// pinned) fails loudly rather than hanging a caller forever. See
// DESIGN.md for the reasoning behind choosing a bound here.
const maxSweepAttempts = 32

// ErrNoFreeFrame is returned by GetFreeFrame when maxSweepAttempts cool
// sweeps in a row fail to free a single frame, meaning every frame in the
// group is currently pinned (Hot and held) or otherwise unevictable.
var ErrNoFreeFrame = errors.New("framegroup: no free frame after repeated cool sweeps")

// temperature is the three-state clock hand marker: Hot means recently
// accessed, Cool means a candidate that survived one sweep untouched, Cold
// means evicted (slot is free).
type temperature uint8

const (
	cold temperature = iota
	cool
	hot
)

// Owner is the slice of page.Page a frame group needs to perform eviction
// without importing package page (which itself imports frame, which this
// package also depends on): Evict writes the page's dirty bytes out and
// detaches it from its frame.
type Owner interface {
	ID() uint64
	// Evict is called with the page's slot lock already held for writing,
	// for the slot this owner was recorded against at local index idx. It
	// must operate only on whatever frame it itself currently holds, not on
	// idx or any frame framegroup hands it: by the time a sweep's candidate
	// list is acted on, the owner may already have been evicted and
	// reassigned a different frame by a concurrent sweep, and idx may no
	// longer refer to a frame this owner holds at all. Evict reports
	// whether it actually evicted its own frame; false (with a nil error)
	// means there was nothing to do, and the caller must not free idx.
	Evict(idx int) (evicted bool, err error)
	// TryLockForEvict attempts to acquire the page's slot lock for
	// eviction without blocking, returning false if the page is currently
	// pinned or otherwise busy.
	TryLockForEvict() bool
	// UnlockAfterEvict releases the lock TryLockForEvict acquired. The sweep
	// calls it after every Evict call, whether Evict evicted, did nothing,
	// or failed.
	UnlockAfterEvict()
}

type slot struct {
	temp  temperature
	owner Owner // nil when temp == cold
}

// Group is one fixed-size cluster of frames plus the state needed to run
// clock eviction over them.
type Group struct {
	id int

	frames [Size]*frame.Frame

	mu    sync.Mutex
	slots [Size]slot
	hand  int

	freeCount atomic.Int32
	free      chan int // indices into frames/slots that are cold and unowned
}

// New builds a Group over exactly Size frames drawn from fr, all initially
// free.
func New(id int, fr [Size]*frame.Frame) *Group {
	g := &Group{id: id, frames: fr}
	g.free = make(chan int, Size)
	for i := range g.slots {
		g.slots[i] = slot{temp: cold}
		g.free <- i
	}
	g.freeCount.Store(Size)
	return g
}

// ID returns this group's index within the buffer pool's group slice.
func (g *Group) ID() int { return g.id }

// Frame returns the frame at local index idx within this group.
func (g *Group) Frame(idx int) *frame.Frame { return g.frames[idx] }

// FreeCount reports the number of currently-unowned frames, for metrics and
// tests (property S4: total frames in use never exceeds the configured
// budget).
func (g *Group) FreeCount() int { return int(g.freeCount.Load()) }

// Touch marks the frame at idx Hot, the clock algorithm's "referenced"
// signal. Called whenever a page handle's frame is accessed.
func (g *Group) Touch(idx int) {
	g.mu.Lock()
	if g.slots[idx].temp != cold {
		g.slots[idx].temp = hot
	}
	g.mu.Unlock()
}

// Assign records that owner now occupies the frame at idx, transitioning it
// out of the free state into Hot (a freshly loaded page is always
// considered recently used).
func (g *Group) Assign(idx int, owner Owner) {
	g.mu.Lock()
	g.slots[idx] = slot{temp: hot, owner: owner}
	g.mu.Unlock()
}

// GetFreeFrame returns the local index of a frame this caller may now use,
// running cool sweeps as needed when the free list is empty: try the free
// list first, else run a cool sweep and retry, bounded at maxSweepAttempts
// rounds instead of looping forever.
func (g *Group) GetFreeFrame() (int, error) {
	select {
	case idx := <-g.free:
		g.freeCount.Add(-1)
		return idx, nil
	default:
	}

	for attempt := 0; attempt < maxSweepAttempts; attempt++ {
		freed := g.coolSweep()
		select {
		case idx := <-g.free:
			g.freeCount.Add(-1)
			return idx, nil
		default:
		}
		if freed == 0 {
			slog.Debug(logPrefix+"cool sweep freed nothing", "group", g.id, "attempt", attempt)
		}
	}
	return 0, fmt.Errorf("%w: group %d", ErrNoFreeFrame, g.id)
}

// coolSweep runs one clock pass over the group: Hot slots cool to Cool and
// are skipped, Cool slots become eviction candidates, Cold slots are
// already free. Candidates are collected first under the slot mutex, to
// keep the hand-advance and temperature transition atomic with respect to
// Touch/Assign, then evicted one at a time outside the mutex, since
// eviction can block on disk I/O. A candidate whose slot lock cannot be
// taken without waiting is skipped.
func (g *Group) coolSweep() int {
	type candidate struct {
		idx   int
		owner Owner
	}
	var candidates []candidate

	g.mu.Lock()
	for i := 0; i < Size; i++ {
		idx := (g.hand + i) % Size
		s := &g.slots[idx]
		switch s.temp {
		case hot:
			s.temp = cool
		case cool:
			candidates = append(candidates, candidate{idx: idx, owner: s.owner})
		case cold:
		}
	}
	g.hand = (g.hand + 1) % Size
	g.mu.Unlock()

	freed := 0
	for _, c := range candidates {
		if !c.owner.TryLockForEvict() {
			continue
		}
		evicted, err := c.owner.Evict(c.idx)
		c.owner.UnlockAfterEvict()
		if err != nil {
			slog.Debug(logPrefix+"evict failed, leaving candidate cool", "group", g.id, "idx", c.idx, "err", err)
			continue
		}
		if !evicted {
			// Owner no longer holds this slot's frame (already evicted and
			// possibly reassigned by a concurrent sweep); nothing of ours
			// to free.
			continue
		}

		g.mu.Lock()
		if g.slots[c.idx].owner == c.owner {
			g.slots[c.idx] = slot{temp: cold}
			g.mu.Unlock()
			g.free <- c.idx
			g.freeCount.Add(1)
			freed++
		} else {
			// Raced with another assignment between releasing the slot
			// mutex and re-acquiring it; leave this slot alone, it is no
			// longer ours to free.
			g.mu.Unlock()
		}
	}
	return freed
}
