package framegroup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/bpm/internal/frame"
)

// fakeOwner is a minimal Owner for exercising eviction without pulling in
// package page (which would create an import cycle through frame). It
// mimics Page's own rule: Evict only ever acts on holds, the frame this
// owner itself currently believes it holds, never on the idx framegroup
// passes in, so a stale or reassigned idx is a safe no-op rather than
// corruption.
type fakeOwner struct {
	id       uint64
	locked   bool
	unlocks  int
	evictErr error
	evicted  bool
	holds    int // local frame index this owner currently holds, -1 if none
}

func (o *fakeOwner) ID() uint64 { return o.id }

func (o *fakeOwner) TryLockForEvict() bool {
	if o.locked {
		return false
	}
	o.locked = true
	return true
}

func (o *fakeOwner) UnlockAfterEvict() {
	o.locked = false
	o.unlocks++
}

func (o *fakeOwner) Evict(idx int) (bool, error) {
	if o.evictErr != nil {
		return false, o.evictErr
	}
	if o.holds != idx {
		return false, nil
	}
	o.evicted = true
	o.holds = -1
	return true, nil
}

func newTestGroup(t *testing.T) (*Group, [Size]*frame.Frame) {
	t.Helper()
	arena, err := frame.NewArena(Size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })

	var fr [Size]*frame.Frame
	copy(fr[:], arena.Frames())
	return New(0, fr), fr
}

func TestGetFreeFrameDrainsInitialFreeList(t *testing.T) {
	g, _ := newTestGroup(t)
	seen := make(map[int]bool)
	for i := 0; i < Size; i++ {
		idx, err := g.GetFreeFrame()
		require.NoError(t, err)
		require.False(t, seen[idx], "index %d returned twice", idx)
		seen[idx] = true
		owner := &fakeOwner{id: uint64(idx), holds: idx}
		g.Assign(idx, owner)
	}
	require.Equal(t, 0, g.FreeCount())
}

func TestCoolSweepFreesFramesOnceExhausted(t *testing.T) {
	g, _ := newTestGroup(t)

	owners := make([]*fakeOwner, Size)
	for i := 0; i < Size; i++ {
		idx, err := g.GetFreeFrame()
		require.NoError(t, err)
		owners[idx] = &fakeOwner{id: uint64(idx), holds: idx}
		g.Assign(idx, owners[idx])
	}
	require.Equal(t, 0, g.FreeCount())

	// A frame only becomes evictable after surviving one full sweep as
	// Cool, so the group needs two sweeps: first Hot->Cool, then Cool is
	// collected as a candidate. Drive that directly via coolSweep.
	g.coolSweep()
	freed := g.coolSweep()
	require.Positive(t, freed)

	for _, o := range owners {
		if o.evicted {
			require.Equal(t, 1, o.unlocks)
		}
	}
}

func TestGetFreeFrameReturnsErrWhenAllPinned(t *testing.T) {
	g, _ := newTestGroup(t)

	owners := make([]*fakeOwner, Size)
	for i := 0; i < Size; i++ {
		idx, err := g.GetFreeFrame()
		require.NoError(t, err)
		owners[idx] = &fakeOwner{id: uint64(idx), holds: idx, locked: true} // pretend already locked/pinned
		g.Assign(idx, owners[idx])
	}

	_, err := g.GetFreeFrame()
	require.ErrorIs(t, err, ErrNoFreeFrame)
}

func TestTouchKeepsAssignedFrameHot(t *testing.T) {
	g, _ := newTestGroup(t)
	idx, err := g.GetFreeFrame()
	require.NoError(t, err)
	owner := &fakeOwner{id: 1}
	g.Assign(idx, owner)

	g.Touch(idx)
	g.mu.Lock()
	temp := g.slots[idx].temp
	g.mu.Unlock()
	require.Equal(t, hot, temp)
}
