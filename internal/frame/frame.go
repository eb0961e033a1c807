// Package frame implements the buffer pool's physical memory unit: a single
// page-sized, kernel-registered byte buffer, plus the arena that owns all of
// them for the lifetime of the process.
//
// A Frame is deliberately not copyable in spirit (Go cannot forbid copying a
// struct, so the rule is enforced by convention: a Frame is only ever held
// and passed around as *Frame). Its buffer is exclusively owned at all
// times: either sitting in a FrameGroup's free list, borrowed by exactly one
// in-flight ioengine operation, or logically inside the slot of exactly one
// Page.
package frame

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tuannm99/bpm/internal/invariant"
)

// PageSize is the fixed unit of I/O and the size of every Frame's buffer.
const PageSize = 4096

// Owner is the minimal view a Frame needs of whatever logical page currently
// occupies it. It exists only to avoid an import cycle with package page,
// which itself imports frame.
type Owner interface {
	// ID returns the owning page's identifier, for diagnostics and the
	// invariant checks around evict/assign.
	ID() uint64
}

// Frame owns one PageSize-byte slice of a larger, page-aligned arena and an
// optional back-reference to the Page currently occupying it.
type Frame struct {
	// id is this Frame's stable arena-wide index, used as the
	// registered-buffer index handed to the io_uring instance that owns it
	// (io_uring's IORING_OP_*_FIXED opcodes address registered buffers by
	// this kind of small integer, not by pointer). A FrameGroup's free list
	// uses its own group-local indices, not this id.
	id int32

	buf []byte

	mu     sync.Mutex
	parent Owner
	dirty  bool
}

// Arena is the single contiguous, page-aligned byte allocation backing every
// Frame in the pool. It is allocated once at BufferPoolManager construction
// and never freed or resized, matching the "automatic resizing" non-goal.
type Arena struct {
	mem    []byte
	frames []*Frame
}

// NewArena mmaps numFrames*PageSize bytes of anonymous, page-aligned memory
// and slices it into numFrames independent Frames.
//
// mmap (rather than make([]byte, ...)) is used so the arena is guaranteed
// page-aligned without relying on the allocator's implementation details —
// io_uring's registered-buffer and O_DIRECT paths both require aligned
// memory.
func NewArena(numFrames int) (*Arena, error) {
	if numFrames <= 0 {
		return nil, fmt.Errorf("frame: numFrames must be positive, got %d", numFrames)
	}

	size := numFrames * PageSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("frame: mmap arena of %d bytes: %w", size, err)
	}

	frames := make([]*Frame, numFrames)
	for i := range frames {
		frames[i] = &Frame{
			id:  int32(i),
			buf: mem[i*PageSize : (i+1)*PageSize : (i+1)*PageSize],
		}
	}

	return &Arena{mem: mem, frames: frames}, nil
}

// Frames returns every Frame in the arena, in registered-buffer index order.
func (a *Arena) Frames() []*Frame { return a.frames }

// Close unmaps the arena. It must only be called after every Frame has been
// evicted out of the BPM and no io_uring instance has the arena's buffers
// registered anymore.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// ID returns the Frame's stable registered-buffer index.
func (f *Frame) ID() int32 { return f.id }

// Bytes exposes the Frame's raw page-sized buffer. Callers must respect the
// same exclusivity rule as everything else in this package: a Frame's bytes
// must never be touched concurrently with an in-flight ioengine operation
// against it.
func (f *Frame) Bytes() []byte { return f.buf }

// SetParent assigns a new owning Page to this Frame. It panics if the Frame
// already has a parent, since that would mean two Pages believe they own the
// same physical buffer.
func (f *Frame) SetParent(owner Owner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.parent != nil {
		invariant.Violated("frame %d already has parent page %d, cannot assign page %d",
			f.id, f.parent.ID(), owner.ID())
	}
	f.parent = owner
}

// EvictParent clears the Frame's owning Page, returning an error if it has
// none.
func (f *Frame) EvictParent() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.parent == nil {
		return fmt.Errorf("frame: frame %d has no parent to evict", f.id)
	}
	f.parent = nil
	return nil
}

// Parent returns the Frame's current owning Page, or nil if unassigned.
func (f *Frame) Parent() Owner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parent
}

// Dirty reports whether the Frame's bytes have been mutated since the last
// load or flush. Eviction skips the write-out entirely when Dirty is false.
func (f *Frame) Dirty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

// MarkDirty records that the Frame's bytes have been mutated through a
// WriteGuard.
func (f *Frame) MarkDirty() {
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
}

// ClearDirty resets the dirty bit, called once the bytes have been
// successfully written out to persistent storage.
func (f *Frame) ClearDirty() {
	f.mu.Lock()
	f.dirty = false
	f.mu.Unlock()
}
