// Package page is the caller-facing handle over a single logical page: a
// load-on-first-access, pin-counted, read/write-guarded wrapper. A Page owns
// no frame until something reads or writes it; at that point it borrows one
// from its framegroup.Group, and gives it back (via framegroup's eviction
// callback) only when the clock sweep chooses it as a victim.
package page

import (
	"context"
	"fmt"

	"go.uber.org/atomic"

	"github.com/tuannm99/bpm/internal/frame"
	"github.com/tuannm99/bpm/internal/framegroup"
	"github.com/tuannm99/bpm/internal/invariant"
)

// Loader is the storage collaborator a Page needs: read a page's bytes in
// from durable storage on first access, and write them back out when
// eviction (or an explicit Flush) requires it. The buffer pool manager
// implements this by pairing a diskmanager.Manager with the calling
// thread's ioengine.Engine; Page itself never touches either directly, so
// it has no opinion on whether that I/O is synchronous or async.
type Loader interface {
	Load(ctx context.Context, pid uint64, fr *frame.Frame) error
	Flush(ctx context.Context, pid uint64, fr *frame.Frame) error
}

// Page is one logical page's handle. Safe for concurrent use by multiple
// goroutines: Read and Write may be called concurrently, and the slot lock
// plus pin count mediate all sharing.
type Page struct {
	pid    uint64
	group  *framegroup.Group
	loader Loader

	lock *slotLock

	// pin tracks the number of live guards over this page's frame: eviction
	// must never select a pinned page no matter what the clock hand says, so
	// TryLockForEvict checks pin == 0 in addition to acquiring the slot
	// lock for write.
	pin atomic.Int32

	frIdx int // index within group, valid only while fr != nil
	fr    *frame.Frame
}

// New creates a Page for pid, backed by group for frame allocation and
// loader for storage I/O. The page starts unloaded; its first Read or Write
// call pulls a frame from group.
func New(pid uint64, group *framegroup.Group, loader Loader) *Page {
	return &Page{pid: pid, group: group, loader: loader, lock: newSlotLock(), frIdx: -1}
}

// ID satisfies frame.Owner and framegroup.Owner.
func (p *Page) ID() uint64 { return p.pid }

// ReadGuard grants read access to a page's bytes. Must be released exactly
// once via Release.
type ReadGuard struct {
	p *Page
}

// Bytes returns the page's current contents. Valid only until Release.
func (g *ReadGuard) Bytes() []byte { return g.p.fr.Bytes() }

// Release gives up the read guard, decrementing the page's pin count.
func (g *ReadGuard) Release() {
	if n := g.p.pin.Add(-1); n < 0 {
		invariant.Violated("page %d pin count went negative on read release", g.p.pid)
	}
	g.p.lock.unlockRead()
}

// WriteGuard grants exclusive read/write access to a page's bytes. Must be
// released exactly once via Release.
type WriteGuard struct {
	p *Page
}

// Bytes returns the page's current contents, mutable in place.
func (g *WriteGuard) Bytes() []byte { return g.p.fr.Bytes() }

// Flush writes the page's current bytes out to storage immediately,
// without releasing the write guard. Safe to call any number of times
// before Release.
func (g *WriteGuard) Flush(ctx context.Context) error {
	if err := g.p.loader.Flush(ctx, g.p.pid, g.p.fr); err != nil {
		return fmt.Errorf("page: flush page %d: %w", g.p.pid, err)
	}
	g.p.fr.ClearDirty()
	return nil
}

// Release gives up the write guard, marking the frame dirty (any holder of
// a write guard is conservatively assumed to have possibly mutated it, since
// there is no cheaper way to tell) and decrementing the pin count.
func (g *WriteGuard) Release() {
	g.p.fr.MarkDirty()
	if n := g.p.pin.Add(-1); n < 0 {
		invariant.Violated("page %d pin count went negative on write release", g.p.pid)
	}
	g.p.lock.unlockWrite()
}

// Read acquires a read guard, loading the page from storage first if it is
// not already resident: take the read lock optimistically, and only
// escalate to a write lock (to perform the load) if the frame turns out to
// be absent, downgrading back to read before returning.
func (p *Page) Read(ctx context.Context) (*ReadGuard, error) {
	p.lock.lockRead()
	if p.fr != nil {
		p.pin.Add(1)
		p.group.Touch(p.frIdx)
		return &ReadGuard{p: p}, nil
	}
	p.lock.unlockRead()

	p.lock.lockWrite()
	if p.fr == nil {
		if err := p.load(ctx); err != nil {
			p.lock.unlockWrite()
			return nil, err
		}
	}
	p.pin.Add(1)
	p.lock.downgrade()
	return &ReadGuard{p: p}, nil
}

// Write acquires a write guard, loading the page from storage first if
// needed.
func (p *Page) Write(ctx context.Context) (*WriteGuard, error) {
	p.lock.lockWrite()
	if p.fr == nil {
		if err := p.load(ctx); err != nil {
			p.lock.unlockWrite()
			return nil, err
		}
	} else {
		p.group.Touch(p.frIdx)
	}
	p.pin.Add(1)
	return &WriteGuard{p: p}, nil
}

// load pulls a frame from the page's group and fills it from storage.
// Caller must hold the write lock.
func (p *Page) load(ctx context.Context) error {
	idx, err := p.group.GetFreeFrame()
	if err != nil {
		return fmt.Errorf("page: load page %d: %w", p.pid, err)
	}
	fr := p.group.Frame(idx)
	fr.SetParent(p)

	if err := p.loader.Load(ctx, p.pid, fr); err != nil {
		if evictErr := fr.EvictParent(); evictErr != nil {
			err = fmt.Errorf("%w (also: %v)", err, evictErr)
		}
		return fmt.Errorf("page: load page %d: %w", p.pid, err)
	}

	p.fr = fr
	p.frIdx = idx
	p.group.Assign(idx, p)
	return nil
}

// TryLockForEvict implements framegroup.Owner: a non-blocking attempt to
// claim exclusive access for eviction, refused if the page is pinned (held
// by a live guard) even if the slot lock itself is free.
func (p *Page) TryLockForEvict() bool {
	if !p.lock.tryLockWrite() {
		return false
	}
	if p.pin.Load() != 0 {
		p.lock.unlockWrite()
		return false
	}
	return true
}

// UnlockAfterEvict implements framegroup.Owner.
func (p *Page) UnlockAfterEvict() {
	p.lock.unlockWrite()
}

// Evict implements framegroup.Owner: called by the clock sweep with the
// write lock already held (via TryLockForEvict), naming the local frame
// index the sweep found this page recorded against. It never trusts that
// index to pick a frame to evict — between the sweep collecting its
// candidates and acting on them, a concurrent sweep may already have
// evicted this very page's frame and framegroup may have reassigned idx to
// an entirely different page. Acting on the frame named by idx instead of
// p.fr would mean evicting bytes this page no longer owns. So Evict looks
// only at p.fr: if it is nil, this page has nothing left to evict (the
// is_none case) and Evict is a no-op. Otherwise it flushes dirty bytes out,
// skipping the write entirely when the frame was never modified, then
// detaches the frame from this page.
func (p *Page) Evict(idx int) (bool, error) {
	if p.fr == nil {
		return false, nil
	}
	fr := p.fr
	if fr.Dirty() {
		if err := p.loader.Flush(context.Background(), p.pid, fr); err != nil {
			return false, fmt.Errorf("page: evict page %d: flush: %w", p.pid, err)
		}
		fr.ClearDirty()
	}
	if err := fr.EvictParent(); err != nil {
		return false, fmt.Errorf("page: evict page %d: %w", p.pid, err)
	}
	p.fr = nil
	p.frIdx = -1
	return true, nil
}
