// Package bufferpool assembles the buffer pool manager: a fixed arena of
// frames partitioned into framegroup.Groups, a backing file, one io_uring
// engine per OS thread that touches it, and the page.Page registry callers
// actually interact with.
package bufferpool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tuannm99/bpm/internal/diskmanager"
	"github.com/tuannm99/bpm/internal/frame"
	"github.com/tuannm99/bpm/internal/framegroup"
	"github.com/tuannm99/bpm/internal/ioengine"
	"github.com/tuannm99/bpm/internal/page"
)

const logPrefix = "bufferpool: "

// Config controls the shape of a Manager.
type Config struct {
	// NumFrames is the total number of physical frames in the arena. Must
	// be a multiple of framegroup.Size.
	NumFrames int
	// BackingFilePath is the single file all pages are read from and
	// written to.
	BackingFilePath string
	// NumInitialPages pre-sizes the backing file to hold at least this many
	// pages, so early reads of never-written pages don't depend on lazy
	// growth behavior.
	NumInitialPages int
	// IOQueueDepth is the io_uring submission/completion queue depth for
	// every per-thread engine the pool creates.
	IOQueueDepth uint32
}

// Manager is the buffer pool manager itself: the component every caller
// goes through to get a Page by id.
type Manager struct {
	cfg Config

	arena  *frame.Arena
	groups []*framegroup.Group

	disk    *diskmanager.Manager
	engines *ioengine.Registry
	bufs    [][]byte

	mu    sync.RWMutex
	pages map[uint64]*page.Page
}

// Open builds a Manager per cfg: allocates the frame arena, opens (creating
// and sizing if necessary) the backing file, and registers the arena's
// buffers with the engine registry so the first per-thread engine to touch
// them does not pay a per-call registration cost.
func Open(cfg Config) (*Manager, error) {
	if cfg.NumFrames <= 0 || cfg.NumFrames%framegroup.Size != 0 {
		return nil, fmt.Errorf("bufferpool: NumFrames must be a positive multiple of %d, got %d",
			framegroup.Size, cfg.NumFrames)
	}

	arena, err := frame.NewArena(cfg.NumFrames)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: open: %w", err)
	}

	minSize := int64(cfg.NumInitialPages) * frame.PageSize
	disk, err := diskmanager.Open(cfg.BackingFilePath, minSize)
	if err != nil {
		_ = arena.Close()
		return nil, fmt.Errorf("bufferpool: open: %w", err)
	}

	groups := make([]*framegroup.Group, cfg.NumFrames/framegroup.Size)
	all := arena.Frames()
	for i := range groups {
		var fr [framegroup.Size]*frame.Frame
		copy(fr[:], all[i*framegroup.Size:(i+1)*framegroup.Size])
		groups[i] = framegroup.New(i, fr)
	}

	bufs := make([][]byte, len(all))
	for i, f := range all {
		bufs[i] = f.Bytes()
	}
	engines := ioengine.NewRegistry(ioengine.Config{QueueDepth: cfg.IOQueueDepth}, disk.Fd())

	m := &Manager{
		cfg:     cfg,
		arena:   arena,
		groups:  groups,
		disk:    disk,
		engines: engines,
		bufs:    bufs,
		pages:   make(map[uint64]*page.Page),
	}

	slog.Info(logPrefix+"opened", "num_frames", cfg.NumFrames, "groups", len(groups),
		"backing_file", cfg.BackingFilePath)

	// Warm the calling thread's engine eagerly so construction fails fast
	// if io_uring cannot be set up, rather than on the first GetPage.
	if _, err := m.engineForCaller(context.Background()); err != nil {
		_ = disk.Close()
		_ = arena.Close()
		return nil, fmt.Errorf("bufferpool: open: %w", err)
	}

	return m, nil
}

// groupFor deterministically maps a page id to one of the pool's groups.
// Kept as the simplest possible mapping (modulo); spreading load across
// groups more cleverly is left to a future revision since nothing in this
// package depends on the mapping being anything but stable and uniform.
func (m *Manager) groupFor(pid uint64) *framegroup.Group {
	return m.groups[int(pid%uint64(len(m.groups)))]
}

func (m *Manager) engineForCaller(ctx context.Context) (*ioengine.Engine, error) {
	runtime.LockOSThread()
	tid := unix.Gettid()
	return m.engines.Engine(ctx, tid, m.bufs)
}

// Load implements page.Loader by dispatching to the calling goroutine's
// per-thread io_uring engine.
func (m *Manager) Load(ctx context.Context, pid uint64, fr *frame.Frame) error {
	eng, err := m.engineForCaller(ctx)
	if err != nil {
		return fmt.Errorf("bufferpool: load page %d: %w", pid, err)
	}
	return eng.SubmitRead(ctx, uint16(fr.ID()), diskmanager.Offset(pid), fr)
}

// Flush implements page.Loader.
func (m *Manager) Flush(ctx context.Context, pid uint64, fr *frame.Frame) error {
	eng, err := m.engineForCaller(ctx)
	if err != nil {
		return fmt.Errorf("bufferpool: flush page %d: %w", pid, err)
	}
	return eng.SubmitWrite(ctx, uint16(fr.ID()), diskmanager.Offset(pid), fr)
}

// GetPage returns the Page for pid, creating its registry entry on first
// access. The returned Page may not yet have a frame resident; callers must
// call Read or Write on it to actually bring it into memory.
func (m *Manager) GetPage(pid uint64) *page.Page {
	m.mu.RLock()
	p, ok := m.pages[pid]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages[pid]; ok {
		return p
	}
	p = page.New(pid, m.groupFor(pid), m)
	m.pages[pid] = p
	return p
}

// NumFrames returns the total number of frames across every group, the
// pool's fixed memory budget.
func (m *Manager) NumFrames() int { return m.cfg.NumFrames }

// Close tears down every per-thread engine, then the backing file and
// frame arena. Close must only be called once every Page's guards have
// been released.
func (m *Manager) Close() error {
	var firstErr error
	if err := m.engines.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.disk.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.arena.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
