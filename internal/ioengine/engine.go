// Package ioengine is the thread-confined async I/O engine: a thin,
// cancellation-safe Go wrapper around one Linux io_uring instance, submitting
// IORING_OP_READ_FIXED/WRITE_FIXED operations against a pre-registered arena
// of frames and delivering completions back to whichever goroutine is
// waiting on them.
//
// A goroutine calls Run in a loop and every in-flight Submit blocks a
// separate goroutine on a buffered channel until its completion arrives.
// Cancelling that caller's context must not leak the kernel-owned buffer the
// operation still references, so a background rescue goroutine keeps
// waiting for the real completion even after Submit has returned an error.
package ioengine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/tuannm99/bpm/internal/frame"
	"github.com/tuannm99/bpm/internal/invariant"
)

// Config controls a single Engine's ring.
type Config struct {
	// QueueDepth is the number of submission/completion slots in the ring.
	QueueDepth uint32
	// OnDropped is invoked, from a goroutine the Engine owns, whenever an
	// operation's caller abandoned it (context cancelled) before the kernel
	// completed it. It receives the frame that was in flight and the error
	// the eventual completion carried, if any the caller is responsible for
	// returning the frame to whatever free list it came from; Engine itself
	// has no notion of pools. May be nil, in which case dropped completions
	// are silently discarded (acceptable for engines that only ever operate
	// with contexts that are not cancelled, e.g. in tests).
	OnDropped func(fr *frame.Frame, err error)
}

// Engine owns one io_uring ring and the bookkeeping for in-flight
// operations. An Engine is confined to a single OS thread: construct it
// from the goroutine that will call Run, and never call its methods from
// any other goroutine than that one or a goroutine doing a Submit.
//
// The lifecycle table is protected by a mutex so Submit (called from
// arbitrary caller goroutines) and Run's drain loop (called from the
// engine's own goroutine) can safely share it. Submit* writes SQEs and
// calls io_uring_enter from the caller's goroutine, serialized by
// submitMu; draining the completion queue happens only in Run.
type Engine struct {
	cfg Config

	r *ring

	mu  sync.Mutex
	ops map[uint64]*lifecycle

	// submitMu serializes the actual ring writes (pushFixed + io_uring_enter)
	// across however many goroutines call Submit* concurrently. Only this
	// critical section touches the mmap'd submission queue from outside
	// Run's own goroutine; Run's drain loop touches only the completion
	// queue, which uses independent atomics for its head/tail.
	submitMu sync.Mutex

	idGen atomic.Uint64

	fd int32 // backing file descriptor operations target

	closed atomic.Bool
}

// New creates an Engine with a ring of the given queue depth. Call
// RegisterBuffers before submitting any operations, then run Run from a
// dedicated, OS-thread-locked goroutine.
func New(cfg Config, fd uintptr) (*Engine, error) {
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 128
	}
	r, err := setupRing(cfg.QueueDepth)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg: cfg,
		r:   r,
		ops: make(map[uint64]*lifecycle),
		fd:  int32(fd),
	}, nil
}

// RegisterBuffers registers every buffer in bufs as a fixed buffer, in index
// order. The index a buffer is registered at is the index Submit* expects
// when operating on that same backing slice.
func (e *Engine) RegisterBuffers(bufs [][]byte) error {
	return e.r.registerBuffersFixed(bufs)
}

// SubmitRead issues IORING_OP_READ_FIXED into fr's buffer at file offset
// off, blocking the calling goroutine until the kernel completes it or ctx
// is cancelled.
//
// If ctx is cancelled first, SubmitRead returns ctx.Err() immediately, but
// the operation remains outstanding: the kernel still owns fr's buffer and
// will write into it at an unknown future time. A background goroutine
// waits for that eventual completion and invokes cfg.OnDropped — a caller
// must never reuse or free fr itself after a cancelled Submit; ownership
// has passed to that rescue goroutine until OnDropped fires.
func (e *Engine) SubmitRead(ctx context.Context, bufIndex uint16, off int64, fr *frame.Frame) error {
	return e.submit(ctx, opReadFixed, bufIndex, off, fr)
}

// SubmitWrite issues IORING_OP_WRITE_FIXED from fr's buffer to file offset
// off. Same cancellation contract as SubmitRead.
func (e *Engine) SubmitWrite(ctx context.Context, bufIndex uint16, off int64, fr *frame.Frame) error {
	return e.submit(ctx, opWriteFixed, bufIndex, off, fr)
}

func (e *Engine) submit(ctx context.Context, opcode uint8, bufIndex uint16, off int64, fr *frame.Frame) error {
	if e.closed.Load() {
		return fmt.Errorf("ioengine: engine closed")
	}

	id := e.newID()
	lc := &lifecycle{done: make(chan ioResult, 1), frame: fr}

	e.mu.Lock()
	e.ops[id] = lc
	e.mu.Unlock()

	buf := fr.Bytes()
	e.submitMu.Lock()
	for !e.r.pushFixed(opcode, e.fd, off, bufIndex, buf, id) {
		// Submission queue full: flush what's pending and retry. This is
		// the only blocking point inside submission itself.
		if _, err := e.r.submit(0, false); err != nil {
			e.submitMu.Unlock()
			e.mu.Lock()
			delete(e.ops, id)
			e.mu.Unlock()
			return fmt.Errorf("ioengine: flush full submission queue: %w", err)
		}
	}
	_, err := e.r.submit(0, false)
	e.submitMu.Unlock()
	if err != nil {
		e.mu.Lock()
		delete(e.ops, id)
		e.mu.Unlock()
		return fmt.Errorf("ioengine: submit: %w", err)
	}

	select {
	case res := <-lc.done:
		e.mu.Lock()
		delete(e.ops, id)
		e.mu.Unlock()
		return res.err
	case <-ctx.Done():
		go e.rescue(id, lc)
		return ctx.Err()
	}
}

// rescue waits out an operation the caller abandoned, then hands the
// outcome to the OnDropped hook so the frame it held is never silently
// leaked.
func (e *Engine) rescue(id uint64, lc *lifecycle) {
	res := <-lc.done
	e.mu.Lock()
	delete(e.ops, id)
	e.mu.Unlock()
	if e.cfg.OnDropped != nil {
		fr, _ := lc.frame.(*frame.Frame)
		e.cfg.OnDropped(fr, res.err)
	}
}

// Run drains and dispatches completions until ctx is cancelled or Close is
// called. Listening and submitting are combined into one loop: each
// iteration flushes any pending submissions, then blocks in io_uring_enter
// waiting for at least one completion, then dispatches every completion
// currently available.
//
// Run must be called from the same goroutine for the lifetime of the
// Engine, ideally one that has called runtime.LockOSThread, since the ring
// it drives is not safe to touch concurrently from elsewhere.
func (e *Engine) Run(ctx context.Context) error {
	lockOSThreadForever()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if e.closed.Load() {
			return nil
		}

		_, err := e.r.submit(1, true)
		if err != nil {
			return fmt.Errorf("ioengine: run: %w", err)
		}

		e.r.drain(func(c cqe) {
			e.mu.Lock()
			lc, ok := e.ops[c.UserData]
			e.mu.Unlock()
			if !ok {
				invariant.Violated("ioengine: completion for unknown op id %d", c.UserData)
			}
			var err error
			if c.Res < 0 {
				err = fmt.Errorf("ioengine: operation failed: errno %d", -c.Res)
			}
			lc.done <- ioResult{res: c.Res, err: err}
		})
	}
}

// Close tears down the ring. Any operation still in flight at Close time
// will never receive a completion; Close is only safe once the caller knows
// no Submit* call is outstanding.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.r.close()
}
