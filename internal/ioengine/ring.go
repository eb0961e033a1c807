package ioengine

// Low-level Linux io_uring ring plumbing: the io_uring_setup/enter/register
// syscalls and the shared-memory submission/completion ring layout, built
// directly from the kernel UAPI with no external io_uring dependency.
// Narrowed to exactly the opcodes the buffer pool needs
// (IORING_OP_READ_FIXED/WRITE_FIXED against pre-registered buffers) rather
// than a general-purpose ring wrapper.

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	opReadFixed  = 4
	opWriteFixed = 5

	setupFeatSingleMmap = 1 << 0

	registerBuffers = 0

	enterGetEvents = 1 << 0
)

// sqe mirrors struct io_uring_sqe from the kernel UAPI (64 bytes).
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	length      uint32
	rwFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	pad         uint64
}

// cqe mirrors struct io_uring_cqe (16 bytes).
type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type sqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	Resv2                                                           uint64
}

type cqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, Cqes, Flags, Resv1 uint32
	Resv2                                                           uint64
}

type params struct {
	SqEntries, CqEntries, Flags, SqThreadCPU, SqThreadIdle, Features, WqFd uint32
	Resv                                                                  [3]uint32
	SqOff                                                                 sqringOffsets
	CqOff                                                                 cqringOffsets
}

type submissionQueue struct {
	head, tail, ringMask, ringEntries, flags, dropped *uint32
	array                                              *uint32
	sqes                                                []sqe
}

type completionQueue struct {
	head, tail *uint32
	ringMask, ringEntries uint32
	overflow              *uint32
	cqes                  []cqe
}

// ring is a single io_uring instance: one submission queue, one completion
// queue, both memory-mapped into this process. Not safe for use from more
// than one OS thread at a time.
type ring struct {
	fd      int
	p       params
	sq      submissionQueue
	cq      completionQueue
	ringMem []byte
	sqeMem  []byte
}

func setupRing(entries uint32) (*ring, error) {
	var p params
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("ioengine: io_uring_setup: %w", errno)
	}

	r := &ring{fd: int(fd), p: p}

	if p.Features&setupFeatSingleMmap == 0 {
		r.closeFd()
		return nil, fmt.Errorf("ioengine: kernel lacks IORING_FEAT_SINGLE_MMAP (need Linux 5.4+)")
	}

	pageSize := uint32(unix.Getpagesize())

	sqRingSize := p.SqOff.Array + entries*4
	cqRingSize := p.CqOff.Cqes + p.CqEntries*uint32(unsafe.Sizeof(cqe{}))
	ringSize := sqRingSize
	if cqRingSize > ringSize {
		ringSize = cqRingSize
	}
	ringSize = (ringSize + pageSize - 1) &^ (pageSize - 1)

	ringMem, err := unix.Mmap(r.fd, 0, int(ringSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.closeFd()
		return nil, fmt.Errorf("ioengine: mmap ring: %w", err)
	}
	r.ringMem = ringMem

	sqeSize := entries * uint32(unsafe.Sizeof(sqe{}))
	sqeMem, err := unix.Mmap(r.fd, 0x10000000, int(sqeSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = unix.Munmap(r.ringMem)
		r.closeFd()
		return nil, fmt.Errorf("ioengine: mmap sqes: %w", err)
	}
	r.sqeMem = sqeMem

	r.sq.head = (*uint32)(unsafe.Pointer(&ringMem[p.SqOff.Head]))
	r.sq.tail = (*uint32)(unsafe.Pointer(&ringMem[p.SqOff.Tail]))
	r.sq.ringMask = (*uint32)(unsafe.Pointer(&ringMem[p.SqOff.RingMask]))
	r.sq.ringEntries = (*uint32)(unsafe.Pointer(&ringMem[p.SqOff.RingEntries]))
	r.sq.flags = (*uint32)(unsafe.Pointer(&ringMem[p.SqOff.Flags]))
	r.sq.dropped = (*uint32)(unsafe.Pointer(&ringMem[p.SqOff.Dropped]))
	r.sq.array = (*uint32)(unsafe.Pointer(&ringMem[p.SqOff.Array]))
	r.sq.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&sqeMem[0])), entries)

	r.cq.head = (*uint32)(unsafe.Pointer(&ringMem[p.CqOff.Head]))
	r.cq.tail = (*uint32)(unsafe.Pointer(&ringMem[p.CqOff.Tail]))
	r.cq.ringMask = *(*uint32)(unsafe.Pointer(&ringMem[p.CqOff.RingMask]))
	r.cq.ringEntries = *(*uint32)(unsafe.Pointer(&ringMem[p.CqOff.RingEntries]))
	r.cq.overflow = (*uint32)(unsafe.Pointer(&ringMem[p.CqOff.Overflow]))
	r.cq.cqes = unsafe.Slice((*cqe)(unsafe.Pointer(&ringMem[p.CqOff.Cqes])), p.CqEntries)

	return r, nil
}

func (r *ring) closeFd() {
	_ = unix.Close(r.fd)
}

// registerBuffersFixed registers every frame in bufs as a fixed buffer, in
// index order, so later submissions can reference them by small integer
// index instead of paying per-operation pinning overhead.
func (r *ring) registerBuffersFixed(bufs [][]byte) error {
	iovecs := make([]unix.Iovec, len(bufs))
	for i, b := range bufs {
		iovecs[i].Base = &b[0]
		iovecs[i].SetLen(len(b))
	}
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), uintptr(registerBuffers),
		uintptr(unsafe.Pointer(&iovecs[0])), uintptr(len(iovecs)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("ioengine: io_uring_register(IORING_REGISTER_BUFFERS): %w", errno)
	}
	return nil
}

// pushFixed writes one fixed-buffer read/write SQE. Returns false if the
// submission queue is currently full.
func (r *ring) pushFixed(opcode uint8, fd int32, offset int64, bufIndex uint16, buf []byte, userData uint64) bool {
	tail := atomic.LoadUint32(r.sq.tail)
	head := atomic.LoadUint32(r.sq.head)
	mask := atomic.LoadUint32(r.sq.ringMask)
	entries := atomic.LoadUint32(r.sq.ringEntries)

	if tail-head >= entries {
		return false
	}

	idx := tail & mask
	e := &r.sq.sqes[idx]
	*e = sqe{
		opcode:   opcode,
		fd:       fd,
		off:      uint64(offset),
		addr:     uint64(uintptr(unsafe.Pointer(&buf[0]))),
		length:   uint32(len(buf)),
		userData: userData,
		bufIndex: bufIndex,
	}

	arrPtr := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(r.sq.array)) + uintptr(idx)*4))
	*arrPtr = idx

	atomic.AddUint32(r.sq.tail, 1)
	return true
}

func (r *ring) pending() uint32 {
	return atomic.LoadUint32(r.sq.tail) - atomic.LoadUint32(r.sq.head)
}

// submit calls io_uring_enter, optionally waiting for at least minComplete
// completions. Returns the number of SQEs the kernel accepted.
func (r *ring) submit(minComplete uint32, wait bool) (int, error) {
	toSubmit := r.pending()
	flags := uintptr(0)
	if wait {
		flags = enterGetEvents
	}
	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(toSubmit),
			uintptr(minComplete), flags, 0, 0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return int(n), fmt.Errorf("ioengine: io_uring_enter: %w", errno)
		}
		return int(n), nil
	}
}

// drain pops every currently-available CQE, invoking fn for each, and
// advances the completion queue head.
func (r *ring) drain(fn func(cqe)) int {
	head := atomic.LoadUint32(r.cq.head)
	tail := atomic.LoadUint32(r.cq.tail)

	n := 0
	for ; head != tail; head++ {
		c := r.cq.cqes[head&r.cq.ringMask]
		fn(c)
		n++
	}
	if n > 0 {
		atomic.StoreUint32(r.cq.head, head)
	}
	return n
}

func (r *ring) close() error {
	var firstErr error
	if r.ringMem != nil {
		if err := unix.Munmap(r.ringMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.ringMem = nil
	}
	if r.sqeMem != nil {
		if err := unix.Munmap(r.sqeMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.sqeMem = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		r.fd = -1
	}
	return firstErr
}

// lockOSThreadForever pins the calling goroutine to its OS thread without
// ever unlocking, for the lifetime of the goroutine that runs an Engine's
// Run loop. Completions are drained only on that goroutine; submissions are
// pushed from the submitting goroutines under Engine.submitMu.
func lockOSThreadForever() {
	runtime.LockOSThread()
}
