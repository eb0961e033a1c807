// Package diskmanager is the buffer pool's persistent-storage collaborator:
// a single regular file, read and written one PAGE_SIZE-byte slot at a time,
// indexed directly by PageId * PageSize with no headers or checksums at
// this layer.
package diskmanager

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/tuannm99/bpm/internal/frame"
	"github.com/tuannm99/bpm/pkg/util"
)

const logPrefix = "diskmanager: "

// Manager owns the single backing file for the buffer pool. Every exported
// method is safe to call concurrently: reads and writes target disjoint or
// independently-offset regions of the file and the kernel serializes
// concurrent access to the same region, so no additional locking is needed
// here (the page-level exclusivity guarantee comes from page.Page's slot
// lock, one layer up).
type Manager struct {
	file *os.File
}

// Open opens (creating if necessary) the backing file at path, attempting
// O_DIRECT first for true unbuffered, aligned I/O against the registered
// arena. Some filesystems (tmpfs, used heavily in CI) refuse O_DIRECT; in
// that case Open falls back to a regular buffered file descriptor. Either
// way, the fd this returns is what ioengine issues IORING_OP_READ_FIXED/
// WRITE_FIXED against directly; O_DIRECT only changes whether the kernel
// page cache sits between that fd and the disk, not how it's addressed.
func Open(path string, minSizeBytes int64) (*Manager, error) {
	f, directErr := openDirect(path)
	if directErr != nil {
		slog.Debug(logPrefix+"O_DIRECT unavailable, falling back to buffered I/O",
			"path", path, "err", directErr)
		var err error
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("diskmanager: open %q: %w", path, err)
		}
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("diskmanager: stat %q: %w", path, err)
	}
	if info.Size() < minSizeBytes {
		if err := f.Truncate(minSizeBytes); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("diskmanager: truncate %q to %d bytes: %w", path, minSizeBytes, err)
		}
	}

	return &Manager{file: f}, nil
}

// Offset returns the byte offset of pid within the backing file.
func Offset(pid uint64) int64 { return int64(pid) * frame.PageSize }

// Fd returns the backing file's raw descriptor, for ioengine to issue
// IORING_OP_READ_FIXED/WRITE_FIXED against directly.
func (m *Manager) Fd() uintptr { return m.file.Fd() }

// Close closes the backing file.
func (m *Manager) Close() error {
	return util.CloseFile(m.file)
}
