package diskmanager

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// openDirect opens path with O_DIRECT, the unbuffered-I/O mode used for the
// backing file whenever the filesystem supports it. O_DIRECT requires the
// caller's buffers to be aligned to the filesystem's logical block size,
// which is exactly what frame.Arena guarantees by mmap-ing its backing
// memory.
func openDirect(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_DIRECT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskmanager: open %q with O_DIRECT: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}
