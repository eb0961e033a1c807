package util

import (
	"log/slog"
	"os"
)

// CloseFile closes f, logging (rather than discarding) any error, since a
// failed Close can mean unflushed buffered writes were lost.
func CloseFile(f *os.File) error {
	err := f.Close()
	if err != nil {
		slog.Error("close file", "path", f.Name(), "err", err)
	}
	return err
}
