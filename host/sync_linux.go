//go:build linux

package host

import (
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// Sync flushes |f| to stable storage. Unless |full|, only file data (and the
// metadata needed to read it back) is flushed.
func Sync(f afero.File, full bool) error {
	if full {
		return f.Sync()
	}
	if fd, ok := descriptor(f); ok {
		return unix.Fdatasync(fd)
	}
	return f.Sync()
}
