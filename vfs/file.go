package vfs

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/afero"
	"go.gazette.dev/hostvfs/host"
	"go.gazette.dev/hostvfs/metrics"
	"go.gazette.dev/hostvfs/status"
)

// File is an open file of a VFS. Errors returned by its methods are
// status.Codes.
type File interface {
	// Close the File. Close must be called exactly once.
	Close() error
	// Read len(p) bytes at |off|. A read extending beyond the end of the
	// file zero-fills the remainder of |p| and returns
	// status.IOErrShortRead.
	Read(p []byte, off int64) error
	// Write all of |p| at |off|.
	Write(p []byte, off int64) error
	Truncate(size int64) error
	Sync(flags SyncFlag) error
	FileSize() (int64, error)
	// Lock raises the LockLevel of the File. Lowering it is an error.
	Lock(level LockLevel) error
	// Unlock lowers the LockLevel of the File. Raising it is an error.
	Unlock(level LockLevel) error
	CheckReservedLock() (bool, error)
	FileControl(op int, arg interface{}) error
	SectorSize() int
	DeviceCharacteristics() IOCap
}

type file struct {
	fs            *FS
	name          string
	canonical     string // Set iff registered as open read-only.
	readOnly      bool
	deleteOnClose bool

	// Guards the seek position shared by Read and Write, and |lock|.
	mu   sync.Mutex
	f    afero.File // Nil after Close.
	lock LockLevel
}

func (f *file) Close() (err error) {
	defer func() { observe("close", err) }()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.mustBeOpen()
	if cerr := f.release(); cerr != nil {
		f.fs.fail("close", f.name, status.IOErr, cerr)
	}
	metrics.VFSOpenFiles.Dec()

	if f.deleteOnClose {
		if rerr := f.fs.env.Fs().Remove(f.name); rerr != nil {
			f.fs.fail("close", f.name, status.IOErrDelete, rerr)
		}
		if f.fs.paths != nil {
			f.fs.paths.Remove(f.name)
		}
	}
	return nil
}

// release the read-only registration and host handle of the file.
func (f *file) release() error {
	if f.canonical != "" {
		f.fs.readOnly.release(f.canonical)
		f.canonical = ""
	}
	var err = f.f.Close()
	f.f = nil
	return err
}

func (f *file) Read(p []byte, off int64) (err error) {
	defer func() { observe("read", err) }()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.mustBeOpen()
	clear(p)

	if _, err = f.f.Seek(off, io.SeekStart); err != nil {
		return f.fs.fail("read", f.name, status.IOErrSeek, err)
	}
	var n, rerr = io.ReadFull(f.f, p)
	metrics.VFSBytesTotal.WithLabelValues("read").Add(float64(n))

	if rerr == nil {
		return nil
	}
	clear(p[n:])

	if info, serr := f.f.Stat(); serr == nil && off+int64(n) >= info.Size() {
		return status.IOErrShortRead
	}
	return f.fs.fail("read", f.name, status.IOErrRead, rerr)
}

func (f *file) Write(p []byte, off int64) (err error) {
	defer func() { observe("write", err) }()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.mustBeOpen()

	if _, err = f.f.Seek(off, io.SeekStart); err != nil {
		return f.fs.fail("write", f.name, status.IOErrSeek, err)
	}
	var n int
	n, err = f.f.Write(p)
	metrics.VFSBytesTotal.WithLabelValues("write").Add(float64(n))

	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return f.fs.fail("write", f.name, status.IOErrWrite, err)
	}
	return nil
}

func (f *file) Truncate(size int64) (err error) {
	defer func() { observe("truncate", err) }()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.mustBeOpen()

	if err = f.f.Truncate(size); err != nil {
		return f.fs.fail("truncate", f.name, status.IOErrTruncate, err)
	}
	return nil
}

func (f *file) Sync(flags SyncFlag) (err error) {
	defer func() { observe("sync", err) }()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.mustBeOpen()

	if err = host.Sync(f.f, flags&0x0F == SyncFull); err != nil {
		return f.fs.fail("sync", f.name, status.IOErrFsync, err)
	}
	return nil
}

func (f *file) FileSize() (_ int64, err error) {
	defer func() { observe("file_size", err) }()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.mustBeOpen()

	var info, serr = f.f.Stat()
	if serr != nil {
		return 0, f.fs.fail("file_size", f.name, status.IOErrFstat, serr)
	}
	return info.Size(), nil
}

func (f *file) Lock(level LockLevel) (err error) {
	defer func() { observe("lock", err) }()

	f.mu.Lock()
	defer f.mu.Unlock()

	if !level.valid() || level < f.lock {
		return status.IOErrLock
	}
	f.lock = level
	return nil
}

func (f *file) Unlock(level LockLevel) (err error) {
	defer func() { observe("unlock", err) }()

	f.mu.Lock()
	defer f.mu.Unlock()

	if !level.valid() || level > f.lock {
		return status.IOErrUnlock
	}
	f.lock = level
	return nil
}

func (f *file) CheckReservedLock() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.lock > LockNone, nil
}

func (f *file) FileControl(op int, arg interface{}) error {
	if op != FcntlLockState {
		return status.NotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch p := arg.(type) {
	case *int:
		*p = int(f.lock)
	case *LockLevel:
		*p = f.lock
	default:
		panic(fmt.Sprintf("lock-state file control of unexpected argument %T", arg))
	}
	return nil
}

func (f *file) SectorSize() int { return SectorSize }

func (f *file) DeviceCharacteristics() IOCap { return IOCapUndeletableWhenOpen }

func (f *file) mustBeOpen() {
	if f.f == nil {
		panic("use of closed file " + f.name)
	}
}
