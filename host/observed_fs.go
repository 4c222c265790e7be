package host

import (
	"os"

	"github.com/spf13/afero"
	"go.gazette.dev/hostvfs/metrics"
)

// ObservedFs wraps an afero.Fs to count calls, failures and bytes moved
// through files it opens.
type ObservedFs struct {
	afero.Fs
}

// NewObservedFs returns an ObservedFs of |fs|.
func NewObservedFs(fs afero.Fs) ObservedFs { return ObservedFs{Fs: fs} }

func (o ObservedFs) Create(name string) (afero.File, error) {
	var file, err = o.Fs.Create(name)
	if observe("create", err) != nil {
		return file, err
	}
	return &observedFile{File: file}, nil
}

func (o ObservedFs) Open(name string) (afero.File, error) {
	var file, err = o.Fs.Open(name)
	if observe("open", err) != nil {
		return file, err
	}
	return &observedFile{File: file}, nil
}

func (o ObservedFs) OpenFile(name string, flags int, perm os.FileMode) (afero.File, error) {
	var file, err = o.Fs.OpenFile(name, flags, perm)
	if observe("open", err) != nil {
		return file, err
	}
	return &observedFile{File: file}, nil
}

func (o ObservedFs) Stat(name string) (os.FileInfo, error) {
	var fi, err = o.Fs.Stat(name)
	// A missing file is an answer, not a failure.
	if os.IsNotExist(err) {
		observe("stat", nil)
	} else {
		observe("stat", err)
	}
	return fi, err
}

func (o ObservedFs) MkdirAll(path string, perm os.FileMode) error {
	return observe("mkdir", o.Fs.MkdirAll(path, perm))
}

func (o ObservedFs) Remove(name string) error {
	return observe("remove", o.Fs.Remove(name))
}

func (o ObservedFs) RemoveAll(path string) error {
	return observe("remove", o.Fs.RemoveAll(path))
}

func (o ObservedFs) Rename(oldname, newname string) error {
	return observe("rename", o.Fs.Rename(oldname, newname))
}

// observedFile wraps an afero.File opened by ObservedFs.
type observedFile struct {
	afero.File
}

func (f *observedFile) Read(p []byte) (n int, err error) {
	n, err = f.File.Read(p)
	metrics.HostFsBytesTotal.WithLabelValues("read").Add(float64(n))
	return
}

func (f *observedFile) ReadAt(p []byte, off int64) (n int, err error) {
	n, err = f.File.ReadAt(p, off)
	metrics.HostFsBytesTotal.WithLabelValues("read").Add(float64(n))
	return
}

func (f *observedFile) Write(p []byte) (n int, err error) {
	n, err = f.File.Write(p)
	metrics.HostFsBytesTotal.WithLabelValues("write").Add(float64(n))
	observe("write", err)
	return
}

func (f *observedFile) WriteAt(p []byte, off int64) (n int, err error) {
	n, err = f.File.WriteAt(p, off)
	metrics.HostFsBytesTotal.WithLabelValues("write").Add(float64(n))
	observe("write", err)
	return
}

func (f *observedFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *observedFile) Sync() error { return observe("sync", f.File.Sync()) }

func (f *observedFile) Truncate(size int64) error {
	return observe("truncate", f.File.Truncate(size))
}

func (f *observedFile) Close() error { return observe("close", f.File.Close()) }

func observe(op string, err error) error {
	if err != nil {
		metrics.HostFsCallsTotal.WithLabelValues(op, metrics.Fail).Inc()
	} else {
		metrics.HostFsCallsTotal.WithLabelValues(op, metrics.Ok).Inc()
	}
	return err
}

// descriptor returns the OS file descriptor underlying |f|, if it has one.
func descriptor(f afero.File) (int, bool) {
	if o, ok := f.(*observedFile); ok {
		f = o.File
	}
	if d, ok := f.(interface{ Fd() uintptr }); ok {
		return int(d.Fd()), true
	}
	return 0, false
}
