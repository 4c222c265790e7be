// Package vfs implements the virtual filesystem through which the embedded
// SQL engine performs all file I/O, on top of the capabilities of a
// host.Env.
//
// Locking is advisory and local to each File: a File tracks the LockLevel
// the engine believes it holds, and rejects only out-of-order transitions.
// No byte-range or cross-process locks are taken, so a database must not be
// shared by multiple processes. Instead, at most one read-only handle of a
// given path may be open at a time within an FS.
package vfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hostvfs/host"
	"go.gazette.dev/hostvfs/metrics"
	"go.gazette.dev/hostvfs/status"
)

// VFS is the filesystem contract installed into the engine. Errors returned
// by its methods are status.Codes.
type VFS interface {
	// Open a file. An empty |name| opens a new temporary file. Open returns
	// the File and the effective flags of the open, which report
	// OpenReadOnly if read-only access was forced by the file itself.
	Open(name string, flags OpenFlag) (File, OpenFlag, error)
	// Delete a file or (empty) directory. Deleting a missing path succeeds.
	Delete(name string, syncDir bool) error
	// Access reports whether |name| exists, or for AccessReadWrite,
	// whether it exists and is writable.
	Access(name string, mode AccessFlag) (bool, error)
	// FullPathname writes the NUL-terminated absolute path of |name| into
	// |out|, truncating as required, and returns its length.
	FullPathname(name string, out []byte) (int, error)
	// Randomness fills |out| with pseudorandom bytes and returns len(out).
	Randomness(out []byte) int
	// Sleep for |micros| microseconds, returning the microseconds slept.
	Sleep(micros int) int
	// CurrentTime is the current UTC time as a Julian Day number.
	CurrentTime() (float64, error)
	// CurrentTimeInt64 is the current UTC time in Julian Day milliseconds.
	CurrentTimeInt64() (int64, error)
	// GetLastError writes the NUL-terminated description of the most
	// recent host error into |out|, and returns its length.
	GetLastError(out []byte) int
}

// Versions of the VFS and File method sets, as understood by the engine.
const (
	RegistrationVersion = 3
	FileMethodsVersion  = 1
)

// Registration describes a VFS to the engine.
type Registration struct {
	Name        string
	Version     int
	FileVersion int
	MaxPathname int
	VFS         VFS
}

// FS implements VFS over a host.Env.
type FS struct {
	cfg      Config
	env      host.Env
	readOnly *readOnlyRegistry
	paths    *lru.Cache // Nil if disabled.
	lastErr  atomic.Value
}

// New returns an FS of the Config and host.Env.
func New(cfg Config, env host.Env) (*FS, error) {
	var fs = &FS{
		cfg:      cfg.WithDefaults(),
		env:      env,
		readOnly: newReadOnlyRegistry(),
	}
	if fs.cfg.PathCacheSize > 0 {
		var err error
		if fs.paths, err = lru.New(fs.cfg.PathCacheSize); err != nil {
			return nil, errors.WithMessage(err, "building path cache")
		}
	}
	if fs.cfg.ScratchDir == "" {
		fs.cfg.ScratchDir = filepath.Join(env.TempDir(), "hostvfs")
	}
	return fs, nil
}

// Registration returns the Registration of this FS.
func (fs *FS) Registration() Registration {
	return Registration{
		Name:        fs.cfg.Name,
		Version:     RegistrationVersion,
		FileVersion: FileMethodsVersion,
		MaxPathname: fs.cfg.MaxPathname,
		VFS:         fs,
	}
}

// Env returns the host.Env of the FS.
func (fs *FS) Env() host.Env { return fs.env }

// ScratchDir is the directory of temporary files of the FS.
func (fs *FS) ScratchDir() string { return fs.cfg.ScratchDir }

func (fs *FS) Open(name string, flags OpenFlag) (_ File, outFlags OpenFlag, err error) {
	defer func() { observe("open", err) }()

	if name == "" {
		if name, err = fs.tempName(); err != nil {
			return nil, 0, fs.fail("open", name, status.IOErr, err)
		}
	}
	var afs = fs.env.Fs()
	var info, statErr = afs.Stat(name)
	var exists = statErr == nil

	if exists && flags&OpenExclusive != 0 {
		return nil, 0, fs.fail("open", name, status.IOErr, os.ErrExist)
	} else if !exists && flags&OpenCreate == 0 {
		return nil, 0, fs.fail("open", name, status.IOErr, statErr)
	}

	var f = &file{
		fs:            fs,
		name:          name,
		readOnly:      exists && info.Mode().Perm()&0200 == 0,
		deleteOnClose: flags&OpenDeleteOnClose != 0,
	}

	if !f.readOnly {
		// A single read/write handle serves every lock level.
		f.f, err = afs.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	} else if flags&OpenReadOnly == 0 {
		err = errors.New("file is not writable")
	} else if f.canonical, err = fs.canonical(name); err != nil {
		// Pass.
	} else if !fs.readOnly.acquire(f.canonical) {
		err = errors.Errorf("%s is already open read-only", f.canonical)
		f.canonical = ""
	} else if f.f, err = afs.Open(name); err != nil {
		fs.readOnly.release(f.canonical)
		f.canonical = ""
	}
	if err != nil {
		return nil, 0, fs.fail("open", name, status.IOErr, err)
	}

	if _, err = f.f.Seek(0, io.SeekStart); err != nil {
		f.release()
		return nil, 0, fs.fail("open", name, status.IOErr, err)
	}
	metrics.VFSOpenFiles.Inc()

	outFlags = flags
	if f.readOnly {
		outFlags = flags&^(OpenReadWrite|OpenCreate) | OpenReadOnly
	}
	log.WithFields(log.Fields{
		"name":     name,
		"flags":    flags,
		"readOnly": f.readOnly,
	}).Trace("opened file")

	return f, outFlags, nil
}

func (fs *FS) Delete(name string, syncDir bool) (err error) {
	defer func() { observe("delete", err) }()

	if fs.paths != nil {
		fs.paths.Remove(name)
	}
	var afs = fs.env.Fs()

	if _, err = afs.Stat(name); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fs.fail("delete", name, status.IOErrDelete, err)
	} else if err = afs.Remove(name); err != nil {
		return fs.fail("delete", name, status.IOErrDelete, err)
	}

	if syncDir {
		var dir = filepath.Dir(name)
		if err = fs.syncDir(dir); err != nil {
			return fs.fail("delete", dir, status.IOErrDirFsync, err)
		}
	}
	return nil
}

func (fs *FS) syncDir(dir string) error {
	var d, err = fs.env.Fs().Open(dir)
	if err != nil {
		return err
	}
	if err = host.Sync(d, true); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}

func (fs *FS) Access(name string, mode AccessFlag) (_ bool, err error) {
	defer func() { observe("access", err) }()

	var info, statErr = fs.env.Fs().Stat(name)
	if statErr != nil {
		return false, nil
	} else if mode == AccessReadWrite {
		return info.Mode().Perm()&0200 != 0, nil
	}
	return true, nil
}

func (fs *FS) FullPathname(name string, out []byte) (_ int, err error) {
	defer func() { observe("full_pathname", err) }()

	if len(out) == 0 {
		return 0, fs.fail("full_pathname", name, status.CantOpen, errors.New("zero-length output buffer"))
	}
	var abs string
	if abs, err = fs.env.Abs(name); err != nil {
		return 0, fs.fail("full_pathname", name, status.CantOpen, err)
	}
	return copyCString(out, abs), nil
}

func (fs *FS) Randomness(out []byte) int {
	var rng = rand.New(rand.NewSource(fs.env.Seed()))
	var chunk [4]byte

	for i := 0; i < len(out); i += len(chunk) {
		binary.LittleEndian.PutUint32(chunk[:], rng.Uint32())
		copy(out[i:], chunk[:])
	}
	return len(out)
}

func (fs *FS) Sleep(micros int) int {
	var d = fs.env.Sleep(time.Duration(micros) * time.Microsecond)
	return int(d / time.Microsecond)
}

func (fs *FS) CurrentTime() (float64, error) {
	return float64(julianMillis(fs.env.Now())) / msPerDay, nil
}

func (fs *FS) CurrentTimeInt64() (int64, error) {
	return julianMillis(fs.env.Now()), nil
}

func (fs *FS) GetLastError(out []byte) int {
	var msg, _ = fs.lastErr.Load().(string)
	if len(out) == 0 {
		return 0
	}
	return copyCString(out, msg)
}

// Abs returns the absolute path of |name|, as FullPathname would.
func (fs *FS) Abs(name string) (string, error) { return fs.env.Abs(name) }

// IsOpenReadOnly is true if a read-only File of |name| is currently open.
func (fs *FS) IsOpenReadOnly(name string) bool {
	var canonical, err = fs.canonical(name)
	return err == nil && fs.readOnly.contains(canonical)
}

func (fs *FS) canonical(name string) (string, error) {
	if fs.paths != nil {
		if v, ok := fs.paths.Get(name); ok {
			return v.(string), nil
		}
	}
	var canonical, err = fs.env.Canonical(name)
	if err == nil && fs.paths != nil {
		fs.paths.Add(name, canonical)
	}
	return canonical, err
}

func (fs *FS) tempName() (string, error) {
	if err := fs.env.Fs().MkdirAll(fs.cfg.ScratchDir, 0755); err != nil {
		return "", errors.WithMessagef(err, "creating scratch directory %s", fs.cfg.ScratchDir)
	}
	return filepath.Join(fs.cfg.ScratchDir, "hostvfs-"+uuid.NewString()+".tmp"), nil
}

// fail records |err| as the last error of the FS and returns |code|.
func (fs *FS) fail(op, name string, code status.Code, err error) error {
	if err != nil {
		fs.lastErr.Store(fmt.Sprintf("%s %s: %s", op, name, err))
	}
	log.WithFields(log.Fields{
		"op":   op,
		"name": name,
		"code": code,
		"err":  err,
	}).Debug("vfs operation failed")
	return code
}

func observe(op string, err error) {
	metrics.VFSOpsTotal.WithLabelValues(op, status.Of(err).String()).Inc()
}

// copyCString copies |s| into |out| as a NUL-terminated string, truncating
// so the terminator fits. It returns the number of bytes of |s| copied.
func copyCString(out []byte, s string) int {
	var n = copy(out[:len(out)-1], s)
	out[n] = 0
	return n
}

const (
	msPerDay = 86400000
	// Julian Day of the Unix epoch, in milliseconds.
	unixEpochJulianMs = 210866760000000
)

func julianMillis(t time.Time) int64 { return unixEpochJulianMs + t.UnixMilli() }
