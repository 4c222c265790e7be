// Package host models the operating environment beneath the storage backend
// as a small set of capabilities: a filesystem, a clock, a sleeper, a seed
// source for pseudorandom numbers, and the identity of the calling thread.
//
// OS returns the production environment. Memory returns an environment
// backed by an in-memory filesystem, which tests use in place of the disk.
package host

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// Env is the set of host capabilities required by the storage backend.
type Env interface {
	// Fs is the host filesystem.
	Fs() afero.Fs
	// Now returns the current wall-clock time.
	Now() time.Time
	// Sleep suspends the caller for roughly |d|, returning the duration
	// actually requested of the host after quantization.
	Sleep(d time.Duration) time.Duration
	// Seed returns a fresh seed for a pseudorandom generator.
	Seed() int64
	// ThreadID identifies the calling OS thread.
	ThreadID() uint64
	// Abs returns an absolute and cleaned form of |path|.
	Abs(path string) (string, error)
	// Canonical returns the on-disk name of |path|, resolving links where
	// the host supports them. Paths which don't yet exist are returned in
	// their Abs form.
	Canonical(path string) (string, error)
	// TempDir is the root under which scratch files may be created.
	TempDir() string
}

// Host is an Env composed of overridable parts.
type Host struct {
	// Filesystem of the Host.
	Filesystem afero.Fs
	// Clock returns the current time.
	Clock func() time.Time
	// Sleeper suspends for the given duration.
	Sleeper func(time.Duration)
	// SleepGranularity to which requested sleeps are rounded up.
	SleepGranularity time.Duration
	// Seeds returns pseudorandom seeds.
	Seeds func() int64
	// WorkDir against which relative paths are resolved. If empty, the
	// process working directory is used.
	WorkDir string
	// Temp is the scratch root. If empty, os.TempDir() is used.
	Temp string
	// EvalLinks is true if Canonical should resolve symbolic links.
	EvalLinks bool
}

// OS returns a Host of the operating system, with an observed OsFs.
func OS() *Host {
	return &Host{
		Filesystem:       NewObservedFs(afero.NewOsFs()),
		Clock:            time.Now,
		Sleeper:          time.Sleep,
		SleepGranularity: time.Microsecond,
		Seeds:            clockSeed,
		EvalLinks:        true,
	}
}

// Memory returns a Host having an in-memory filesystem rooted at "/", with
// "/tmp" as its scratch root. Clock and Sleeper are those of the process and
// may be replaced by the caller.
func Memory() *Host {
	return &Host{
		Filesystem:       afero.NewMemMapFs(),
		Clock:            time.Now,
		Sleeper:          time.Sleep,
		SleepGranularity: time.Microsecond,
		Seeds:            clockSeed,
		WorkDir:          "/",
		Temp:             "/tmp",
	}
}

func (h *Host) Fs() afero.Fs { return h.Filesystem }

func (h *Host) Now() time.Time { return h.Clock() }

func (h *Host) Seed() int64 { return h.Seeds() }

func (h *Host) ThreadID() uint64 { return threadID() }

func (h *Host) Sleep(d time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	if g := h.SleepGranularity; g > 1 {
		d = (d + g - 1) / g * g
	}
	h.Sleeper(d)
	return d
}

func (h *Host) Abs(path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	if h.WorkDir != "" {
		return filepath.Join(h.WorkDir, path), nil
	}
	return filepath.Abs(path)
}

func (h *Host) Canonical(path string) (string, error) {
	var abs, err = h.Abs(path)
	if err != nil {
		return "", err
	}
	if !h.EvalLinks {
		return abs, nil
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	} else if os.IsNotExist(err) {
		return abs, nil
	} else {
		return "", err
	}
}

func (h *Host) TempDir() string {
	if h.Temp != "" {
		return h.Temp
	}
	return os.TempDir()
}

func clockSeed() int64 { return time.Now().UnixNano() }
