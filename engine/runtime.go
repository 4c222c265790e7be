// Package engine binds the allocator, mutex and VFS implementations of this
// module into the embedded SQL engine, and owns their process-wide lifecycle
// through a Runtime.
package engine

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hostvfs/alloc"
	"go.gazette.dev/hostvfs/host"
	"go.gazette.dev/hostvfs/mutex"
	"go.gazette.dev/hostvfs/vfs"
)

// Engine is the configuration surface of the embedded SQL engine. Its
// Configure methods must be called before Initialize. Initialize runs the
// Init hooks of the configured allocator and mutex Methods, and Shutdown
// their End hooks.
type Engine interface {
	ConfigureAllocator(alloc.Methods) error
	ConfigureMutex(mutex.Methods) error
	RegisterVFS(reg vfs.Registration, makeDefault bool) error
	Initialize() error
	Shutdown() error
}

// Driver is implemented by Engines which are reachable as a database/sql
// driver once initialized.
type Driver interface {
	DriverName() string
}

// ErrNotReady is returned by Runtime operations if Startup has not
// completed successfully, or Shutdown has been called.
var ErrNotReady = errors.New("storage backend is not ready")

// Runtime is the process context of the storage backend. It sequences the
// one-time installation of the allocator, mutex and VFS into an Engine, and
// tracks handles which must be closed before the Engine may shut down.
type Runtime struct {
	cfg     Config
	engine  Engine
	alloc   *alloc.Allocator
	mutexes *mutex.Table
	fs      *vfs.FS

	startOnce sync.Once
	startErr  error
	ready     atomic.Bool

	mu      sync.Mutex
	tracked map[io.Closer]struct{}
	stopped bool
}

// NewRuntime builds a Runtime of the Config, host.Env and Engine. The Engine
// is not touched until Startup.
func NewRuntime(cfg Config, env host.Env, eng Engine) (*Runtime, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var limit, err = cfg.HeapLimitBytes()
	if err != nil {
		return nil, err
	}
	fs, err := vfs.New(cfg.VFS, env)
	if err != nil {
		return nil, errors.WithMessage(err, "building VFS")
	}

	var tracking = mutex.TrackingDisabled
	if cfg.Assertions {
		tracking = mutex.TrackingEnabled
	}
	return &Runtime{
		cfg:     cfg,
		engine:  eng,
		alloc:   alloc.New(limit),
		mutexes: mutex.NewTable(tracking, env.ThreadID),
		fs:      fs,
		tracked: make(map[io.Closer]struct{}),
	}, nil
}

// Startup installs the allocator, then the mutex implementation, then the VFS
// (as the default), and then initializes the Engine. It runs once: later
// calls return the outcome of the first. If any step fails the Runtime never
// becomes ready.
func (r *Runtime) Startup() error {
	r.startOnce.Do(func() {
		if r.startErr = r.startup(); r.startErr != nil {
			log.WithField("err", r.startErr).Error("failed to start storage backend")
			return
		}
		r.ready.Store(true)

		log.WithFields(log.Fields{
			"vfs":        r.cfg.VFS.Name,
			"assertions": r.cfg.Assertions,
			"heapLimit":  r.cfg.HeapLimit,
		}).Info("started storage backend")
	})

	if r.startErr != nil {
		return r.startErr
	} else if !r.ready.Load() {
		return ErrNotReady // Shut down.
	}
	return nil
}

func (r *Runtime) startup() error {
	if err := r.engine.ConfigureAllocator(r.alloc); err != nil {
		return errors.WithMessage(err, "configuring allocator")
	}
	if err := r.engine.ConfigureMutex(r.mutexes); err != nil {
		return errors.WithMessage(err, "configuring mutexes")
	}
	if err := r.engine.RegisterVFS(r.fs.Registration(), true); err != nil {
		return errors.WithMessagef(err, "registering VFS %q", r.cfg.VFS.Name)
	}
	if err := r.engine.Initialize(); err != nil {
		return errors.WithMessage(err, "initializing engine")
	}
	return nil
}

// Ready is true if Startup succeeded and Shutdown hasn't been called.
func (r *Runtime) Ready() bool { return r.ready.Load() }

// Config returns the effective Config of the Runtime.
func (r *Runtime) Config() Config { return r.cfg }

// VFS returns the registered VFS.
func (r *Runtime) VFS() (*vfs.FS, error) {
	if !r.Ready() {
		return nil, ErrNotReady
	}
	return r.fs, nil
}

// Allocator returns the Allocator installed into the Engine.
func (r *Runtime) Allocator() *alloc.Allocator { return r.alloc }

// Mutexes returns the mutex Table installed into the Engine.
func (r *Runtime) Mutexes() *mutex.Table { return r.mutexes }

// DriverName returns the database/sql driver name of the Engine.
func (r *Runtime) DriverName() (string, error) {
	if !r.Ready() {
		return "", ErrNotReady
	}
	if d, ok := r.engine.(Driver); ok {
		return d.DriverName(), nil
	}
	return "", errors.Errorf("engine %T is not a database/sql driver", r.engine)
}

// Track |c| for closing at Shutdown, if it hasn't been closed already. The
// returned function un-tracks |c| and should be called when it's closed.
func (r *Runtime) Track(c io.Closer) (untrack func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || !r.Ready() {
		return nil, ErrNotReady
	}
	r.tracked[c] = struct{}{}

	return func() {
		r.mu.Lock()
		delete(r.tracked, c)
		r.mu.Unlock()
	}, nil
}

// Shutdown closes tracked handles and then shuts down the Engine. It's a
// no-op if the Runtime isn't ready. All errors encountered are returned.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	if r.stopped || !r.Ready() {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	var tracked = r.tracked
	r.tracked = nil
	r.mu.Unlock()

	r.ready.Store(false)
	var result *multierror.Error

	for c := range tracked {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, errors.WithMessage(err, "closing tracked handle"))
		}
	}
	if err := r.engine.Shutdown(); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "shutting down engine"))
	}
	if err := result.ErrorOrNil(); err != nil {
		log.WithField("err", err).Warn("storage backend shut down with errors")
		return err
	}
	log.Info("stopped storage backend")
	return nil
}
