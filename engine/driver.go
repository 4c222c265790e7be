package engine

import (
	"database/sql"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hostvfs/alloc"
	"go.gazette.dev/hostvfs/host"
	"go.gazette.dev/hostvfs/metrics"
	"go.gazette.dev/hostvfs/mutex"
	"go.gazette.dev/hostvfs/vfs"
)

// DriverEngine is the Engine of the SQLite library linked through
// github.com/mattn/go-sqlite3. On Initialize it installs the configured
// allocator and mutex Methods as the library's memory and mutex methods,
// registers each VFS with the library, and makes the engine available as a
// database/sql driver whose connections apply configured PRAGMAs.
//
// Library configuration is process-wide: one DriverEngine at a time may
// install allocator or mutex Methods, and no library connections may be
// open while it initializes or shuts down. The library must be linked as a
// single instance, eg by building with the libsqlite3 tag.
type DriverEngine struct {
	name    string
	pragmas []string

	mu          sync.Mutex
	alloc       alloc.Methods
	mutex       mutex.Methods
	vfss        []vfs.Registration
	defaultVFS  string
	registered  []*hostVFS
	initialized bool
}

// NewDriverEngine returns a DriverEngine which registers itself as
// database/sql driver |name|, applying |pragmas| to each new connection.
func NewDriverEngine(name string, pragmas []string) *DriverEngine {
	return &DriverEngine{name: name, pragmas: pragmas}
}

// NewDriverRuntime returns a Runtime of a DriverEngine built from the Config.
func NewDriverRuntime(cfg Config, env host.Env) (*Runtime, error) {
	cfg = cfg.WithDefaults()
	return NewRuntime(cfg, env, NewDriverEngine(cfg.Driver, cfg.ConnectPragmas))
}

func (e *DriverEngine) DriverName() string { return e.name }

func (e *DriverEngine) ConfigureAllocator(m alloc.Methods) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return errors.New("allocator configured after Initialize")
	}
	e.alloc = m
	return nil
}

func (e *DriverEngine) ConfigureMutex(m mutex.Methods) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return errors.New("mutexes configured after Initialize")
	}
	e.mutex = m
	return nil
}

func (e *DriverEngine) RegisterVFS(reg vfs.Registration, makeDefault bool) error {
	if reg.Name == "" || reg.VFS == nil {
		return errors.New("VFS registration requires a Name and VFS")
	} else if reg.Version < 1 || reg.Version > vfs.RegistrationVersion {
		return errors.Errorf("unsupported VFS version %d", reg.Version)
	} else if reg.MaxPathname <= 0 {
		return errors.Errorf("invalid MaxPathname %d", reg.MaxPathname)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.vfss {
		if e.vfss[i].Name == reg.Name {
			e.vfss = append(e.vfss[:i], e.vfss[i+1:]...)
			break
		}
	}
	e.vfss = append(e.vfss, reg)

	if makeDefault || e.defaultVFS == "" {
		e.defaultVFS = reg.Name
	}
	return nil
}

// FindVFS returns the registered VFS of |name|, or the default VFS if |name|
// is empty.
func (e *DriverEngine) FindVFS(name string) (vfs.Registration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name == "" {
		name = e.defaultVFS
	}
	for _, reg := range e.vfss {
		if reg.Name == name {
			return reg, true
		}
	}
	return vfs.Registration{}, false
}

func (e *DriverEngine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}
	if err := installMethods(e, e.alloc, e.mutex); err != nil {
		return err
	}
	for _, reg := range e.vfss {
		var v, err = registerHostVFS(reg, reg.Name == e.defaultVFS)
		if err != nil {
			var result = multierror.Append(nil, err)
			if err = e.uninstall(); err != nil {
				result = multierror.Append(result, err)
			}
			return result.ErrorOrNil()
		}
		e.registered = append(e.registered, v)
	}
	registerDriver(e)
	e.initialized = true

	var version, number, sourceID = sqlite3.Version()
	log.WithFields(log.Fields{
		"driver":   e.name,
		"version":  version,
		"number":   number,
		"sourceID": sourceID,
		"vfs":      e.defaultVFS,
	}).Debug("initialized SQLite engine")

	return nil
}

func (e *DriverEngine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil
	}
	e.initialized = false
	unbindDriver(e)

	return e.uninstall()
}

// uninstall unregisters VFSs and restores library methods. Library shutdown
// runs the End hook of the mutex Methods and the Shutdown hook of the
// allocator.
func (e *DriverEngine) uninstall() error {
	var result *multierror.Error
	for _, v := range e.registered {
		if err := v.unregister(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	e.registered = nil

	if err := restoreMethods(e); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "restoring library methods"))
	}
	return result.ErrorOrNil()
}

func (e *DriverEngine) connect(conn *sqlite3.SQLiteConn) error {
	for _, p := range e.pragmas {
		if _, err := conn.Exec("PRAGMA "+p, nil); err != nil {
			return errors.WithMessagef(err, "applying PRAGMA %s", p)
		}
	}
	metrics.SQLDBConnectionsTotal.Inc()
	return nil
}

// database/sql drivers are registered for the life of the process, while a
// DriverEngine may be initialized, shut down, and replaced. Each driver name
// is registered once and routes connections to its currently bound engine.
var drivers = struct {
	sync.Mutex
	bound map[string]*DriverEngine
}{bound: make(map[string]*DriverEngine)}

func registerDriver(e *DriverEngine) {
	drivers.Lock()
	defer drivers.Unlock()

	var _, registered = drivers.bound[e.name]
	drivers.bound[e.name] = e

	if registered {
		return
	}
	var name = e.name
	sql.Register(name, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			drivers.Lock()
			var bound = drivers.bound[name]
			drivers.Unlock()

			if bound == nil {
				return errors.Errorf("driver %s is shut down", name)
			}
			return bound.connect(conn)
		},
	})
}

func unbindDriver(e *DriverEngine) {
	drivers.Lock()
	defer drivers.Unlock()

	if drivers.bound[e.name] == e {
		drivers.bound[e.name] = nil
	}
}
