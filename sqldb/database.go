// Package sqldb wraps database connections and prepared statements of the
// embedded SQL engine, opened through an engine.Runtime.
//
// A Statement steps through its result rows one at a time. Each Step either
// lands on a row (StepRow), completes the statement (StepDone), or fails
// with StepBusy if required locks could not be acquired, or StepError.
// A Database and its Statements are not safe for concurrent use.
package sqldb

import (
	"context"
	"database/sql"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hostvfs/engine"
)

// ErrClosed is returned by operations of a closed Database or Statement.
var ErrClosed = errors.New("use of closed database or statement")

// PrepareFlags qualify Database.Prepare.
type PrepareFlags int

const (
	// Persistent hints that the Statement will be retained and reused many
	// times. When a Persistent Statement is closed, its compiled form is
	// cached by the Database and reused by a later Prepare of the same SQL.
	Persistent PrepareFlags = 1 << 0
)

// persistentCacheSize bounds the number of cached Persistent statements.
const persistentCacheSize = 32

// Database is an open database.
type Database struct {
	path    string
	db      *sql.DB
	conn    *sql.Conn // Dedicated connection of all operations.
	untrack func()

	persistent *lru.Cache // Of *prepared by query.
	stmts      map[*Statement]struct{}
	groups     map[string]*Group
	lastErr    string
	closed     bool
}

// Open the database at |path| with the Options, through the driver and VFS of
// the Runtime. The Runtime is started if it hasn't been, and the Database is
// closed if the Runtime shuts down.
func Open(rt *engine.Runtime, path string, opts Options) (*Database, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	} else if err = rt.Startup(); err != nil {
		return nil, errors.WithMessage(err, "starting storage backend")
	}
	var driver, err = rt.DriverName()
	if err != nil {
		return nil, err
	}
	var hostVFS = rt.Config().VFS.Name
	if opts.VFS == "" {
		opts.VFS = hostVFS
	}

	if opts.mode() == ReadWriteCreate && opts.VFS == hostVFS {
		var fs, err = rt.VFS()
		if err != nil {
			return nil, err
		} else if err = fs.Env().Fs().MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.WithMessagef(err, "creating directory of %s", path)
		}
	}

	var d = &Database{
		path:   path,
		stmts:  make(map[*Statement]struct{}),
		groups: make(map[string]*Group),
	}
	if d.persistent, err = lru.NewWithEvict(persistentCacheSize, d.onEvict); err != nil {
		return nil, err
	}
	if d.db, err = sql.Open(driver, opts.dsn(path)); err != nil {
		return nil, errors.WithMessagef(err, "opening %s", path)
	}
	if d.conn, err = d.db.Conn(context.Background()); err != nil {
		log.WithFields(log.Fields{
			"path": path,
			"mode": opts.mode(),
			"err":  err,
		}).Warn("failed to open database")

		d.db.Close()
		return nil, errors.WithMessagef(err, "opening %s", path)
	}
	if opts.mode() != ReadOnly {
		err = d.setJournalMode(opts.JournalMode, opts.VFS == hostVFS)
	}
	if err != nil {
		d.conn.Close()
		d.db.Close()
		return nil, errors.WithMessagef(err, "opening %s", path)
	}
	if d.untrack, err = rt.Track(abandoner{d}); err != nil {
		d.conn.Close()
		d.db.Close()
		return nil, err
	}
	return d, nil
}

// Close the Database. Statements of its Groups are closed, and all other
// Statements must have been closed.
func (d *Database) Close() error {
	if d.closed {
		return ErrClosed
	}
	d.persistent.Purge()

	var result *multierror.Error
	for _, g := range d.groups {
		if err := g.Disconnect(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if len(d.stmts) != 0 {
		return errors.Errorf("database has %d open statements", len(d.stmts))
	}
	d.untrack()

	if err := d.close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (d *Database) close() error {
	d.closed = true

	var result *multierror.Error
	if err := d.conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// abandoner closes its Database on Runtime shutdown, whether or not it
// has open Statements. They're reset, and fail with ErrClosed thereafter.
type abandoner struct{ d *Database }

func (a abandoner) Close() error {
	if a.d.closed {
		return nil
	}
	for s := range a.d.stmts {
		s.Reset()
	}
	a.d.persistent.Purge()

	log.WithFields(log.Fields{
		"path":  a.d.path,
		"stmts": len(a.d.stmts),
	}).Debug("closing database at shutdown")

	return a.d.close()
}

// setJournalMode applies |mode|, if set. A VFS without shared memory
// supports WAL only in exclusive locking mode.
func (d *Database) setJournalMode(mode string, exclusive bool) error {
	if mode == "" {
		return nil
	}
	mode = strings.ToUpper(mode)

	if mode == "WAL" && exclusive {
		if err := d.Execute("PRAGMA locking_mode = EXCLUSIVE"); err != nil {
			return err
		}
	}
	var got string
	if err := d.conn.QueryRowContext(context.Background(), "PRAGMA journal_mode = "+mode).Scan(&got); err != nil {
		return d.fail(err)
	} else if !strings.EqualFold(got, mode) {
		return errors.Errorf("journal mode %s is unavailable (have %s)", mode, got)
	}
	return nil
}

// Filename returns the absolute path of the main database, or an empty
// string if it's a temporary or in-memory database.
func (d *Database) Filename() string {
	if d.closed {
		return ""
	}
	var name string
	if err := d.conn.QueryRowContext(context.Background(),
		"SELECT file FROM pragma_database_list WHERE name = 'main'").Scan(&name); err != nil {
		d.fail(err)
		return ""
	}
	return name
}

// Execute each of the statements of |query|, discarding any result rows.
func (d *Database) Execute(query string) error {
	if d.closed {
		return ErrClosed
	}
	if _, err := d.conn.ExecContext(context.Background(), query); err != nil {
		return d.fail(err)
	}
	return nil
}

// ExecuteRows prepares and executes the first statement of |query|,
// invoking |fn| for each result row. It returns the number of rows
// enumerated, or -1 and an error.
func (d *Database) ExecuteRows(query string, fn func(*Statement) RowResult) (int64, error) {
	var s, err = d.Prepare(query, 0)
	if err != nil {
		return -1, err
	}
	defer s.Close()

	return s.ExecuteRows(fn)
}

// Prepare the first statement of |query|.
func (d *Database) Prepare(query string, flags PrepareFlags) (*Statement, error) {
	if d.closed {
		return nil, ErrClosed
	}
	var persistent = flags&Persistent != 0

	if persistent {
		if v, ok := d.persistent.Get(query); ok && !v.(*prepared).inUse {
			return d.newStatement(v.(*prepared)), nil
		}
	}

	var p, err = d.prepare(query)
	if err != nil {
		log.WithFields(log.Fields{
			"sql": query,
			"err": err,
		}).Warn("failed to prepare statement")
		return nil, errors.WithMessage(d.fail(err), "preparing statement")
	}

	if persistent && !d.persistent.Contains(query) {
		p.cached = true
		d.persistent.Add(query, p)
	}
	return d.newStatement(p), nil
}

// LastError returns the message of the most recent failed operation.
func (d *Database) LastError() string { return d.lastErr }

// LastInsertRowID returns the rowid of the most recent successful INSERT,
// or zero if there hasn't been one.
func (d *Database) LastInsertRowID() int64 {
	if d.closed {
		return 0
	}
	var id int64
	if err := d.conn.QueryRowContext(context.Background(), "SELECT last_insert_rowid()").Scan(&id); err != nil {
		d.fail(err)
		return 0
	}
	return id
}

// ApplicationID returns the application ID of the database header.
func (d *Database) ApplicationID() (int32, error) { return d.pragmaInt32("application_id") }

// SetApplicationID sets the application ID of the database header.
func (d *Database) SetApplicationID(id int32) error {
	return d.Execute("PRAGMA application_id = " + strconv.FormatInt(int64(id), 10))
}

// UserVersion returns the user version of the database header.
func (d *Database) UserVersion() (int32, error) { return d.pragmaInt32("user_version") }

// SetUserVersion sets the user version of the database header.
func (d *Database) SetUserVersion(version int32) error {
	return d.Execute("PRAGMA user_version = " + strconv.FormatInt(int64(version), 10))
}

// QuickCheck runs a quick integrity check of the database, returning true
// if no problems were found.
func (d *Database) QuickCheck() (bool, error) {
	var result string
	var n, err = d.ExecuteRows("PRAGMA quick_check", func(s *Statement) RowResult {
		if s.Column(0, &result) != nil {
			return Error
		}
		return Stop
	})
	if err != nil {
		return false, err
	} else if n != 1 {
		return false, errors.New("quick_check returned no result")
	}
	if result != "ok" {
		log.WithFields(log.Fields{"path": d.path, "result": result}).Warn("database failed quick check")
	}
	return result == "ok", nil
}

func (d *Database) pragmaInt32(name string) (int32, error) {
	var out int32
	var n, err = d.ExecuteRows("PRAGMA "+name, func(s *Statement) RowResult {
		if s.Column(0, &out) != nil {
			return Error
		}
		return Stop
	})
	if err != nil {
		return 0, err
	} else if n != 1 {
		return 0, errors.Errorf("PRAGMA %s returned no result", name)
	}
	return out, nil
}

// fail records |err| as the last error of the Database, and returns it.
func (d *Database) fail(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		d.lastErr = se.Error()
	} else {
		d.lastErr = err.Error()
	}
	return err
}

// prepared is a compiled statement, which is used by at most one Statement
// at a time.
type prepared struct {
	query    string
	stmt     *sql.Stmt
	numInput int
	columns  []string
	names    map[string]int

	cached bool // Held by the persistent cache.
	inUse  bool // Held by an open Statement.
}

func (d *Database) prepare(query string) (*prepared, error) {
	var p = &prepared{query: query, names: parameterNames(query)}
	var ctx = context.Background()

	// Inspect the parameters and result columns of the statement directly,
	// as database/sql exposes neither before execution.
	if err := d.conn.Raw(func(dc interface{}) error {
		var conn, ok = dc.(*sqlite3.SQLiteConn)
		if !ok {
			return errors.Errorf("unexpected driver connection %T", dc)
		}
		var stmt, err = conn.Prepare(query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		p.numInput = stmt.NumInput()

		rows, err := stmt.Query(nil)
		if err != nil {
			return err
		}
		p.columns = rows.Columns()
		return rows.Close()
	}); err != nil {
		return nil, err
	}

	var err error
	if p.stmt, err = d.conn.PrepareContext(ctx, query); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *Database) newStatement(p *prepared) *Statement {
	p.inUse = true

	var s = &Statement{
		db:     d,
		p:      p,
		params: make([]interface{}, p.numInput),
	}
	d.stmts[s] = struct{}{}
	return s
}

// release the prepared statement of |s| on its Close.
func (d *Database) release(s *Statement) error {
	var p = s.p
	p.inUse = false
	delete(d.stmts, s)

	if p.cached {
		return nil
	}
	return p.stmt.Close()
}

func (d *Database) onEvict(_, v interface{}) {
	var p = v.(*prepared)
	p.cached = false

	if !p.inUse {
		if err := p.stmt.Close(); err != nil {
			log.WithFields(log.Fields{"sql": p.query, "err": err}).Warn("failed to close evicted statement")
		}
	}
}
