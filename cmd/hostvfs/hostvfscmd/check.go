package hostvfscmd

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"go.gazette.dev/hostvfs/backup"
	"go.gazette.dev/hostvfs/engine"
	"go.gazette.dev/hostvfs/mutex"
	"go.gazette.dev/hostvfs/sqldb"
	"go.gazette.dev/hostvfs/status"
	"go.gazette.dev/hostvfs/vfs"
)

type cmdCheck struct {
	Dir  string `long:"dir" description:"Directory within which checks create their files. Defaults to a new directory under the VFS scratch directory"`
	Keep bool   `long:"keep" description:"Don't remove the check directory on completion"`
}

func init() {
	CommandRegistry.AddCommand("", "check", "Check the storage backend end-to-end", `
Run a suite of end-to-end checks of the storage backend over the host filesystem.

Checks exercise the VFS directly (file creation and round-trips, exclusive
creation, short reads, and read-only registration), the mutex table of the
engine, prepared statements of a database opened through the engine, and a
backup and restore of that database.

Results are printed as a table. The command fails if any check fails.

Examples:

# Run checks within a specific directory, and keep the files they create:
hostvfs check --dir /var/lib/game/check --keep
`, &cmdCheck{})
}

func (cmd *cmdCheck) Execute([]string) error {
	var rt, onPanic = startup()
	defer onPanic()
	defer shutdown(rt)

	var dir, cleanup, err = cmd.directory(rt)
	if err != nil {
		return err
	}
	defer cleanup()

	var results = runChecks(rt, dir)

	var table = tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Check", "Result", "Duration", "Detail"})

	var failed int
	for _, r := range results {
		var result, detail = "ok", ""
		if r.Err != nil {
			result, detail = "FAILED", r.Err.Error()
			failed++
		}
		if err = table.Append([]string{r.Name, result, r.Duration.Round(time.Microsecond).String(), detail}); err != nil {
			return errors.WithMessage(err, "appending table row")
		}
	}
	if err = table.Render(); err != nil {
		return errors.WithMessage(err, "rendering table")
	}

	if failed != 0 {
		return errors.Errorf("%d of %d checks failed", failed, len(results))
	}
	return nil
}

func (cmd *cmdCheck) directory(rt *engine.Runtime) (string, func(), error) {
	var fs, err = rt.VFS()
	if err != nil {
		return "", nil, err
	}
	var afs = fs.Env().Fs()

	var dir = cmd.Dir
	if dir == "" {
		dir = filepath.Join(fs.ScratchDir(), "check-"+uuid.NewString())
	}
	if err = afs.MkdirAll(dir, 0755); err != nil {
		return "", nil, errors.WithMessagef(err, "creating %s", dir)
	}

	return dir, func() {
		if cmd.Keep {
			return
		}
		if err := afs.RemoveAll(dir); err != nil {
			log.WithFields(log.Fields{"dir": dir, "err": err}).Warn("failed to remove check directory")
		}
	}, nil
}

// checkResult is the outcome of a named check.
type checkResult struct {
	Name     string
	Err      error
	Duration time.Duration
}

type check struct {
	name string
	fn   func(rt *engine.Runtime, fs *vfs.FS, dir string) error
}

var checks = []check{
	{"create-write-reopen-delete", checkRoundTrip},
	{"exclusive-create-of-existing", checkExclusiveCreate},
	{"short-read-zero-fills", checkShortRead},
	{"read-only-registration", checkReadOnlyRegistration},
	{"mutex-identity", checkMutexes},
	{"prepared-statements", checkStatements},
	{"backup-and-restore", checkBackup},
}

// runChecks runs each check in sequence within |dir|.
func runChecks(rt *engine.Runtime, dir string) []checkResult {
	var results []checkResult

	for _, c := range checks {
		var started = time.Now()
		var fs, err = rt.VFS()

		if err == nil {
			err = c.fn(rt, fs, dir)
		}
		results = append(results, checkResult{
			Name:     c.name,
			Err:      err,
			Duration: time.Since(started),
		})
		log.WithFields(log.Fields{"check": c.name, "err": err}).Debug("ran check")
	}
	return results
}

func checkRoundTrip(_ *engine.Runtime, fs *vfs.FS, dir string) error {
	var path = filepath.Join(dir, "test.db")
	var data = make([]byte, 100)
	fs.Randomness(data)

	f, _, err := fs.Open(path, vfs.OpenCreate|vfs.OpenReadWrite|vfs.OpenMainDB)
	if err != nil {
		return errors.WithMessage(err, "creating")
	}
	if err = f.Write(data, 0); err == nil {
		err = f.Sync(vfs.SyncNormal)
	}
	f.Close()

	if err != nil {
		return errors.WithMessage(err, "writing")
	}

	if f, _, err = fs.Open(path, vfs.OpenReadOnly|vfs.OpenMainDB); err != nil {
		return errors.WithMessage(err, "re-opening")
	}
	var got = make([]byte, len(data))
	err = f.Read(got, 0)
	f.Close()

	if err != nil {
		return errors.WithMessage(err, "reading")
	} else if !bytes.Equal(got, data) {
		return errors.New("read content doesn't match written content")
	}

	if err = fs.Delete(path, false); err != nil {
		return errors.WithMessage(err, "deleting")
	}
	if exists, err := fs.Access(path, vfs.AccessExists); err != nil {
		return errors.WithMessage(err, "checking access")
	} else if exists {
		return errors.New("file exists after its delete")
	}
	return nil
}

func checkExclusiveCreate(_ *engine.Runtime, fs *vfs.FS, dir string) error {
	var path = filepath.Join(dir, "exclusive.db")
	var afs = fs.Env().Fs()

	if err := afero.WriteFile(afs, path, []byte("original"), 0644); err != nil {
		return err
	}
	defer fs.Delete(path, false)

	var f, _, err = fs.Open(path, vfs.OpenCreate|vfs.OpenReadWrite|vfs.OpenExclusive)
	if err == nil {
		f.Close()
	}
	if status.Of(err) != status.IOErr {
		return errors.Errorf("expected %s, got %v", status.IOErr, err)
	}

	if content, err := afero.ReadFile(afs, path); err != nil {
		return err
	} else if string(content) != "original" {
		return errors.New("file was modified by a failed exclusive open")
	}
	return nil
}

func checkShortRead(_ *engine.Runtime, fs *vfs.FS, dir string) error {
	var path = filepath.Join(dir, "short.db")

	f, _, err := fs.Open(path, vfs.OpenCreate|vfs.OpenReadWrite|vfs.OpenDeleteOnClose)
	if err != nil {
		return err
	}
	defer f.Close()

	if err = f.Write([]byte("0123456789"), 0); err != nil {
		return err
	}
	var buf = bytes.Repeat([]byte{0xff}, 20)

	if err = f.Read(buf, 0); err != status.IOErrShortRead {
		return errors.Errorf("expected %s, got %v", status.IOErrShortRead, err)
	} else if string(buf[:10]) != "0123456789" {
		return errors.New("short read returned wrong content")
	} else if !bytes.Equal(buf[10:], make([]byte, 10)) {
		return errors.New("short read didn't zero-fill its buffer")
	}
	return nil
}

func checkReadOnlyRegistration(_ *engine.Runtime, fs *vfs.FS, dir string) error {
	var path = filepath.Join(dir, "readonly.db")

	if err := afero.WriteFile(fs.Env().Fs(), path, []byte("read me"), 0444); err != nil {
		return err
	}
	defer fs.Delete(path, false)

	// Race two read-only opens of the path. Exactly one may win.
	var files [2]vfs.File
	var grp errgroup.Group

	for i := range files {
		grp.Go(func() error {
			var f, _, err = fs.Open(path, vfs.OpenReadOnly|vfs.OpenMainDB)
			if err == nil {
				files[i] = f
			}
			return nil
		})
	}
	_ = grp.Wait()

	var winners int
	for _, f := range files {
		if f != nil {
			winners++
			f.Close()
		}
	}

	if winners != 1 {
		return errors.Errorf("expected one read-only open to succeed, but %d did", winners)
	} else if fs.IsOpenReadOnly(path) {
		return errors.New("path is registered after its close")
	}
	return nil
}

func checkMutexes(rt *engine.Runtime, _ *vfs.FS, _ string) error {
	var t = rt.Mutexes()

	if t.Alloc(mutex.StaticLRU) != t.Alloc(mutex.StaticLRU) {
		return errors.New("static mutexes of the same ID are distinct")
	}

	var a, b = t.Alloc(mutex.Fast), t.Alloc(mutex.Fast)
	defer t.Free(a)
	defer t.Free(b)

	if a == b {
		return errors.New("fast mutexes are not distinct")
	}
	t.Enter(a)
	defer t.Leave(a)

	if err := t.Try(b); err != nil {
		return errors.WithMessage(err, "entering a second fast mutex")
	}
	t.Leave(b)

	return nil
}

func checkStatements(rt *engine.Runtime, _ *vfs.FS, dir string) error {
	var db, err = sqldb.Open(rt, filepath.Join(dir, "statements.db"), sqldb.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	if err = db.Execute("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)"); err != nil {
		return err
	}

	stmt, err := db.Prepare("INSERT INTO items (name) VALUES (:name)", sqldb.Persistent)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, name := range []string{"sword", "shield", "potion"} {
		if err = stmt.BindNamed("name", name); err != nil {
			return err
		} else if err = stmt.Execute(); err != nil {
			return err
		}
	}
	if id := db.LastInsertRowID(); id != 3 {
		return errors.Errorf("expected last insert rowid 3, got %d", id)
	}

	var names []string
	if _, err = db.ExecuteRows("SELECT name FROM items ORDER BY id", func(s *sqldb.Statement) sqldb.RowResult {
		var name string
		if s.ColumnByName("name", &name) != nil {
			return sqldb.Error
		}
		names = append(names, name)
		return sqldb.Continue
	}); err != nil {
		return err
	} else if len(names) != 3 || names[2] != "potion" {
		return errors.Errorf("unexpected query result %v", names)
	}

	if ok, err := db.QuickCheck(); err != nil {
		return err
	} else if !ok {
		return errors.New("database failed its quick check")
	}
	return nil
}

func checkBackup(rt *engine.Runtime, fs *vfs.FS, dir string) error {
	var src, dst = filepath.Join(dir, "backup-src.db"), filepath.Join(dir, "backup-dst.db")

	var db, err = sqldb.Open(rt, src, sqldb.Options{})
	if err != nil {
		return err
	}
	if err = db.Execute("CREATE TABLE saves (slot INTEGER PRIMARY KEY, body BLOB); " +
		"INSERT INTO saves (body) VALUES (randomblob(20000))"); err == nil {
		err = db.SetUserVersion(12)
	}
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	var archive bytes.Buffer
	if _, err = backup.Snapshot(fs, src, &archive, backup.Zstd); err != nil {
		return errors.WithMessage(err, "snapshot")
	} else if _, err = backup.Restore(fs, &archive, dst, false); err != nil {
		return errors.WithMessage(err, "restore")
	}

	if db, err = sqldb.Open(rt, dst, sqldb.Options{Mode: sqldb.ReadOnly}); err != nil {
		return err
	}
	defer db.Close()

	if v, err := db.UserVersion(); err != nil {
		return err
	} else if v != 12 {
		return errors.Errorf("expected restored user version 12, got %d", v)
	}
	return nil
}
