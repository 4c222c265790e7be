package hostvfscmd

import (
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hostvfs/backup"
	mbp "go.gazette.dev/hostvfs/mainboilerplate"
	"gopkg.in/yaml.v2"
)

type cmdDBBackup struct {
	Codec  string `long:"codec" short:"c" choice:"none" choice:"gzip" choice:"snappy" choice:"zstd" default:"zstd" description:"Compression codec of the archive"`
	Output string `long:"output" short:"O" default:"-" description:"Path of the written archive. Use '-' for stdout"`
	Args   struct {
		Path string `positional-arg-name:"database" required:"1"`
	} `positional-args:"yes"`
}

type cmdDBRestore struct {
	Input     string `long:"input" short:"i" default:"-" description:"Path of the archive to restore. Use '-' for stdin"`
	Overwrite bool   `long:"overwrite" description:"Replace the database if it exists"`
	Args      struct {
		Path string `positional-arg-name:"database" required:"1"`
	} `positional-args:"yes"`
}

type cmdDBVerify struct {
	Args struct {
		Archive string `positional-arg-name:"archive" required:"1"`
	} `positional-args:"yes"`
}

func init() {
	CommandRegistry.AddCommand("db", "backup", "Snapshot a database into an archive", `
Snapshot a database into a compressed archive.

The database is read through the VFS while holding a shared lock, which blocks
writers of the database for the duration of the snapshot. A database in WAL
mode must be checkpointed first, as its WAL isn't archived.

Examples:

# Snapshot a database into a zstd-compressed archive:
hostvfs db backup /var/lib/game/saves/slot1.db --output slot1.hvfsbak

# Snapshot with gzip, streaming the archive to another host:
hostvfs db backup --codec gzip slot1.db | ssh backups 'cat > slot1.hvfsbak'
`, &cmdDBBackup{})

	CommandRegistry.AddCommand("db", "restore", "Restore a database from an archive", `
Restore a database from an archive written by "db backup".

It's an error for the database to exist, unless --overwrite is given. Content
is verified against the archive checksum, and if restoration fails for any
reason the database file is removed.

Examples:

# Restore an archive to a new database:
hostvfs db restore --input slot1.hvfsbak /var/lib/game/saves/slot1.db
`, &cmdDBRestore{})

	CommandRegistry.AddCommand("db", "verify", "Verify the checksum of an archive", `
Verify an archive written by "db backup" against its checksum, and print its
manifest as YAML.
`, &cmdDBVerify{})
}

func (cmd *cmdDBBackup) Execute([]string) error {
	var rt, onPanic = startup()
	defer onPanic()
	defer shutdown(rt)

	var fs, err = rt.VFS()
	mbp.Must(err, "storage backend isn't ready")

	var w io.WriteCloser = nopWriteCloser{os.Stdout}
	if cmd.Output != "-" {
		if w, err = fs.Env().Fs().Create(cmd.Output); err != nil {
			return errors.WithMessagef(err, "creating %s", cmd.Output)
		}
	}

	m, err := backup.Snapshot(fs, cmd.Args.Path, w, backup.Codec(cmd.Codec))
	if cerr := w.Close(); err == nil && cerr != nil {
		err = errors.WithMessage(cerr, "closing archive")
	}
	if err != nil {
		if cmd.Output != "-" {
			_ = fs.Env().Fs().Remove(cmd.Output)
		}
		return err
	}

	log.WithFields(log.Fields{
		"database": m.Source,
		"size":     humanize.IBytes(uint64(m.Size)),
		"codec":    m.Codec,
		"id":       m.ID,
	}).Warn("wrote database archive")

	return nil
}

func (cmd *cmdDBRestore) Execute([]string) error {
	var rt, onPanic = startup()
	defer onPanic()
	defer shutdown(rt)

	var fs, err = rt.VFS()
	mbp.Must(err, "storage backend isn't ready")

	var r io.ReadCloser = os.Stdin
	if cmd.Input != "-" {
		if r, err = fs.Env().Fs().Open(cmd.Input); err != nil {
			return errors.WithMessagef(err, "opening %s", cmd.Input)
		}
	}
	defer r.Close()

	m, err := backup.Restore(fs, r, cmd.Args.Path, cmd.Overwrite)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"database": cmd.Args.Path,
		"size":     humanize.IBytes(uint64(m.Size)),
		"created":  humanize.Time(m.Created),
		"id":       m.ID,
	}).Warn("restored database archive")

	return nil
}

func (cmd *cmdDBVerify) Execute([]string) error {
	var rt, onPanic = startup()
	defer onPanic()
	defer shutdown(rt)

	var fs, err = rt.VFS()
	mbp.Must(err, "storage backend isn't ready")

	f, err := fs.Env().Fs().Open(cmd.Args.Archive)
	if err != nil {
		return errors.WithMessagef(err, "opening %s", cmd.Args.Archive)
	}
	defer f.Close()

	m, err := backup.Verify(f)
	if err != nil {
		return err
	}
	b, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(b)
	return err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
