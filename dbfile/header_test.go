package dbfile

import (
	"database/sql"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/hostvfs/host"
	"go.gazette.dev/hostvfs/vfs"
)

func TestReadHeaderOfEngineDatabase(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "test.db")

	var db, err = sql.Open("sqlite3", path)
	require.NoError(t, err)
	for _, stmt := range []string{
		"PRAGMA page_size = 8192",
		"PRAGMA user_version = 7",
		"PRAGMA application_id = 1684234849",
		"CREATE TABLE saves (id INTEGER PRIMARY KEY, body BLOB)",
		"INSERT INTO saves (body) VALUES (zeroblob(20000))",
	} {
		_, err = db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	require.NoError(t, db.Close())

	var fs = newFS(t, host.OS())
	f, _, err := fs.Open(path, vfs.OpenReadWrite|vfs.OpenMainDB)
	require.NoError(t, err)
	defer f.Close()

	h, err := ReadHeader(f)
	require.NoError(t, err)

	require.False(t, h.Empty)
	require.Equal(t, 8192, h.PageSize)
	require.Equal(t, int32(7), h.UserVersion)
	require.Equal(t, int32(1684234849), h.ApplicationID)
	require.Equal(t, EncodingUTF8, h.TextEncoding)
	require.Equal(t, uint32(4), h.SchemaFormat)
	require.NotZero(t, h.SchemaCookie)
	require.True(t, h.InHeaderPageCountValid())

	size, err := f.FileSize()
	require.NoError(t, err)
	require.Equal(t, size, h.DatabaseSize())

	var _, number, _ = sqlite3.Version()
	require.Equal(t, uint32(number), h.LibraryVersion)

	kind, err := Classify(f)
	require.NoError(t, err)
	require.Equal(t, KindDatabase, kind)
}

func TestClassifyWAL(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "test.db")

	var db, err = sql.Open("sqlite3", path+"?_journal_mode=WAL")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	_, err = db.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO kv VALUES ('a', 'b')")
	require.NoError(t, err)

	var fs = newFS(t, host.OS())
	f, _, err := fs.Open(path+"-wal", vfs.OpenReadWrite|vfs.OpenWAL)
	require.NoError(t, err)
	defer f.Close()

	kind, err := Classify(f)
	require.NoError(t, err)
	require.Equal(t, KindWAL, kind)

	_, err = ReadHeader(f)
	require.Equal(t, ErrNotDatabase, err)
}

func TestEmptyAndForeignFiles(t *testing.T) {
	var fs = newFS(t, host.Memory())

	var f, _, err = fs.Open("/empty.db", vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenMainDB)
	require.NoError(t, err)

	h, err := ReadHeader(f)
	require.NoError(t, err)
	require.Equal(t, Header{Empty: true}, h)

	kind, err := Classify(f)
	require.NoError(t, err)
	require.Equal(t, KindEmpty, kind)

	// A short file is neither empty nor a database.
	require.NoError(t, f.Write([]byte("SQLite"), 0))
	_, err = ReadHeader(f)
	require.EqualError(t, err, "truncated header (6 bytes): file is not a database")
	kind, err = Classify(f)
	require.NoError(t, err)
	require.Equal(t, KindUnknown, kind)

	var journal [512]byte
	binary.BigEndian.PutUint32(journal[:], hotJournalHeader)
	require.NoError(t, f.Write(journal[:], 0))

	_, err = ReadHeader(f)
	require.Equal(t, ErrNotDatabase, err)
	kind, err = Classify(f)
	require.NoError(t, err)
	require.Equal(t, KindJournal, kind)

	require.NoError(t, f.Close())
}

func TestParseHeader(t *testing.T) {
	var b = make([]byte, HeaderSize)
	copy(b, Magic)
	// Page size of 65536, with three pages.
	binary.BigEndian.PutUint16(b[16:], 1)
	b[18], b[19], b[20] = 1, 1, 0
	binary.BigEndian.PutUint32(b[24:], 9)
	binary.BigEndian.PutUint32(b[28:], 3)
	binary.BigEndian.PutUint32(b[48:], 0xfffff830)
	binary.BigEndian.PutUint32(b[56:], 2)
	binary.BigEndian.PutUint32(b[60:], 0xffffffff)
	binary.BigEndian.PutUint32(b[92:], 9)
	binary.BigEndian.PutUint32(b[96:], 3046001)

	var h, err = ParseHeader(b)
	require.NoError(t, err)
	require.Equal(t, 65536, h.PageSize)
	require.Equal(t, int32(-2000), h.DefaultCacheSize)
	require.Equal(t, int32(-1), h.UserVersion)
	require.Equal(t, EncodingUTF16LE, h.TextEncoding)
	require.Equal(t, "UTF-16le", h.TextEncoding.String())
	require.Equal(t, "3.46.1", h.Version())
	require.Equal(t, int64(3*65536), h.DatabaseSize())

	// A stale in-header page count is ignored.
	binary.BigEndian.PutUint32(b[92:], 8)
	h, err = ParseHeader(b)
	require.NoError(t, err)
	require.False(t, h.InHeaderPageCountValid())
	require.Zero(t, h.DatabaseSize())

	binary.BigEndian.PutUint16(b[16:], 1000)
	_, err = ParseHeader(b)
	require.EqualError(t, err, "invalid page size 1000: file is not a database")

	_, err = ParseHeader(b[:50])
	require.Equal(t, ErrNotDatabase, err)
}

func newFS(t *testing.T, env host.Env) *vfs.FS {
	var fs, err = vfs.New(vfs.Config{}, env)
	require.NoError(t, err)
	return fs
}
