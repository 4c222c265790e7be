package backup

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/hostvfs/dbfile"
	"go.gazette.dev/hostvfs/host"
	"go.gazette.dev/hostvfs/vfs"
)

func TestSnapshotAndRestoreWithEachCodec(t *testing.T) {
	for _, codec := range []Codec{None, Gzip, Snappy, Zstd} {
		var fs, h = newTestFS(t)
		var content = fakeDatabase(1024, 5)
		require.NoError(t, afero.WriteFile(h.Filesystem, "/saves/slot.db", content, 0644))

		var archive bytes.Buffer
		var m, err = Snapshot(fs, "/saves/slot.db", &archive, codec)
		require.NoError(t, err, codec)

		require.Equal(t, FormatVersion, m.Version)
		require.Equal(t, "/saves/slot.db", m.Source)
		require.Equal(t, codec, m.Codec)
		require.Equal(t, int64(len(content)), m.Size)
		require.Equal(t, 1024, m.PageSize)
		require.Equal(t, int32(42), m.UserVersion)
		require.Equal(t, int32(-7), m.ApplicationID)
		require.Equal(t, "3.45.0", m.Library)
		require.NotEmpty(t, m.ID)

		verified, err := Verify(bytes.NewReader(archive.Bytes()))
		require.NoError(t, err, codec)
		require.True(t, m.Created.Equal(verified.Created))
		verified.Created = m.Created
		require.Equal(t, m, verified)

		restored, err := Restore(fs, bytes.NewReader(archive.Bytes()), "/restored/slot.db", false)
		require.NoError(t, err, codec)
		require.Equal(t, m.ID, restored.ID)

		out, err := afero.ReadFile(h.Filesystem, "/restored/slot.db")
		require.NoError(t, err)
		require.Equal(t, content, out, codec)
	}
}

func TestRestoreOverwritesOnlyIfAllowed(t *testing.T) {
	var fs, h = newTestFS(t)
	var content = fakeDatabase(512, 3)
	require.NoError(t, afero.WriteFile(h.Filesystem, "/a.db", content, 0644))
	// The existing database is longer than the archived one.
	require.NoError(t, afero.WriteFile(h.Filesystem, "/b.db", fakeDatabase(512, 8), 0644))

	var archive bytes.Buffer
	var _, err = Snapshot(fs, "/a.db", &archive, Snappy)
	require.NoError(t, err)

	_, err = Restore(fs, bytes.NewReader(archive.Bytes()), "/b.db", false)
	require.Error(t, err)

	// The existing database wasn't touched.
	out, err := afero.ReadFile(h.Filesystem, "/b.db")
	require.NoError(t, err)
	require.Len(t, out, 512*8)

	_, err = Restore(fs, bytes.NewReader(archive.Bytes()), "/b.db", true)
	require.NoError(t, err)

	out, err = afero.ReadFile(h.Filesystem, "/b.db")
	require.NoError(t, err)
	require.Equal(t, content, out)
}

func TestCorruptArchiveIsRejected(t *testing.T) {
	var fs, h = newTestFS(t)
	require.NoError(t, afero.WriteFile(h.Filesystem, "/a.db", fakeDatabase(1024, 2), 0644))

	var archive bytes.Buffer
	var _, err = Snapshot(fs, "/a.db", &archive, None)
	require.NoError(t, err)

	// Flip a bit of the final content byte, which immediately precedes the
	// checksum of uncompressed archives.
	var b = archive.Bytes()
	b[len(b)-5] ^= 0x01

	_, err = Verify(bytes.NewReader(b))
	require.Equal(t, ErrChecksum, err)

	_, err = Restore(fs, bytes.NewReader(b), "/b.db", false)
	require.Equal(t, ErrChecksum, err)

	// The partially restored database was removed.
	exists, err := afero.Exists(h.Filesystem, "/b.db")
	require.NoError(t, err)
	require.False(t, exists)

	// A truncated archive also fails.
	_, err = Verify(bytes.NewReader(b[:len(b)-2]))
	require.EqualError(t, err, "reading archive checksum: unexpected EOF")
}

func TestMalformedArchives(t *testing.T) {
	var _, err = ReadManifest(bytes.NewReader([]byte("NOTANARCHIVE")))
	require.EqualError(t, err, "not a database archive")

	_, err = ReadManifest(bytes.NewReader([]byte("HVF")))
	require.EqualError(t, err, "reading archive magic: unexpected EOF")

	var archive = func(codec Codec, manifest string) []byte {
		var b = append([]byte(Magic), byte(len(codec)))
		b = append(b, string(codec)...)
		b = binary.BigEndian.AppendUint32(b, uint32(len(manifest)))
		return append(b, manifest...)
	}

	_, err = ReadManifest(bytes.NewReader(archive(None, "version: 2\npageSize: 1024\n")))
	require.EqualError(t, err, "unsupported archive version 2")

	_, err = ReadManifest(bytes.NewReader(archive(Gzip, "version: 1\ncodec: none\npageSize: 1024\n")))
	require.EqualError(t, err, `archive codec "gzip" doesn't match manifest codec "none"`)

	_, err = ReadManifest(bytes.NewReader(archive(None, "version: 1\ncodec: none\npageSize: 0\n")))
	require.EqualError(t, err, "invalid manifest size 0 or page size 0")

	_, err = ReadManifest(bytes.NewReader(archive(None, "version: 1\ncodec: none\nextra: field\n")))
	require.Error(t, err)

	_, err = ReadManifest(bytes.NewReader(archive("lz4", "version: 1\ncodec: lz4\npageSize: 1024\n")))
	require.Error(t, err)
}

func TestSnapshotOfEmptyAndForeignFiles(t *testing.T) {
	var fs, h = newTestFS(t)
	require.NoError(t, afero.WriteFile(h.Filesystem, "/empty.db", nil, 0644))
	require.NoError(t, afero.WriteFile(h.Filesystem, "/notes.txt", []byte("not a database at all"), 0644))

	var archive bytes.Buffer
	var m, err = Snapshot(fs, "/empty.db", &archive, Gzip)
	require.NoError(t, err)
	require.Equal(t, int64(0), m.Size)
	require.Equal(t, vfs.SectorSize, m.PageSize)
	require.Empty(t, m.Library)

	_, err = Restore(fs, &archive, "/restored.db", false)
	require.NoError(t, err)
	out, err := afero.ReadFile(h.Filesystem, "/restored.db")
	require.NoError(t, err)
	require.Empty(t, out)

	_, err = Snapshot(fs, "/notes.txt", &archive, Gzip)
	require.Error(t, err)
	_, err = Snapshot(fs, "/missing.db", &archive, Gzip)
	require.Error(t, err)
	_, err = Snapshot(fs, "/empty.db", &archive, Codec("lz4"))
	require.Error(t, err)
}

func TestRoundTripOfEngineDatabase(t *testing.T) {
	var dir = t.TempDir()
	var src, dst = filepath.Join(dir, "src.db"), filepath.Join(dir, "dst.db")

	var db, err = sql.Open("sqlite3", src)
	require.NoError(t, err)
	for _, stmt := range []string{
		"PRAGMA user_version = 3",
		"CREATE TABLE inventory (slot INTEGER PRIMARY KEY, item TEXT)",
		"INSERT INTO inventory (item) VALUES ('sword'), ('shield'), ('potion')",
	} {
		_, err = db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	require.NoError(t, db.Close())

	fs, err := vfs.New(vfs.Config{}, host.OS())
	require.NoError(t, err)

	var archive bytes.Buffer
	m, err := Snapshot(fs, src, &archive, Zstd)
	require.NoError(t, err)
	require.Equal(t, int32(3), m.UserVersion)
	require.NotEmpty(t, m.Library)

	_, err = Restore(fs, &archive, dst, false)
	require.NoError(t, err)

	f, _, err := fs.Open(dst, vfs.OpenReadOnly|vfs.OpenMainDB)
	require.NoError(t, err)
	kind, err := dbfile.Classify(f)
	require.NoError(t, err)
	require.Equal(t, dbfile.KindDatabase, kind)
	require.NoError(t, f.Close())

	db, err = sql.Open("sqlite3", dst)
	require.NoError(t, err)
	defer db.Close()

	var items []string
	rows, err := db.Query("SELECT item FROM inventory ORDER BY slot")
	require.NoError(t, err)
	for rows.Next() {
		var item string
		require.NoError(t, rows.Scan(&item))
		items = append(items, item)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []string{"sword", "shield", "potion"}, items)
}

func newTestFS(t *testing.T) (*vfs.FS, *host.Host) {
	var h = host.Memory()
	var fs, err = vfs.New(vfs.Config{}, h)
	require.NoError(t, err)
	return fs, h
}

// fakeDatabase returns |pages| pages of |pageSize| having a valid database
// header, followed by pseudorandom content.
func fakeDatabase(pageSize, pages int) []byte {
	var b = make([]byte, pageSize*pages)
	rand.New(rand.NewSource(int64(pages))).Read(b[dbfile.HeaderSize:])

	copy(b, dbfile.Magic)
	binary.BigEndian.PutUint16(b[16:], uint16(pageSize))
	b[18], b[19] = 1, 1
	b[21], b[22], b[23] = 64, 32, 32
	binary.BigEndian.PutUint32(b[28:], uint32(pages))
	binary.BigEndian.PutUint32(b[44:], 4)
	binary.BigEndian.PutUint32(b[56:], uint32(dbfile.EncodingUTF8))
	binary.BigEndian.PutUint32(b[60:], 42)
	binary.BigEndian.PutUint32(b[68:], uint32(0xfffffff9))
	binary.BigEndian.PutUint32(b[96:], 3045000)
	return b
}
