package vfs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/hostvfs/host"
	"go.gazette.dev/hostvfs/status"
)

func TestOpenRequiresCreateForMissingFiles(t *testing.T) {
	var fs, h = newTestFS(t)

	var _, _, err = fs.Open("/data/missing.db", OpenReadWrite|OpenMainDB)
	require.Equal(t, status.IOErr, err)

	exists, err := afero.Exists(h.Filesystem, "/data/missing.db")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, h.Filesystem.MkdirAll("/data", 0755))
	f, outFlags, err := fs.Open("/data/missing.db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)
	require.Equal(t, OpenReadWrite|OpenCreate|OpenMainDB, outFlags)
	require.NoError(t, f.Close())

	ok, err := fs.Access("/data/missing.db", AccessExists)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExclusiveCreateOfExistingFileFails(t *testing.T) {
	var fs, h = newTestFS(t)
	require.NoError(t, afero.WriteFile(h.Filesystem, "/db", []byte("keep me"), 0644))

	var _, _, err = fs.Open("/db", OpenReadWrite|OpenCreate|OpenExclusive)
	require.Equal(t, status.IOErr, err)

	content, err := afero.ReadFile(h.Filesystem, "/db")
	require.NoError(t, err)
	require.Equal(t, "keep me", string(content))

	var msg = make([]byte, 128)
	var n = fs.GetLastError(msg)
	require.Equal(t, "open /db: file already exists", string(msg[:n]))
	require.Equal(t, byte(0), msg[n])
}

func TestReadOnlyOpenIsForcedAndExclusive(t *testing.T) {
	var fs, h = newTestFS(t)
	require.NoError(t, afero.WriteFile(h.Filesystem, "/assets/level.db", []byte("level"), 0444))

	// Without the read-only flag, a read-only file cannot be opened.
	var _, _, err = fs.Open("/assets/level.db", OpenReadWrite)
	require.Equal(t, status.IOErr, err)

	f, outFlags, err := fs.Open("/assets/level.db", OpenReadOnly|OpenReadWrite|OpenMainDB)
	require.NoError(t, err)
	require.Equal(t, OpenReadOnly|OpenMainDB, outFlags)
	require.True(t, fs.IsOpenReadOnly("/assets/level.db"))
	require.True(t, fs.IsOpenReadOnly("/assets/../assets/level.db"))

	var p = make([]byte, 5)
	require.NoError(t, f.Read(p, 0))
	require.Equal(t, "level", string(p))

	// A second read-only open of the same canonical path is refused.
	_, _, err = fs.Open("/assets/./level.db", OpenReadOnly)
	require.Equal(t, status.IOErr, err)

	require.NoError(t, f.Close())
	require.False(t, fs.IsOpenReadOnly("/assets/level.db"))

	f, _, err = fs.Open("/assets/level.db", OpenReadOnly)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestConcurrentReadOnlyOpensHaveOneWinner(t *testing.T) {
	var fs, h = newTestFS(t)
	require.NoError(t, afero.WriteFile(h.Filesystem, "/shared.db", []byte("x"), 0444))

	const racers = 16
	var files = make([]File, racers)
	var errs = make([]error, racers)
	var start = make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i != racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			files[i], _, errs[i] = fs.Open("/shared.db", OpenReadOnly)
		}(i)
	}
	close(start)
	wg.Wait()

	var winners int
	for i := range files {
		if errs[i] == nil {
			winners++
			require.NoError(t, files[i].Close())
		} else {
			require.Equal(t, status.IOErr, errs[i])
		}
	}
	require.Equal(t, 1, winners)
	require.False(t, fs.IsOpenReadOnly("/shared.db"))
}

func TestTemporaryFiles(t *testing.T) {
	var fs, h = newTestFS(t)

	var f, _, err = fs.Open("", OpenReadWrite|OpenCreate|OpenDeleteOnClose|OpenTempJournal)
	require.NoError(t, err)
	require.NoError(t, f.Write([]byte("scratch"), 0))

	var names []string
	require.NoError(t, afero.Walk(h.Filesystem, "/tmp/hostvfs", func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			names = append(names, path)
		}
		return err
	}))
	require.Len(t, names, 1)
	require.True(t, strings.HasPrefix(names[0], "/tmp/hostvfs/hostvfs-"))
	require.True(t, strings.HasSuffix(names[0], ".tmp"))

	require.NoError(t, f.Close())
	exists, err := afero.Exists(h.Filesystem, names[0])
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDeleteOnCloseEvictsCachedPath(t *testing.T) {
	var fs, h = newTestFS(t)
	require.NoError(t, h.Filesystem.MkdirAll("/data", 0755))

	var f, _, err = fs.Open("/data/scratch.db", OpenReadWrite|OpenCreate|OpenDeleteOnClose|OpenTempDB)
	require.NoError(t, err)
	require.False(t, fs.IsOpenReadOnly("/data/scratch.db")) // Resolves and caches the path.
	require.True(t, fs.paths.Contains("/data/scratch.db"))

	require.NoError(t, f.Close())
	require.False(t, fs.paths.Contains("/data/scratch.db"))

	exists, err := afero.Exists(h.Filesystem, "/data/scratch.db")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDelete(t *testing.T) {
	var fs, h = newTestFS(t)
	require.NoError(t, afero.WriteFile(h.Filesystem, "/dir/db-journal", []byte("j"), 0644))

	require.NoError(t, fs.Delete("/dir/db-journal", true))
	ok, err := fs.Access("/dir/db-journal", AccessExists)
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting a missing path succeeds.
	require.NoError(t, fs.Delete("/dir/db-journal", false))

	// Directories are deleted too.
	require.NoError(t, fs.Delete("/dir", false))
	ok, err = fs.Access("/dir", AccessExists)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteOfNonEmptyDirectoryFails(t *testing.T) {
	var fs, err = New(Config{}, host.OS())
	require.NoError(t, err)

	var dir = filepath.Join(t.TempDir(), "dir")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), nil, 0644))

	require.Equal(t, status.IOErrDelete, fs.Delete(dir, false))
	require.NoError(t, os.Remove(filepath.Join(dir, "f")))
	require.NoError(t, fs.Delete(dir, true))
}

func TestAccess(t *testing.T) {
	var fs, h = newTestFS(t)
	require.NoError(t, afero.WriteFile(h.Filesystem, "/rw.db", nil, 0644))
	require.NoError(t, afero.WriteFile(h.Filesystem, "/ro.db", nil, 0444))

	for _, tc := range []struct {
		name   string
		mode   AccessFlag
		expect bool
	}{
		{"/rw.db", AccessExists, true},
		{"/rw.db", AccessReadWrite, true},
		{"/rw.db", AccessRead, true},
		{"/ro.db", AccessExists, true},
		{"/ro.db", AccessReadWrite, false},
		{"/ro.db", AccessRead, true},
		{"/missing.db", AccessExists, false},
		{"/missing.db", AccessReadWrite, false},
		{"/", AccessExists, true},
	} {
		var ok, err = fs.Access(tc.name, tc.mode)
		require.NoError(t, err)
		require.Equal(t, tc.expect, ok, "%s %d", tc.name, tc.mode)
	}
}

func TestFullPathname(t *testing.T) {
	var fs, _ = newTestFS(t)

	var out = make([]byte, 64)
	var n, err = fs.FullPathname("saves/../saves/slot1.db", out)
	require.NoError(t, err)
	require.Equal(t, "/saves/slot1.db", string(out[:n]))
	require.Equal(t, byte(0), out[n])

	// Truncated to fit, and always terminated.
	out = make([]byte, 8)
	n, err = fs.FullPathname("/saves/slot1.db", out)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, []byte("/saves/\x00"), out)

	_, err = fs.FullPathname("/x", nil)
	require.Equal(t, status.CantOpen, err)
}

func TestRandomness(t *testing.T) {
	var fs, h = newTestFS(t)
	h.Seeds = func() int64 { return 42 }

	var a, b = make([]byte, 7), make([]byte, 7)
	require.Equal(t, 7, fs.Randomness(a))
	require.Equal(t, 7, fs.Randomness(b))
	require.Equal(t, a, b) // Same seed, same stream.
	require.NotEqual(t, make([]byte, 7), a)

	require.Equal(t, 0, fs.Randomness(nil))

	var seed int64
	h.Seeds = func() int64 { seed++; return seed }

	var c, d = make([]byte, 16), make([]byte, 16)
	fs.Randomness(c)
	fs.Randomness(d)
	require.NotEqual(t, c, d)
}

func TestSleepAndTime(t *testing.T) {
	var fs, h = newTestFS(t)
	var slept time.Duration
	h.Sleeper = func(d time.Duration) { slept += d }
	h.SleepGranularity = time.Millisecond

	require.Equal(t, 2000, fs.Sleep(1500))
	require.Equal(t, 2*time.Millisecond, slept)

	h.Clock = func() time.Time { return time.Unix(0, 0) }
	jd, err := fs.CurrentTime()
	require.NoError(t, err)
	require.Equal(t, 2440587.5, jd)

	ms, err := fs.CurrentTimeInt64()
	require.NoError(t, err)
	require.Equal(t, int64(210866760000000), ms)

	// One day and one millisecond later, in another zone.
	h.Clock = func() time.Time {
		return time.Unix(86400, int64(time.Millisecond)).In(time.FixedZone("X", 3600))
	}
	ms, err = fs.CurrentTimeInt64()
	require.NoError(t, err)
	require.Equal(t, int64(210866760000000+86400000+1), ms)

	jd, err = fs.CurrentTime()
	require.NoError(t, err)
	require.InDelta(t, 2440588.5, jd, 1e-6)
}

func TestRegistration(t *testing.T) {
	var fs, err = New(Config{Name: "saves", MaxPathname: 512}, host.Memory())
	require.NoError(t, err)

	var reg = fs.Registration()
	require.Equal(t, "saves", reg.Name)
	require.Equal(t, 3, reg.Version)
	require.Equal(t, 1, reg.FileVersion)
	require.Equal(t, 512, reg.MaxPathname)
	require.Equal(t, VFS(fs), reg.VFS)

	fs, err = New(Config{}, host.Memory())
	require.NoError(t, err)
	require.Equal(t, DefaultName, fs.Registration().Name)
	require.Equal(t, DefaultMaxPathname, fs.Registration().MaxPathname)
}

func TestEndToEndOnDisk(t *testing.T) {
	var fs, err = New(Config{PathCacheSize: 16}, host.OS())
	require.NoError(t, err)

	var path = filepath.Join(t.TempDir(), "test.db")
	var data = make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	f, _, err := fs.Open(path, OpenCreate|OpenReadWrite|OpenMainDB)
	require.NoError(t, err)
	require.NoError(t, f.Write(data, 0))
	require.NoError(t, f.Sync(SyncFull))
	require.NoError(t, f.Close())

	f, _, err = fs.Open(path, OpenReadOnly|OpenMainDB)
	require.NoError(t, err)
	var p = make([]byte, 100)
	require.NoError(t, f.Read(p, 0))
	require.Equal(t, data, p)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Delete(path, true))
	ok, err := fs.Access(path, AccessExists)
	require.NoError(t, err)
	require.False(t, ok)

	// Exclusive creation of an existing file fails without modifying it.
	require.NoError(t, os.WriteFile(path, []byte("original"), 0644))
	_, _, err = fs.Open(path, OpenCreate|OpenReadWrite|OpenExclusive)
	require.Equal(t, status.IOErr, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "original", string(content))
}

func TestReadOnlyOpenOnDiskResolvesLinks(t *testing.T) {
	var fs, err = New(Config{}, host.OS())
	require.NoError(t, err)

	var dir = t.TempDir()
	var target = filepath.Join(dir, "assets.db")
	var link = filepath.Join(dir, "alias.db")
	require.NoError(t, os.WriteFile(target, []byte("assets"), 0444))
	require.NoError(t, os.Symlink(target, link))

	f, _, err := fs.Open(target, OpenReadOnly)
	require.NoError(t, err)

	// The link names the same on-disk file.
	_, _, err = fs.Open(link, OpenReadOnly)
	require.Equal(t, status.IOErr, err)
	require.True(t, fs.IsOpenReadOnly(link))

	require.NoError(t, f.Close())
	require.False(t, fs.IsOpenReadOnly(link))
}

func newTestFS(t *testing.T) (*FS, *host.Host) {
	var h = host.Memory()
	var fs, err = New(Config{PathCacheSize: 8}, h)
	require.NoError(t, err)
	return fs, h
}
