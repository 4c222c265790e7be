// Package backup snapshots databases into portable archives, and restores
// them, through a vfs.VFS.
//
// An archive is a fixed magic word, the name of its Codec, and a YAML
// Manifest, followed by the Codec-compressed content of the database and a
// CRC-32 (IEEE) of that content:
//
//	"HVFSBAK1" | u8 len | codec | u32 len | manifest | compressed(content | crc32)
//
// Lengths and the checksum are big-endian. A database in WAL mode must be
// checkpointed before it's snapshotted, as the WAL isn't archived.
package backup

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hostvfs/dbfile"
	"go.gazette.dev/hostvfs/metrics"
	"go.gazette.dev/hostvfs/status"
	"go.gazette.dev/hostvfs/vfs"
	"gopkg.in/yaml.v2"
)

// Magic is the leading word of every archive.
const Magic = "HVFSBAK1"

// FormatVersion of archives written by Snapshot.
const FormatVersion = 1

// maxManifestSize bounds the manifest length read from an archive.
const maxManifestSize = 1 << 20

// ErrChecksum is returned if archive content doesn't match its checksum.
var ErrChecksum = errors.New("archive checksum mismatch")

// Manifest describes the database content of an archive.
type Manifest struct {
	Version       int       `yaml:"version"`
	ID            string    `yaml:"id"`
	Source        string    `yaml:"source"`
	Created       time.Time `yaml:"created"`
	Codec         Codec     `yaml:"codec"`
	Size          int64     `yaml:"size"`
	PageSize      int       `yaml:"pageSize"`
	UserVersion   int32     `yaml:"userVersion"`
	ApplicationID int32     `yaml:"applicationID"`
	Library       string    `yaml:"library,omitempty"`
}

// Snapshot the database at |path| of the VFS into an archive written to |w|,
// compressed with the Codec. A shared lock is held on the database
// throughout.
func Snapshot(fs vfs.VFS, path string, w io.Writer, codec Codec) (m Manifest, err error) {
	defer observe("snapshot", time.Now(), &m, &err)

	if err = codec.Validate(); err != nil {
		return m, err
	}
	f, _, err := fs.Open(path, vfs.OpenReadOnly|vfs.OpenMainDB)
	if err != nil {
		return m, errors.WithMessagef(err, "opening %s", path)
	}
	defer f.Close()

	if err = f.Lock(vfs.LockShared); err != nil {
		return m, errors.WithMessage(err, "locking database")
	}
	defer f.Unlock(vfs.LockNone)

	if m, err = newManifest(fs, f, path, codec); err != nil {
		return m, err
	}

	var bw = bufio.NewWriter(w)
	if err = writeHeader(bw, m); err != nil {
		return m, err
	}
	cw, err := NewCodecWriter(bw, codec)
	if err != nil {
		return m, err
	}

	var crc = crc32.NewIEEE()
	var buf = make([]byte, m.PageSize)

	for off := int64(0); off < m.Size; {
		var n = int64(len(buf))
		if m.Size-off < n {
			n = m.Size - off
		}
		if err = f.Read(buf[:n], off); err != nil {
			return m, errors.WithMessagef(err, "reading %s at offset %d", path, off)
		}
		_, _ = crc.Write(buf[:n])

		if _, err = cw.Write(buf[:n]); err != nil {
			return m, errors.WithMessage(err, "writing archive content")
		}
		off += n
	}

	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], crc.Sum32())

	if _, err = cw.Write(trailer[:]); err != nil {
		return m, errors.WithMessage(err, "writing archive checksum")
	} else if err = cw.Close(); err != nil {
		return m, errors.WithMessage(err, "closing compressor")
	} else if err = bw.Flush(); err != nil {
		return m, errors.WithMessage(err, "flushing archive")
	}

	log.WithFields(log.Fields{
		"path":  path,
		"size":  m.Size,
		"codec": codec,
		"id":    m.ID,
	}).Info("snapshotted database")

	return m, nil
}

func newManifest(fs vfs.VFS, f vfs.File, path string, codec Codec) (Manifest, error) {
	var m = Manifest{
		Version: FormatVersion,
		ID:      uuid.NewString(),
		Source:  path,
		Codec:   codec,
		Created: time.Now().UTC().Truncate(time.Second),
	}
	var full = make([]byte, vfs.DefaultMaxPathname)
	if n, err := fs.FullPathname(path, full); err == nil {
		m.Source = string(full[:n])
	}

	var err error
	if m.Size, err = f.FileSize(); err != nil {
		return m, errors.WithMessage(err, "reading database size")
	}

	hdr, err := dbfile.ReadHeader(f)
	if err != nil {
		return m, errors.WithMessagef(err, "reading header of %s", path)
	} else if hdr.Empty {
		m.PageSize = f.SectorSize()
	} else {
		m.PageSize = hdr.PageSize
		m.UserVersion = hdr.UserVersion
		m.ApplicationID = hdr.ApplicationID
		m.Library = hdr.Version()
	}
	return m, nil
}

func writeHeader(w io.Writer, m Manifest) error {
	var body, err = yaml.Marshal(m)
	if err != nil {
		return errors.WithMessage(err, "encoding manifest")
	}
	var b = make([]byte, 0, len(Magic)+1+len(m.Codec)+4+len(body))
	b = append(b, Magic...)
	b = append(b, byte(len(m.Codec)))
	b = append(b, string(m.Codec)...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(body)))
	b = append(b, body...)

	if _, err = w.Write(b); err != nil {
		return errors.WithMessage(err, "writing archive header")
	}
	return nil
}

// ReadManifest reads the header of the archive |r|, returning its Manifest
// and leaving |r| positioned at the start of archive content.
func ReadManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	var magic [len(Magic) + 1]byte

	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return m, errors.WithMessage(err, "reading archive magic")
	} else if string(magic[:len(Magic)]) != Magic {
		return m, errors.New("not a database archive")
	}

	var codec = make([]byte, magic[len(Magic)])
	var length [4]byte

	if _, err := io.ReadFull(r, codec); err != nil {
		return m, errors.WithMessage(err, "reading archive codec")
	} else if _, err = io.ReadFull(r, length[:]); err != nil {
		return m, errors.WithMessage(err, "reading manifest length")
	}

	var size = binary.BigEndian.Uint32(length[:])
	if size > maxManifestSize {
		return m, errors.Errorf("manifest length %d exceeds maximum", size)
	}
	var body = make([]byte, size)

	if _, err := io.ReadFull(r, body); err != nil {
		return m, errors.WithMessage(err, "reading manifest")
	} else if err = yaml.UnmarshalStrict(body, &m); err != nil {
		return m, errors.WithMessage(err, "decoding manifest")
	}

	if m.Version != FormatVersion {
		return m, errors.Errorf("unsupported archive version %d", m.Version)
	} else if m.Codec != Codec(codec) {
		return m, errors.Errorf("archive codec %q doesn't match manifest codec %q", codec, m.Codec)
	} else if m.Size < 0 || m.PageSize <= 0 || m.PageSize > 65536 {
		return m, errors.Errorf("invalid manifest size %d or page size %d", m.Size, m.PageSize)
	}
	return m, m.Codec.Validate()
}

// Restore the archive |r| to the database at |path| of the VFS. Unless
// |overwrite|, it's an error for |path| to exist. An exclusive lock is held
// on the database while content is written, and it's fully synced before
// Restore returns. If Restore fails after opening |path|, it's removed.
func Restore(fs vfs.VFS, r io.Reader, path string, overwrite bool) (m Manifest, err error) {
	defer observe("restore", time.Now(), &m, &err)

	var br = bufio.NewReader(r)
	if m, err = ReadManifest(br); err != nil {
		return m, err
	}

	var flags = vfs.OpenReadWrite | vfs.OpenCreate | vfs.OpenMainDB
	if !overwrite {
		flags |= vfs.OpenExclusive
	}
	f, _, err := fs.Open(path, flags)
	if err != nil {
		return m, errors.WithMessagef(err, "opening %s", path)
	}
	var closed bool

	defer func() {
		if !closed {
			_ = f.Unlock(vfs.LockNone)
			_ = f.Close()
		}
		if err != nil {
			if derr := fs.Delete(path, false); derr != nil {
				log.WithFields(log.Fields{"path": path, "err": derr}).Warn("failed to remove partial restore")
			}
		}
	}()

	if err = f.Lock(vfs.LockExclusive); err != nil {
		return m, errors.WithMessage(err, "locking database")
	}
	if err = copyContent(br, m, func(b []byte, off int64) error { return f.Write(b, off) }); err != nil {
		return m, err
	}

	if err = f.Truncate(m.Size); err != nil {
		return m, errors.WithMessage(err, "truncating database")
	} else if err = f.Sync(vfs.SyncFull); err != nil {
		return m, errors.WithMessage(err, "syncing database")
	} else if err = f.Unlock(vfs.LockNone); err != nil {
		return m, errors.WithMessage(err, "unlocking database")
	}
	closed = true

	if err = f.Close(); err != nil {
		return m, errors.WithMessage(err, "closing database")
	}

	log.WithFields(log.Fields{
		"path": path,
		"size": m.Size,
		"id":   m.ID,
	}).Info("restored database")

	return m, nil
}

// Verify reads the entirety of archive |r|, checking its content against
// its checksum, and returns its Manifest.
func Verify(r io.Reader) (Manifest, error) {
	var br = bufio.NewReader(r)
	var m, err = ReadManifest(br)
	if err != nil {
		return m, err
	}
	return m, copyContent(br, m, func([]byte, int64) error { return nil })
}

// copyContent decompresses the content of the archive |r| in chunks of the
// Manifest PageSize, passing each to |fn| with its offset, and verifies the
// checksum of the content.
func copyContent(r io.Reader, m Manifest, fn func([]byte, int64) error) error {
	var dr, err = NewCodecReader(r, m.Codec)
	if err != nil {
		return err
	}
	defer dr.Close()

	var crc = crc32.NewIEEE()
	var buf = make([]byte, m.PageSize)

	for off := int64(0); off < m.Size; {
		var n = int64(len(buf))
		if m.Size-off < n {
			n = m.Size - off
		}
		if _, err = io.ReadFull(dr, buf[:n]); err != nil {
			return errors.WithMessagef(err, "reading archive content at offset %d", off)
		}
		_, _ = crc.Write(buf[:n])

		if err = fn(buf[:n], off); err != nil {
			return errors.WithMessagef(err, "writing at offset %d", off)
		}
		off += n
	}

	var trailer [4]byte
	if _, err = io.ReadFull(dr, trailer[:]); err != nil {
		return errors.WithMessage(err, "reading archive checksum")
	} else if binary.BigEndian.Uint32(trailer[:]) != crc.Sum32() {
		return ErrChecksum
	}
	return nil
}

func observe(op string, started time.Time, m *Manifest, err *error) {
	var result = metrics.Ok
	if *err != nil {
		result = metrics.Fail
	} else {
		metrics.BackupBytesTotal.WithLabelValues(op).Add(float64(m.Size))
	}
	metrics.BackupDurationSeconds.WithLabelValues(op, result).Observe(time.Since(started).Seconds())

	if *err != nil {
		log.WithFields(log.Fields{
			"op":     op,
			"err":    *err,
			"status": status.Of(*err),
		}).Warn("backup operation failed")
	}
}
