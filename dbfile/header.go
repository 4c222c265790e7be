// Package dbfile reads the on-disk header of database, journal and WAL files
// through a vfs.File, without involving the engine.
package dbfile

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"go.gazette.dev/hostvfs/status"
	"go.gazette.dev/hostvfs/vfs"
)

// HeaderSize is the length of the database file header.
const HeaderSize = 100

// Magic is the leading string of every database file.
const Magic = "SQLite format 3\x00"

// ErrNotDatabase is returned when a file doesn't begin with a database header.
var ErrNotDatabase = errors.New("file is not a database")

// TextEncoding of strings stored in the database.
type TextEncoding uint32

const (
	EncodingUTF8    TextEncoding = 1
	EncodingUTF16LE TextEncoding = 2
	EncodingUTF16BE TextEncoding = 3
)

func (e TextEncoding) String() string {
	switch e {
	case EncodingUTF8:
		return "UTF-8"
	case EncodingUTF16LE:
		return "UTF-16le"
	case EncodingUTF16BE:
		return "UTF-16be"
	}
	return fmt.Sprintf("encoding(%d)", uint32(e))
}

// Header is the decoded database file header.
type Header struct {
	// Empty is true if the file has no content. An empty file is a valid
	// database of no pages, and other fields are zero.
	Empty bool `json:"empty,omitempty" yaml:"empty,omitempty"`

	PageSize         int          `json:"pageSize" yaml:"pageSize"`
	WriteVersion     uint8        `json:"writeVersion" yaml:"writeVersion"`
	ReadVersion      uint8        `json:"readVersion" yaml:"readVersion"`
	ReservedBytes    uint8        `json:"reservedBytes" yaml:"reservedBytes"`
	ChangeCounter    uint32       `json:"changeCounter" yaml:"changeCounter"`
	PageCount        uint32       `json:"pageCount" yaml:"pageCount"`
	FreelistTrunk    uint32       `json:"freelistTrunk" yaml:"freelistTrunk"`
	FreelistCount    uint32       `json:"freelistCount" yaml:"freelistCount"`
	SchemaCookie     uint32       `json:"schemaCookie" yaml:"schemaCookie"`
	SchemaFormat     uint32       `json:"schemaFormat" yaml:"schemaFormat"`
	DefaultCacheSize int32        `json:"defaultCacheSize" yaml:"defaultCacheSize"`
	TextEncoding     TextEncoding `json:"textEncoding" yaml:"textEncoding"`
	UserVersion      int32        `json:"userVersion" yaml:"userVersion"`
	ApplicationID    int32        `json:"applicationID" yaml:"applicationID"`
	VersionValidFor  uint32       `json:"versionValidFor" yaml:"versionValidFor"`
	LibraryVersion   uint32       `json:"libraryVersion" yaml:"libraryVersion"`
}

// InHeaderPageCountValid is true if PageCount may be relied upon. Libraries
// which predate the field leave it stale, which is detected by a
// VersionValidFor that doesn't match the ChangeCounter.
func (h Header) InHeaderPageCountValid() bool {
	return h.PageCount != 0 && h.ChangeCounter == h.VersionValidFor
}

// DatabaseSize is the size of the database implied by the header, or zero
// if the in-header page count isn't valid.
func (h Header) DatabaseSize() int64 {
	if !h.InHeaderPageCountValid() {
		return 0
	}
	return int64(h.PageSize) * int64(h.PageCount)
}

// Version renders the LibraryVersion which last wrote the database, eg "3.46.1".
func (h Header) Version() string {
	var v = h.LibraryVersion
	return fmt.Sprintf("%d.%d.%d", v/1000000, v/1000%1000, v%1000)
}

// ReadHeader reads and decodes the Header of database File |f|.
func ReadHeader(f vfs.File) (Header, error) {
	var b [HeaderSize]byte

	if err := f.Read(b[:], 0); err == status.IOErrShortRead {
		var size, err = f.FileSize()
		if err != nil {
			return Header{}, errors.WithMessage(err, "reading file size")
		} else if size == 0 {
			return Header{Empty: true}, nil
		}
		return Header{}, errors.WithMessagef(ErrNotDatabase, "truncated header (%d bytes)", size)
	} else if err != nil {
		return Header{}, errors.WithMessage(err, "reading header")
	}
	return ParseHeader(b[:])
}

// ParseHeader decodes a Header from the leading HeaderSize bytes of |b|.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize || string(b[:len(Magic)]) != Magic {
		return Header{}, ErrNotDatabase
	}
	var u32 = func(off int) uint32 { return binary.BigEndian.Uint32(b[off : off+4]) }

	var h = Header{
		PageSize:         int(binary.BigEndian.Uint16(b[16:18])),
		WriteVersion:     b[18],
		ReadVersion:      b[19],
		ReservedBytes:    b[20],
		ChangeCounter:    u32(24),
		PageCount:        u32(28),
		FreelistTrunk:    u32(32),
		FreelistCount:    u32(36),
		SchemaCookie:     u32(40),
		SchemaFormat:     u32(44),
		DefaultCacheSize: int32(u32(48)),
		TextEncoding:     TextEncoding(u32(56)),
		UserVersion:      int32(u32(60)),
		ApplicationID:    int32(u32(68)),
		VersionValidFor:  u32(92),
		LibraryVersion:   u32(96),
	}
	// Page sizes are powers of two in [512, 65536]. 65536 doesn't fit in
	// two bytes, and is encoded as 1.
	if h.PageSize == 1 {
		h.PageSize = 65536
	}
	if h.PageSize < 512 || h.PageSize&(h.PageSize-1) != 0 {
		return Header{}, errors.WithMessagef(ErrNotDatabase, "invalid page size %d", h.PageSize)
	}
	return h, nil
}

// Kind of a file, as determined by its leading bytes.
type Kind int

const (
	KindUnknown Kind = iota
	KindEmpty
	KindDatabase
	KindWAL
	KindJournal
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindDatabase:
		return "database"
	case KindWAL:
		return "wal"
	case KindJournal:
		return "journal"
	}
	return "unknown"
}

const (
	hotJournalHeader      = 0xd9d505f9
	walHeaderLittleEndian = 0x377f0682
	walHeaderBigEndian    = 0x377f0683
)

// Classify the Kind of File |f|.
func Classify(f vfs.File) (Kind, error) {
	var b [len(Magic)]byte

	var err = f.Read(b[:], 0)
	if err == status.IOErrShortRead {
		if size, serr := f.FileSize(); serr != nil {
			return KindUnknown, errors.WithMessage(serr, "reading file size")
		} else if size == 0 {
			return KindEmpty, nil
		}
		// |b| is zero-filled beyond the end of file.
	} else if err != nil {
		return KindUnknown, errors.WithMessage(err, "reading header")
	}

	if string(b[:]) == Magic {
		return KindDatabase, nil
	}
	switch binary.BigEndian.Uint32(b[:4]) {
	case walHeaderLittleEndian, walHeaderBigEndian:
		return KindWAL, nil
	case hotJournalHeader:
		return KindJournal, nil
	}
	return KindUnknown, nil
}
