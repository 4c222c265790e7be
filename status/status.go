// Package status defines the result codes exchanged between the storage
// backend and the embedded SQL engine. Numeric values are those of SQLite's
// primary and extended result codes, so a Code may be handed to the engine
// as-is.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a SQLite result code. Code implements error; OK is never returned
// as a non-nil error.
type Code int

const (
	OK       Code = 0
	NoMem    Code = 7
	IOErr    Code = 10
	Busy     Code = 5
	NotFound Code = 12
	CantOpen Code = 14
)

// Extended I/O result codes.
const (
	IOErrRead      = IOErr | 1<<8
	IOErrShortRead = IOErr | 2<<8
	IOErrWrite     = IOErr | 3<<8
	IOErrFsync     = IOErr | 4<<8
	IOErrDirFsync  = IOErr | 5<<8
	IOErrTruncate  = IOErr | 6<<8
	IOErrFstat     = IOErr | 7<<8
	IOErrUnlock    = IOErr | 8<<8
	IOErrDelete    = IOErr | 10<<8
	IOErrLock      = IOErr | 15<<8
	IOErrSeek      = IOErr | 22<<8
)

var names = map[Code]string{
	OK:             "ok",
	NoMem:          "out of memory",
	IOErr:          "disk I/O error",
	Busy:           "busy",
	NotFound:       "not found",
	CantOpen:       "unable to open",
	IOErrRead:      "I/O error: read",
	IOErrShortRead: "I/O error: short read",
	IOErrWrite:     "I/O error: write",
	IOErrFsync:     "I/O error: fsync",
	IOErrDirFsync:  "I/O error: directory fsync",
	IOErrTruncate:  "I/O error: truncate",
	IOErrFstat:     "I/O error: fstat",
	IOErrUnlock:    "I/O error: unlock",
	IOErrDelete:    "I/O error: delete",
	IOErrLock:      "I/O error: lock",
	IOErrSeek:      "I/O error: seek",
}

func (c Code) Error() string { return c.String() }

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("result code %d", int(c))
}

// Primary returns the primary result code of an extended Code.
func (c Code) Primary() Code { return c & 0xff }

// IsTransient is true of codes the engine may retry after backing off.
func (c Code) IsTransient() bool { return c.Primary() == Busy }

// Of returns the Code carried by |err|. A nil error is OK, and errors which
// neither are nor wrap a Code map to IOErr.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return IOErr
}

// FromSQLite maps a result code reported by the linked engine. The extended
// code is used where this package defines it, falling back to the primary.
func FromSQLite(primary, extended int) Code {
	if _, ok := names[Code(extended)]; ok {
		return Code(extended)
	}
	return Code(primary)
}
