package status

import (
	"io"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCodesMatchLinkedEngine(t *testing.T) {
	for _, tc := range []struct {
		c      Code
		expect int
	}{
		{NoMem, int(sqlite3.ErrNomem)},
		{IOErr, int(sqlite3.ErrIoErr)},
		{Busy, int(sqlite3.ErrBusy)},
		{NotFound, int(sqlite3.ErrNotFound)},
		{CantOpen, int(sqlite3.ErrCantOpen)},
		{IOErrRead, int(sqlite3.ErrIoErrRead)},
		{IOErrShortRead, int(sqlite3.ErrIoErrShortRead)},
		{IOErrWrite, int(sqlite3.ErrIoErrWrite)},
		{IOErrFsync, int(sqlite3.ErrIoErrFsync)},
		{IOErrDirFsync, int(sqlite3.ErrIoErrDirFsync)},
		{IOErrTruncate, int(sqlite3.ErrIoErrTruncate)},
		{IOErrFstat, int(sqlite3.ErrIoErrFstat)},
		{IOErrUnlock, int(sqlite3.ErrIoErrUnlock)},
		{IOErrDelete, int(sqlite3.ErrIoErrDelete)},
		{IOErrLock, int(sqlite3.ErrIoErrLock)},
		{IOErrSeek, int(sqlite3.ErrIoErrSeek)},
	} {
		require.Equal(t, tc.expect, int(tc.c), tc.c.String())
	}
}

func TestPrimaryAndTransience(t *testing.T) {
	require.Equal(t, IOErr, IOErrShortRead.Primary())
	require.Equal(t, Busy, Busy.Primary())

	require.True(t, Busy.IsTransient())
	require.False(t, IOErrLock.IsTransient())
	require.False(t, OK.IsTransient())
}

func TestOf(t *testing.T) {
	require.Equal(t, OK, Of(nil))
	require.Equal(t, IOErrSeek, Of(IOErrSeek))
	require.Equal(t, IOErrWrite, Of(errors.WithMessage(IOErrWrite, "writing page 3")))
	require.Equal(t, IOErr, Of(io.ErrUnexpectedEOF))
}

func TestFromSQLite(t *testing.T) {
	require.Equal(t, IOErrShortRead, FromSQLite(10, 522))
	// Extended code not known to this package: primary is used.
	require.Equal(t, IOErr, FromSQLite(10, 10|26<<8))
	require.Equal(t, Busy, FromSQLite(5, 5))
}

func TestStrings(t *testing.T) {
	require.Equal(t, "I/O error: short read", IOErrShortRead.Error())
	require.Equal(t, "result code 99", Code(99).String())
}
