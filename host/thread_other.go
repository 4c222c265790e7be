//go:build !linux

package host

import (
	"bytes"
	"runtime"
	"strconv"
)

// threadID falls back to the goroutine ID, parsed from the header line of
// the caller's stack trace ("goroutine 123 [running]:").
func threadID() uint64 {
	var buf [64]byte
	var b = buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	var id, err = strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic("unexpected goroutine stack header: " + err.Error())
	}
	return id
}
