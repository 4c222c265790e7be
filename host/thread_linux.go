//go:build linux

package host

import "golang.org/x/sys/unix"

// threadID is the kernel thread ID of the caller. Callers which depend on a
// stable identity across calls must runtime.LockOSThread.
func threadID() uint64 { return uint64(unix.Gettid()) }
