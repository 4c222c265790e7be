package engine

/*
#cgo LDFLAGS: -lsqlite3

#include "bridge.h"
*/
import "C"
import (
	"runtime/cgo"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hostvfs/alloc"
	"go.gazette.dev/hostvfs/mutex"
	"go.gazette.dev/hostvfs/status"
	"go.gazette.dev/hostvfs/vfs"
)

// hooks are the Go methods reached by the library's memory and mutex
// callbacks. The library has a single process-wide configuration, so at most
// one DriverEngine has hooks installed at a time.
type hooks struct {
	owner   *DriverEngine
	alloc   alloc.Methods
	acct    alloc.Accountant
	mutexes mutex.Methods

	mu      sync.Mutex
	statics [mutex.StaticCount]cgo.Handle // Zero until first Alloc.
	endErr  error                         // Of mutexes.End, run by library shutdown.
}

var installed atomic.Pointer[hooks]

// installMethods installs |a| and |m| (either of which may be nil) as the
// memory and mutex methods of the library, and initializes it. No library
// connections may be open.
func installMethods(e *DriverEngine, a alloc.Methods, m mutex.Methods) error {
	if a == nil && m == nil {
		if rc := C.sqlite3_initialize(); rc != C.SQLITE_OK {
			return errors.WithMessage(status.Code(rc), "initializing library")
		}
		return nil
	}

	var h = &hooks{owner: e, alloc: a, mutexes: m}
	if a != nil {
		var ok bool
		if h.acct, ok = a.(alloc.Accountant); !ok {
			return errors.Errorf("allocator %T can't account for library blocks", a)
		}
	}
	if !installed.CompareAndSwap(nil, h) {
		return errors.Errorf("library methods are installed by driver %s", installed.Load().owner.name)
	}
	if rc := C.installHostMethods(cBool(a != nil), cBool(m != nil)); rc != C.SQLITE_OK {
		installed.Store(nil)
		return errors.WithMessage(status.Code(rc), "installing library methods")
	}
	return nil
}

// restoreMethods shuts down the library, which runs the End and Shutdown
// hooks of methods installed by |e|, and restores the library's own methods.
// It's a no-op if |e| has no methods installed.
func restoreMethods(e *DriverEngine) error {
	var h = installed.Load()
	if h == nil || h.owner != e {
		return nil
	}
	var rc = C.restoreMethods()
	installed.Store(nil)

	if rc != C.SQLITE_OK {
		return errors.WithMessage(status.Code(rc), "shutting down library")
	}
	return h.endErr
}

func cBool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

// hostVFS is a vfs.VFS registered with the library.
type hostVFS struct {
	name string
	c    *C.sqlite3_vfs
}

// liveVFSs maps registered sqlite3_vfs instances to their Go VFS.
var liveVFSs = struct {
	m  map[uintptr]vfs.VFS
	mu sync.Mutex
}{m: make(map[uintptr]vfs.VFS)}

func registerHostVFS(reg vfs.Registration, makeDefault bool) (*hostVFS, error) {
	var c = C.newHostVFS(C.CString(reg.Name), C.int(reg.Version), C.int(reg.MaxPathname))

	liveVFSs.mu.Lock()
	liveVFSs.m[uintptr(unsafe.Pointer(c))] = reg.VFS
	liveVFSs.mu.Unlock()

	if rc := C.sqlite3_vfs_register(c, cBool(makeDefault)); rc != C.SQLITE_OK {
		forgetVFS(c)
		return nil, errors.WithMessagef(status.Code(rc), "registering VFS %s", reg.Name)
	}
	return &hostVFS{name: reg.Name, c: c}, nil
}

func (v *hostVFS) unregister() error {
	var rc = C.sqlite3_vfs_unregister(v.c)
	forgetVFS(v.c)

	if rc != C.SQLITE_OK {
		return errors.WithMessagef(status.Code(rc), "unregistering VFS %s", v.name)
	}
	return nil
}

func forgetVFS(c *C.sqlite3_vfs) {
	liveVFSs.mu.Lock()
	delete(liveVFSs.m, uintptr(unsafe.Pointer(c)))
	liveVFSs.mu.Unlock()

	C.hostVFSFree(c)
}

func vfsOf(c *C.sqlite3_vfs) vfs.VFS {
	liveVFSs.mu.Lock()
	var v = liveVFSs.m[uintptr(unsafe.Pointer(c))]
	liveVFSs.mu.Unlock()
	return v
}

func fileOf(h C.uintptr_t) vfs.File { return cgo.Handle(h).Value().(vfs.File) }

func code(err error) C.int { return C.int(status.Of(err)) }

func cBytes(p unsafe.Pointer, n C.int) []byte {
	if p == nil || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), int(n))
}

//export goOpen
func goOpen(c *C.sqlite3_vfs, cName *C.char, flags C.int, outFlags *C.int, file *C.uintptr_t) C.int {
	var name string
	if cName != nil {
		name = C.GoString(cName)
	}
	var f, out, err = vfsOf(c).Open(name, vfs.OpenFlag(flags))
	if err != nil {
		return code(err)
	}
	*outFlags = C.int(out)
	*file = C.uintptr_t(cgo.NewHandle(f))
	return C.SQLITE_OK
}

//export goDelete
func goDelete(c *C.sqlite3_vfs, cName *C.char, syncDir C.int) C.int {
	return code(vfsOf(c).Delete(C.GoString(cName), syncDir != 0))
}

//export goAccess
func goAccess(c *C.sqlite3_vfs, cName *C.char, flags C.int, out *C.int) C.int {
	var ok, err = vfsOf(c).Access(C.GoString(cName), vfs.AccessFlag(flags))
	*out = cBool(ok)
	return code(err)
}

//export goFullPathname
func goFullPathname(c *C.sqlite3_vfs, cName *C.char, n C.int, out *C.char) C.int {
	var _, err = vfsOf(c).FullPathname(C.GoString(cName), cBytes(unsafe.Pointer(out), n))
	return code(err)
}

//export goRandomness
func goRandomness(c *C.sqlite3_vfs, n C.int, out *C.char) C.int {
	return C.int(vfsOf(c).Randomness(cBytes(unsafe.Pointer(out), n)))
}

//export goSleep
func goSleep(c *C.sqlite3_vfs, micros C.int) C.int {
	return C.int(vfsOf(c).Sleep(int(micros)))
}

//export goCurrentTime
func goCurrentTime(c *C.sqlite3_vfs, out *C.double) C.int {
	var t, err = vfsOf(c).CurrentTime()
	*out = C.double(t)
	return code(err)
}

//export goCurrentTimeInt64
func goCurrentTimeInt64(c *C.sqlite3_vfs, out *C.sqlite3_int64) C.int {
	var t, err = vfsOf(c).CurrentTimeInt64()
	*out = C.sqlite3_int64(t)
	return code(err)
}

//export goGetLastError
func goGetLastError(c *C.sqlite3_vfs, n C.int, out *C.char) C.int {
	vfsOf(c).GetLastError(cBytes(unsafe.Pointer(out), n))
	return 0
}

//export goFileClose
func goFileClose(h C.uintptr_t) C.int {
	var err = fileOf(h).Close()
	cgo.Handle(h).Delete()
	return code(err)
}

//export goFileRead
func goFileRead(h C.uintptr_t, b unsafe.Pointer, n C.int, off C.sqlite3_int64) C.int {
	return code(fileOf(h).Read(cBytes(b, n), int64(off)))
}

//export goFileWrite
func goFileWrite(h C.uintptr_t, b unsafe.Pointer, n C.int, off C.sqlite3_int64) C.int {
	return code(fileOf(h).Write(cBytes(b, n), int64(off)))
}

//export goFileTruncate
func goFileTruncate(h C.uintptr_t, size C.sqlite3_int64) C.int {
	return code(fileOf(h).Truncate(int64(size)))
}

//export goFileSync
func goFileSync(h C.uintptr_t, flags C.int) C.int {
	return code(fileOf(h).Sync(vfs.SyncFlag(flags)))
}

//export goFileSize
func goFileSize(h C.uintptr_t, out *C.sqlite3_int64) C.int {
	var size, err = fileOf(h).FileSize()
	*out = C.sqlite3_int64(size)
	return code(err)
}

//export goFileLock
func goFileLock(h C.uintptr_t, level C.int) C.int {
	return code(fileOf(h).Lock(vfs.LockLevel(level)))
}

//export goFileUnlock
func goFileUnlock(h C.uintptr_t, level C.int) C.int {
	return code(fileOf(h).Unlock(vfs.LockLevel(level)))
}

//export goFileCheckReservedLock
func goFileCheckReservedLock(h C.uintptr_t, out *C.int) C.int {
	var ok, err = fileOf(h).CheckReservedLock()
	*out = cBool(ok)
	return code(err)
}

//export goFileLockState
func goFileLockState(h C.uintptr_t, out *C.int) C.int {
	var level int
	var err = fileOf(h).FileControl(vfs.FcntlLockState, &level)
	*out = C.int(level)
	return code(err)
}

//export goFileControl
func goFileControl(h C.uintptr_t, op C.int) C.int {
	return code(fileOf(h).FileControl(int(op), nil))
}

//export goFileSectorSize
func goFileSectorSize(h C.uintptr_t) C.int { return C.int(fileOf(h).SectorSize()) }

//export goFileDeviceCharacteristics
func goFileDeviceCharacteristics(h C.uintptr_t) C.int {
	return C.int(fileOf(h).DeviceCharacteristics())
}

//export goAllocReserve
func goAllocReserve(n C.int) C.int { return C.int(installed.Load().acct.Reserve(int(n))) }

//export goAllocRelease
func goAllocRelease(size C.int) { installed.Load().acct.Release(int(size)) }

//export goAllocRoundup
func goAllocRoundup(n C.int) C.int { return C.int(installed.Load().alloc.Roundup(int(n))) }

//export goAllocInit
func goAllocInit() C.int { return code(installed.Load().alloc.Init()) }

//export goAllocShutdown
func goAllocShutdown() { installed.Load().alloc.Shutdown() }

//export goMutexInit
func goMutexInit() C.int { return code(installed.Load().mutexes.Init()) }

//export goMutexEnd
func goMutexEnd() C.int {
	var h = installed.Load()
	var err = h.mutexes.End()

	h.mu.Lock()
	for i, s := range h.statics {
		if s != 0 {
			s.Delete()
			h.statics[i] = 0
		}
	}
	h.endErr = err
	h.mu.Unlock()

	if err != nil {
		log.WithField("err", err).Warn("failed to end library mutexes")
	}
	return code(err)
}

//export goMutexAlloc
func goMutexAlloc(id C.int) C.uintptr_t {
	var h = installed.Load()
	var m = h.mutexes.Alloc(mutex.ID(id))

	if !m.ID().IsStatic() {
		return C.uintptr_t(cgo.NewHandle(m))
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var slot = &h.statics[m.ID()-mutex.StaticMain]
	if *slot == 0 {
		*slot = cgo.NewHandle(m)
	}
	return C.uintptr_t(*slot)
}

func mutexOf(p C.uintptr_t) *mutex.Mutex { return cgo.Handle(p).Value().(*mutex.Mutex) }

//export goMutexFree
func goMutexFree(p C.uintptr_t) {
	var m = mutexOf(p)
	installed.Load().mutexes.Free(m)

	if !m.ID().IsStatic() {
		cgo.Handle(p).Delete()
	}
}

//export goMutexEnter
func goMutexEnter(p C.uintptr_t) { installed.Load().mutexes.Enter(mutexOf(p)) }

//export goMutexTry
func goMutexTry(p C.uintptr_t) C.int { return code(installed.Load().mutexes.Try(mutexOf(p))) }

//export goMutexLeave
func goMutexLeave(p C.uintptr_t) { installed.Load().mutexes.Leave(mutexOf(p)) }

//export goMutexHeld
func goMutexHeld(p C.uintptr_t) C.int { return cBool(installed.Load().mutexes.Held(mutexOf(p))) }

//export goMutexNotheld
func goMutexNotheld(p C.uintptr_t) C.int {
	return cBool(installed.Load().mutexes.NotHeld(mutexOf(p)))
}
