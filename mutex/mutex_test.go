package mutex

import (
	"runtime"
	"sync"
	"testing"

	"go.gazette.dev/hostvfs/host"
	"go.gazette.dev/hostvfs/status"
	gc "gopkg.in/check.v1"
)

type MutexSuite struct{}

func (s *MutexSuite) TestStaticMutexesAreShared(c *gc.C) {
	var t = NewTable(TrackingDisabled, host.OS().ThreadID)
	c.Check(func() { t.Alloc(StaticMem) }, gc.PanicMatches, "static mutex allocated before Init")

	c.Assert(t.Init(), gc.IsNil)

	var seen = make(map[*Mutex]ID)
	for id := StaticMain; id <= StaticVFS3; id++ {
		var m = t.Alloc(id)
		c.Check(t.Alloc(id), gc.Equals, m)
		c.Check(m.ID(), gc.Equals, id)

		_, dup := seen[m]
		c.Check(dup, gc.Equals, false)
		seen[m] = id

		t.Free(m) // No-op for statics.
		c.Check(t.Alloc(id), gc.Equals, m)
	}
	c.Check(seen, gc.HasLen, StaticCount)

	// Dynamic mutexes are distinct instances.
	var f1, f2 = t.Alloc(Fast), t.Alloc(Fast)
	c.Check(f1 == f2, gc.Equals, false)
	t.Free(f1)
	t.Free(f2)

	c.Assert(t.End(), gc.IsNil)
	c.Check(func() { t.Alloc(StaticMain) }, gc.PanicMatches, "static mutex allocated before Init")
}

func (s *MutexSuite) TestLifecycleMisuse(c *gc.C) {
	var t = NewTable(TrackingDisabled, host.OS().ThreadID)

	c.Check(func() { t.End() }, gc.PanicMatches, "mutex table is not initialized")
	c.Assert(t.Init(), gc.IsNil)
	c.Check(func() { t.Init() }, gc.PanicMatches, "mutex table is already initialized")
	c.Check(func() { t.Alloc(14) }, gc.PanicMatches, "invalid mutex ID 14")
	c.Check(func() { t.Alloc(-1) }, gc.PanicMatches, "invalid mutex ID -1")

	var m = t.Alloc(Recursive)
	t.Free(m)
	c.Check(func() { t.Free(m) }, gc.PanicMatches, "mutex freed twice")
	c.Check(func() { t.Enter(m) }, gc.PanicMatches, "use of freed recursive mutex")
	c.Check(func() { t.Free(nil) }, gc.PanicMatches, "free of nil mutex")
	c.Check(func() { t.Enter(nil) }, gc.PanicMatches, "use of nil mutex")

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m = t.Alloc(Fast)
	t.Enter(m)
	c.Check(func() { t.Free(m) }, gc.PanicMatches, "mutex freed while held")
}

func (s *MutexSuite) TestTryReportsBusy(c *gc.C) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var t = NewTable(TrackingEnabled, host.OS().ThreadID)
	c.Assert(t.Init(), gc.IsNil)
	defer t.End()

	for _, m := range []*Mutex{t.Alloc(Fast), t.Alloc(Recursive), t.Alloc(StaticLRU)} {
		t.Enter(m)
		onOtherThread(func() {
			c.Check(t.Try(m), gc.Equals, status.Busy)
			c.Check(t.NotHeld(m), gc.Equals, true)
			c.Check(t.Held(m), gc.Equals, false)
		})
		t.Leave(m)

		onOtherThread(func() {
			c.Check(t.Try(m), gc.IsNil)
			t.Leave(m)
		})
		t.Free(m)
	}
}

func (s *MutexSuite) TestRecursiveReentry(c *gc.C) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var t = NewTable(TrackingEnabled, host.OS().ThreadID)
	var m = t.Alloc(Recursive)

	t.Enter(m)
	t.Enter(m)
	c.Check(t.Try(m), gc.IsNil)
	c.Check(t.Held(m), gc.Equals, true)
	c.Check(t.NotHeld(m), gc.Equals, false)

	t.Leave(m)
	t.Leave(m)
	onOtherThread(func() { c.Check(t.Try(m), gc.Equals, status.Busy) })

	t.Leave(m)
	c.Check(t.Held(m), gc.Equals, false)
	onOtherThread(func() {
		c.Check(t.Try(m), gc.IsNil)
		t.Leave(m)
	})
	t.Free(m)
}

func (s *MutexSuite) TestHeldWithoutTracking(c *gc.C) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var t = NewTable(TrackingDisabled, host.OS().ThreadID)
	var m = t.Alloc(Fast)

	// Both assertion forms pass, whether or not |m| is held.
	c.Check(t.Held(m), gc.Equals, true)
	c.Check(t.NotHeld(m), gc.Equals, true)
	t.Enter(m)
	c.Check(t.Held(m), gc.Equals, true)
	c.Check(t.NotHeld(m), gc.Equals, true)
	t.Leave(m)

	// Recursive mutexes track owners regardless, but report the same.
	var r = t.Alloc(Recursive)
	t.Enter(r)
	c.Check(t.Held(r), gc.Equals, true)
	c.Check(t.NotHeld(r), gc.Equals, true)
	onOtherThread(func() {
		c.Check(func() { t.Leave(r) }, gc.PanicMatches, "recursive mutex left by a thread which doesn't hold it")
	})
	t.Leave(r)
}

func (s *MutexSuite) TestLeaveByOtherThreadPanics(c *gc.C) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var t = NewTable(TrackingEnabled, host.OS().ThreadID)
	var m = t.Alloc(Fast)

	t.Enter(m)
	onOtherThread(func() {
		c.Check(func() { t.Leave(m) }, gc.PanicMatches, "fast mutex left by a thread which doesn't hold it")
	})
	t.Leave(m)
	c.Check(func() { t.Leave(m) }, gc.PanicMatches, "fast mutex left by a thread which doesn't hold it")
}

func (s *MutexSuite) TestMutualExclusion(c *gc.C) {
	var t = NewTable(TrackingEnabled, host.OS().ThreadID)
	c.Assert(t.Init(), gc.IsNil)
	defer t.End()

	var m = t.Alloc(StaticPRNG)
	var counter int
	var wg sync.WaitGroup

	for i := 0; i != 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for j := 0; j != 1000; j++ {
				t.Enter(m)
				counter++
				t.Leave(m)
			}
		}()
	}
	wg.Wait()
	c.Check(counter, gc.Equals, 8000)
}

func (s *MutexSuite) TestRecursiveOwnerIsPinnedWhileHeld(c *gc.C) {
	// With a single P, unpinned goroutines take turns on the same thread.
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(1))

	var t = NewTable(TrackingDisabled, host.OS().ThreadID)
	var m = t.Alloc(Recursive)
	var held, release, done = make(chan struct{}), make(chan struct{}), make(chan struct{})

	// Neither goroutine locks itself to a thread.
	go func() {
		defer close(done)
		t.Enter(m)
		t.Enter(m)
		close(held)
		<-release
		t.Leave(m)
		t.Leave(m)
	}()
	<-held

	for i := 0; i != 10; i++ {
		c.Check(t.Try(m), gc.Equals, status.Busy)
		runtime.Gosched()
	}
	close(release)
	<-done

	c.Check(t.Try(m), gc.IsNil)
	t.Leave(m)
	t.Free(m)
}

// onOtherThread runs |fn| to completion on a goroutine locked to a thread
// other than the caller's.
func onOtherThread(fn func()) {
	var done = make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(done)
		fn()
	}()
	<-done
}

var _ = gc.Suite(&MutexSuite{})

func Test(t *testing.T) { gc.TestingT(t) }
