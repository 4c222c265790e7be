// Package mutex implements the mutual-exclusion contract of the embedded SQL
// engine: dynamically allocated fast and recursive mutexes, plus a table of
// static mutexes shared by fixed identifier.
//
// Misuse of the contract (entering a freed mutex, releasing a mutex one
// doesn't hold, allocating statics before Init) is a programming error of
// the engine integration and panics.
package mutex

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.gazette.dev/hostvfs/metrics"
	"go.gazette.dev/hostvfs/status"
)

// ID selects the kind of mutex returned by Alloc.
type ID int

const (
	// Fast requests a new, non-recursive mutex.
	Fast ID = iota
	// Recursive requests a new mutex which its holder may re-enter.
	Recursive
	StaticMain
	StaticMem
	StaticOpen
	StaticPRNG
	StaticLRU
	StaticPMem
	StaticApp1
	StaticApp2
	StaticApp3
	StaticVFS1
	StaticVFS2
	StaticVFS3
)

// StaticCount is the number of static mutexes.
const StaticCount = int(StaticVFS3-StaticMain) + 1

func (id ID) String() string {
	switch {
	case id == Fast:
		return "fast"
	case id == Recursive:
		return "recursive"
	case id.IsStatic():
		return fmt.Sprintf("static-%d", int(id))
	default:
		return fmt.Sprintf("invalid-%d", int(id))
	}
}

// IsStatic is true of IDs naming a static mutex.
func (id ID) IsStatic() bool { return id >= StaticMain && id <= StaticVFS3 }

// Tracking determines whether Held and NotHeld are meaningful.
type Tracking int

const (
	// TrackingDisabled doesn't record mutex owners of fast and static
	// mutexes. Held and NotHeld both report true, which satisfies
	// engine assertions of either form.
	TrackingDisabled Tracking = iota
	// TrackingEnabled records the owning thread of every held mutex.
	TrackingEnabled
)

// Methods is the mutex contract installed into the engine.
type Methods interface {
	Init() error
	End() error
	Alloc(id ID) *Mutex
	Free(m *Mutex)
	Enter(m *Mutex)
	// Try enters |m| if that's possible without blocking, and otherwise
	// returns status.Busy.
	Try(m *Mutex) error
	Leave(m *Mutex)
	Held(m *Mutex) bool
	NotHeld(m *Mutex) bool
}

// Mutex is a mutex handed to the engine.
type Mutex struct {
	id    ID
	mu    sync.Mutex
	owner atomic.Uint64 // Thread ID of the holder, or zero.
	depth int           // Entries by the holder of a Recursive mutex. Guarded by |mu|.
	freed atomic.Bool
}

// ID of the Mutex.
func (m *Mutex) ID() ID { return m.id }

// Table implements Methods.
type Table struct {
	tracking Tracking
	threadID func() uint64

	mu      sync.Mutex
	statics []*Mutex // Nil outside of Init and End.
}

// NewTable returns a Table which identifies callers using |threadID|.
// A caller holding a mutex whose owner is tracked is locked to its OS
// thread (runtime.LockOSThread) from Enter or Try until the matching Leave,
// so that |threadID| identifies it for the whole of the hold.
func NewTable(tracking Tracking, threadID func() uint64) *Table {
	return &Table{tracking: tracking, threadID: threadID}
}

func (t *Table) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.statics != nil {
		panic("mutex table is already initialized")
	}
	t.statics = make([]*Mutex, StaticCount)
	for i := range t.statics {
		t.statics[i] = &Mutex{id: StaticMain + ID(i)}
	}
	return nil
}

func (t *Table) End() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.statics == nil {
		panic("mutex table is not initialized")
	}
	t.statics = nil
	return nil
}

func (t *Table) Alloc(id ID) *Mutex {
	if id == Fast || id == Recursive {
		metrics.MutexDynamicLive.Inc()
		return &Mutex{id: id}
	} else if !id.IsStatic() {
		panic(fmt.Sprintf("invalid mutex ID %d", int(id)))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.statics == nil {
		panic("static mutex allocated before Init")
	}
	return t.statics[id-StaticMain]
}

func (t *Table) Free(m *Mutex) {
	if m == nil {
		panic("free of nil mutex")
	} else if m.id.IsStatic() {
		return // Statics live until End.
	} else if !m.freed.CompareAndSwap(false, true) {
		panic("mutex freed twice")
	} else if !m.mu.TryLock() {
		panic("mutex freed while held")
	}
	m.mu.Unlock()
	metrics.MutexDynamicLive.Dec()
}

func (t *Table) Enter(m *Mutex) {
	t.check(m)
	var self = t.pin(m)

	if m.id == Recursive && m.owner.Load() == self {
		m.depth++
		return
	}
	if !m.mu.TryLock() {
		metrics.MutexContendedTotal.Inc()
		m.mu.Lock()
	}
	t.acquired(m, self)
}

func (t *Table) Try(m *Mutex) error {
	t.check(m)
	var self = t.pin(m)

	if m.id == Recursive && m.owner.Load() == self {
		m.depth++
		return nil
	}
	if !m.mu.TryLock() {
		t.unpin(m)
		metrics.MutexBusyTotal.Inc()
		return status.Busy
	}
	t.acquired(m, self)
	return nil
}

func (t *Table) Leave(m *Mutex) {
	t.check(m)
	var self = t.threadID()

	if t.tracks(m) && m.owner.Load() != self {
		panic(fmt.Sprintf("%s mutex left by a thread which doesn't hold it", m.id))
	}
	if m.id == Recursive {
		if m.depth--; m.depth != 0 {
			t.unpin(m)
			return
		}
	}
	m.owner.Store(0)
	m.mu.Unlock()
	t.unpin(m)
}

func (t *Table) Held(m *Mutex) bool {
	if t.tracking == TrackingDisabled {
		return true
	}
	t.check(m)
	return m.owner.Load() == t.threadID()
}

func (t *Table) NotHeld(m *Mutex) bool {
	if t.tracking == TrackingDisabled {
		return true
	}
	t.check(m)
	return m.owner.Load() != t.threadID()
}

// check panics if |m| isn't usable.
func (t *Table) check(m *Mutex) {
	if m == nil {
		panic("use of nil mutex")
	} else if m.freed.Load() {
		panic(fmt.Sprintf("use of freed %s mutex", m.id))
	}
}

// pin locks the caller to its OS thread if the owner of |m| is tracked, and
// returns the caller's thread ID. Every pin is matched by an unpin.
func (t *Table) pin(m *Mutex) uint64 {
	if t.tracks(m) {
		runtime.LockOSThread()
	}
	return t.threadID()
}

func (t *Table) unpin(m *Mutex) {
	if t.tracks(m) {
		runtime.UnlockOSThread()
	}
}

func (t *Table) tracks(m *Mutex) bool {
	return m.id == Recursive || t.tracking == TrackingEnabled
}

// acquired updates |m| after its sync.Mutex is locked by |self|.
func (t *Table) acquired(m *Mutex, self uint64) {
	m.depth = 1
	if t.tracks(m) {
		m.owner.Store(self)
	}
}
