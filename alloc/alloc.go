// Package alloc adapts the Go heap to the memory-allocation contract of the
// embedded SQL engine.
//
// Blocks are byte slices whose capacity is the requested size rounded up to
// DefaultAlignment. The size of a block is therefore recoverable from the
// block itself, and no side table of allocations is kept.
package alloc

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hostvfs/metrics"
)

// DefaultAlignment of every block capacity.
const DefaultAlignment = 16

// MaxBlockSize is the largest block which may be requested. Larger requests
// are refused, as the engine's sizes are 32-bit.
const MaxBlockSize = 0x7fffff00

// Methods is the allocation contract installed into the engine.
type Methods interface {
	// Malloc returns a block of at least |n| bytes, or nil if memory
	// is unavailable.
	Malloc(n int) []byte
	// Free releases a block previously returned by Malloc or Realloc.
	Free(b []byte)
	// Realloc resizes |b| to |n| bytes, preserving its prefix. The
	// argument block must not be used after Realloc returns.
	Realloc(b []byte, n int) []byte
	// Size of a live block.
	Size(b []byte) int
	// Roundup returns the block size Malloc would produce for |n|.
	Roundup(n int) int
	// Init and Shutdown bracket use of the allocator by the engine.
	Init() error
	Shutdown()
}

// Accountant is implemented by Methods which may also govern blocks the
// engine allocates outside of the Go heap, such as from the C heap.
type Accountant interface {
	// Reserve accounts for a block of |n| bytes and returns its rounded
	// size, or zero if the request is refused.
	Reserve(n int) int
	// Release a block of |size| bytes previously returned by Reserve.
	Release(size int)
}

// Stats of an Allocator.
type Stats struct {
	InUse       int64 // Bytes of live blocks.
	HighWater   int64 // Maximum of InUse.
	Allocations int64 // Blocks handed out, including by Realloc.
	Failures    int64 // Requests refused.
}

// Allocator implements Methods over the Go heap, with an optional soft limit
// on bytes in use.
type Allocator struct {
	limit int64

	inUse, highWater, allocations, failures atomic.Int64
}

// New returns an Allocator which refuses requests that would take bytes in
// use beyond |limit|. A zero |limit| is unlimited.
func New(limit int64) *Allocator { return &Allocator{limit: limit} }

func (a *Allocator) Malloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	var size = a.Reserve(n)
	if size == 0 {
		return nil
	}
	return make([]byte, n, size)
}

func (a *Allocator) Free(b []byte) {
	if b == nil {
		return
	}
	a.Release(cap(b))
}

func (a *Allocator) Reserve(n int) int {
	if n <= 0 {
		return 0
	} else if n > MaxBlockSize {
		a.refuse(n, a.inUse.Load(), "allocation exceeds the maximum block size")
		return 0
	}
	var size = a.Roundup(n)

	var in = a.inUse.Add(int64(size))
	if a.limit != 0 && in > a.limit {
		a.inUse.Add(-int64(size))
		a.refuse(n, in-int64(size), "allocation refused by heap limit")
		return 0
	}
	raise(&a.highWater, in)
	a.allocations.Add(1)
	metrics.AllocTotal.WithLabelValues(metrics.Ok).Inc()
	metrics.AllocBytesInUse.Add(float64(size))

	return size
}

func (a *Allocator) Release(size int) {
	a.inUse.Add(-int64(size))
	metrics.AllocBytesInUse.Sub(float64(size))
}

func (a *Allocator) refuse(n int, inUse int64, msg string) {
	a.failures.Add(1)
	metrics.AllocTotal.WithLabelValues(metrics.Fail).Inc()

	log.WithFields(log.Fields{
		"request": n,
		"inUse":   inUse,
		"limit":   a.limit,
	}).Warn(msg)
}

func (a *Allocator) Realloc(b []byte, n int) []byte {
	if b == nil {
		return a.Malloc(n)
	} else if n <= 0 {
		a.Free(b)
		return nil
	} else if a.Roundup(n) == cap(b) {
		return b[:n]
	}

	var out = a.Malloc(n)
	if out == nil {
		return nil // |b| remains live.
	}
	copy(out, b[:cap(b)])
	a.Free(b)
	return out
}

func (a *Allocator) Size(b []byte) int { return cap(b) }

// Roundup returns |n| rounded to DefaultAlignment. Requests beyond
// MaxBlockSize are returned as-is.
func (a *Allocator) Roundup(n int) int {
	if n > MaxBlockSize {
		return n
	}
	return (n + DefaultAlignment - 1) &^ (DefaultAlignment - 1)
}

func (a *Allocator) Init() error { return nil }

func (a *Allocator) Shutdown() {
	if in := a.inUse.Load(); in != 0 {
		log.WithFields(log.Fields{
			"inUse":     in,
			"highWater": a.highWater.Load(),
		}).Warn("allocator shut down with live blocks")
	}
}

// Stats returns a snapshot of Allocator statistics.
func (a *Allocator) Stats() Stats {
	return Stats{
		InUse:       a.inUse.Load(),
		HighWater:   a.highWater.Load(),
		Allocations: a.allocations.Load(),
		Failures:    a.failures.Load(),
	}
}

func raise(v *atomic.Int64, to int64) {
	for cur := v.Load(); to > cur; cur = v.Load() {
		if v.CompareAndSwap(cur, to) {
			return
		}
	}
}
