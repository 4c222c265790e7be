package alloc

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundupAndSize(t *testing.T) {
	var a = New(0)

	for n, expect := range map[int]int{1: 16, 15: 16, 16: 16, 17: 32, 100: 112, 4096: 4096} {
		require.Equal(t, expect, a.Roundup(n))

		var b = a.Malloc(n)
		require.Len(t, b, n)
		require.Equal(t, expect, a.Size(b))
		a.Free(b)
	}
	require.Equal(t, int64(0), a.Stats().InUse)
}

func TestMallocOfZeroIsNil(t *testing.T) {
	var a = New(0)
	require.Nil(t, a.Malloc(0))
	require.Nil(t, a.Malloc(-1))
	a.Free(nil) // No-op.
	require.Equal(t, Stats{}, a.Stats())
}

func TestReallocPreservesPrefix(t *testing.T) {
	var a = New(0)

	var b = a.Malloc(10)
	copy(b, "0123456789")

	// Same rounded size: resliced in place.
	var c = a.Realloc(b, 14)
	require.Len(t, c, 14)
	require.Equal(t, &b[0], &c[0])
	require.Equal(t, "0123456789", string(c[:10]))

	// Grows into a new block.
	var d = a.Realloc(c, 40)
	require.Len(t, d, 40)
	require.Equal(t, 48, a.Size(d))
	require.Equal(t, "0123456789", string(d[:10]))
	require.Equal(t, int64(48), a.Stats().InUse)

	// Shrinks into a new block.
	var e = a.Realloc(d, 4)
	require.Equal(t, "0123", string(e))
	require.Equal(t, int64(16), a.Stats().InUse)

	require.Nil(t, a.Realloc(e, 0))
	require.Equal(t, int64(0), a.Stats().InUse)

	// Realloc of nil allocates.
	var f = a.Realloc(nil, 3)
	require.Len(t, f, 3)
	a.Free(f)
}

func TestHeapLimit(t *testing.T) {
	var a = New(96)

	var b1 = a.Malloc(32)
	var b2 = a.Malloc(32)
	require.NotNil(t, b1)
	require.NotNil(t, b2)
	require.Nil(t, a.Malloc(40))

	// A refused Realloc leaves the original block live.
	require.Nil(t, a.Realloc(b1, 48))
	require.Equal(t, int64(64), a.Stats().InUse)

	a.Free(b2)
	require.NotNil(t, a.Realloc(b1, 48))

	var stats = a.Stats()
	require.Equal(t, int64(48), stats.InUse)
	require.Equal(t, int64(80), stats.HighWater)
	require.Equal(t, int64(3), stats.Allocations)
	require.Equal(t, int64(2), stats.Failures)
}

func TestOversizeRequestsAreRefused(t *testing.T) {
	var a = New(0)

	for _, n := range []int{MaxBlockSize + 1, math.MaxInt - 1, math.MaxInt} {
		require.Equal(t, n, a.Roundup(n))
		require.Nil(t, a.Malloc(n))
		require.Zero(t, a.Reserve(n))
	}
	require.Equal(t, MaxBlockSize, a.Roundup(MaxBlockSize))

	// A refused Realloc leaves the original block live.
	var b = a.Malloc(10)
	require.Nil(t, a.Realloc(b, math.MaxInt))
	require.Len(t, b, 10)

	var stats = a.Stats()
	require.Equal(t, int64(16), stats.InUse)
	require.Equal(t, int64(1), stats.Allocations)
	require.Equal(t, int64(7), stats.Failures)
	a.Free(b)
}

func TestReserveAndRelease(t *testing.T) {
	var a = New(64)

	require.Equal(t, 32, a.Reserve(20))
	require.Equal(t, 32, a.Reserve(32))
	require.Zero(t, a.Reserve(1))
	require.Zero(t, a.Reserve(0))

	a.Release(32)
	require.Equal(t, 16, a.Reserve(1))

	var stats = a.Stats()
	require.Equal(t, int64(48), stats.InUse)
	require.Equal(t, int64(64), stats.HighWater)
	require.Equal(t, int64(3), stats.Allocations)
	require.Equal(t, int64(1), stats.Failures)
}

func TestConcurrentAccounting(t *testing.T) {
	var a = New(0)
	var wg sync.WaitGroup

	for i := 0; i != 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j != 1000; j++ {
				a.Free(a.Realloc(a.Malloc(j%100+1), j%300+1))
			}
		}()
	}
	wg.Wait()

	var stats = a.Stats()
	require.Equal(t, int64(0), stats.InUse)
	require.NotZero(t, stats.HighWater)
	a.Shutdown()
}
