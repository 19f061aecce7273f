package bufferpool

import (
	"bytes"
	"encoding/binary"
	"path"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"rusql/pkg/customerrors"
	"rusql/pkg/pager"
)

func testPool(t *testing.T, frames int, hook WriteHook) *BufferPool {
	t.Helper()

	p, err := pager.Open(path.Join(t.TempDir(), "rusql_test.db"), nil)
	require.NoError(t, err)

	pool, err := New(p, &Options{Frames: frames, WriteHook: hook})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pool.FlushAll())
		require.NoError(t, p.Close())
	})
	return pool
}

// writePage fills the page with a marker byte under the guard protocol.
func writePage(t *testing.T, g *PageGuard, marker byte) {
	t.Helper()

	g.Latch()
	g.MarkDirty()
	d := g.Data()
	for i := range d {
		d[i] = marker
	}
	g.Unlatch()
	g.Release(true)
}

func (b *BufferPool) resident(id pager.PageID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.dir[id]
	return ok
}

func TestPoolRoundTripThroughEviction(t *testing.T) {
	pool := testPool(t, 3, nil)

	// more pages than frames, so later pages evict earlier ones
	var ids []pager.PageID
	for i := 0; i < 5; i++ {
		g, err := pool.NewPage()
		require.NoError(t, err)
		ids = append(ids, g.ID())
		writePage(t, g, byte(i+1))
	}

	for i, id := range ids {
		g, err := pool.Fetch(id)
		require.NoError(t, err)

		g.RLatch()
		require.Equal(t, byte(i+1), g.Data()[0])
		require.Equal(t, byte(i+1), g.Data()[len(g.Data())-1])
		g.RUnlatch()
		g.Release(false)
	}
}

func TestPoolExhausted(t *testing.T) {
	pool := testPool(t, 3, nil)

	var guards []*PageGuard
	for i := 0; i < 3; i++ {
		g, err := pool.NewPage()
		require.NoError(t, err)
		guards = append(guards, g)
	}

	_, err := pool.NewPage()
	require.ErrorIs(t, err, customerrors.ErrPoolExhausted)

	// unpinning any one frame makes the pool usable again
	guards[1].Release(false)

	g, err := pool.NewPage()
	require.NoError(t, err)
	g.Release(false)

	for _, g := range guards {
		g.Release(false)
	}
}

func TestPoolPinPreventsEviction(t *testing.T) {
	pool := testPool(t, 2, nil)

	g1, err := pool.NewPage()
	require.NoError(t, err)
	writePage(t, g1, 0xA1)

	g1, err = pool.Fetch(g1.ID())
	require.NoError(t, err)

	// churn through the second frame; the pinned page must stay put
	for i := 0; i < 4; i++ {
		g, err := pool.NewPage()
		require.NoError(t, err)
		writePage(t, g, byte(i))
	}

	require.True(t, pool.resident(g1.ID()))
	g1.RLatch()
	require.Equal(t, byte(0xA1), g1.Data()[0])
	g1.RUnlatch()
	g1.Release(false)
}

func TestPoolClockEvictionOrder(t *testing.T) {
	pool := testPool(t, 3, nil)

	var ids []pager.PageID
	for i := 0; i < 3; i++ {
		g, err := pool.NewPage()
		require.NoError(t, err)
		ids = append(ids, g.ID())
		g.Release(false)
	}

	// all frames referenced once; the sweep clears reference bits in
	// index order and takes frame 0 on its second pass
	g, err := pool.NewPage()
	require.NoError(t, err)
	g.Release(false)

	require.False(t, pool.resident(ids[0]))
	require.True(t, pool.resident(ids[1]))
	require.True(t, pool.resident(ids[2]))
}

func TestPoolSingleCopyConcurrent(t *testing.T) {
	pool := testPool(t, 4, nil)

	g, err := pool.NewPage()
	require.NoError(t, err)
	id := g.ID()
	g.Release(false)

	const workers = 16
	const rounds = 50

	wg := sync.WaitGroup{}
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				g, err := pool.Fetch(id)
				require.NoError(t, err)

				g.Latch()
				g.MarkDirty()
				d := g.Data()
				binary.LittleEndian.PutUint64(d[8:16], binary.LittleEndian.Uint64(d[8:16])+1)
				g.Unlatch()
				g.Release(true)
			}
		}()
	}
	wg.Wait()

	// no increment lost: there was exactly one copy of the page
	g, err = pool.Fetch(id)
	require.NoError(t, err)
	g.RLatch()
	require.Equal(t, uint64(workers*rounds), binary.LittleEndian.Uint64(g.Data()[8:16]))
	g.RUnlatch()
	g.Release(false)
}

func TestPoolWriteHook(t *testing.T) {
	type record struct {
		id            pager.PageID
		before, after []byte
	}

	var mu sync.Mutex
	var records []record
	hook := func(id pager.PageID, before, after []byte) {
		mu.Lock()
		records = append(records, record{id, before, after})
		mu.Unlock()
	}

	pool := testPool(t, 3, hook)

	g, err := pool.NewPage()
	require.NoError(t, err)
	id := g.ID()
	writePage(t, g, 0x11)

	require.Len(t, records, 1)
	require.Equal(t, id, records[0].id)
	require.Equal(t, make([]byte, pool.Pager().PageSize()), records[0].before)
	require.Equal(t, byte(0x11), records[0].after[0])

	// second mutating pin cycle: before image is the previous state
	g, err = pool.Fetch(id)
	require.NoError(t, err)
	writePage(t, g, 0x22)

	require.Len(t, records, 2)
	require.Equal(t, byte(0x11), records[1].before[0])
	require.Equal(t, byte(0x22), records[1].after[0])

	// read-only pin cycles emit nothing
	g, err = pool.Fetch(id)
	require.NoError(t, err)
	g.Release(false)
	require.Len(t, records, 2)
}

func TestPoolFreePage(t *testing.T) {
	pool := testPool(t, 3, nil)

	g, err := pool.NewPage()
	require.NoError(t, err)
	id := g.ID()

	err = pool.FreePage(id)
	require.ErrorIs(t, err, customerrors.ErrInvalidPage)

	// the latest image only exists in the pool here; FreePage must not
	// judge the page by its stale zeroed disk image
	writePage(t, g, 0x33)
	require.NoError(t, pool.FreePage(id))
	require.False(t, pool.resident(id))

	d, err := pool.Pager().ReadPage(id)
	require.NoError(t, err)
	require.Equal(t, pager.PageFree, d[0])

	// the pager hands the page right back
	g, err = pool.NewPage()
	require.NoError(t, err)
	require.Equal(t, id, g.ID())
	g.Release(false)
}

func TestPoolFlushDuringWrites(t *testing.T) {
	pool := testPool(t, 3, nil)

	g, err := pool.NewPage()
	require.NoError(t, err)
	id := g.ID()
	writePage(t, g, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			g, err := pool.Fetch(id)
			require.NoError(t, err)

			g.Latch()
			g.MarkDirty()
			d := g.Data()
			for j := range d {
				d[j] = byte(i%250 + 1)
			}
			g.Unlatch()
			g.Release(true)
		}
	}()

	// every write fills the page with one byte value, so a flushed
	// image that mixes values was torn mid-write
	for i := 0; i < 200; i++ {
		require.NoError(t, pool.Flush(id))

		d, err := pool.Pager().ReadPage(id)
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat(d[:1], len(d)), d)
	}
	<-done
}

func TestPoolFlushAll(t *testing.T) {
	pool := testPool(t, 3, nil)

	g, err := pool.NewPage()
	require.NoError(t, err)
	id := g.ID()
	writePage(t, g, 0x77)

	require.NoError(t, pool.FlushAll())

	d, err := pool.Pager().ReadPage(id)
	require.NoError(t, err)
	require.Equal(t, byte(0x77), d[0])
	require.Equal(t, byte(0x77), d[len(d)-1])
}
