package bufferpool

import "rusql/pkg/pager"

// PageGuard is a pinned handle over a resident page. While any guard
// for a page is held, its frame cannot be evicted. The guard pairs the
// pin with the page latch: callers latch before touching Data and
// unlatch when done. Pin and latch are distinct on purpose: the pin
// only prevents eviction, the latch serializes content access.
type PageGuard struct {
	pool     *BufferPool
	f        *frame
	id       pager.PageID
	released bool
}

// ID returns the guarded page's id.
func (g *PageGuard) ID() pager.PageID { return g.id }

// Data returns the frame bytes. The caller must hold the latch (shared
// for reads, exclusive for writes) while accessing the slice and must
// not retain it past Release.
func (g *PageGuard) Data() []byte { return g.f.data }

// Latch acquires the page latch exclusively.
func (g *PageGuard) Latch() { g.f.latch.Lock() }

// Unlatch releases the exclusive page latch.
func (g *PageGuard) Unlatch() { g.f.latch.Unlock() }

// RLatch acquires the page latch shared.
func (g *PageGuard) RLatch() { g.f.latch.RLock() }

// RUnlatch releases the shared page latch.
func (g *PageGuard) RUnlatch() { g.f.latch.RUnlock() }

// MarkDirty flags the frame dirty. For a faithful before image in the
// pool's WriteHook, call MarkDirty before mutating Data: the first call
// in a pin cycle snapshots the page.
func (g *PageGuard) MarkDirty() {
	g.pool.mu.Lock()
	g.markDirtyLocked()
	g.pool.mu.Unlock()
}

// Release drops the pin. Dirty is sticky: once any releaser in a pin
// cycle passes dirty=true (or called MarkDirty), the frame stays dirty
// until flushed. Releasing an already released guard is a no-op.
func (g *PageGuard) Release(dirty bool) {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()

	if g.released {
		return
	}
	g.released = true

	if dirty {
		g.markDirtyLocked()
	}
	g.pool.unpin(g.f, g.id)
}

// markDirtyLocked needs g.pool.mu held.
func (g *PageGuard) markDirtyLocked() {
	f := g.f
	if g.pool.hook != nil && f.before == nil {
		f.before = make([]byte, len(f.data))
		copy(f.before, f.data)
	}
	f.dirty = true
}
