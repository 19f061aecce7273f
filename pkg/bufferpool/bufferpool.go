// Package bufferpool implements a bounded in-memory cache of pages
// between the index and the pager. Pages are held in fixed frames,
// pinned while in use by a PageGuard and evicted under a clock
// (second-chance) policy when all frames are occupied. A page is
// resident in at most one frame at a time.
package bufferpool

import (
	"sync"

	"github.com/pkg/errors"

	"rusql/pkg/customerrors"
	"rusql/pkg/pager"
	"rusql/util/logger"
)

// frame is an in-memory slot owned by the pool, holding at most one
// page's bytes. The latch guards page contents; pin, dirty and ref are
// guarded by the pool mutex.
type frame struct {
	latch sync.RWMutex

	id     pager.PageID
	data   []byte
	before []byte // page image at start of the current mutating pin cycle
	used   bool
	dirty  bool
	ref    bool // clock reference bit
	pin    int
}

// New returns a buffer pool of opts.Frames frames backed by the given
// pager. If nil options are provided, defaultOptions will be used.
func New(p *pager.Pager, opts *Options) (*BufferPool, error) {
	if opts == nil {
		opts = &defaultOptions
	}
	if opts.Frames < 1 {
		return nil, errors.Errorf("invalid frame count: %d", opts.Frames)
	}

	pool := &BufferPool{
		pager:  p,
		hook:   opts.WriteHook,
		frames: make([]*frame, opts.Frames),
		dir:    make(map[pager.PageID]int, opts.Frames),
	}
	for i := range pool.frames {
		pool.frames[i] = &frame{data: make([]byte, p.PageSize())}
	}

	return pool, nil
}

// BufferPool caches a bounded number of pages in memory. The directory
// and all frame bookkeeping are guarded by a single coarse mutex; page
// contents are guarded by per-frame latches, decoupling content
// concurrency from directory concurrency.
type BufferPool struct {
	mu     sync.Mutex
	pager  *pager.Pager
	hook   WriteHook
	frames []*frame
	dir    map[pager.PageID]int
	hand   int
}

// Fetch returns a pinned guard for the page. If the page is not
// resident it is loaded from the pager, evicting a victim frame if
// necessary. Returns ErrPoolExhausted when every frame is pinned.
func (b *BufferPool) Fetch(id pager.PageID) (*PageGuard, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.dir[id]; ok {
		f := b.frames[idx]
		f.pin++
		f.ref = true
		return &PageGuard{pool: b, f: f, id: id}, nil
	}

	idx, err := b.victim()
	if err != nil {
		return nil, err
	}

	f := b.frames[idx]
	if err := b.pager.ReadPageInto(id, f.data); err != nil {
		return nil, err
	}

	b.install(idx, id)
	return &PageGuard{pool: b, f: f, id: id}, nil
}

// NewPage allocates a fresh page through the pager and returns a
// pinned, dirty guard over its zeroed contents. The disk is never read
// for the initial image.
func (b *BufferPool) NewPage() (*PageGuard, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.victim()
	if err != nil {
		return nil, err
	}

	id, err := b.pager.Alloc()
	if err != nil {
		return nil, err
	}

	f := b.frames[idx]
	for i := range f.data {
		f.data[i] = 0
	}

	b.install(idx, id)
	f.dirty = true
	if b.hook != nil {
		f.before = make([]byte, len(f.data)) // zero page
	}
	return &PageGuard{pool: b, f: f, id: id}, nil
}

// Flush writes the page back through the pager if it is resident and
// dirty.
func (b *BufferPool) Flush(id pager.PageID) error {
	b.mu.Lock()
	idx, ok := b.dir[id]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	f := b.frames[idx]
	f.pin++
	b.mu.Unlock()

	err := b.writeBack(f)

	b.mu.Lock()
	b.unpin(f, id)
	b.mu.Unlock()
	return err
}

// FlushAll writes every dirty frame back through the pager and syncs
// it. Used before a controlled shutdown.
func (b *BufferPool) FlushAll() error {
	b.mu.Lock()
	for _, f := range b.frames {
		if !f.used {
			continue
		}

		f.pin++
		id := f.id
		b.mu.Unlock()

		err := b.writeBack(f)

		b.mu.Lock()
		b.unpin(f, id)
		if err != nil {
			b.mu.Unlock()
			return err
		}
	}
	b.mu.Unlock()
	return b.pager.Flush()
}

// FreePage evicts the page without keeping it resident and returns it
// to the pager's free list. The page must not be pinned. The cached
// image is written back first: the pager validates frees against the
// page's tag byte, and the disk image may be stale while the latest
// one sits in a frame.
func (b *BufferPool) FreePage(id pager.PageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.dir[id]; ok {
		f := b.frames[idx]
		if f.pin > 0 {
			return errors.Wrapf(customerrors.ErrInvalidPage,
				"cannot free pinned page %d (pins=%d)", id, f.pin)
		}
		if err := b.flushFrame(f); err != nil {
			return err
		}
		delete(b.dir, id)
		f.used = false
		f.before = nil
	}
	return b.pager.Free(id)
}

// Pager returns the pager this pool is backed by.
func (b *BufferPool) Pager() *pager.Pager { return b.pager }

// Frames returns the pool capacity in frames.
func (b *BufferPool) Frames() int { return len(b.frames) }

// unpin drops one pin, emitting the write hook at the end of a
// mutating pin cycle. Caller must hold b.mu.
func (b *BufferPool) unpin(f *frame, id pager.PageID) {
	f.pin--
	if f.pin == 0 && f.before != nil && b.hook != nil {
		after := make([]byte, len(f.data))
		copy(after, f.data)
		b.hook(id, f.before, after)
		f.before = nil
	}
}

// writeBack flushes one frame under its shared latch so a concurrent
// writer cannot tear the page image. The caller must hold a pin on the
// frame and must not hold b.mu.
func (b *BufferPool) writeBack(f *frame) error {
	f.latch.RLock()
	defer f.latch.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushFrame(f)
}

// install binds the frame to the page with one pin. Caller must hold
// b.mu and have loaded/zeroed the frame data.
func (b *BufferPool) install(idx int, id pager.PageID) {
	f := b.frames[idx]
	f.id = id
	f.used = true
	f.dirty = false
	f.ref = true
	f.pin = 1
	f.before = nil
	b.dir[id] = idx
}

// victim returns the index of a frame ready for reuse: an unused frame
// if one exists (lowest index first), else an unpinned frame selected
// by the clock hand, flushed if dirty. Caller must hold b.mu.
func (b *BufferPool) victim() (int, error) {
	for i, f := range b.frames {
		if !f.used {
			return i, nil
		}
	}

	evictable := false
	for _, f := range b.frames {
		if f.pin == 0 {
			evictable = true
			break
		}
	}
	if !evictable {
		return 0, errors.Wrap(customerrors.ErrPoolExhausted,
			"every frame is pinned")
	}

	// second chance sweep; terminates within two rotations since at
	// least one frame is evictable and reference bits are cleared on
	// the first pass.
	for {
		f := b.frames[b.hand]
		idx := b.hand
		b.hand = (b.hand + 1) % len(b.frames)

		if f.pin != 0 {
			continue
		}
		if f.ref {
			f.ref = false
			continue
		}

		if err := b.flushFrame(f); err != nil {
			return 0, err
		}
		logger.L.WithField("prefix", "bufferpool").
			Debugf("evicted page %d from frame %d", f.id, idx)
		delete(b.dir, f.id)
		f.used = false
		f.before = nil
		return idx, nil
	}
}

// flushFrame writes the frame back if dirty. Caller must hold b.mu and
// ensure no writer holds the frame latch (pin count 0, or the caller
// latched it itself).
func (b *BufferPool) flushFrame(f *frame) error {
	if !f.dirty {
		return nil
	}
	if err := b.pager.WritePage(f.id, f.data); err != nil {
		return err
	}
	f.dirty = false
	return nil
}
