// Package bptree implements a disk-backed B+ tree index over the
// buffer pool. Keys and values are opaque byte blobs ordered by a
// pluggable comparison function; every node lives in exactly one page
// and references children and siblings by page id only. Concurrent
// operations coordinate through page latches using latch crabbing:
// readers hold at most two latches on the way down, writers hold the
// ancestor chain until a node is proven safe against split or merge.
package bptree

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"rusql/pkg/bufferpool"
	"rusql/pkg/customerrors"
	"rusql/pkg/pager"
	"rusql/util/helpers"
	"rusql/util/logger"
)

// bin is the byte order used for all marshals/unmarshals.
var bin = binary.LittleEndian

// Open opens the named file as a B+ tree index file and returns an
// instance for use. The pager and buffer pool are created internally
// and closed by Close. If nil options are provided, defaultOptions
// will be used.
func Open(fileName string, opts *Options) (*BPlusTree, error) {
	if opts == nil {
		o := defaultOptions
		opts = &o
	}

	p, err := pager.Open(fmt.Sprintf("%s.idx", fileName), &pager.Options{
		PageSize: opts.PageSize,
		FileMode: 0644,
	})
	if err != nil {
		return nil, err
	}

	pool, err := bufferpool.New(p, &bufferpool.Options{
		Frames:    opts.Frames,
		WriteHook: opts.WriteHook,
	})
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	tree, err := New(pool, opts)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	tree.file = fileName
	tree.ownsPager = true
	return tree, nil
}

// New builds a B+ tree over an existing buffer pool. The caller keeps
// ownership of the pool's pager and must close it after the tree.
func New(pool *bufferpool.BufferPool, opts *Options) (*BPlusTree, error) {
	if opts == nil {
		o := defaultOptions
		opts = &o
	}
	opts.PageSize = pool.Pager().PageSize()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	tree := &BPlusTree{
		pool:         pool,
		pager:        pool.Pager(),
		cmp:          opts.KeyCompare,
		capacity:     opts.Capacity,
		minLeaf:      helpers.CeilDiv(opts.Capacity, 2),
		minInternal:  helpers.CeilDiv(opts.Capacity, 2) - 1,
		maxKeySize:   opts.MaxKeySize,
		maxValueSize: opts.MaxValueSize,
	}

	if err := tree.open(); err != nil {
		return nil, err
	}

	return tree, nil
}

// BPlusTree represents a disk-backed B+ tree. Each node is mapped to a
// single page fetched through the buffer pool; the root page id lives
// in the pager's superblock. rootMu acts as the virtual parent of the
// root in the crabbing protocol: it is held shared while locating the
// root and exclusively by writers until the root is proven safe.
type BPlusTree struct {
	file      string
	pool      *bufferpool.BufferPool
	pager     *pager.Pager
	ownsPager bool

	rootMu sync.RWMutex
	cmp    func(a, b []byte) int

	capacity     int
	minLeaf      int
	minInternal  int
	maxKeySize   int
	maxValueSize int

	size   int64 // atomic
	height int   // guarded by rootMu
}

// pathStep is one latched, pinned ancestor on a writer's descent path,
// together with the child index the descent took.
type pathStep struct {
	g   *bufferpool.PageGuard
	n   *node
	idx int
}

// Get fetches the value associated with the given key. Returns
// ErrKeyNotFound if the key is not present.
func (tree *BPlusTree) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, customerrors.ErrEmptyKey
	}

	g, err := tree.rootR()
	if err != nil {
		return nil, err
	}

	for {
		n, err := tree.readNode(g)
		if err != nil {
			releaseR(g)
			return nil, err
		}

		idx, found := n.search(key, tree.cmp)
		if n.leaf {
			releaseR(g)
			if !found {
				return nil, customerrors.ErrKeyNotFound
			}
			return n.entries[idx].val, nil
		}

		cg, err := tree.pool.Fetch(n.children[idx])
		if err != nil {
			releaseR(g)
			return nil, err
		}
		cg.RLatch()
		releaseR(g)
		g = cg
	}
}

// Put inserts the key/value pair. The index is unique: inserting an
// existing key returns ErrDuplicateKey.
func (tree *BPlusTree) Put(key, val []byte) error {
	if len(key) == 0 {
		return customerrors.ErrEmptyKey
	} else if len(key) > tree.maxKeySize {
		return customerrors.ErrKeyTooLarge
	} else if len(val) > tree.maxValueSize {
		return customerrors.ErrValueTooLarge
	}

	tree.rootMu.Lock()
	rootHeld := true
	defer func() {
		if rootHeld {
			tree.rootMu.Unlock()
		}
	}()

	g, err := tree.pool.Fetch(tree.pager.Root())
	if err != nil {
		return err
	}
	g.Latch()

	// descend with pessimistic crabbing: ancestors stay latched until
	// the current node cannot split.
	var path []pathStep
	var n *node
	for {
		n, err = tree.readNode(g)
		if err != nil {
			releasePathR(path)
			releaseW(g, false)
			return err
		}

		if len(n.entries) < tree.capacity {
			// safe: an insertion below cannot propagate past this node
			releasePathR(path)
			path = path[:0]
			if rootHeld {
				tree.rootMu.Unlock()
				rootHeld = false
			}
		}

		if n.leaf {
			break
		}

		idx, _ := n.search(key, tree.cmp)
		path = append(path, pathStep{g: g, n: n, idx: idx})

		cg, err := tree.pool.Fetch(n.children[idx])
		if err != nil {
			releasePathR(path[:len(path)-1])
			releaseW(g, false)
			return err
		}
		cg.Latch()
		g = cg
	}

	idx, found := n.search(key, tree.cmp)
	if found {
		releasePathR(path)
		releaseW(g, false)
		return customerrors.ErrDuplicateKey
	}

	n.insertEntry(idx, entry{key: helpers.Copy(key), val: helpers.Copy(val)})
	if len(n.entries) <= tree.capacity {
		err = tree.writeNode(g, n)
		releasePathR(path)
		releaseW(g, err == nil)
		if err == nil {
			atomic.AddInt64(&tree.size, 1)
		}
		return err
	}

	if err := tree.propagateSplit(g, n, path); err != nil {
		return err
	}
	atomic.AddInt64(&tree.size, 1)
	return nil
}

// propagateSplit splits the overflown node and walks the held ancestor
// chain upward, splitting further as separator insertions overflow. It
// consumes g and every guard in path.
func (tree *BPlusTree) propagateSplit(g *bufferpool.PageGuard, n *node, path []pathStep) error {
	for {
		sep, rightID, err := tree.splitNode(g, n)
		if err != nil {
			releasePathR(path)
			releaseW(g, false)
			return err
		}

		if len(path) == 0 {
			// the root split: grow the tree by one level
			rg, err := tree.pool.NewPage()
			if err != nil {
				releaseW(g, true)
				return err
			}
			rg.Latch()
			root := &node{
				id:       rg.ID(),
				entries:  []entry{{key: sep}},
				children: []pager.PageID{n.id, rightID},
			}
			err = tree.writeNode(rg, root)
			releaseW(g, true)
			releaseW(rg, err == nil)
			if err != nil {
				return err
			}

			tree.pager.SetRoot(root.id)
			tree.height++
			logger.L.WithField("prefix", "bptree").
				Debugf("root split, new root %d, height %d", root.id, tree.height)
			return nil
		}

		parent := path[len(path)-1]
		path = path[:len(path)-1]

		parent.n.insertEntry(parent.idx, entry{key: sep})
		parent.n.insertChild(parent.idx+1, rightID)
		releaseW(g, true)
		g, n = parent.g, parent.n

		if len(n.entries) <= tree.capacity {
			err := tree.writeNode(g, n)
			releasePathR(path)
			releaseW(g, err == nil)
			return err
		}
		// parent overflown in turn; keep climbing
	}
}

// splitNode moves the upper half of n into a freshly allocated sibling
// and returns the separator key to insert into the parent along with
// the new sibling's page id. Both halves are written; n's guard stays
// held by the caller.
func (tree *BPlusTree) splitNode(g *bufferpool.PageGuard, n *node) ([]byte, pager.PageID, error) {
	rg, err := tree.pool.NewPage()
	if err != nil {
		return nil, 0, err
	}
	rg.Latch()

	right := &node{id: rg.ID(), leaf: n.leaf}
	var sep []byte

	if n.leaf {
		keep := helpers.CeilDiv(len(n.entries), 2)
		right.entries = append(right.entries, n.entries[keep:]...)
		n.entries = n.entries[:keep]

		right.prev = n.id
		right.next = n.next
		if n.next != 0 {
			if err := tree.relinkPrev(n.next, right.id); err != nil {
				releaseW(rg, false)
				return nil, 0, err
			}
		}
		n.next = right.id
		sep = helpers.Copy(right.entries[0].key)
	} else {
		mid := len(n.entries) / 2
		sep = n.entries[mid].key
		right.entries = append(right.entries, n.entries[mid+1:]...)
		right.children = append(right.children, n.children[mid+1:]...)
		n.entries = n.entries[:mid]
		n.children = n.children[:mid+1]
	}

	if err := tree.writeNode(rg, right); err != nil {
		releaseW(rg, false)
		return nil, 0, err
	}
	releaseW(rg, true)

	if err := tree.writeNode(g, n); err != nil {
		return nil, 0, err
	}
	return sep, right.id, nil
}

// relinkPrev points the prev link of the given leaf at newPrev. Used by
// split and merge to keep the sibling chain consistent; latches only
// the one target leaf, always a right neighbor of pages already held.
func (tree *BPlusTree) relinkPrev(id, newPrev pager.PageID) error {
	og, err := tree.pool.Fetch(id)
	if err != nil {
		return err
	}
	og.Latch()

	on, err := tree.readNode(og)
	if err != nil {
		releaseW(og, false)
		return err
	}
	if !on.leaf {
		releaseW(og, false)
		return errors.Wrapf(customerrors.ErrCorruptIndex,
			"leaf sibling %d is not a leaf", id)
	}

	on.prev = newPrev
	err = tree.writeNode(og, on)
	releaseW(og, err == nil)
	return err
}

// Scan walks entries in key order starting at start (nil means the
// leftmost key) and stops after end (nil means the rightmost key),
// passing each pair to scanFn. Scanning stops early when scanFn
// returns true. The iteration is a point-in-time walk of the leaf
// chain: entries inserted behind the scan position after it started
// are not guaranteed to appear.
func (tree *BPlusTree) Scan(start, end []byte, scanFn func(key, val []byte) (bool, error)) error {
	g, err := tree.rootR()
	if err != nil {
		return err
	}

	// descend to the leaf covering start (leftmost leaf if nil)
	var n *node
	for {
		n, err = tree.readNode(g)
		if err != nil {
			releaseR(g)
			return err
		}
		if n.leaf {
			break
		}

		idx := 0
		if start != nil {
			idx, _ = n.search(start, tree.cmp)
		}
		cg, err := tree.pool.Fetch(n.children[idx])
		if err != nil {
			releaseR(g)
			return err
		}
		cg.RLatch()
		releaseR(g)
		g = cg
	}

	idx := 0
	if start != nil {
		idx, _ = n.search(start, tree.cmp)
	}
	releaseR(g)

	for {
		for ; idx < len(n.entries); idx++ {
			e := n.entries[idx]
			if end != nil && tree.cmp(e.key, end) > 0 {
				return nil
			}
			if stop, err := scanFn(e.key, e.val); err != nil {
				return err
			} else if stop {
				return nil
			}
		}

		if n.next == 0 {
			return nil
		}

		// the previous leaf's latch is already dropped before the next
		// is taken, so scans never wait while holding a leaf latch.
		ng, err := tree.pool.Fetch(n.next)
		if err != nil {
			return err
		}
		ng.RLatch()
		if ng.Data()[0] == pager.PageFree {
			// the chain mutated under us; the weak scan contract ends here
			releaseR(ng)
			return nil
		}
		n, err = tree.readNode(ng)
		releaseR(ng)
		if err != nil {
			return err
		}
		if !n.leaf {
			return errors.Wrapf(customerrors.ErrCorruptIndex,
				"leaf chain reached non-leaf page %d", n.id)
		}
		idx = 0
	}
}

// Size returns the number of entries in the tree.
func (tree *BPlusTree) Size() int64 { return atomic.LoadInt64(&tree.size) }

// Height returns the number of levels, 1 for a lone leaf root.
func (tree *BPlusTree) Height() int {
	tree.rootMu.RLock()
	defer tree.rootMu.RUnlock()
	return tree.height
}

// Flush writes all dirty frames back through the pager and syncs.
func (tree *BPlusTree) Flush() error {
	return tree.pool.FlushAll()
}

// Close flushes any writes and, if the tree owns its pager, closes it.
func (tree *BPlusTree) Close() error {
	if tree.pager == nil {
		return nil
	}

	err := tree.Flush()
	if err == nil && tree.ownsPager {
		err = tree.pager.Close()
	}
	tree.pager = nil
	return err
}

func (tree *BPlusTree) String() string {
	return fmt.Sprintf(
		"BPlusTree{file='%s', size=%d, height=%d, capacity=%d}",
		tree.file, tree.Size(), tree.height, tree.capacity,
	)
}

// rootR pins and share-latches the current root under the shared root
// lock, so the id cannot change between reading it and latching.
func (tree *BPlusTree) rootR() (*bufferpool.PageGuard, error) {
	tree.rootMu.RLock()
	defer tree.rootMu.RUnlock()

	g, err := tree.pool.Fetch(tree.pager.Root())
	if err != nil {
		return nil, err
	}
	g.RLatch()
	return g, nil
}

// readNode materializes the page under the guard. The caller must hold
// the guard's latch.
func (tree *BPlusTree) readNode(g *bufferpool.PageGuard) (*node, error) {
	n := &node{id: g.ID()}
	if err := n.readFrom(g.Data()); err != nil {
		return nil, errors.Wrapf(err, "failed to read node from page %d", g.ID())
	}
	return n, nil
}

// writeNode marshals the node back into its page. MarkDirty runs first
// so the pool captures the pre-image for the write hook.
func (tree *BPlusTree) writeNode(g *bufferpool.PageGuard, n *node) error {
	g.MarkDirty()
	if err := n.writeTo(g.Data()); err != nil {
		return errors.Wrapf(err, "failed to write node to page %d", g.ID())
	}
	return nil
}

// open loads the tree state from the file, formatting a fresh root
// leaf if the superblock has no root yet. Size and height are not
// persisted; they are rebuilt by walking the leftmost spine and the
// leaf chain.
func (tree *BPlusTree) open() error {
	if tree.pager.Root() == 0 {
		return tree.init()
	}

	tree.height = 1
	g, err := tree.rootR()
	if err != nil {
		return err
	}

	for {
		n, err := tree.readNode(g)
		if err != nil {
			releaseR(g)
			return err
		}
		if n.leaf {
			releaseR(g)
			break
		}

		tree.height++
		cg, err := tree.pool.Fetch(n.children[0])
		if err != nil {
			releaseR(g)
			return err
		}
		cg.RLatch()
		releaseR(g)
		g = cg
	}

	// count entries along the leaf chain
	count := int64(0)
	err = tree.Scan(nil, nil, func(_, _ []byte) (bool, error) {
		count++
		return false, nil
	})
	if err != nil {
		return err
	}

	atomic.StoreInt64(&tree.size, count)
	return nil
}

// init formats an empty index: a single empty leaf becomes the root.
func (tree *BPlusTree) init() error {
	g, err := tree.pool.NewPage()
	if err != nil {
		return err
	}
	g.Latch()

	root := &node{id: g.ID(), leaf: true}
	err = tree.writeNode(g, root)
	releaseW(g, err == nil)
	if err != nil {
		return err
	}

	tree.pager.SetRoot(root.id)
	tree.height = 1
	return tree.pager.Flush()
}

// releaseR drops a shared latch and the pin together.
func releaseR(g *bufferpool.PageGuard) {
	g.RUnlatch()
	g.Release(false)
}

// releaseW drops an exclusive latch and the pin together.
func releaseW(g *bufferpool.PageGuard, dirty bool) {
	g.Unlatch()
	g.Release(dirty)
}

// releasePathR releases a writer's held ancestor chain unchanged.
func releasePathR(path []pathStep) {
	for i := len(path) - 1; i >= 0; i-- {
		releaseW(path[i].g, false)
	}
}
