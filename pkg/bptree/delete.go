package bptree

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"rusql/pkg/bufferpool"
	"rusql/pkg/customerrors"
	"rusql/pkg/pager"
	"rusql/util/helpers"
	"rusql/util/logger"
)

// Del removes the key from the tree, rebalancing with borrow or merge
// when a node falls below minimum occupancy. Returns ErrKeyNotFound if
// the key is not present.
func (tree *BPlusTree) Del(key []byte) error {
	if len(key) == 0 {
		return customerrors.ErrEmptyKey
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

	var path []pathStep
	var n *node
	for {
		n, err = tree.readNode(g)
		if err != nil {
			releasePathR(path)
			releaseW(g, false)
			return err
		}

		if tree.deleteSafe(n, rootHeld && len(path) == 0) {
			// removal below cannot cascade past this node
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
	if !found {
		releasePathR(path)
		releaseW(g, false)
		return customerrors.ErrKeyNotFound
	}

	n.removeEntry(idx)

	if len(path) == 0 || len(n.entries) >= tree.minLeaf {
		err = tree.writeNode(g, n)
		releasePathR(path)
		releaseW(g, err == nil)
		if err == nil {
			atomic.AddInt64(&tree.size, -1)
		}
		return err
	}

	if err := tree.handleUnderflow(g, n, path, &rootHeld); err != nil {
		return err
	}
	atomic.AddInt64(&tree.size, -1)
	return nil
}

// deleteSafe reports whether removing one entry (or one separator, for
// an internal node) from n cannot cascade to its ancestors.
func (tree *BPlusTree) deleteSafe(n *node, isRoot bool) bool {
	if isRoot {
		// a root leaf underflows freely; an internal root only
		// collapses once its last separator goes
		return n.leaf || len(n.entries) > 1
	}
	return len(n.entries) > tree.minFor(n)
}

func (tree *BPlusTree) minFor(n *node) int {
	if n.leaf {
		return tree.minLeaf
	}
	return tree.minInternal
}

// handleUnderflow walks the held ancestor chain upward, borrowing from
// or merging with siblings until occupancy is restored, collapsing the
// root if it runs out of separators. Consumes g and every guard in
// path.
func (tree *BPlusTree) handleUnderflow(g *bufferpool.PageGuard, n *node, path []pathStep, rootHeld *bool) error {
	for {
		if len(path) == 0 {
			// the topmost retained node is either the root (exempt from
			// minimum occupancy) or was proven safe; the cascade ends
			// here regardless of its count
			if *rootHeld && !n.leaf && len(n.entries) == 0 {
				// root collapse: the lone child becomes the new root
				child := n.children[0]
				tree.pager.SetRoot(child)
				tree.height--
				releaseW(g, false)
				logger.L.WithField("prefix", "bptree").
					Debugf("root collapsed into %d, height %d", child, tree.height)
				return tree.pool.FreePage(n.id)
			}
			err := tree.writeNode(g, n)
			releaseW(g, err == nil)
			return err
		}

		if len(n.entries) >= tree.minFor(n) {
			err := tree.writeNode(g, n)
			releasePathR(path)
			releaseW(g, err == nil)
			return err
		}

		parent := path[len(path)-1]
		path = path[:len(path)-1]

		merged, err := tree.rebalance(parent.g, parent.n, parent.idx, g, n)
		if err != nil {
			releasePathR(path)
			releaseW(parent.g, false)
			return err
		}

		g, n = parent.g, parent.n
		if !merged {
			// borrow updated a parent separator in place; occupancy is
			// unchanged so the loop terminates at this level
			continue
		}
		// merge removed a separator from the parent; re-check it
	}
}

// rebalance restores occupancy of n (the parent's child at index i) by
// borrowing from an immediate sibling above minimum occupancy, merging
// otherwise. A borrow mutates the parent in memory only and leaves its
// write to the caller; a merge writes the parent page before the
// absorbed sibling is freed, so the tree never references a freed
// page. Consumes g and any sibling guards, never pg; returns whether a
// separator was removed from the parent.
func (tree *BPlusTree) rebalance(pg *bufferpool.PageGuard, p *node, i int, g *bufferpool.PageGuard, n *node) (bool, error) {
	var rg, lg *bufferpool.PageGuard
	var rn, ln *node
	var err error

	if i+1 < len(p.children) {
		rg, rn, err = tree.fetchLatched(p.children[i+1], n.leaf)
		if err != nil {
			releaseW(g, false)
			return false, err
		}

		if len(rn.entries) > tree.minFor(rn) {
			tree.borrowFromRight(p, i, n, rn)
			return false, tree.writePair(g, n, rg, rn)
		}
	}

	if i > 0 {
		lg, ln, err = tree.fetchLatched(p.children[i-1], n.leaf)
		if err != nil {
			if rg != nil {
				releaseW(rg, false)
			}
			releaseW(g, false)
			return false, err
		}

		if len(ln.entries) > tree.minFor(ln) {
			if rg != nil {
				releaseW(rg, false)
			}
			tree.borrowFromLeft(p, i, n, ln)
			return false, tree.writePair(g, n, lg, ln)
		}
	}

	if rg != nil {
		// n absorbs its right sibling
		if lg != nil {
			releaseW(lg, false)
		}

		if n.leaf {
			n.entries = append(n.entries, rn.entries...)
			n.next = rn.next
			if rn.next != 0 {
				if err := tree.relinkPrev(rn.next, n.id); err != nil {
					releaseW(rg, false)
					releaseW(g, false)
					return false, err
				}
			}
		} else {
			n.entries = append(n.entries, entry{key: p.entries[i].key})
			n.entries = append(n.entries, rn.entries...)
			n.children = append(n.children, rn.children...)
		}
		p.removeEntry(i)
		p.removeChild(i + 1)

		err = tree.writeNode(g, n)
		if err == nil {
			err = tree.writeNode(pg, p)
		}
		releaseW(g, err == nil)
		releaseW(rg, false)
		if err != nil {
			return false, err
		}
		return true, tree.pool.FreePage(rn.id)
	}

	// the left sibling absorbs n
	if n.leaf {
		ln.entries = append(ln.entries, n.entries...)
		ln.next = n.next
		if n.next != 0 {
			if err := tree.relinkPrev(n.next, ln.id); err != nil {
				releaseW(lg, false)
				releaseW(g, false)
				return false, err
			}
		}
	} else {
		ln.entries = append(ln.entries, entry{key: p.entries[i-1].key})
		ln.entries = append(ln.entries, n.entries...)
		ln.children = append(ln.children, n.children...)
	}
	p.removeEntry(i - 1)
	p.removeChild(i)

	err = tree.writeNode(lg, ln)
	if err == nil {
		err = tree.writeNode(pg, p)
	}
	releaseW(lg, err == nil)
	releaseW(g, false)
	if err != nil {
		return false, err
	}
	return true, tree.pool.FreePage(n.id)
}

// borrowFromRight moves the right sibling's first entry (and child)
// into n, rotating the shared separator through the parent.
func (tree *BPlusTree) borrowFromRight(p *node, i int, n, rn *node) {
	if n.leaf {
		n.entries = append(n.entries, rn.removeEntry(0))
		p.entries[i] = entry{key: helpers.Copy(rn.entries[0].key)}
	} else {
		n.entries = append(n.entries, entry{key: p.entries[i].key})
		moved := rn.removeEntry(0)
		p.entries[i] = entry{key: moved.key}
		n.children = append(n.children, rn.removeChild(0))
	}
}

// borrowFromLeft moves the left sibling's last entry (and child) into
// n, rotating the shared separator through the parent.
func (tree *BPlusTree) borrowFromLeft(p *node, i int, n, ln *node) {
	if n.leaf {
		n.insertEntry(0, ln.removeEntry(len(ln.entries)-1))
		p.entries[i-1] = entry{key: helpers.Copy(n.entries[0].key)}
	} else {
		n.insertEntry(0, entry{key: p.entries[i-1].key})
		moved := ln.removeEntry(len(ln.entries) - 1)
		p.entries[i-1] = entry{key: moved.key}
		n.insertChild(0, ln.removeChild(len(ln.children)-1))
	}
}

// fetchLatched pins and exclusively latches a sibling page, checking
// it is the expected node kind.
func (tree *BPlusTree) fetchLatched(id pager.PageID, wantLeaf bool) (*bufferpool.PageGuard, *node, error) {
	g, err := tree.pool.Fetch(id)
	if err != nil {
		return nil, nil, err
	}
	g.Latch()

	n, err := tree.readNode(g)
	if err != nil {
		releaseW(g, false)
		return nil, nil, err
	}
	if n.leaf != wantLeaf {
		releaseW(g, false)
		return nil, nil, errors.Wrapf(customerrors.ErrCorruptIndex,
			"sibling %d kind mismatch", id)
	}
	return g, n, nil
}

// writePair writes two rebalanced nodes and releases their guards.
func (tree *BPlusTree) writePair(g *bufferpool.PageGuard, n *node, sg *bufferpool.PageGuard, sn *node) error {
	err := tree.writeNode(g, n)
	if err == nil {
		err = tree.writeNode(sg, sn)
	}
	releaseW(g, err == nil)
	releaseW(sg, err == nil)
	return err
}
