package bptree

import (
	"fmt"

	"github.com/pkg/errors"

	"rusql/pkg/customerrors"
	"rusql/pkg/pager"
)

const (
	// tag (1) + count (2) + prev (8) + next (8)
	leafNodeHeaderSz = 19
	// tag (1) + count (2); the child id array follows
	internalNodeHeaderSz = 3
)

func leafNodeSize(capacity, keySize, valSize int) int {
	return leafNodeHeaderSz + capacity*(4+keySize+valSize)
}

func internalNodeSize(capacity, keySize int) int {
	return internalNodeHeaderSz + (capacity+1)*8 + capacity*(2+keySize)
}

// entry is a single key/value pair. Internal nodes carry keys only.
type entry struct {
	key []byte
	val []byte
}

// node is the materialized view of one index page. A leaf holds sorted
// entries plus prev/next sibling page ids; an internal node holds k
// separator keys and k+1 child page ids. Nodes reference each other by
// PageID only, resolved through the buffer pool.
type node struct {
	id       pager.PageID
	leaf     bool
	entries  []entry
	children []pager.PageID
	prev     pager.PageID
	next     pager.PageID
}

// search performs a binary search over the node's keys. For a leaf it
// returns the position where key is (or belongs) and whether it was
// found. For an internal node it returns the child index covering key:
// equal keys route right of the separator.
func (n *node) search(key []byte, cmp func(a, b []byte) int) (idx int, found bool) {
	left, right := 0, len(n.entries)-1

	for left <= right {
		idx = (left + right) / 2

		c := cmp(key, n.entries[idx].key)
		if c == 0 {
			if n.leaf {
				return idx, true
			}
			return idx + 1, true
		} else if c > 0 {
			left = idx + 1
		} else {
			right = idx - 1
		}
	}

	return left, false
}

func (n *node) insertEntry(idx int, e entry) {
	n.entries = append(n.entries, entry{})
	copy(n.entries[idx+1:], n.entries[idx:])
	n.entries[idx] = e
}

func (n *node) removeEntry(idx int) entry {
	e := n.entries[idx]
	n.entries = append(n.entries[:idx], n.entries[idx+1:]...)
	return e
}

func (n *node) insertChild(idx int, id pager.PageID) {
	n.children = append(n.children, 0)
	copy(n.children[idx+1:], n.children[idx:])
	n.children[idx] = id
}

func (n *node) removeChild(idx int) pager.PageID {
	id := n.children[idx]
	n.children = append(n.children[:idx], n.children[idx+1:]...)
	return id
}

func (n *node) size() int {
	sz := internalNodeHeaderSz
	if n.leaf {
		sz = leafNodeHeaderSz
	} else {
		sz += len(n.children) * 8
	}

	for i := range n.entries {
		sz += 2 + len(n.entries[i].key)
		if n.leaf {
			sz += 2 + len(n.entries[i].val)
		}
	}
	return sz
}

func (n *node) String() string {
	return fmt.Sprintf(
		"node{id=%d, leaf=%t, entries=%d, %d<-n->%d}",
		n.id, n.leaf, len(n.entries), n.prev, n.next,
	)
}

// writeTo marshals the node into the page buffer d (exactly one page).
// The tail beyond the node image is zeroed so page images are
// deterministic.
func (n *node) writeTo(d []byte) error {
	if n.size() > len(d) {
		return errors.Errorf("node does not fit page: %d > %d", n.size(), len(d))
	}
	if !n.leaf && len(n.children) != len(n.entries)+1 {
		return errors.Errorf(
			"internal node with %d entries has %d children", len(n.entries), len(n.children))
	}

	for i := range d {
		d[i] = 0
	}

	offset := 0
	if n.leaf {
		d[offset] = pager.PageLeaf
		offset++
		bin.PutUint16(d[offset:offset+2], uint16(len(n.entries)))
		offset += 2
		bin.PutUint64(d[offset:offset+8], uint64(n.prev))
		offset += 8
		bin.PutUint64(d[offset:offset+8], uint64(n.next))
		offset += 8

		for i := range n.entries {
			e := &n.entries[i]
			bin.PutUint16(d[offset:offset+2], uint16(len(e.key)))
			offset += 2
			copy(d[offset:], e.key)
			offset += len(e.key)
			bin.PutUint16(d[offset:offset+2], uint16(len(e.val)))
			offset += 2
			copy(d[offset:], e.val)
			offset += len(e.val)
		}
	} else {
		d[offset] = pager.PageInternal
		offset++
		bin.PutUint16(d[offset:offset+2], uint16(len(n.entries)))
		offset += 2

		for _, c := range n.children {
			bin.PutUint64(d[offset:offset+8], uint64(c))
			offset += 8
		}
		for i := range n.entries {
			e := &n.entries[i]
			bin.PutUint16(d[offset:offset+2], uint16(len(e.key)))
			offset += 2
			copy(d[offset:], e.key)
			offset += len(e.key)
		}
	}

	return nil
}

// readFrom unmarshals the node from the page buffer. All keys and
// values are copied so the node never aliases frame memory. Structural
// inconsistencies surface as ErrCorruptIndex.
func (n *node) readFrom(d []byte) error {
	if len(d) < internalNodeHeaderSz {
		return errors.Wrap(customerrors.ErrCorruptIndex, "short page")
	}

	switch d[0] {
	case pager.PageLeaf:
		n.leaf = true
	case pager.PageInternal:
		n.leaf = false
	default:
		return errors.Wrapf(customerrors.ErrCorruptIndex, "unexpected page tag %#x", d[0])
	}

	count := int(bin.Uint16(d[1:3]))
	offset := 3

	n.entries = make([]entry, 0, count)
	if n.leaf {
		if len(d) < leafNodeHeaderSz {
			return errors.Wrap(customerrors.ErrCorruptIndex, "short leaf page")
		}
		n.prev = pager.PageID(bin.Uint64(d[offset : offset+8]))
		offset += 8
		n.next = pager.PageID(bin.Uint64(d[offset : offset+8]))
		offset += 8

		for i := 0; i < count; i++ {
			key, next, err := readBlob(d, offset)
			if err != nil {
				return err
			}
			val, next, err := readBlob(d, next)
			if err != nil {
				return err
			}
			offset = next
			n.entries = append(n.entries, entry{key: key, val: val})
		}
	} else {
		if count == 0 || offset+(count+1)*8 > len(d) {
			return errors.Wrapf(customerrors.ErrCorruptIndex,
				"internal node entry count %d does not fit page", count)
		}

		n.children = make([]pager.PageID, 0, count+1)
		for i := 0; i < count+1; i++ {
			id := pager.PageID(bin.Uint64(d[offset : offset+8]))
			if id == 0 {
				return errors.Wrap(customerrors.ErrCorruptIndex, "zero child page id")
			}
			n.children = append(n.children, id)
			offset += 8
		}
		for i := 0; i < count; i++ {
			key, next, err := readBlob(d, offset)
			if err != nil {
				return err
			}
			offset = next
			n.entries = append(n.entries, entry{key: key})
		}
	}

	return nil
}

// readBlob reads a length-prefixed byte blob at offset, returning a
// copy and the offset past it.
func readBlob(d []byte, offset int) ([]byte, int, error) {
	if offset+2 > len(d) {
		return nil, 0, errors.Wrap(customerrors.ErrCorruptIndex, "truncated length prefix")
	}
	sz := int(bin.Uint16(d[offset : offset+2]))
	offset += 2
	if offset+sz > len(d) {
		return nil, 0, errors.Wrap(customerrors.ErrCorruptIndex, "blob overruns page")
	}

	b := make([]byte, sz)
	copy(b, d[offset:offset+sz])
	return b, offset + sz, nil
}
