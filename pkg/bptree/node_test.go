package bptree

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"rusql/pkg/customerrors"
	"rusql/pkg/pager"
)

func Test_node_search(t *testing.T) {
	leaf := &node{
		leaf: true,
		entries: []entry{
			{key: []byte("b"), val: []byte("1")},
			{key: []byte("d"), val: []byte("2")},
			{key: []byte("f"), val: []byte("3")},
		},
	}

	idx, found := leaf.search([]byte("d"), bytes.Compare)
	require.True(t, found)
	require.Equal(t, 1, idx)

	idx, found = leaf.search([]byte("c"), bytes.Compare)
	require.False(t, found)
	require.Equal(t, 1, idx)

	idx, found = leaf.search([]byte("a"), bytes.Compare)
	require.False(t, found)
	require.Equal(t, 0, idx)

	idx, found = leaf.search([]byte("g"), bytes.Compare)
	require.False(t, found)
	require.Equal(t, 3, idx)

	internal := &node{
		entries:  []entry{{key: []byte("b")}, {key: []byte("d")}},
		children: []pager.PageID{3, 18, 4},
	}

	// an equal key routes right of its separator
	idx, found = internal.search([]byte("d"), bytes.Compare)
	require.True(t, found)
	require.Equal(t, 2, idx)

	idx, found = internal.search([]byte("c"), bytes.Compare)
	require.False(t, found)
	require.Equal(t, 1, idx)
}

func Test_node_marshal_leaf(t *testing.T) {
	n := &node{
		id:   7,
		leaf: true,
		prev: 3,
		next: 9,
		entries: []entry{
			{key: []byte("hello"), val: []byte("world")},
			{key: []byte("key"), val: []byte("value")},
		},
	}

	d := make([]byte, 4096)
	require.NoError(t, n.writeTo(d))
	require.Equal(t, pager.PageLeaf, d[0])

	got := &node{id: 7}
	require.NoError(t, got.readFrom(d))

	require.True(t, got.leaf)
	require.Equal(t, n.prev, got.prev)
	require.Equal(t, n.next, got.next)
	require.Equal(t, n.entries, got.entries)
}

func Test_node_marshal_internal(t *testing.T) {
	n := &node{
		id:       2,
		entries:  []entry{{key: []byte("k1")}, {key: []byte("k2")}},
		children: []pager.PageID{5, 11, 6},
	}

	d := make([]byte, 4096)
	require.NoError(t, n.writeTo(d))
	require.Equal(t, pager.PageInternal, d[0])

	got := &node{id: 2}
	require.NoError(t, got.readFrom(d))

	require.False(t, got.leaf)
	require.Equal(t, n.entries, got.entries)
	require.Equal(t, n.children, got.children)
}

func Test_node_marshal_invalid(t *testing.T) {
	// an internal node must carry one more child than entries
	n := &node{
		entries:  []entry{{key: []byte("k1")}},
		children: []pager.PageID{5},
	}
	require.Error(t, n.writeTo(make([]byte, 4096)))
}

func Test_node_unmarshal_corrupt(t *testing.T) {
	d := make([]byte, 4096)

	d[0] = pager.PageOverflow
	require.ErrorIs(t, (&node{}).readFrom(d), customerrors.ErrCorruptIndex)

	// internal node with a zero child page id
	n := &node{
		entries:  []entry{{key: []byte("k1")}},
		children: []pager.PageID{5, 6},
	}
	require.NoError(t, n.writeTo(d))
	bin.PutUint64(d[3:11], 0)
	require.ErrorIs(t, (&node{}).readFrom(d), customerrors.ErrCorruptIndex)

	// free pages never decode as nodes
	require.ErrorIs(t, (&node{}).readFrom(make([]byte, 4096)), customerrors.ErrCorruptIndex)
}
