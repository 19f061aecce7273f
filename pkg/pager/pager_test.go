package pager

import (
	"bytes"
	"path"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"rusql/pkg/customerrors"
)

func testPager(t *testing.T) *Pager {
	t.Helper()

	p, err := Open(path.Join(t.TempDir(), "rusql_test.db"), nil)
	require.NoError(t, err)
	require.NotNil(t, p)

	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPagerAlloc(t *testing.T) {
	p := testPager(t)

	id1, err := p.Alloc()
	require.NoError(t, err)
	require.Equal(t, PageID(1), id1)

	id2, err := p.Alloc()
	require.NoError(t, err)
	require.Equal(t, PageID(2), id2)

	require.Equal(t, uint64(3), p.Count())
}

func TestPagerReadWrite(t *testing.T) {
	p := testPager(t)

	id, err := p.Alloc()
	require.NoError(t, err)

	d := bytes.Repeat([]byte{0xAB}, p.PageSize())
	require.NoError(t, p.WritePage(id, d))

	got, err := p.ReadPage(id)
	require.NoError(t, err)
	require.Equal(t, d, got)

	// fresh pages come back zeroed
	id2, err := p.Alloc()
	require.NoError(t, err)
	got, err = p.ReadPage(id2)
	require.NoError(t, err)
	require.Equal(t, make([]byte, p.PageSize()), got)
}

func TestPagerInvalidAccess(t *testing.T) {
	p := testPager(t)

	_, err := p.ReadPage(0)
	require.ErrorIs(t, err, customerrors.ErrInvalidPage)

	_, err = p.ReadPage(42)
	require.ErrorIs(t, err, customerrors.ErrInvalidPage)

	id, err := p.Alloc()
	require.NoError(t, err)

	err = p.WritePage(id, []byte("short"))
	require.Error(t, err)

	err = p.WritePage(PageID(42), make([]byte, p.PageSize()))
	require.ErrorIs(t, err, customerrors.ErrInvalidPage)
}

func TestPagerFreeRecycles(t *testing.T) {
	p := testPager(t)

	var ids []PageID
	for i := 0; i < 3; i++ {
		id, err := p.Alloc()
		require.NoError(t, err)
		ids = append(ids, id)

		d := bytes.Repeat([]byte{byte(i + 1)}, p.PageSize())
		require.NoError(t, p.WritePage(id, d))
	}

	require.NoError(t, p.Free(ids[1]))
	require.NoError(t, p.Free(ids[2]))

	// double free must be rejected
	err := p.Free(ids[1])
	require.ErrorIs(t, err, customerrors.ErrInvalidPage)

	// free list is LIFO; recycled pages come back zeroed
	id, err := p.Alloc()
	require.NoError(t, err)
	require.Equal(t, ids[2], id)

	got, err := p.ReadPage(id)
	require.NoError(t, err)
	require.Equal(t, make([]byte, p.PageSize()), got)

	id, err = p.Alloc()
	require.NoError(t, err)
	require.Equal(t, ids[1], id)

	// chain drained, the extent grows again
	id, err = p.Alloc()
	require.NoError(t, err)
	require.Equal(t, PageID(4), id)
}

func TestPagerFreeOutOfRange(t *testing.T) {
	p := testPager(t)

	require.ErrorIs(t, p.Free(0), customerrors.ErrInvalidPage)
	require.ErrorIs(t, p.Free(99), customerrors.ErrInvalidPage)
}

func TestPagerGrowBeyondInitialMapping(t *testing.T) {
	p := testPager(t)

	// cross the initial mapping size to exercise remapping
	n := initialPages * 4
	for i := 0; i < n; i++ {
		id, err := p.Alloc()
		require.NoError(t, err)

		d := bytes.Repeat([]byte{byte(i)}, p.PageSize())
		require.NoError(t, p.WritePage(id, d))
	}

	for i := 0; i < n; i++ {
		got, err := p.ReadPage(PageID(i + 1))
		require.NoError(t, err)
		require.Equal(t, byte(i), got[0])
	}
}

func TestPagerReopen(t *testing.T) {
	file := path.Join(t.TempDir(), "rusql_test.db")

	p, err := Open(file, nil)
	require.NoError(t, err)

	id1, err := p.Alloc()
	require.NoError(t, err)
	id2, err := p.Alloc()
	require.NoError(t, err)

	d := bytes.Repeat([]byte{0xCD}, p.PageSize())
	require.NoError(t, p.WritePage(id1, d))
	require.NoError(t, p.WritePage(id2, d))
	require.NoError(t, p.Free(id2))
	p.SetRoot(id1)
	require.NoError(t, p.Close())

	p, err = Open(file, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close()) }()

	require.Equal(t, uint64(3), p.Count())
	require.Equal(t, id1, p.Root())

	got, err := p.ReadPage(id1)
	require.NoError(t, err)
	require.Equal(t, d, got)

	// the free chain survives reopen
	id, err := p.Alloc()
	require.NoError(t, err)
	require.Equal(t, id2, id)
}

func TestPagerErrorsAreWrapped(t *testing.T) {
	p := testPager(t)

	_, err := p.ReadPage(7)
	require.Equal(t, customerrors.ErrInvalidPage, errors.Cause(err))
}
