// Package pager implements an on-disk page store. The backing file is a
// sequence of fixed size pages addressed by PageID; page 0 is the
// superblock. Freed pages form a chain threaded through the pages
// themselves, so the store is fully recoverable from the file alone.
// The file is accessed through a memory mapping which is grown as the
// extent grows.
package pager

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"rusql/pkg/customerrors"
	"rusql/util/helpers"
	"rusql/util/logger"
)

// bin is the byte order used for all marshals/unmarshals.
var bin = binary.LittleEndian

// PageID identifies a fixed size slot in the backing file. The byte
// offset of a page is PageID * page size. 0 is the superblock and is
// never handed out by Alloc.
type PageID uint64

// Page type tags stored in the first byte of every page. The pager only
// interprets PageFree (to maintain the free chain and reject double
// frees); the rest belong to the index layered on top.
const (
	PageFree     = byte(0x00)
	PageLeaf     = byte(0x01)
	PageInternal = byte(0x02)
	PageOverflow = byte(0x03)
)

// free page header: 1 byte tag + 8 bytes next free page id
const freePageHeaderSz = 9

// initialPages is the number of pages the mapping starts with. The file
// can be larger than the allocated extent; meta.count is authoritative.
const initialPages = 8

// Open opens the named file as a page file and returns a Pager for use.
// If the file is empty it is formatted with a fresh superblock. If nil
// options are provided, defaultOptions will be used.
func Open(fileName string, opts *Options) (*Pager, error) {
	if opts == nil {
		opts = &defaultOptions
	}
	if opts.PageSize < metadataSize || opts.PageSize%512 != 0 {
		return nil, errors.Errorf("invalid page size: %d", opts.PageSize)
	}

	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, opts.FileMode)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open page file")
	}

	p := &Pager{
		file:     f,
		fileName: fileName,
		pageSize: opts.PageSize,
	}

	if err := p.open(); err != nil {
		_ = f.Close()
		return nil, err
	}

	logger.L.WithField("prefix", "pager").
		Debugf("opened '%s' (pages=%d, pageSize=%d)", fileName, p.meta.count, p.pageSize)
	return p, nil
}

// Pager provides raw page level access to a single file. All methods
// are safe for concurrent use; access is serialized by a single mutex
// since callers (the buffer pool) batch their I/O anyway.
type Pager struct {
	mu       sync.Mutex
	file     *os.File
	fileName string
	pageSize int
	mem      mmap.MMap
	meta     *metadata
}

// Alloc returns a zero-filled page. A previously freed page is recycled
// if the free chain is non-empty; otherwise the extent grows by one
// page.
func (p *Pager) Alloc() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.meta.freeHead != 0 {
		id := p.meta.freeHead
		s, err := p.slot(id)
		if err != nil {
			return 0, err
		}
		if s[0] != PageFree {
			return 0, errors.Wrapf(customerrors.ErrCorruptIndex,
				"free chain points at non-free page %d", id)
		}

		p.meta.freeHead = PageID(bin.Uint64(s[1:freePageHeaderSz]))
		p.meta.dirty = true
		zero(s)
		return id, nil
	}

	id := PageID(p.meta.count)
	if err := p.ensure(uint64(id) + 1); err != nil {
		return 0, err
	}

	p.meta.count++
	p.meta.dirty = true

	s, err := p.slot(id)
	if err != nil {
		return 0, err
	}
	zero(s)
	return id, nil
}

// Free pushes the page onto the free chain. The page must be inside the
// allocated extent and not already free.
func (p *Pager) Free(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.slot(id)
	if err != nil {
		return err
	}
	if s[0] == PageFree {
		return errors.Wrapf(customerrors.ErrInvalidPage, "double free of page %d", id)
	}

	zero(s)
	s[0] = PageFree
	bin.PutUint64(s[1:freePageHeaderSz], uint64(p.meta.freeHead))
	p.meta.freeHead = id
	p.meta.dirty = true
	return nil
}

// ReadPage returns a copy of the page contents.
func (p *Pager) ReadPage(id PageID) ([]byte, error) {
	buf := make([]byte, p.pageSize)
	return buf, p.ReadPageInto(id, buf)
}

// ReadPageInto reads the page contents into dst, which must be exactly
// one page long.
func (p *Pager) ReadPageInto(id PageID, dst []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(dst) != p.pageSize {
		return errors.Errorf("invalid read buffer size: %d", len(dst))
	}

	s, err := p.slot(id)
	if err != nil {
		return err
	}

	copy(dst, s)
	return nil
}

// WritePage overwrites the page with d, which must be exactly one page
// long. Exactly one page-aligned region is touched per call.
func (p *Pager) WritePage(id PageID, d []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(d) != p.pageSize {
		return errors.Errorf("invalid page data size: %d (expected %d)", len(d), p.pageSize)
	}

	s, err := p.slot(id)
	if err != nil {
		return err
	}

	copy(s, d)
	return nil
}

// PageSize returns the page size the file was initialized with.
func (p *Pager) PageSize() int { return p.pageSize }

// Count returns the allocated extent in pages, including the
// superblock.
func (p *Pager) Count() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta.count
}

// Root returns the index root page id recorded in the superblock, 0 if
// none has been set yet.
func (p *Pager) Root() PageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta.root
}

// SetRoot records the index root page id in the superblock.
func (p *Pager) SetRoot(id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meta.root = id
	p.meta.dirty = true
}

// Flush writes the superblock if dirty and syncs the mapping to disk.
func (p *Pager) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flush()
}

// Close flushes any pending writes and closes the underlying file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil
	}

	if err := p.flush(); err != nil {
		return err
	}
	if err := p.mem.Unmap(); err != nil {
		return errors.Wrap(err, "failed to unmap page file")
	}

	err := p.file.Close()
	p.file = nil
	logger.L.WithField("prefix", "pager").Debugf("closed '%s'", p.fileName)
	return errors.Wrap(err, "failed to close page file")
}

func (p *Pager) String() string {
	return fmt.Sprintf("Pager{file='%s', pages=%d, pageSize=%d}", p.fileName, p.meta.count, p.pageSize)
}

// slot returns the mapped bytes of the given page. Callers must hold
// p.mu; the slice is invalidated by the next extent growth.
func (p *Pager) slot(id PageID) ([]byte, error) {
	if id == 0 || uint64(id) >= p.meta.count {
		return nil, errors.Wrapf(customerrors.ErrInvalidPage,
			"page %d outside extent [1, %d)", id, p.meta.count)
	}

	off := int(id) * p.pageSize
	return p.mem[off : off+p.pageSize], nil
}

// ensure grows the file and the mapping so that at least n pages are
// addressable. Growth is geometric to bound remap frequency.
func (p *Pager) ensure(n uint64) error {
	mapped := uint64(len(p.mem)) / uint64(p.pageSize)
	if n <= mapped {
		return nil
	}
	target := helpers.Max(mapped*2, n)

	if err := p.mem.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush mapping before grow")
	}
	if err := p.mem.Unmap(); err != nil {
		return errors.Wrap(err, "failed to unmap before grow")
	}
	if err := p.file.Truncate(int64(target) * int64(p.pageSize)); err != nil {
		return errors.Wrap(err, "failed to grow page file")
	}

	mem, err := mmap.Map(p.file, mmap.RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "failed to remap grown page file")
	}

	p.mem = mem
	logger.L.WithField("prefix", "pager").
		Debugf("grew '%s' to %d pages", p.fileName, target)
	return nil
}

func (p *Pager) flush() error {
	if p.meta.dirty {
		d, err := p.meta.MarshalBinary()
		if err != nil {
			return errors.Wrap(err, "failed to marshal superblock")
		}
		copy(p.mem[:metadataSize], d)
		p.meta.dirty = false
	}
	return errors.Wrap(p.mem.Flush(), "failed to flush mapping")
}

// open maps the file and loads or initializes the superblock.
func (p *Pager) open() error {
	info, err := p.file.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat page file")
	}

	if info.Size() == 0 {
		return p.init()
	}
	if info.Size()%int64(p.pageSize) != 0 {
		return errors.Wrapf(customerrors.ErrCorruptIndex,
			"file size %d is not a multiple of page size %d", info.Size(), p.pageSize)
	}

	mem, err := mmap.Map(p.file, mmap.RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "failed to map page file")
	}
	p.mem = mem

	p.meta = &metadata{}
	if err := p.meta.UnmarshalBinary(p.mem[:metadataSize]); err != nil {
		return err
	}

	if p.meta.magic != magic {
		return errors.Wrapf(customerrors.ErrCorruptIndex, "bad magic %#x", p.meta.magic)
	}
	if p.meta.version != version {
		return errors.Errorf("incompatible version %#x (expected: %#x)", p.meta.version, version)
	}
	if int(p.meta.pageSize) != p.pageSize {
		// trust the on-disk page size over the configured one
		p.pageSize = int(p.meta.pageSize)
	}
	if p.meta.count == 0 || int64(p.meta.count)*int64(p.pageSize) > info.Size() {
		return errors.Wrapf(customerrors.ErrCorruptIndex,
			"extent %d pages exceeds file size %d", p.meta.count, info.Size())
	}

	return nil
}

// init formats an empty file: grows it to the initial size, maps it and
// writes a fresh superblock.
func (p *Pager) init() error {
	if err := p.file.Truncate(int64(initialPages) * int64(p.pageSize)); err != nil {
		return errors.Wrap(err, "failed to size new page file")
	}

	mem, err := mmap.Map(p.file, mmap.RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "failed to map new page file")
	}
	p.mem = mem

	p.meta = &metadata{
		dirty:    true,
		magic:    magic,
		version:  version,
		pageSize: uint32(p.pageSize),
		count:    1, // the superblock
	}
	return p.flush()
}

func zero(s []byte) {
	for i := range s {
		s[i] = 0
	}
}
