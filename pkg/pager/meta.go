package pager

import (
	"github.com/pkg/errors"

	"rusql/pkg/customerrors"
)

const (
	magic   = uint16(0x5153)
	version = uint8(0x1)

	// metadataSize is the number of bytes the superblock occupies at the
	// start of page 0.
	metadataSize = 32
)

// metadata is the superblock stored in page 0. It is the only state
// needed to recover the pager from the file alone: the free list is a
// chain starting at freeHead and threaded through the freed pages
// themselves.
type metadata struct {
	dirty bool

	magic    uint16 // magic marker to identify the page file
	version  uint8  // version of the layout
	flags    uint8  // unused
	pageSize uint32 // page size the file was initialized with
	count    uint64 // allocated extent in pages, including page 0
	freeHead PageID // head of the free page chain, 0 if empty
	root     PageID // root page id of the index stored in this file
}

func (m metadata) MarshalBinary() ([]byte, error) {
	buf := make([]byte, metadataSize)
	bin.PutUint16(buf[0:2], m.magic)
	buf[2] = m.version
	buf[3] = m.flags
	bin.PutUint32(buf[4:8], m.pageSize)
	bin.PutUint64(buf[8:16], m.count)
	bin.PutUint64(buf[16:24], uint64(m.freeHead))
	bin.PutUint64(buf[24:32], uint64(m.root))
	return buf, nil
}

func (m *metadata) UnmarshalBinary(d []byte) error {
	if m == nil {
		return errors.New("cannot unmarshal into nil metadata")
	} else if len(d) < metadataSize {
		return errors.Wrap(customerrors.ErrCorruptIndex, "insufficient data for superblock")
	}

	m.magic = bin.Uint16(d[0:2])
	m.version = d[2]
	m.flags = d[3]
	m.pageSize = bin.Uint32(d[4:8])
	m.count = bin.Uint64(d[8:16])
	m.freeHead = PageID(bin.Uint64(d[16:24]))
	m.root = PageID(bin.Uint64(d[24:32]))
	return nil
}
