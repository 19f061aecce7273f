package bptree

import (
	"bytes"

	"github.com/pkg/errors"

	"rusql/pkg/bufferpool"
	"rusql/util/helpers"
)

// Options represents the configuration options for the B+ tree index.
type Options struct {
	// PageSize to be used for file I/O. Every node occupies exactly one
	// page of this size.
	PageSize int `json:"page_size"`

	// Frames is the buffer pool capacity in pages.
	Frames int `json:"frames"`

	// MaxKeySize represents the maximum size allowed for the key.
	// Put calls with larger keys will result in error.
	MaxKeySize int `json:"max_key_size"`

	// MaxValueSize represents the maximum size allowed for the value.
	// Node capacity shrinks as this grows, so smaller is better.
	MaxValueSize int `json:"max_value_size"`

	// Capacity is the maximum entry count per node. If 0, the largest
	// capacity whose worst-case node still fits in one page is used.
	Capacity int `json:"capacity"`

	// KeyCompare orders keys. Nil means bytes.Compare. Must define a
	// total order that is stable for the lifetime of the file.
	KeyCompare func(a, b []byte) int `json:"-"`

	// WriteHook is passed through to the buffer pool. See
	// bufferpool.WriteHook.
	WriteHook bufferpool.WriteHook `json:"-"`
}

var defaultOptions = Options{
	PageSize:     4096,
	Frames:       128,
	MaxKeySize:   64,
	MaxValueSize: 256,
}

// validate fills in derived fields and checks that a full node of
// either kind marshals into a single page.
func (o *Options) validate() error {
	if o.KeyCompare == nil {
		o.KeyCompare = bytes.Compare
	}
	if o.MaxKeySize <= 0 || o.MaxValueSize < 0 {
		return errors.Errorf("invalid key/value size limits: %d/%d", o.MaxKeySize, o.MaxValueSize)
	}

	if o.Capacity == 0 {
		o.Capacity = maxCapacity(o.PageSize, o.MaxKeySize, o.MaxValueSize)
	}
	if o.Capacity < 3 {
		return errors.Errorf("node capacity %d too small (need >= 3)", o.Capacity)
	}

	if leafNodeSize(o.Capacity, o.MaxKeySize, o.MaxValueSize) > o.PageSize ||
		internalNodeSize(o.Capacity, o.MaxKeySize) > o.PageSize {
		return errors.Errorf(
			"capacity %d with key size %d and value size %d does not fit page size %d",
			o.Capacity, o.MaxKeySize, o.MaxValueSize, o.PageSize,
		)
	}

	return nil
}

// maxCapacity returns the largest per-node entry count whose worst
// case leaf and internal layouts both fit in one page.
func maxCapacity(pageSize, keySize, valSize int) int {
	return helpers.Min(
		(pageSize-leafNodeHeaderSz)/(4+keySize+valSize),
		(pageSize-internalNodeHeaderSz-8)/(8+2+keySize),
	)
}
