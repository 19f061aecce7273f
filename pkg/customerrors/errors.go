// Package customerrors defines the common error taxonomy shared by the
// storage core. Every fallible operation in pager, bufferpool and bptree
// returns one of these sentinels (possibly wrapped with context) or a
// wrapped I/O error from the operating system.
package customerrors

import (
	"errors"
)

var (
	// ErrKeyNotFound is returned from lookup/delete operations when the
	// key is not present in the index.
	ErrKeyNotFound = errors.New("key not found")

	// ErrDuplicateKey is returned when inserting a key that already
	// exists in a unique index.
	ErrDuplicateKey = errors.New("key already exists")

	// ErrKeyTooLarge is returned when a key is larger than the
	// configured limit.
	ErrKeyTooLarge = errors.New("key is too large")

	// ErrValueTooLarge is returned when a value is larger than the
	// configured limit.
	ErrValueTooLarge = errors.New("value is too large")

	// ErrEmptyKey is returned when an operation is requested with an
	// empty key.
	ErrEmptyKey = errors.New("empty key")

	// ErrInvalidPage indicates broken page id bookkeeping: the id is out
	// of the allocated extent, refers to the superblock, or is being
	// freed twice. This is a programming error, not a runtime condition.
	ErrInvalidPage = errors.New("invalid page id")

	// ErrPoolExhausted is returned by the buffer pool when every frame
	// is pinned and no victim can be evicted. Transient: the caller may
	// release pins and retry.
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrCorruptIndex indicates an on-disk structural invariant
	// violation (bad page tag, impossible entry count, truncated node).
	// The operation aborts without further mutation.
	ErrCorruptIndex = errors.New("corrupt index structure")
)
