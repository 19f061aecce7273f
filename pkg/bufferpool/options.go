package bufferpool

import "rusql/pkg/pager"

// WriteHook observes page mutations. It is invoked with the page id,
// the page image at the start of the mutating pin cycle and the image
// at its end. A write-ahead log can be layered on top of the pool
// through this hook without touching pool internals.
type WriteHook func(id pager.PageID, before, after []byte)

// Options represents the configuration options for the buffer pool.
type Options struct {
	// Frames is the number of in-memory page slots. The pool never
	// holds more than this many pages at once.
	Frames int `json:"frames"`

	// WriteHook, if set, is called once per mutating pin cycle with
	// before/after page images. See WriteHook.
	WriteHook WriteHook `json:"-"`
}

var defaultOptions = Options{
	Frames: 128,
}
