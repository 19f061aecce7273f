package pager

import "os"

// Options represents the configuration options for the pager.
type Options struct {
	// PageSize to be used for file I/O. All reads and writes will always
	// be done with pages of this size.
	PageSize int `json:"page_size"`

	// FileMode used when creating the backing file.
	FileMode os.FileMode `json:"file_mode"`
}

var defaultOptions = Options{
	PageSize: 4096,
	FileMode: 0644,
}
