package helpers

// Copy returns a detached copy of b. Keys and values handed across the
// index boundary are always copied so callers cannot alias page memory.
func Copy(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
