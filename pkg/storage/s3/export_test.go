package s3

// Key exposes the internal key-building logic for testing purposes.
func (b *Backend) Key(path string) string {
	return b.key(path)
}
